package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hub-sync-service/internal/entity"
	"hub-sync-service/internal/hub"
	"hub-sync-service/internal/logger"
	"hub-sync-service/internal/mapper"
	"hub-sync-service/internal/store"
	"hub-sync-service/internal/storedb"
	"hub-sync-service/internal/syncerr"
)

// errInterrupted ends a pass whose context ran out between pages. Work
// already applied stays; the watermark does not move.
var errInterrupted = errors.New("interrupted before all pages were processed")

const applyChunk = 100

// typeSync runs the passes of one entity type within one cycle.
type typeSync struct {
	m      *Manager
	schema *entity.Schema
	since  time.Time
	report *TypeReport

	mu sync.Mutex
	// seen holds the newest source time applied per direction and id, so a
	// record listed twice in one pass is never overwritten by an older copy.
	seen map[string]time.Time
	// unreadable holds Hub ids whose current copy failed to decode.
	unreadable map[string]bool
}

func newTypeSync(m *Manager, s *entity.Schema, since time.Time, tr *TypeReport) *typeSync {
	return &typeSync{
		m:          m,
		schema:     s,
		since:      since,
		report:     tr,
		seen:       make(map[string]time.Time),
		unreadable: make(map[string]bool),
	}
}

// markUnreadable reports whether hubID was not marked before.
func (t *typeSync) markUnreadable(hubID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unreadable[hubID] {
		return false
	}
	t.unreadable[hubID] = true
	return true
}

func (t *typeSync) isUnreadable(hubID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unreadable[hubID]
}

// invalid sends listed Hub records that failed to decode to the ledger.
func (t *typeSync) invalid(ctx context.Context, errs []hub.RecordError) error {
	for _, e := range errs {
		if !t.markUnreadable(e.ID) {
			// Already failed its ledger retry this cycle.
			continue
		}
		ref := RecordRef{EntityType: t.schema.Type, Direction: entity.Pull, SourceID: e.ID}
		if err := t.handle(ctx, ref, e.Err); err != nil {
			return err
		}
	}
	return nil
}

func (t *typeSync) et() string {
	return string(t.schema.Type)
}

func (t *typeSync) claim(dir entity.Direction, id string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := string(dir) + "/" + id
	if prev, ok := t.seen[key]; ok && !at.After(prev) {
		return false
	}
	t.seen[key] = at
	return true
}

// watermark returns where a pass starts listing and whether it may move the
// stored watermark when done. A since later than the stored watermark skips
// a window that is still unsynced, so the stored watermark stays put.
func (t *typeSync) watermark(ctx context.Context, dir entity.Direction) (time.Time, bool, error) {
	c, err := t.m.store.GetCursor(ctx, t.et(), string(dir))
	if err != nil {
		return time.Time{}, false, syncerr.Connectivity("read watermark", err)
	}
	var stored time.Time
	if c != nil {
		stored = c.Watermark
	}
	if t.since.IsZero() {
		return stored, true, nil
	}
	if t.since.After(stored) {
		logger.Log.Debug("Since is past the watermark, keeping it",
			zap.String("entity_type", t.et()),
			zap.String("direction", string(dir)),
			zap.Time("since", t.since),
			zap.Time("watermark", stored),
		)
		return t.since, false, nil
	}
	return t.since, true, nil
}

func (t *typeSync) advance(ctx context.Context, dir entity.Direction, at time.Time, ok bool) error {
	if !ok {
		return nil
	}
	err := t.m.store.AdvanceCursor(context.WithoutCancel(ctx), &store.Cursor{
		EntityType: t.et(),
		Direction:  string(dir),
		Watermark:  at,
		UpdatedAt:  t.m.now(),
	})
	if err != nil {
		return syncerr.Connectivity("advance watermark", err)
	}
	return nil
}

// listErr turns a failed fetch into errInterrupted when the cycle context
// ended, so a deadline never reads as a type failure.
func listErr(ctx context.Context, what string, err error) error {
	if ctx.Err() != nil {
		return errInterrupted
	}
	return fmt.Errorf("failed to list %s: %w", what, err)
}

// handle contains a record failure. Record-scoped errors go to the ledger
// and the pass continues; anything else is returned and ends the type.
func (t *typeSync) handle(ctx context.Context, ref RecordRef, err error) error {
	if err == nil {
		return nil
	}
	if !syncerr.IsRecordScoped(err) && syncerr.KindOf(err) != syncerr.KindConflict {
		t.report.add(func(r *TypeReport) { r.Failed++ })
		return err
	}
	entry, lerr := t.m.ledger.RecordFailure(ctx, ref, err)
	if lerr != nil {
		return syncerr.Connectivity("failure ledger", lerr)
	}
	t.report.add(func(r *TypeReport) {
		r.Failed++
		r.NewFailures = append(r.NewFailures, entry)
	})
	return nil
}

// settle finishes a written record: unresolved relations keep it in the
// ledger, otherwise a retried record leaves it.
func (t *typeSync) settle(ctx context.Context, ref RecordRef, res mapper.Result, forced bool) error {
	if res.HasDeferred() {
		d := res.Deferred[0]
		cause := syncerr.Errorf(syncerr.KindDeferredRelation, "map "+t.et(),
			"%d relation(s) pending, first %s -> %s %s", len(res.Deferred), d.Field, d.Target, d.PeerID)
		entry, err := t.m.ledger.RecordFailure(ctx, ref, cause)
		if err != nil {
			return syncerr.Connectivity("failure ledger", err)
		}
		t.report.add(func(r *TypeReport) {
			r.Deferred++
			r.NewFailures = append(r.NewFailures, entry)
		})
		return nil
	}
	if forced {
		if err := t.m.ledger.Resolve(ctx, ref); err != nil {
			return syncerr.Connectivity("failure ledger", err)
		}
	}
	return nil
}

// apply runs fn for every item with bounded concurrency. Writes are detached
// from ctx so a deadline never leaves a record half written.
func apply[T any](ctx context.Context, limit int, items []T, fn func(ctx context.Context, item T) error) error {
	var g errgroup.Group
	g.SetLimit(limit)
	writeCtx := context.WithoutCancel(ctx)
	for _, item := range items {
		item := item
		g.Go(func() error {
			return fn(writeCtx, item)
		})
	}
	return g.Wait()
}

// pull copies Hub changes into the Store.
func (t *typeSync) pull(ctx context.Context) error {
	since, movable, err := t.watermark(ctx, entity.Pull)
	if err != nil {
		return err
	}
	fetchStart := t.m.now()

	retry, err := t.retryHub(ctx)
	if err != nil {
		return err
	}
	if err := apply(ctx, t.m.cfg.RecordConcurrency, retry, func(ctx context.Context, rec hub.Record) error {
		return t.pullRecord(ctx, rec, true)
	}); err != nil {
		return err
	}

	cursor := ""
	for {
		if ctx.Err() != nil {
			return errInterrupted
		}
		page, err := t.m.hub.ListChanged(ctx, t.schema, since, cursor)
		if err != nil {
			return listErr(ctx, "hub changes", err)
		}
		if err := t.invalid(context.WithoutCancel(ctx), page.Invalid); err != nil {
			return err
		}
		if err := apply(ctx, t.m.cfg.RecordConcurrency, page.Records, func(ctx context.Context, rec hub.Record) error {
			return t.pullRecord(ctx, rec, false)
		}); err != nil {
			return err
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	return t.advance(ctx, entity.Pull, fetchStart, movable)
}

// retryHub fetches the current Hub copy of every pull ledger entry. Entries
// whose record no longer exists are dropped.
func (t *typeSync) retryHub(ctx context.Context) ([]hub.Record, error) {
	entries, err := t.m.ledger.DrainForRetry(ctx, t.schema.Type, entity.Pull)
	if err != nil {
		return nil, syncerr.Connectivity("failure ledger", err)
	}
	var out []hub.Record
	for _, e := range entries {
		if ctx.Err() != nil {
			return nil, errInterrupted
		}
		ref := RecordRef{EntityType: t.schema.Type, Direction: entity.Pull, SourceID: e.SourceID}
		rec, err := t.m.hub.Get(ctx, t.schema, e.SourceID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errInterrupted
			}
			if syncerr.KindOf(err) == syncerr.KindValidation {
				t.markUnreadable(e.SourceID)
			}
			if err := t.handle(ctx, ref, err); err != nil {
				return nil, err
			}
			continue
		}
		if rec == nil {
			logger.Log.Info("Dropping failure of deleted hub record", zap.String("record", ref.String()))
			if err := t.m.ledger.Resolve(ctx, ref); err != nil {
				return nil, syncerr.Connectivity("failure ledger", err)
			}
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

// pullRecord applies one Hub record. forced records come from the ledger
// and are written even when the index says they are current.
func (t *typeSync) pullRecord(ctx context.Context, rec hub.Record, forced bool) error {
	ref := RecordRef{EntityType: t.schema.Type, Direction: entity.Pull, SourceID: rec.ID}
	if !t.claim(entity.Pull, rec.ID, rec.UpdatedAt) {
		t.report.add(func(r *TypeReport) { r.Skipped++ })
		return nil
	}
	mapping, err := t.m.store.LookupByHub(ctx, t.et(), rec.ID)
	if err != nil {
		return t.handle(ctx, ref, syncerr.Connectivity("lookup "+ref.String(), err))
	}
	if mapping != nil && !forced && !rec.UpdatedAt.After(mapping.HubVersion) {
		t.report.add(func(r *TypeReport) { r.Skipped++ })
		return nil
	}
	return t.handle(ctx, ref, t.writeStore(ctx, ref, rec, mapping, forced, time.Time{}))
}

// writeStore writes a Hub record to the Store and records both versions.
// A non-zero resolvedAt marks a conflict resolution and stamps the row with
// it. The Hub version stays the fetched one, so a Hub edit made while the
// cycle ran is still newer than it.
func (t *typeSync) writeStore(ctx context.Context, ref RecordRef, rec hub.Record, mapping *store.CrossID, forced bool, resolvedAt time.Time) error {
	row, res, err := t.m.mapper.ToStore(ctx, t.schema, rec)
	if err != nil {
		return err
	}
	now := t.m.now()
	row.UpdatedAt = now
	if !resolvedAt.IsZero() {
		row.UpdatedAt = resolvedAt
	}
	if mapping != nil {
		row.ID = mapping.StoreID
	} else {
		// A pull that stopped between the write and the registration left a
		// linked row behind; write over it instead of beside it.
		existing, err := t.m.rows.GetByHubID(ctx, t.schema, rec.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			row.ID = existing.ID
		}
	}

	stored, err := t.m.rows.Upsert(ctx, t.schema, row)
	if err != nil {
		return err
	}

	synced := &store.CrossID{
		EntityType:   t.et(),
		HubID:        rec.ID,
		StoreID:      stored.ID,
		HubVersion:   rec.UpdatedAt,
		StoreVersion: stored.UpdatedAt,
		LastSyncedAt: latest(now, resolvedAt),
	}
	if mapping == nil {
		registered, err := t.m.store.Register(ctx, synced)
		if err != nil {
			return syncerr.Connectivity("register "+ref.String(), err)
		}
		if registered.StoreID != stored.ID {
			return fmt.Errorf("hub record %s is already mapped to store row %s", rec.ID, registered.StoreID)
		}
		if row.ID != "" {
			logger.Log.Info("Recovered unregistered store row",
				zap.String("entity_type", t.et()),
				zap.String("store_id", stored.ID),
				zap.String("hub_id", rec.ID),
			)
			t.report.add(func(r *TypeReport) { r.Updated++ })
		} else {
			t.report.add(func(r *TypeReport) { r.Created++ })
		}
	} else {
		if err := t.m.store.MarkSynced(ctx, synced); err != nil {
			return syncerr.Connectivity("mark synced "+ref.String(), err)
		}
		t.report.add(func(r *TypeReport) { r.Updated++ })
	}
	return t.settle(ctx, ref, res, forced)
}

// push copies Store changes to the Hub.
func (t *typeSync) push(ctx context.Context) error {
	since, movable, err := t.watermark(ctx, entity.Push)
	if err != nil {
		return err
	}
	fetchStart := t.m.now()

	retry, err := t.retryStore(ctx)
	if err != nil {
		return err
	}
	if err := apply(ctx, t.m.cfg.RecordConcurrency, retry, func(ctx context.Context, row storedb.Row) error {
		return t.pushRecord(ctx, row, true)
	}); err != nil {
		return err
	}

	cursor := ""
	for {
		if ctx.Err() != nil {
			return errInterrupted
		}
		page, err := t.m.rows.ListChanged(ctx, t.schema, since, cursor)
		if err != nil {
			return listErr(ctx, "store changes", err)
		}
		if err := apply(ctx, t.m.cfg.RecordConcurrency, page.Rows, func(ctx context.Context, row storedb.Row) error {
			return t.pushRecord(ctx, row, false)
		}); err != nil {
			return err
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	return t.advance(ctx, entity.Push, fetchStart, movable)
}

func (t *typeSync) retryStore(ctx context.Context) ([]storedb.Row, error) {
	entries, err := t.m.ledger.DrainForRetry(ctx, t.schema.Type, entity.Push)
	if err != nil {
		return nil, syncerr.Connectivity("failure ledger", err)
	}
	var out []storedb.Row
	for _, e := range entries {
		if ctx.Err() != nil {
			return nil, errInterrupted
		}
		ref := RecordRef{EntityType: t.schema.Type, Direction: entity.Push, SourceID: e.SourceID}
		row, err := t.m.rows.Get(ctx, t.schema, e.SourceID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errInterrupted
			}
			if err := t.handle(ctx, ref, err); err != nil {
				return nil, err
			}
			continue
		}
		if row == nil {
			logger.Log.Info("Dropping failure of deleted store row", zap.String("record", ref.String()))
			if err := t.m.ledger.Resolve(ctx, ref); err != nil {
				return nil, syncerr.Connectivity("failure ledger", err)
			}
			continue
		}
		out = append(out, *row)
	}
	return out, nil
}

func (t *typeSync) pushRecord(ctx context.Context, row storedb.Row, forced bool) error {
	ref := RecordRef{EntityType: t.schema.Type, Direction: entity.Push, SourceID: row.ID}
	if !t.claim(entity.Push, row.ID, row.UpdatedAt) {
		t.report.add(func(r *TypeReport) { r.Skipped++ })
		return nil
	}
	mapping, err := t.storeMapping(ctx, row)
	if err != nil {
		return t.handle(ctx, ref, err)
	}
	if mapping != nil && !forced && !row.UpdatedAt.After(mapping.StoreVersion) {
		t.report.add(func(r *TypeReport) { r.Skipped++ })
		return nil
	}
	return t.handle(ctx, ref, t.writeHub(ctx, ref, row, mapping, forced, time.Time{}))
}

// storeMapping looks the row up in the index. A row carrying a hub_id with
// no mapping was written by a pull that stopped before registering; the
// pair is registered now so the row is not created on the Hub twice.
func (t *typeSync) storeMapping(ctx context.Context, row storedb.Row) (*store.CrossID, error) {
	mapping, err := t.m.store.LookupByStore(ctx, t.et(), row.ID)
	if err != nil {
		return nil, syncerr.Connectivity("lookup "+row.ID, err)
	}
	if mapping != nil || row.HubID == "" {
		return mapping, nil
	}
	mapping, err = t.m.store.Register(ctx, &store.CrossID{
		EntityType: t.et(),
		HubID:      row.HubID,
		StoreID:    row.ID,
	})
	if err != nil {
		return nil, syncerr.Connectivity("register "+row.ID, err)
	}
	logger.Log.Info("Recovered missing mapping",
		zap.String("entity_type", t.et()),
		zap.String("store_id", row.ID),
		zap.String("hub_id", row.HubID),
	)
	return mapping, nil
}

// writeHub writes a Store row to the Hub: a create for an unmapped row, an
// update otherwise.
func (t *typeSync) writeHub(ctx context.Context, ref RecordRef, row storedb.Row, mapping *store.CrossID, forced bool, resolvedAt time.Time) error {
	payload, res, err := t.m.mapper.ToHub(ctx, t.schema, row)
	if err != nil {
		return err
	}
	now := t.m.now()

	if mapping == nil {
		// The Store id doubles as idempotency key, so a create retried after a
		// crash returns the record made the first time.
		rec, err := t.m.hub.Create(ctx, t.schema, payload, row.ID)
		if err != nil {
			return err
		}
		registered, err := t.m.store.Register(ctx, &store.CrossID{
			EntityType:   t.et(),
			HubID:        rec.ID,
			StoreID:      row.ID,
			HubVersion:   rec.UpdatedAt,
			StoreVersion: row.UpdatedAt,
			LastSyncedAt: now,
		})
		if err != nil {
			return syncerr.Connectivity("register "+ref.String(), err)
		}
		if registered.HubID != rec.ID {
			return fmt.Errorf("store row %s is already mapped to hub record %s", row.ID, registered.HubID)
		}
		if err := t.m.rows.LinkHubID(ctx, t.schema, row.ID, rec.ID); err != nil {
			return err
		}
		t.report.add(func(r *TypeReport) { r.Created++ })
		return t.settle(ctx, ref, res, forced)
	}

	rec, err := t.m.hub.Update(ctx, t.schema, mapping.HubID, payload)
	if err != nil {
		return err
	}
	err = t.m.store.MarkSynced(ctx, &store.CrossID{
		EntityType:   t.et(),
		HubID:        mapping.HubID,
		StoreID:      row.ID,
		HubVersion:   rec.UpdatedAt,
		StoreVersion: row.UpdatedAt,
		LastSyncedAt: latest(now, resolvedAt),
	})
	if err != nil {
		return syncerr.Connectivity("mark synced "+ref.String(), err)
	}
	t.report.add(func(r *TypeReport) { r.Updated++ })
	return t.settle(ctx, ref, res, forced)
}

// change is one record as seen from both sides in a bidirectional pass.
type change struct {
	hub         *hub.Record
	row         *storedb.Row
	mapping     *store.CrossID
	forcedHub   bool
	forcedStore bool
}

// bidirectional fetches both change sets in full before writing anything,
// so records changed on both sides are seen together and resolved once.
func (t *typeSync) bidirectional(ctx context.Context) error {
	pullSince, pullMovable, err := t.watermark(ctx, entity.Pull)
	if err != nil {
		return err
	}
	pushSince, pushMovable, err := t.watermark(ctx, entity.Push)
	if err != nil {
		return err
	}
	fetchStart := t.m.now()

	hubRecs := make(map[string]*hub.Record)
	forcedHub := make(map[string]bool)
	retryHub, err := t.retryHub(ctx)
	if err != nil {
		return err
	}
	for i := range retryHub {
		hubRecs[retryHub[i].ID] = &retryHub[i]
		forcedHub[retryHub[i].ID] = true
	}
	for cursor := ""; ; {
		if ctx.Err() != nil {
			return errInterrupted
		}
		page, err := t.m.hub.ListChanged(ctx, t.schema, pullSince, cursor)
		if err != nil {
			return listErr(ctx, "hub changes", err)
		}
		if err := t.invalid(context.WithoutCancel(ctx), page.Invalid); err != nil {
			return err
		}
		for i := range page.Records {
			rec := &page.Records[i]
			if prev, ok := hubRecs[rec.ID]; !ok || rec.UpdatedAt.After(prev.UpdatedAt) {
				hubRecs[rec.ID] = rec
			}
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	storeRows := make(map[string]*storedb.Row)
	forcedStore := make(map[string]bool)
	retryStore, err := t.retryStore(ctx)
	if err != nil {
		return err
	}
	for i := range retryStore {
		storeRows[retryStore[i].ID] = &retryStore[i]
		forcedStore[retryStore[i].ID] = true
	}
	for cursor := ""; ; {
		if ctx.Err() != nil {
			return errInterrupted
		}
		page, err := t.m.rows.ListChanged(ctx, t.schema, pushSince, cursor)
		if err != nil {
			return listErr(ctx, "store changes", err)
		}
		for i := range page.Rows {
			row := &page.Rows[i]
			if prev, ok := storeRows[row.ID]; !ok || row.UpdatedAt.After(prev.UpdatedAt) {
				storeRows[row.ID] = row
			}
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	changes, err := t.join(ctx, hubRecs, forcedHub, storeRows, forcedStore)
	if err != nil {
		return err
	}

	// Store rows new to the Hub go first: a Hub record left unmapped by an
	// interrupted create is then found mapped when its own turn comes.
	var creates, rest []*change
	for _, c := range changes {
		if c.hub == nil && c.mapping == nil {
			creates = append(creates, c)
		} else {
			rest = append(rest, c)
		}
	}
	for _, batch := range [][]*change{creates, rest} {
		for start := 0; start < len(batch); start += applyChunk {
			if ctx.Err() != nil {
				return errInterrupted
			}
			chunk := batch[start:min(start+applyChunk, len(batch))]
			if err := apply(ctx, t.m.cfg.RecordConcurrency, chunk, t.reconcile); err != nil {
				return err
			}
		}
	}

	if err := t.advance(ctx, entity.Pull, fetchStart, pullMovable); err != nil {
		return err
	}
	return t.advance(ctx, entity.Push, fetchStart, pushMovable)
}

// join pairs Hub records and Store rows through the cross-id index.
func (t *typeSync) join(ctx context.Context, hubRecs map[string]*hub.Record, forcedHub map[string]bool,
	storeRows map[string]*storedb.Row, forcedStore map[string]bool) ([]*change, error) {
	byHub := make(map[string]*change)
	byStore := make(map[string]*change)
	var changes []*change

	for id, rec := range hubRecs {
		mapping, err := t.m.store.LookupByHub(ctx, t.et(), id)
		if err != nil {
			return nil, syncerr.Connectivity("lookup "+id, err)
		}
		c := &change{hub: rec, mapping: mapping, forcedHub: forcedHub[id]}
		changes = append(changes, c)
		byHub[id] = c
		if mapping != nil {
			byStore[mapping.StoreID] = c
		}
	}
	for id, row := range storeRows {
		if c, ok := byStore[id]; ok {
			c.row, c.forcedStore = row, forcedStore[id]
			continue
		}
		mapping, err := t.storeMapping(ctx, *row)
		if err != nil {
			return nil, err
		}
		if mapping != nil {
			// Paired only now because the mapping was just recovered.
			if c, ok := byHub[mapping.HubID]; ok && c.row == nil {
				c.row, c.mapping, c.forcedStore = row, mapping, forcedStore[id]
				continue
			}
		}
		changes = append(changes, &change{row: row, mapping: mapping, forcedStore: forcedStore[id]})
	}
	return changes, nil
}

// reconcile applies one joined change.
func (t *typeSync) reconcile(ctx context.Context, c *change) error {
	if c.hub != nil && c.row == nil && c.mapping == nil {
		mapping, err := t.m.store.LookupByHub(ctx, t.et(), c.hub.ID)
		if err != nil {
			ref := RecordRef{EntityType: t.schema.Type, Direction: entity.Pull, SourceID: c.hub.ID}
			return t.handle(ctx, ref, syncerr.Connectivity("lookup "+ref.String(), err))
		}
		c.mapping = mapping
	}
	hubChanged := c.hub != nil && (c.mapping == nil || c.forcedHub || c.hub.UpdatedAt.After(c.mapping.HubVersion))
	storeChanged := c.row != nil && (c.mapping == nil || c.forcedStore || c.row.UpdatedAt.After(c.mapping.StoreVersion))

	switch {
	case hubChanged && storeChanged && c.mapping != nil:
		return t.resolve(ctx, c)
	case hubChanged:
		ref := RecordRef{EntityType: t.schema.Type, Direction: entity.Pull, SourceID: c.hub.ID}
		return t.handle(ctx, ref, t.writeStore(ctx, ref, *c.hub, c.mapping, c.forcedHub, time.Time{}))
	case storeChanged:
		ref := RecordRef{EntityType: t.schema.Type, Direction: entity.Push, SourceID: c.row.ID}
		if c.mapping != nil && t.isUnreadable(c.mapping.HubID) {
			// The Hub side may hold a newer edit; wait until it can be read
			// and compared.
			return t.handle(ctx, ref, syncerr.Errorf(syncerr.KindConflict, "push "+ref.String(),
				"hub record %s cannot be read yet", c.mapping.HubID))
		}
		return t.handle(ctx, ref, t.writeHub(ctx, ref, *c.row, c.mapping, c.forcedStore, time.Time{}))
	default:
		t.report.add(func(r *TypeReport) { r.Skipped++ })
		return nil
	}
}

// resolve settles a record changed on both sides. The whole winning record
// overwrites the loser and an audit entry keeps both snapshots.
func (t *typeSync) resolve(ctx context.Context, c *change) error {
	pullRef := RecordRef{EntityType: t.schema.Type, Direction: entity.Pull, SourceID: c.hub.ID}
	pushRef := RecordRef{EntityType: t.schema.Type, Direction: entity.Push, SourceID: c.row.ID}

	hubPayload, err := mapper.Normalize(t.schema, c.hub.Payload)
	if err != nil {
		return t.handle(ctx, pullRef, err)
	}
	storePayload, storeRes, err := t.m.mapper.ToHub(ctx, t.schema, *c.row)
	if err != nil {
		return t.handle(ctx, pushRef, err)
	}

	rec := &entity.Record{
		EntityType:     t.schema.Type,
		HubID:          c.hub.ID,
		StoreID:        c.row.ID,
		HubPayload:     hubPayload,
		StorePayload:   storePayload,
		UpdatedAtHub:   c.hub.UpdatedAt,
		UpdatedAtStore: c.row.UpdatedAt,
		HubVersion:     c.mapping.HubVersion,
		StoreVersion:   c.mapping.StoreVersion,
		LastSyncedAt:   c.mapping.LastSyncedAt,
	}
	rec.State = rec.Classify()

	// Both sides made the same edit: nothing to overwrite.
	if hubPayload.Equal(storePayload) && !storeRes.HasDeferred() {
		err := t.m.store.MarkSynced(ctx, &store.CrossID{
			EntityType:   t.et(),
			HubID:        c.hub.ID,
			StoreID:      c.row.ID,
			HubVersion:   c.hub.UpdatedAt,
			StoreVersion: c.row.UpdatedAt,
			LastSyncedAt: t.m.now(),
		})
		if err != nil {
			return syncerr.Connectivity("mark synced "+pullRef.String(), err)
		}
		t.report.add(func(r *TypeReport) { r.Skipped++ })
		return t.resolveForced(ctx, c, pullRef, pushRef)
	}

	res := t.m.resolver.Resolve(rec)
	if err := t.m.resolver.RecordConflict(ctx, rec, res); err != nil {
		return syncerr.Connectivity("record conflict", err)
	}
	logger.Log.Info("Conflict resolved",
		zap.String("entity_type", t.et()),
		zap.String("hub_id", rec.HubID),
		zap.String("store_id", rec.StoreID),
		zap.Time("hub_updated_at", rec.UpdatedAtHub),
		zap.Time("store_updated_at", rec.UpdatedAtStore),
		zap.String("winner", string(res.Winner)),
	)

	var werr error
	var ref RecordRef
	if res.Winner == SideHub {
		ref = pullRef
		winner := hub.Record{ID: c.hub.ID, UpdatedAt: c.hub.UpdatedAt, Payload: res.Payload}
		werr = t.writeStore(ctx, ref, winner, c.mapping, c.forcedHub, res.ResolvedAt)
	} else {
		ref = pushRef
		werr = t.writeHub(ctx, ref, *c.row, c.mapping, c.forcedStore, res.ResolvedAt)
	}
	if werr != nil {
		return t.handle(ctx, ref, werr)
	}
	t.report.add(func(r *TypeReport) {
		r.ConflictsResolved++
	})
	// The losing side's change was consumed by the resolution.
	if res.Winner == SideHub && c.forcedStore {
		return t.resolveLedger(ctx, pushRef)
	}
	if res.Winner == SideStore && c.forcedHub {
		return t.resolveLedger(ctx, pullRef)
	}
	return nil
}

func (t *typeSync) resolveForced(ctx context.Context, c *change, pullRef, pushRef RecordRef) error {
	if c.forcedHub {
		if err := t.resolveLedger(ctx, pullRef); err != nil {
			return err
		}
	}
	if c.forcedStore {
		return t.resolveLedger(ctx, pushRef)
	}
	return nil
}

func (t *typeSync) resolveLedger(ctx context.Context, ref RecordRef) error {
	if err := t.m.ledger.Resolve(ctx, ref); err != nil {
		return syncerr.Connectivity("failure ledger", err)
	}
	return nil
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

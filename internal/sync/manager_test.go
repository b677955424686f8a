package sync

import (
	"context"
	"database/sql"
	"errors"
	gosync "sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hub-sync-service/internal/config"
	"hub-sync-service/internal/database"
	"hub-sync-service/internal/entity"
	"hub-sync-service/internal/hub/hubtest"
	"hub-sync-service/internal/store"
	"hub-sync-service/internal/storedb"
	"hub-sync-service/internal/syncerr"
)

type testClock struct {
	mu  gosync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type harness struct {
	t     *testing.T
	db    *sql.DB
	clock *testClock
	hub   *hubtest.Fake
	rows  *storedb.Client
	store *store.SQLStore
	reg   *entity.Registry
	m     *Manager
}

func newHarness(t *testing.T, cfg config.SyncConfig) *harness {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if cfg.Workers == 0 {
		cfg.Workers = 16
	}
	if cfg.RecordConcurrency == 0 {
		cfg.RecordConcurrency = 4
	}

	h := &harness{
		t:     t,
		db:    db,
		clock: &testClock{now: at(8, 0)},
		reg:   entity.DefaultRegistry(),
	}
	wrapped := database.Wrap(db, database.SQLite)
	h.hub = hubtest.NewFake(h.clock.Now)
	h.rows = storedb.NewClient(wrapped, nil, 2)
	h.store = store.NewSQLStore(wrapped)
	h.m = NewManager(cfg, h.reg, h.hub, h.rows, h.store, WithClock(h.clock.Now))
	require.NoError(t, h.m.Prepare(context.Background()))
	return h
}

func at(hour, min int) time.Time {
	return time.Date(2024, 5, 1, hour, min, 0, 0, time.UTC)
}

func (h *harness) schema(et entity.EntityType) *entity.Schema {
	s, ok := h.reg.Schema(et)
	require.True(h.t, ok)
	return s
}

func (h *harness) run(dir entity.Direction, types ...entity.EntityType) *Report {
	h.t.Helper()
	report, err := h.m.RunCycle(context.Background(), CycleOptions{Direction: dir, EntityTypes: types})
	require.NoError(h.t, err)
	return report
}

func (h *harness) count(table string) int {
	h.t.Helper()
	var n int
	require.NoError(h.t, h.db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func contact(name, email, phone string) entity.Payload {
	var p entity.Payload
	p.Set("full_name", entity.Title(name))
	p.Set("email", entity.RichText(email))
	if phone == "" {
		p.Set("phone", entity.Null(entity.FieldRichText))
	} else {
		p.Set("phone", entity.RichText(phone))
	}
	return p
}

func business(name string) entity.Payload {
	var p entity.Payload
	p.Set("name", entity.Title(name))
	p.Set("status", entity.Select("active"))
	p.Set("tags", entity.MultiSelect("retail"))
	return p
}

func TestPullCopiesRecordsAndTranslatesRelations(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.SyncConfig{})

	bizID := h.hub.Put(entity.Businesses, "", business("Acme"), at(7, 0))
	c := contact("Ada", "ada@example.com", "")
	c.Set("business_id", entity.Relation(bizID))
	contactID := h.hub.Put(entity.Contacts, "", c, at(7, 30))

	report := h.run(entity.Pull)
	require.Empty(t, report.Fatal)
	assert.Equal(t, StatusCompleted, report.Type(entity.Businesses).Status)
	assert.Equal(t, 1, report.Type(entity.Businesses).Created)
	assert.Equal(t, 1, report.Type(entity.Contacts).Created)
	assert.True(t, report.Clean())

	bizMap, err := h.store.LookupByHub(ctx, "businesses", bizID)
	require.NoError(t, err)
	require.NotNil(t, bizMap)
	contactMap, err := h.store.LookupByHub(ctx, "contacts", contactID)
	require.NoError(t, err)
	require.NotNil(t, contactMap)

	row, err := h.rows.Get(ctx, h.schema(entity.Contacts), contactMap.StoreID)
	require.NoError(t, err)
	require.NotNil(t, row)
	rel, _ := row.Payload.Get("business_id")
	assert.Equal(t, bizMap.StoreID, rel.Str)
	assert.Equal(t, contactID, row.HubID)
}

func TestSecondCycleWritesNothing(t *testing.T) {
	h := newHarness(t, config.SyncConfig{})

	h.hub.Put(entity.Businesses, "", business("Acme"), at(7, 0))
	h.hub.Put(entity.Contacts, "", contact("Ada", "ada@example.com", ""), at(7, 0))
	_, err := h.rows.Upsert(context.Background(), h.schema(entity.Products), storedb.Row{
		UpdatedAt: at(7, 15),
		Payload:   product("Widget", 9.5),
	})
	require.NoError(t, err)

	first := h.run(entity.Bidirectional)
	assert.Equal(t, 3, first.Totals().Created)

	creates, updates := h.hub.Creates, h.hub.Updates
	h.clock.Set(at(8, 5))
	second := h.run(entity.Bidirectional)
	assert.Equal(t, 0, second.Totals().Writes())
	assert.Equal(t, creates, h.hub.Creates)
	assert.Equal(t, updates, h.hub.Updates)
	assert.True(t, second.Clean())
	assert.Equal(t, 1, h.count("contacts"))
	assert.Equal(t, 1, h.hub.Count(entity.Products))
}

func product(name string, price float64) entity.Payload {
	var p entity.Payload
	p.Set("name", entity.Title(name))
	p.Set("sku", entity.RichText("SKU-"+name))
	p.Set("price", entity.Number(price))
	p.Set("categories", entity.MultiSelect())
	return p
}

func TestConcurrentEditsLaterStoreWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.SyncConfig{})
	s := h.schema(entity.Contacts)

	hubID := h.hub.Put(entity.Contacts, "", contact("Ada", "ada@example.com", ""), at(7, 59))
	h.run(entity.Bidirectional, entity.Contacts)
	mapping, err := h.store.LookupByHub(ctx, "contacts", hubID)
	require.NoError(t, err)
	require.NotNil(t, mapping)

	// 09:00 email changes on the Hub, 09:05 phone changes in the Store.
	h.hub.Put(entity.Contacts, hubID, contact("Ada", "ada@newmail.com", ""), at(9, 0))
	_, err = h.rows.Upsert(ctx, s, storedb.Row{
		ID:        mapping.StoreID,
		UpdatedAt: at(9, 5),
		Payload:   contact("Ada", "ada@example.com", "+44 20 7946 0000"),
	})
	require.NoError(t, err)

	h.clock.Set(at(9, 10))
	report := h.run(entity.Bidirectional, entity.Contacts)
	tr := report.Type(entity.Contacts)
	assert.Equal(t, 1, tr.ConflictsResolved)
	assert.Equal(t, StatusCompleted, tr.Status)

	rec := h.hub.Record(entity.Contacts, hubID)
	phone, _ := rec.Payload.Get("phone")
	email, _ := rec.Payload.Get("email")
	assert.Equal(t, "+44 20 7946 0000", phone.Str)
	assert.Equal(t, "ada@example.com", email.Str)

	after, err := h.store.LookupByHub(ctx, "contacts", hubID)
	require.NoError(t, err)
	assert.True(t, after.LastSyncedAt.Equal(at(9, 10)), "last synced %s", after.LastSyncedAt)
	assert.True(t, after.HubVersion.Equal(at(9, 10)), "hub version %s", after.HubVersion)
	assert.True(t, after.StoreVersion.Equal(at(9, 5)), "store version %s", after.StoreVersion)

	conflicts, err := h.store.ListConflicts(ctx, "contacts", 10, 0)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "store", conflicts[0].Winner.String)
	assert.True(t, conflicts[0].HubUpdatedAt.Equal(at(9, 0)))
	assert.True(t, conflicts[0].StoreUpdatedAt.Equal(at(9, 5)))
	assert.Contains(t, string(conflicts[0].HubData), "ada@newmail.com")

	h.clock.Set(at(9, 11))
	again := h.run(entity.Bidirectional, entity.Contacts)
	assert.Equal(t, 0, again.Totals().Writes())
	assert.Equal(t, 0, again.Totals().ConflictsResolved)
}

func TestConcurrentEditsHubWinsOverwritesStore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.SyncConfig{})
	s := h.schema(entity.Contacts)

	hubID := h.hub.Put(entity.Contacts, "", contact("Ada", "ada@example.com", ""), at(7, 59))
	h.run(entity.Bidirectional, entity.Contacts)
	mapping, err := h.store.LookupByHub(ctx, "contacts", hubID)
	require.NoError(t, err)

	_, err = h.rows.Upsert(ctx, s, storedb.Row{ID: mapping.StoreID, UpdatedAt: at(9, 0), Payload: contact("Ada", "store@example.com", "")})
	require.NoError(t, err)
	h.hub.Put(entity.Contacts, hubID, contact("Ada", "hub@example.com", ""), at(9, 0))

	h.clock.Set(at(9, 10))
	report := h.run(entity.Bidirectional, entity.Contacts)
	assert.Equal(t, 1, report.Type(entity.Contacts).ConflictsResolved)

	row, err := h.rows.Get(ctx, s, mapping.StoreID)
	require.NoError(t, err)
	email, _ := row.Payload.Get("email")
	assert.Equal(t, "hub@example.com", email.Str, "equal timestamps go to the hub")
	assert.True(t, row.UpdatedAt.Equal(at(9, 10)))
}

func TestHubEditDuringResolutionSurvives(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.SyncConfig{RecordConcurrency: 1})
	s := h.schema(entity.Contacts)

	hubID := h.hub.Put(entity.Contacts, "", contact("Ada", "ada@example.com", ""), at(7, 59))
	h.run(entity.Bidirectional, entity.Contacts)
	mapping, err := h.store.LookupByHub(ctx, "contacts", hubID)
	require.NoError(t, err)
	require.NotNil(t, mapping)

	_, err = h.rows.Upsert(ctx, s, storedb.Row{ID: mapping.StoreID, UpdatedAt: at(9, 0), Payload: contact("Ada", "store@example.com", "")})
	require.NoError(t, err)
	h.hub.Put(entity.Contacts, hubID, contact("Ada", "hub@example.com", ""), at(9, 5))
	_, err = h.rows.Upsert(ctx, s, storedb.Row{UpdatedAt: at(9, 1), Payload: contact("Bo", "bo@example.com", "")})
	require.NoError(t, err)

	// Someone edits Ada on the Hub after the fetch, while Bo is being created.
	var once gosync.Once
	h.hub.FailFunc = func(op string, et entity.EntityType, id string) error {
		if op == "create" {
			once.Do(func() {
				h.hub.Put(entity.Contacts, hubID, contact("Ada", "late@example.com", ""), at(10, 5))
				h.clock.Set(at(10, 10))
			})
		}
		return nil
	}

	h.clock.Set(at(10, 0))
	report := h.run(entity.Bidirectional, entity.Contacts)
	tr := report.Type(entity.Contacts)
	assert.Equal(t, 1, tr.ConflictsResolved)
	assert.Equal(t, 1, tr.Created)

	resolved, err := h.store.LookupByHub(ctx, "contacts", hubID)
	require.NoError(t, err)
	assert.True(t, resolved.HubVersion.Equal(at(9, 5)), "hub version %s", resolved.HubVersion)
	assert.True(t, resolved.StoreVersion.Equal(at(10, 10)), "store version %s", resolved.StoreVersion)

	h.clock.Set(at(10, 20))
	h.run(entity.Bidirectional, entity.Contacts)
	h.clock.Set(at(10, 30))
	h.run(entity.Bidirectional, entity.Contacts)

	row, err := h.rows.Get(ctx, s, mapping.StoreID)
	require.NoError(t, err)
	email, _ := row.Payload.Get("email")
	assert.Equal(t, "late@example.com", email.Str)
	email, _ = h.hub.Record(entity.Contacts, hubID).Payload.Get("email")
	assert.Equal(t, "late@example.com", email.Str)
}

func TestSincePastWatermarkKeepsIt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.SyncConfig{})

	bizID := h.hub.Put(entity.Businesses, "", business("Acme"), at(7, 0))
	h.run(entity.Pull, entity.Businesses)
	h.hub.Put(entity.Businesses, bizID, business("Acme Renamed"), at(9, 0))

	h.clock.Set(at(11, 0))
	_, err := h.m.RunCycle(ctx, CycleOptions{
		Direction:   entity.Pull,
		EntityTypes: []entity.EntityType{entity.Businesses},
		Since:       at(10, 0),
	})
	require.NoError(t, err)
	c, err := h.store.GetCursor(ctx, "businesses", "pull")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, c.Watermark.Equal(at(8, 0)), "watermark %s", c.Watermark)

	h.clock.Set(at(12, 0))
	report := h.run(entity.Pull, entity.Businesses)
	assert.Equal(t, 1, report.Type(entity.Businesses).Updated)

	mapping, err := h.store.LookupByHub(ctx, "businesses", bizID)
	require.NoError(t, err)
	row, err := h.rows.Get(ctx, h.schema(entity.Businesses), mapping.StoreID)
	require.NoError(t, err)
	name, _ := row.Payload.Get("name")
	assert.Equal(t, "Acme Renamed", name.Str)

	c, err = h.store.GetCursor(ctx, "businesses", "pull")
	require.NoError(t, err)
	assert.True(t, c.Watermark.Equal(at(12, 0)), "watermark %s", c.Watermark)
}

func TestPushSinceSkipsOlderRows(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.SyncConfig{})
	s := h.schema(entity.Contacts)

	_, err := h.rows.Upsert(ctx, s, storedb.Row{
		UpdatedAt: time.Date(2023, 12, 31, 12, 0, 0, 0, time.UTC),
		Payload:   contact("Old", "old@example.com", ""),
	})
	require.NoError(t, err)
	fresh, err := h.rows.Upsert(ctx, s, storedb.Row{
		UpdatedAt: time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC),
		Payload:   contact("New", "new@example.com", ""),
	})
	require.NoError(t, err)

	report, err := h.m.RunCycle(ctx, CycleOptions{
		Direction:   entity.Push,
		EntityTypes: []entity.EntityType{entity.Contacts},
		Since:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Type(entity.Contacts).Created)
	assert.Equal(t, 1, h.hub.Creates)

	mapping, err := h.store.LookupByStore(ctx, "contacts", fresh.ID)
	require.NoError(t, err)
	require.NotNil(t, mapping)
	row, err := h.rows.Get(ctx, s, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, mapping.HubID, row.HubID)
	assert.True(t, row.UpdatedAt.Equal(fresh.UpdatedAt), "linking must not bump updated_at")
}

func TestUnmappedRelationIsDeferredThenFilled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.SyncConfig{})

	biz, err := h.rows.Upsert(ctx, h.schema(entity.Businesses), storedb.Row{UpdatedAt: at(7, 0), Payload: business("Acme")})
	require.NoError(t, err)
	c := contact("Ada", "ada@example.com", "")
	c.Set("business_id", entity.Relation(biz.ID))
	row, err := h.rows.Upsert(ctx, h.schema(entity.Contacts), storedb.Row{UpdatedAt: at(7, 5), Payload: c})
	require.NoError(t, err)

	report := h.run(entity.Push, entity.Contacts)
	tr := report.Type(entity.Contacts)
	assert.Equal(t, StatusCompleted, tr.Status)
	assert.Equal(t, 1, tr.Created)
	assert.Equal(t, 1, tr.Deferred)
	assert.False(t, report.Clean())

	mapping, err := h.store.LookupByStore(ctx, "contacts", row.ID)
	require.NoError(t, err)
	require.NotNil(t, mapping)
	rel, _ := h.hub.Record(entity.Contacts, mapping.HubID).Payload.Get("business_id")
	assert.True(t, rel.Null)

	entries, err := h.store.ListFailures(ctx, "contacts", "push")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, string(syncerr.KindDeferredRelation), entries[0].Cause)

	h.clock.Set(at(8, 30))
	report = h.run(entity.Push, entity.Businesses, entity.Contacts)
	assert.True(t, report.Clean(), "%+v", report.Type(entity.Contacts))

	bizMap, err := h.store.LookupByStore(ctx, "businesses", biz.ID)
	require.NoError(t, err)
	require.NotNil(t, bizMap)
	rel, _ = h.hub.Record(entity.Contacts, mapping.HubID).Payload.Get("business_id")
	assert.Equal(t, bizMap.HubID, rel.Str)

	entries, err = h.store.ListFailures(ctx, "contacts", "push")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInvalidRecordGoesToLedgerAndIsRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.SyncConfig{})

	var broken entity.Payload
	broken.Set("full_name", entity.Title("No Email"))
	badID := h.hub.Put(entity.Contacts, "", broken, at(7, 0))
	h.hub.Put(entity.Contacts, "", contact("Ada", "ada@example.com", ""), at(7, 0))

	report := h.run(entity.Pull, entity.Contacts)
	tr := report.Type(entity.Contacts)
	assert.Equal(t, StatusCompleted, tr.Status)
	assert.Equal(t, 1, tr.Created)
	assert.Equal(t, 1, tr.Failed)
	require.Len(t, tr.NewFailures, 1)
	assert.Equal(t, badID, tr.NewFailures[0].SourceID)
	assert.Equal(t, string(syncerr.KindValidation), tr.NewFailures[0].Cause)

	// Still broken: the entry is bumped, not duplicated.
	h.clock.Set(at(8, 10))
	h.run(entity.Pull, entity.Contacts)
	entries, err := h.store.ListFailures(ctx, "contacts", "pull")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].AttemptCount)

	// Fixed with an edit older than the watermark: only the ledger finds it.
	h.hub.Put(entity.Contacts, badID, contact("No Email", "fixed@example.com", ""), at(7, 30))
	h.clock.Set(at(8, 20))
	report = h.run(entity.Pull, entity.Contacts)
	assert.Equal(t, 1, report.Type(entity.Contacts).Created)
	entries, err = h.store.ListFailures(ctx, "contacts", "pull")
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 2, h.count("contacts"))
}

func TestUndecodableHubRecordGoesToLedger(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.SyncConfig{})

	badID := h.hub.Put(entity.Contacts, "", contact("Bad", "bad@example.com", ""), at(7, 0))
	h.hub.Put(entity.Contacts, "", contact("Ada", "ada@example.com", ""), at(7, 0))
	h.hub.Corrupt(entity.Contacts, badID, true)

	report := h.run(entity.Pull, entity.Contacts)
	tr := report.Type(entity.Contacts)
	assert.Equal(t, StatusCompleted, tr.Status)
	assert.Equal(t, 1, tr.Created)
	assert.Equal(t, 1, tr.Failed)
	require.Len(t, tr.NewFailures, 1)
	assert.Equal(t, badID, tr.NewFailures[0].SourceID)
	assert.Equal(t, string(syncerr.KindValidation), tr.NewFailures[0].Cause)

	c, err := h.store.GetCursor(ctx, "contacts", "pull")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, c.Watermark.Equal(at(8, 0)))

	h.hub.Corrupt(entity.Contacts, badID, false)
	h.clock.Set(at(8, 10))
	report = h.run(entity.Pull, entity.Contacts)
	assert.Equal(t, 1, report.Type(entity.Contacts).Created)
	assert.Equal(t, 2, h.count("contacts"))

	entries, err := h.store.ListFailures(ctx, "contacts", "pull")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUnreadableHubCopyHoldsBackStoreEdit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.SyncConfig{})
	s := h.schema(entity.Contacts)

	hubID := h.hub.Put(entity.Contacts, "", contact("Ada", "ada@example.com", ""), at(7, 59))
	h.run(entity.Bidirectional, entity.Contacts)
	mapping, err := h.store.LookupByHub(ctx, "contacts", hubID)
	require.NoError(t, err)
	require.NotNil(t, mapping)

	h.hub.Put(entity.Contacts, hubID, contact("Ada", "hub@example.com", ""), at(9, 0))
	h.hub.Corrupt(entity.Contacts, hubID, true)
	_, err = h.rows.Upsert(ctx, s, storedb.Row{ID: mapping.StoreID, UpdatedAt: at(9, 5), Payload: contact("Ada", "store@example.com", "")})
	require.NoError(t, err)

	h.clock.Set(at(9, 10))
	report := h.run(entity.Bidirectional, entity.Contacts)
	assert.Equal(t, 2, report.Type(entity.Contacts).Failed)
	assert.Equal(t, 0, h.hub.Updates, "the hub copy was never compared")

	pushes, err := h.store.ListFailures(ctx, "contacts", "push")
	require.NoError(t, err)
	require.Len(t, pushes, 1)
	assert.Equal(t, mapping.StoreID, pushes[0].SourceID)
	assert.Equal(t, string(syncerr.KindConflict), pushes[0].Cause)

	h.hub.Corrupt(entity.Contacts, hubID, false)
	h.clock.Set(at(9, 20))
	report = h.run(entity.Bidirectional, entity.Contacts)
	assert.Equal(t, 1, report.Type(entity.Contacts).ConflictsResolved)

	email, _ := h.hub.Record(entity.Contacts, hubID).Payload.Get("email")
	assert.Equal(t, "store@example.com", email.Str, "the later store edit wins")
	for _, dir := range []string{"pull", "push"} {
		entries, err := h.store.ListFailures(ctx, "contacts", dir)
		require.NoError(t, err)
		assert.Empty(t, entries, dir)
	}
}

func TestPullAdoptsLinkedRowWithoutMapping(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.SyncConfig{})
	s := h.schema(entity.Contacts)

	hubID := h.hub.Put(entity.Contacts, "", contact("Ada", "ada@example.com", ""), at(7, 0))
	existing, err := h.rows.Upsert(ctx, s, storedb.Row{HubID: hubID, UpdatedAt: at(7, 1), Payload: contact("Ada", "old@example.com", "")})
	require.NoError(t, err)

	report := h.run(entity.Pull, entity.Contacts)
	tr := report.Type(entity.Contacts)
	assert.Equal(t, 0, tr.Created)
	assert.Equal(t, 1, tr.Updated)
	assert.Equal(t, 1, h.count("contacts"))

	mapping, err := h.store.LookupByHub(ctx, "contacts", hubID)
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, existing.ID, mapping.StoreID)

	row, err := h.rows.Get(ctx, s, existing.ID)
	require.NoError(t, err)
	email, _ := row.Payload.Get("email")
	assert.Equal(t, "ada@example.com", email.Str)
}

func TestRerunAfterCrashKeepsOneMapping(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.SyncConfig{})
	s := h.schema(entity.Contacts)

	// A pull that wrote the row but died before registering the mapping.
	hubID := h.hub.Put(entity.Contacts, "", contact("Ada", "ada@example.com", ""), at(7, 0))
	_, err := h.rows.Upsert(ctx, s, storedb.Row{HubID: hubID, UpdatedAt: at(7, 1), Payload: contact("Ada", "ada@example.com", "")})
	require.NoError(t, err)

	// A push that created the Hub record but died before registering it.
	row, err := h.rows.Upsert(ctx, s, storedb.Row{UpdatedAt: at(7, 2), Payload: contact("Bo", "bo@example.com", "")})
	require.NoError(t, err)
	_, err = h.hub.Create(ctx, s, contact("Bo", "bo@example.com", ""), row.ID)
	require.NoError(t, err)

	report := h.run(entity.Bidirectional, entity.Contacts)
	assert.Empty(t, report.Type(entity.Contacts).Error)

	assert.Equal(t, 2, h.count("contacts"))
	assert.Equal(t, 2, h.hub.Count(entity.Contacts))
	assert.Equal(t, 2, h.count("cross_ids"))

	mapping, err := h.store.LookupByStore(ctx, "contacts", row.ID)
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.NotNil(t, h.hub.Record(entity.Contacts, mapping.HubID))
}

func TestDeadlineInterruptsAndDefers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.SyncConfig{CycleTimeout: "50ms"})
	h.hub.SetPageSize(1)
	h.hub.Put(entity.Businesses, "", business("Acme"), at(7, 0))
	h.hub.Put(entity.Businesses, "", business("Globex"), at(7, 1))
	h.hub.FailFunc = func(op string, et entity.EntityType, id string) error {
		if op == "list" && et == entity.Businesses {
			time.Sleep(150 * time.Millisecond)
		}
		return nil
	}

	report := h.run(entity.Pull)
	assert.Equal(t, StatusInterrupted, report.Type(entity.Businesses).Status)
	assert.Equal(t, 1, report.Type(entity.Businesses).Created)
	assert.Equal(t, StatusDeferred, report.Type(entity.Contacts).Status)
	assert.Equal(t, StatusDeferred, report.Type(entity.Tasks).Status)
	assert.False(t, report.Clean())
	assert.Empty(t, report.Fatal)

	c, err := h.store.GetCursor(ctx, "businesses", "pull")
	require.NoError(t, err)
	assert.Nil(t, c, "an interrupted type keeps its watermark")
}

func TestAuthFailureAbortsCycle(t *testing.T) {
	h := newHarness(t, config.SyncConfig{Workers: 1})
	h.hub.FailFunc = func(op string, et entity.EntityType, id string) error {
		if et == entity.Businesses {
			return syncerr.Auth("hub list businesses", errors.New("401 unauthorized"))
		}
		return nil
	}

	report := h.run(entity.Pull)
	assert.NotEmpty(t, report.Fatal)
	assert.Equal(t, StatusFailed, report.Type(entity.Businesses).Status)
	assert.Equal(t, StatusAborted, report.Type(entity.Contacts).Status)
	assert.Equal(t, 0, report.Totals().Writes())

	history, err := h.store.GetSyncHistory(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "failed", history[0].Status)
}

func TestSecondCycleIsRejectedWhileRunning(t *testing.T) {
	h := newHarness(t, config.SyncConfig{})
	release := make(chan struct{})
	h.hub.FailFunc = func(op string, et entity.EntityType, id string) error {
		if et == entity.Contacts {
			<-release
		}
		return nil
	}

	done := make(chan *Report)
	go func() {
		r, _ := h.m.RunCycle(context.Background(), CycleOptions{Direction: entity.Pull, EntityTypes: []entity.EntityType{entity.Contacts}})
		done <- r
	}()
	require.Eventually(t, func() bool { return h.m.GetStatus() == statusRunning }, time.Second, 5*time.Millisecond)

	_, err := h.m.RunCycle(context.Background(), CycleOptions{Direction: entity.Pull})
	assert.ErrorIs(t, err, ErrCycleRunning)

	close(release)
	r := <-done
	require.NotNil(t, r)
	assert.Equal(t, StatusCompleted, r.Type(entity.Contacts).Status)
	assert.Equal(t, statusIdle, h.m.GetStatus())
	assert.Same(t, r, h.m.LastReport())
}

func TestRunCycleRejectsUnknownType(t *testing.T) {
	h := newHarness(t, config.SyncConfig{})
	_, err := h.m.RunCycle(context.Background(), CycleOptions{EntityTypes: []entity.EntityType{"widgets"}})
	assert.True(t, syncerr.IsFatal(err))
}

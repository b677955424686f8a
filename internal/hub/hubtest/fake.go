// Package hubtest provides an in-memory Hub for engine tests.
package hubtest

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"hub-sync-service/internal/entity"
	"hub-sync-service/internal/hub"
	"hub-sync-service/internal/syncerr"
)

// Fake is a hub.Client backed by maps. Records it writes are stamped with
// the injected clock, like the real Hub stamps last_edited_time.
type Fake struct {
	mu          sync.Mutex
	now         func() time.Time
	pageSize    int
	records     map[entity.EntityType]map[string]*hub.Record
	idempotency map[string]string
	corrupt     map[string]bool

	// FailFunc, when set, is consulted before every call. A non-nil error
	// fails the call without side effects. id is empty for list calls.
	FailFunc func(op string, et entity.EntityType, id string) error

	Creates int
	Updates int
	Lists   int
}

func NewFake(now func() time.Time) *Fake {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Fake{
		now:         now,
		pageSize:    50,
		records:     make(map[entity.EntityType]map[string]*hub.Record),
		idempotency: make(map[string]string),
		corrupt:     make(map[string]bool),
	}
}

// Corrupt makes a record undecodable, as if one of its property values
// could not be parsed. Listings report it in Page.Invalid and Get fails.
func (f *Fake) Corrupt(et entity.EntityType, id string, corrupt bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.corrupt[string(et)+"/"+id] = corrupt
}

func (f *Fake) decodeErr(et entity.EntityType, id string) error {
	if !f.corrupt[string(et)+"/"+id] {
		return nil
	}
	return syncerr.Validation("hub get "+string(et), fmt.Errorf("property of %s: unparseable value", id))
}

// SetPageSize changes how many records each ListChanged page holds.
func (f *Fake) SetPageSize(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageSize = n
}

func (f *Fake) fail(op string, et entity.EntityType, id string) error {
	if f.FailFunc == nil {
		return nil
	}
	return f.FailFunc(op, et, id)
}

func clone(r *hub.Record) *hub.Record {
	cp := *r
	cp.Payload.Fields = slices.Clone(r.Payload.Fields)
	return &cp
}

// Put stores a record as if a user edited it on the Hub at the given time.
// An empty id creates a new record.
func (f *Fake) Put(et entity.EntityType, id string, p entity.Payload, at time.Time) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "" {
		id = uuid.NewString()
	}
	if f.records[et] == nil {
		f.records[et] = make(map[string]*hub.Record)
	}
	f.records[et][id] = &hub.Record{ID: id, UpdatedAt: at.UTC(), Payload: p}
	return id
}

// Record returns a copy of the stored record, or nil.
func (f *Fake) Record(et entity.EntityType, id string) *hub.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[et][id]
	if !ok {
		return nil
	}
	return clone(r)
}

// Count returns how many records of the type exist.
func (f *Fake) Count(et entity.EntityType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records[et])
}

func (f *Fake) ListChanged(ctx context.Context, s *entity.Schema, since time.Time, cursor string) (*hub.Page, error) {
	if err := f.fail("list", s.Type, ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Lists++

	var matched []*hub.Record
	for _, r := range f.records[s.Type] {
		if !r.UpdatedAt.Before(since) {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, fmt.Errorf("bad cursor %q", cursor)
		}
		start = n
	}
	end := min(start+f.pageSize, len(matched))
	if start > end {
		start = end
	}

	page := &hub.Page{}
	for _, r := range matched[start:end] {
		if err := f.decodeErr(s.Type, r.ID); err != nil {
			page.Invalid = append(page.Invalid, hub.RecordError{ID: r.ID, UpdatedAt: r.UpdatedAt, Err: err})
			continue
		}
		page.Records = append(page.Records, *clone(r))
	}
	if end < len(matched) {
		page.HasMore = true
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (f *Fake) Get(ctx context.Context, s *entity.Schema, id string) (*hub.Record, error) {
	if err := f.fail("get", s.Type, id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	err := f.decodeErr(s.Type, id)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Record(s.Type, id), nil
}

func (f *Fake) Create(ctx context.Context, s *entity.Schema, p entity.Payload, idempotencyKey string) (*hub.Record, error) {
	if err := f.fail("create", s.Type, idempotencyKey); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	key := string(s.Type) + "/" + idempotencyKey
	if idempotencyKey != "" {
		if id, ok := f.idempotency[key]; ok {
			return clone(f.records[s.Type][id]), nil
		}
	}

	f.Creates++
	r := &hub.Record{ID: uuid.NewString(), UpdatedAt: f.now().UTC(), Payload: withoutExtra(p)}
	if f.records[s.Type] == nil {
		f.records[s.Type] = make(map[string]*hub.Record)
	}
	f.records[s.Type][r.ID] = r
	if idempotencyKey != "" {
		f.idempotency[key] = r.ID
	}
	return clone(r), nil
}

func (f *Fake) Update(ctx context.Context, s *entity.Schema, id string, p entity.Payload) (*hub.Record, error) {
	if err := f.fail("update", s.Type, id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.records[s.Type][id]
	if !ok {
		return nil, fmt.Errorf("no %s record %s", s.Type, id)
	}
	f.Updates++
	extra := r.Payload.Extra
	r.Payload = withoutExtra(p)
	r.Payload.Extra = extra
	r.UpdatedAt = f.now().UTC()
	return clone(r), nil
}

// withoutExtra mirrors the real client, which never writes undeclared
// properties back.
func withoutExtra(p entity.Payload) entity.Payload {
	return entity.Payload{Fields: slices.Clone(p.Fields)}
}

var _ hub.Client = (*Fake)(nil)

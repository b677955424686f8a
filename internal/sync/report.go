package sync

import (
	"sync"
	"time"

	"hub-sync-service/internal/entity"
	"hub-sync-service/internal/store"
)

type TypeStatus string

const (
	StatusCompleted TypeStatus = "completed"
	StatusFailed    TypeStatus = "failed"
	// StatusDeferred marks a type the cycle never started, because the
	// deadline passed first. Its watermarks are untouched.
	StatusDeferred TypeStatus = "deferred"
	// StatusInterrupted marks a type stopped between pages by the deadline.
	StatusInterrupted TypeStatus = "interrupted"
	// StatusAborted marks a type skipped because a fatal error ended the
	// cycle.
	StatusAborted TypeStatus = "aborted"
)

// Counts are the per-record outcomes of a type.
type Counts struct {
	Created           int `json:"created"`
	Updated           int `json:"updated"`
	ConflictsResolved int `json:"conflicts_resolved"`
	Failed            int `json:"failed"`
	// Deferred counts records written without a relation whose target is
	// not mapped yet.
	Deferred int `json:"deferred"`
	Skipped  int `json:"skipped"`
}

// Writes is the number of records written to either side.
func (c Counts) Writes() int {
	return c.Created + c.Updated
}

// TypeReport is the outcome of one entity type in a cycle.
type TypeReport struct {
	EntityType entity.EntityType `json:"entity_type"`
	Status     TypeStatus        `json:"status"`
	Counts
	Error       string                `json:"error,omitempty"`
	NewFailures []*store.FailureEntry `json:"new_failures,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	FinishedAt  time.Time             `json:"finished_at"`

	mu sync.Mutex
}

// add applies fn under the report's lock; record writes run concurrently.
func (t *TypeReport) add(fn func(t *TypeReport)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t)
}

// Report is the result of one cycle.
type Report struct {
	CycleID    string           `json:"cycle_id"`
	Direction  entity.Direction `json:"direction"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Types      []*TypeReport    `json:"types"`
	// Fatal is set when an auth or configuration error aborted the cycle.
	Fatal string `json:"fatal,omitempty"`
}

func (r *Report) Type(et entity.EntityType) *TypeReport {
	for _, t := range r.Types {
		if t.EntityType == et {
			return t
		}
	}
	return nil
}

// Completed counts the types that finished every pass.
func (r *Report) Completed() int {
	n := 0
	for _, t := range r.Types {
		if t.Status == StatusCompleted {
			n++
		}
	}
	return n
}

// Clean reports a cycle with nothing failed, deferred or left pending.
func (r *Report) Clean() bool {
	if r.Fatal != "" {
		return false
	}
	for _, t := range r.Types {
		if t.Status != StatusCompleted || t.Failed > 0 || t.Deferred > 0 {
			return false
		}
	}
	return true
}

// Totals sums the per-type counters.
func (r *Report) Totals() Counts {
	var sum Counts
	for _, t := range r.Types {
		sum.Created += t.Created
		sum.Updated += t.Updated
		sum.ConflictsResolved += t.ConflictsResolved
		sum.Failed += t.Failed
		sum.Deferred += t.Deferred
		sum.Skipped += t.Skipped
	}
	return sum
}

package store

import (
	"context"
)

// CursorStore persists per (entity type, direction) watermarks.
type CursorStore interface {
	// GetCursor returns nil when the pair has never completed a sync.
	GetCursor(ctx context.Context, entityType, direction string) (*Cursor, error)
	// AdvanceCursor stores the watermark, never moving it backwards.
	AdvanceCursor(ctx context.Context, cursor *Cursor) error
}

// CrossIDIndex is the durable Hub id <-> Store id mapping. Mappings are
// never reassigned once registered.
type CrossIDIndex interface {
	LookupByHub(ctx context.Context, entityType, hubID string) (*CrossID, error)
	LookupByStore(ctx context.Context, entityType, storeID string) (*CrossID, error)
	// Register inserts the mapping unless one exists for either id and
	// returns whichever mapping is stored afterwards.
	Register(ctx context.Context, mapping *CrossID) (*CrossID, error)
	// MarkSynced records both sides' versions after a confirmed write.
	// last_synced_at never decreases.
	MarkSynced(ctx context.Context, mapping *CrossID) error
}

// FailureLedger keeps records that failed so the next cycle retries them.
type FailureLedger interface {
	// RecordFailure creates the entry or bumps its attempt count.
	RecordFailure(ctx context.Context, entry *FailureEntry) (*FailureEntry, error)
	// ListFailures filters by entity type and direction; empty matches all.
	ListFailures(ctx context.Context, entityType, direction string) ([]*FailureEntry, error)
	DeleteFailure(ctx context.Context, entityType, direction, sourceID string) error
}

type Store interface {
	CursorStore
	CrossIDIndex
	FailureLedger

	// Conflicts
	CreateConflict(ctx context.Context, conflict *Conflict) error
	GetConflict(ctx context.Context, id string) (*Conflict, error)
	ListConflicts(ctx context.Context, entityType string, limit, offset int) ([]*Conflict, error)

	// History
	CreateSyncHistory(ctx context.Context, history *SyncHistory) error
	UpdateSyncHistory(ctx context.Context, history *SyncHistory) error
	GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error)

	// General
	Migrate(ctx context.Context) error
	Close() error
}

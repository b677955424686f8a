package entity

import "time"

type SyncState string

const (
	InSync      SyncState = "in_sync"
	PendingPush SyncState = "pending_push"
	PendingPull SyncState = "pending_pull"
	Conflict    SyncState = "conflict"
	Failed      SyncState = "failed"
)

// Record is the unit of synchronization as the engine sees it during a
// cycle. Both payloads are in Hub form (relations hold Hub ids) so they can
// be compared and written to either side through the mapper.
type Record struct {
	EntityType EntityType
	HubID      string
	StoreID    string

	HubPayload   Payload
	StorePayload Payload

	UpdatedAtHub   time.Time
	UpdatedAtStore time.Time
	// HubVersion and StoreVersion are the updated_at values each side had
	// when the record was last reconciled.
	HubVersion   time.Time
	StoreVersion time.Time
	LastSyncedAt time.Time

	State SyncState
}

// ChangedOnHub reports whether the Hub copy moved since the last sync.
func (r *Record) ChangedOnHub() bool {
	return r.UpdatedAtHub.After(r.HubVersion)
}

// ChangedOnStore reports whether the Store copy moved since the last sync.
func (r *Record) ChangedOnStore() bool {
	return r.UpdatedAtStore.After(r.StoreVersion)
}

// Classify derives the sync state from what changed on each side.
func (r *Record) Classify() SyncState {
	switch hub, store := r.ChangedOnHub(), r.ChangedOnStore(); {
	case hub && store:
		return Conflict
	case hub:
		return PendingPull
	case store:
		return PendingPush
	default:
		return InSync
	}
}

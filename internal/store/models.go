package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Cursor is the watermark of one (entity type, direction) pair.
type Cursor struct {
	EntityType string    `db:"entity_type" json:"entity_type"`
	Direction  string    `db:"direction" json:"direction"`
	Watermark  time.Time `db:"watermark" json:"watermark"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// CrossID maps a Hub record to its Store row. HubVersion and StoreVersion
// are each side's updated_at as of the last reconciliation.
type CrossID struct {
	EntityType   string    `db:"entity_type" json:"entity_type"`
	HubID        string    `db:"hub_id" json:"hub_id"`
	StoreID      string    `db:"store_id" json:"store_id"`
	HubVersion   time.Time `db:"hub_version" json:"hub_version"`
	StoreVersion time.Time `db:"store_version" json:"store_version"`
	LastSyncedAt time.Time `db:"last_synced_at" json:"last_synced_at"`
}

// FailureEntry is a record that failed and is revisited next cycle.
type FailureEntry struct {
	EntityType      string    `db:"entity_type" json:"entity_type"`
	Direction       string    `db:"direction" json:"direction"`
	SourceID        string    `db:"source_id" json:"source_id"`
	Cause           string    `db:"cause" json:"cause"`
	Message         string    `db:"message" json:"message"`
	AttemptCount    int       `db:"attempt_count" json:"attempt_count"`
	FirstFailedAt   time.Time `db:"first_failed_at" json:"first_failed_at"`
	LastAttemptedAt time.Time `db:"last_attempted_at" json:"last_attempted_at"`
}

// Conflict is the audit entry of a resolved concurrent update. Both
// snapshots are kept so the losing side can be inspected afterwards.
type Conflict struct {
	ID                 string          `db:"id" json:"id"`
	EntityType         string          `db:"entity_type" json:"entity_type"`
	HubID              string          `db:"hub_id" json:"hub_id"`
	StoreID            string          `db:"store_id" json:"store_id"`
	HubData            json.RawMessage `db:"hub_data" json:"hub_data"`
	StoreData          json.RawMessage `db:"store_data" json:"store_data"`
	HubUpdatedAt       time.Time       `db:"hub_updated_at" json:"hub_updated_at"`
	StoreUpdatedAt     time.Time       `db:"store_updated_at" json:"store_updated_at"`
	ConflictType       string          `db:"conflict_type" json:"conflict_type"`
	DetectedAt         time.Time       `db:"detected_at" json:"detected_at"`
	Resolved           bool            `db:"resolved" json:"resolved"`
	ResolutionStrategy sql.NullString  `db:"resolution_strategy" json:"resolution_strategy"`
	Winner             sql.NullString  `db:"winner" json:"winner"`
	ResolvedAt         sql.NullTime    `db:"resolved_at" json:"resolved_at"`
}

type SyncHistory struct {
	ID                string         `db:"id" json:"id"`
	StartedAt         time.Time      `db:"started_at" json:"started_at"`
	CompletedAt       sql.NullTime   `db:"completed_at" json:"completed_at"`
	Direction         string         `db:"direction" json:"direction"`
	EntityTypes       string         `db:"entity_types" json:"entity_types"`
	TotalRecords      int64          `db:"total_records" json:"total_records"`
	ConflictsResolved int            `db:"conflicts_resolved" json:"conflicts_resolved"`
	FailedRecords     int            `db:"failed_records" json:"failed_records"`
	Status            string         `db:"status" json:"status"`
	ErrorMessage      sql.NullString `db:"error_message" json:"error_message"`
}

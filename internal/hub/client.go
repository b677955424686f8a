// Package hub talks to the hosted workspace that holds the collaborative
// copy of every entity.
package hub

import (
	"context"
	"time"

	"hub-sync-service/internal/entity"
)

// Record is one Hub page. Payload is keyed by Store column name and its
// relation values hold Hub ids.
type Record struct {
	ID        string
	UpdatedAt time.Time
	Payload   entity.Payload
}

// Page is one page of a change listing.
type Page struct {
	Records []Record
	// Invalid holds listed records whose properties could not be read.
	Invalid    []RecordError
	NextCursor string
	HasMore    bool
}

// RecordError is a listed record that failed to decode. Err is a
// record-scoped validation error.
type RecordError struct {
	ID        string
	UpdatedAt time.Time
	Err       error
}

// Client is the engine's view of the Hub.
type Client interface {
	// ListChanged lists records edited at or after since, oldest first.
	// cursor is the NextCursor of the previous page, empty for the first.
	ListChanged(ctx context.Context, s *entity.Schema, since time.Time, cursor string) (*Page, error)
	// Get returns nil when the record does not exist.
	Get(ctx context.Context, s *entity.Schema, id string) (*Record, error)
	// Create is idempotent on idempotencyKey: repeating a create with the
	// same key returns the record made the first time.
	Create(ctx context.Context, s *entity.Schema, p entity.Payload, idempotencyKey string) (*Record, error)
	Update(ctx context.Context, s *entity.Schema, id string, p entity.Payload) (*Record, error)
}

package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hub-sync-service/internal/entity"
	"hub-sync-service/internal/store"
)

type Side string

const (
	SideHub   Side = "hub"
	SideStore Side = "store"
)

// Resolution is the outcome of a conflict. Payload is the winner's payload
// in Hub form and is written over the loser.
type Resolution struct {
	Winner     Side
	Loser      Side
	Payload    entity.Payload
	ResolvedAt time.Time
}

// ResolutionStrategy picks the winning side of a record changed on both
// sides since the last sync.
type ResolutionStrategy interface {
	Name() string
	Winner(rec *entity.Record) Side
}

// LastWriteWinsStrategy keeps the side with the strictly later updated_at.
// Equal timestamps go to the Hub. The whole record wins; fields are never
// merged.
type LastWriteWinsStrategy struct{}

func (LastWriteWinsStrategy) Name() string {
	return "last_write_wins"
}

func (LastWriteWinsStrategy) Winner(rec *entity.Record) Side {
	if rec.UpdatedAtStore.After(rec.UpdatedAtHub) {
		return SideStore
	}
	return SideHub
}

// ConflictRecorder stores the audit entry of a resolved conflict.
type ConflictRecorder interface {
	CreateConflict(ctx context.Context, conflict *store.Conflict) error
}

type Resolver struct {
	recorder ConflictRecorder
	strategy ResolutionStrategy
	now      func() time.Time
}

func NewResolver(recorder ConflictRecorder, now func() time.Time) *Resolver {
	return &Resolver{
		recorder: recorder,
		strategy: LastWriteWinsStrategy{},
		now:      now,
	}
}

// Resolve decides a conflict. It has no side effects.
func (r *Resolver) Resolve(rec *entity.Record) Resolution {
	res := Resolution{ResolvedAt: r.now()}
	switch r.strategy.Winner(rec) {
	case SideStore:
		res.Winner, res.Loser, res.Payload = SideStore, SideHub, rec.StorePayload
	default:
		res.Winner, res.Loser, res.Payload = SideHub, SideStore, rec.HubPayload
	}
	return res
}

// RecordConflict writes the audit entry holding both snapshots, so the
// overwritten side can be recovered by hand.
func (r *Resolver) RecordConflict(ctx context.Context, rec *entity.Record, res Resolution) error {
	hubData, err := json.Marshal(rec.HubPayload)
	if err != nil {
		return fmt.Errorf("failed to encode hub snapshot: %w", err)
	}
	storeData, err := json.Marshal(rec.StorePayload)
	if err != nil {
		return fmt.Errorf("failed to encode store snapshot: %w", err)
	}

	conflict := &store.Conflict{
		ID:                 uuid.New().String(),
		EntityType:         string(rec.EntityType),
		HubID:              rec.HubID,
		StoreID:            rec.StoreID,
		HubData:            hubData,
		StoreData:          storeData,
		HubUpdatedAt:       rec.UpdatedAtHub,
		StoreUpdatedAt:     rec.UpdatedAtStore,
		ConflictType:       "concurrent_update",
		DetectedAt:         res.ResolvedAt,
		Resolved:           true,
		ResolutionStrategy: sql.NullString{String: r.strategy.Name(), Valid: true},
		Winner:             sql.NullString{String: string(res.Winner), Valid: true},
		ResolvedAt:         sql.NullTime{Time: res.ResolvedAt, Valid: true},
	}
	if err := r.recorder.CreateConflict(ctx, conflict); err != nil {
		return fmt.Errorf("failed to record conflict: %w", err)
	}
	return nil
}

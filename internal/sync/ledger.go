package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"hub-sync-service/internal/entity"
	"hub-sync-service/internal/logger"
	"hub-sync-service/internal/store"
	"hub-sync-service/internal/syncerr"
)

// RecordRef identifies a record on its source side for one direction: a Hub
// id for pulls, a Store id for pushes.
type RecordRef struct {
	EntityType entity.EntityType
	Direction  entity.Direction
	SourceID   string
}

func (r RecordRef) String() string {
	return fmt.Sprintf("%s/%s/%s", r.EntityType, r.Direction, r.SourceID)
}

// Ledger keeps failed records so the next cycle revisits them. Entries are
// retried until they succeed; there is no attempt cap.
type Ledger struct {
	store store.FailureLedger
	now   func() time.Time
}

func NewLedger(s store.FailureLedger, now func() time.Time) *Ledger {
	return &Ledger{store: s, now: now}
}

// RecordFailure creates or bumps the entry for ref.
func (l *Ledger) RecordFailure(ctx context.Context, ref RecordRef, cause error) (*store.FailureEntry, error) {
	entry, err := l.store.RecordFailure(ctx, &store.FailureEntry{
		EntityType:      string(ref.EntityType),
		Direction:       string(ref.Direction),
		SourceID:        ref.SourceID,
		Cause:           string(syncerr.KindOf(cause)),
		Message:         cause.Error(),
		LastAttemptedAt: l.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record failure for %s: %w", ref, err)
	}

	logger.Log.Warn("Record failed",
		zap.String("record", ref.String()),
		zap.String("cause", entry.Cause),
		zap.Int("attempt", entry.AttemptCount),
		zap.Error(cause),
	)
	return entry, nil
}

// DrainForRetry lists the entries due for another attempt. Entries stay in
// the ledger until Resolve is called for them.
func (l *Ledger) DrainForRetry(ctx context.Context, et entity.EntityType, dir entity.Direction) ([]*store.FailureEntry, error) {
	entries, err := l.store.ListFailures(ctx, string(et), string(dir))
	if err != nil {
		return nil, fmt.Errorf("failed to read failure ledger: %w", err)
	}
	return entries, nil
}

// Resolve removes the entry after a successful retry.
func (l *Ledger) Resolve(ctx context.Context, ref RecordRef) error {
	if err := l.store.DeleteFailure(ctx, string(ref.EntityType), string(ref.Direction), ref.SourceID); err != nil {
		return fmt.Errorf("failed to resolve failure for %s: %w", ref, err)
	}
	return nil
}

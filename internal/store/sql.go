package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"hub-sync-service/internal/database"
	"hub-sync-service/internal/logger"
)

// SQLStore keeps the engine's bookkeeping in the Store database itself, so a
// fresh process resumes where the last one stopped.
type SQLStore struct {
	db *database.Database
}

func NewSQLStore(db *database.Database) *SQLStore {
	return &SQLStore{db: db}
}

// Close is a no-op; the owner of the Database closes the pool.
func (s *SQLStore) Close() error {
	return nil
}

func (s *SQLStore) q(query string) string {
	return s.db.Rebind(query)
}

func (s *SQLStore) GetCursor(ctx context.Context, entityType, direction string) (*Cursor, error) {
	query := s.q(`SELECT entity_type, direction, watermark, updated_at
			  FROM sync_cursors WHERE entity_type = ? AND direction = ?`)

	var c Cursor
	err := s.db.DB.QueryRowContext(ctx, query, entityType, direction).Scan(
		&c.EntityType,
		&c.Direction,
		&c.Watermark,
		&c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Watermark = c.Watermark.UTC()
	return &c, nil
}

func (s *SQLStore) AdvanceCursor(ctx context.Context, cursor *Cursor) error {
	d := s.db.Dialect
	query := d.UpsertSet("sync_cursors",
		[]string{"entity_type", "direction", "watermark", "updated_at"},
		[]string{"entity_type", "direction"},
		[]string{
			fmt.Sprintf("%s = %s", d.Quote("watermark"), d.Greatest(d.Quote("watermark"), d.Excluded("watermark"))),
			fmt.Sprintf("%s = %s", d.Quote("updated_at"), d.Excluded("updated_at")),
		})

	_, err := s.db.DB.ExecContext(ctx, query,
		cursor.EntityType,
		cursor.Direction,
		cursor.Watermark.UTC(),
		time.Now().UTC(),
	)
	return err
}

const crossIDColumns = `entity_type, hub_id, store_id, hub_version, store_version, last_synced_at`

func scanCrossID(row interface{ Scan(...any) error }) (*CrossID, error) {
	var c CrossID
	err := row.Scan(
		&c.EntityType,
		&c.HubID,
		&c.StoreID,
		&c.HubVersion,
		&c.StoreVersion,
		&c.LastSyncedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.HubVersion = c.HubVersion.UTC()
	c.StoreVersion = c.StoreVersion.UTC()
	c.LastSyncedAt = c.LastSyncedAt.UTC()
	return &c, nil
}

func (s *SQLStore) LookupByHub(ctx context.Context, entityType, hubID string) (*CrossID, error) {
	query := s.q(`SELECT ` + crossIDColumns + ` FROM cross_ids WHERE entity_type = ? AND hub_id = ?`)
	return scanCrossID(s.db.DB.QueryRowContext(ctx, query, entityType, hubID))
}

func (s *SQLStore) LookupByStore(ctx context.Context, entityType, storeID string) (*CrossID, error) {
	query := s.q(`SELECT ` + crossIDColumns + ` FROM cross_ids WHERE entity_type = ? AND store_id = ?`)
	return scanCrossID(s.db.DB.QueryRowContext(ctx, query, entityType, storeID))
}

func (s *SQLStore) Register(ctx context.Context, m *CrossID) (*CrossID, error) {
	if m.HubID == "" || m.StoreID == "" {
		return nil, fmt.Errorf("cross-id mapping needs both ids, got hub=%q store=%q", m.HubID, m.StoreID)
	}

	query := s.db.Dialect.InsertIgnore("cross_ids", []string{
		"entity_type", "hub_id", "store_id", "hub_version", "store_version", "last_synced_at",
	})
	_, err := s.db.DB.ExecContext(ctx, query,
		m.EntityType,
		m.HubID,
		m.StoreID,
		m.HubVersion.UTC(),
		m.StoreVersion.UTC(),
		m.LastSyncedAt.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register cross id: %w", err)
	}

	existing, err := s.LookupByHub(ctx, m.EntityType, m.HubID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		existing, err = s.LookupByStore(ctx, m.EntityType, m.StoreID)
		if err != nil {
			return nil, err
		}
	}
	if existing == nil {
		return nil, fmt.Errorf("cross id for %s hub=%s vanished after insert", m.EntityType, m.HubID)
	}
	if existing.HubID != m.HubID || existing.StoreID != m.StoreID {
		logger.Log.Warn("Cross id already mapped",
			zap.String("entity_type", m.EntityType),
			zap.String("hub_id", existing.HubID),
			zap.String("store_id", existing.StoreID),
		)
	}
	return existing, nil
}

func (s *SQLStore) MarkSynced(ctx context.Context, m *CrossID) error {
	d := s.db.Dialect
	query := s.q(fmt.Sprintf(`UPDATE cross_ids SET hub_version = ?, store_version = ?, last_synced_at = %s
			  WHERE entity_type = ? AND hub_id = ?`, d.Greatest("last_synced_at", "?")))

	res, err := s.db.DB.ExecContext(ctx, query,
		m.HubVersion.UTC(),
		m.StoreVersion.UTC(),
		m.LastSyncedAt.UTC(),
		m.EntityType,
		m.HubID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("no cross id for %s hub=%s", m.EntityType, m.HubID)
	}
	return nil
}

func (s *SQLStore) RecordFailure(ctx context.Context, e *FailureEntry) (*FailureEntry, error) {
	d := s.db.Dialect
	now := e.LastAttemptedAt.UTC()
	query := d.UpsertSet("sync_failures",
		[]string{"entity_type", "direction", "source_id", "cause", "message", "attempt_count", "first_failed_at", "last_attempted_at"},
		[]string{"entity_type", "direction", "source_id"},
		[]string{
			fmt.Sprintf("%s = %s", d.Quote("cause"), d.Excluded("cause")),
			fmt.Sprintf("%s = %s", d.Quote("message"), d.Excluded("message")),
			fmt.Sprintf("%s = %s.%s + 1", d.Quote("attempt_count"), d.Quote("sync_failures"), d.Quote("attempt_count")),
			fmt.Sprintf("%s = %s", d.Quote("last_attempted_at"), d.Excluded("last_attempted_at")),
		})

	// The bump and the read back share a transaction so the returned entry
	// is the one this call wrote.
	var entry *FailureEntry
	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			e.EntityType,
			e.Direction,
			e.SourceID,
			e.Cause,
			e.Message,
			1,
			now,
			now,
		)
		if err != nil {
			return fmt.Errorf("failed to record failure: %w", err)
		}

		entries, err := s.listFailures(ctx, tx, `WHERE entity_type = ? AND direction = ? AND source_id = ?`,
			e.EntityType, e.Direction, e.SourceID)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return fmt.Errorf("failure entry for %s/%s vanished after insert", e.EntityType, e.SourceID)
		}
		entry = entries[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *SQLStore) ListFailures(ctx context.Context, entityType, direction string) ([]*FailureEntry, error) {
	where := `WHERE 1 = 1`
	var args []any
	if entityType != "" {
		where += ` AND entity_type = ?`
		args = append(args, entityType)
	}
	if direction != "" {
		where += ` AND direction = ?`
		args = append(args, direction)
	}
	return s.listFailures(ctx, s.db.DB, where, args...)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLStore) listFailures(ctx context.Context, q queryer, where string, args ...any) ([]*FailureEntry, error) {
	query := s.q(`SELECT entity_type, direction, source_id, cause, message, attempt_count, first_failed_at, last_attempted_at
			  FROM sync_failures ` + where + ` ORDER BY first_failed_at, source_id`)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*FailureEntry
	for rows.Next() {
		var e FailureEntry
		err := rows.Scan(
			&e.EntityType,
			&e.Direction,
			&e.SourceID,
			&e.Cause,
			&e.Message,
			&e.AttemptCount,
			&e.FirstFailedAt,
			&e.LastAttemptedAt,
		)
		if err != nil {
			return nil, err
		}
		e.FirstFailedAt = e.FirstFailedAt.UTC()
		e.LastAttemptedAt = e.LastAttemptedAt.UTC()
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

func (s *SQLStore) DeleteFailure(ctx context.Context, entityType, direction, sourceID string) error {
	query := s.q(`DELETE FROM sync_failures WHERE entity_type = ? AND direction = ? AND source_id = ?`)
	_, err := s.db.DB.ExecContext(ctx, query, entityType, direction, sourceID)
	return err
}

func (s *SQLStore) CreateConflict(ctx context.Context, conflict *Conflict) error {
	query := s.q(`INSERT INTO conflicts (id, entity_type, hub_id, store_id, hub_data, store_data, hub_updated_at, store_updated_at,
			  conflict_type, detected_at, resolved, resolution_strategy, winner, resolved_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.DB.ExecContext(ctx, query,
		conflict.ID,
		conflict.EntityType,
		conflict.HubID,
		conflict.StoreID,
		string(conflict.HubData),
		string(conflict.StoreData),
		conflict.HubUpdatedAt.UTC(),
		conflict.StoreUpdatedAt.UTC(),
		conflict.ConflictType,
		conflict.DetectedAt.UTC(),
		conflict.Resolved,
		conflict.ResolutionStrategy,
		conflict.Winner,
		conflict.ResolvedAt,
	)

	return err
}

const conflictColumns = `id, entity_type, hub_id, store_id, hub_data, store_data, hub_updated_at, store_updated_at,
			  conflict_type, detected_at, resolved, resolution_strategy, winner, resolved_at`

func scanConflict(row interface{ Scan(...any) error }) (*Conflict, error) {
	var c Conflict
	var hubData, storeData []byte
	err := row.Scan(
		&c.ID,
		&c.EntityType,
		&c.HubID,
		&c.StoreID,
		&hubData,
		&storeData,
		&c.HubUpdatedAt,
		&c.StoreUpdatedAt,
		&c.ConflictType,
		&c.DetectedAt,
		&c.Resolved,
		&c.ResolutionStrategy,
		&c.Winner,
		&c.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	c.HubData = hubData
	c.StoreData = storeData
	return &c, nil
}

func (s *SQLStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	query := s.q(`SELECT ` + conflictColumns + ` FROM conflicts WHERE id = ?`)

	c, err := scanConflict(s.db.DB.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (s *SQLStore) ListConflicts(ctx context.Context, entityType string, limit, offset int) ([]*Conflict, error) {
	where := ``
	args := []any{}
	if entityType != "" {
		where = `WHERE entity_type = ? `
		args = append(args, entityType)
	}
	args = append(args, limit, offset)
	query := s.q(`SELECT ` + conflictColumns + ` FROM conflicts ` + where + `ORDER BY detected_at DESC LIMIT ? OFFSET ?`)

	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}

	return conflicts, rows.Err()
}

func (s *SQLStore) CreateSyncHistory(ctx context.Context, history *SyncHistory) error {
	query := s.q(`INSERT INTO sync_history (id, started_at, completed_at, direction, entity_types, total_records, conflicts_resolved, failed_records, status, error_message)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.DB.ExecContext(ctx, query,
		history.ID,
		history.StartedAt.UTC(),
		history.CompletedAt,
		history.Direction,
		history.EntityTypes,
		history.TotalRecords,
		history.ConflictsResolved,
		history.FailedRecords,
		history.Status,
		history.ErrorMessage,
	)

	return err
}

func (s *SQLStore) UpdateSyncHistory(ctx context.Context, history *SyncHistory) error {
	query := s.q(`UPDATE sync_history SET completed_at = ?, total_records = ?, conflicts_resolved = ?, failed_records = ?, status = ?, error_message = ? WHERE id = ?`)

	_, err := s.db.DB.ExecContext(ctx, query,
		history.CompletedAt,
		history.TotalRecords,
		history.ConflictsResolved,
		history.FailedRecords,
		history.Status,
		history.ErrorMessage,
		history.ID,
	)

	return err
}

func (s *SQLStore) GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error) {
	query := s.q(`SELECT id, started_at, completed_at, direction, entity_types, total_records, conflicts_resolved, failed_records, status, error_message
			  FROM sync_history ORDER BY started_at DESC LIMIT ? OFFSET ?`)

	rows, err := s.db.DB.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*SyncHistory
	for rows.Next() {
		var h SyncHistory
		err := rows.Scan(
			&h.ID,
			&h.StartedAt,
			&h.CompletedAt,
			&h.Direction,
			&h.EntityTypes,
			&h.TotalRecords,
			&h.ConflictsResolved,
			&h.FailedRecords,
			&h.Status,
			&h.ErrorMessage,
		)
		if err != nil {
			return nil, err
		}
		history = append(history, &h)
	}

	return history, rows.Err()
}

package store

import (
	"context"
	"fmt"
	"strings"

	"hub-sync-service/internal/database"
	"hub-sync-service/internal/logger"
)

type column struct {
	name     string
	typ      database.ColumnType
	nullable bool
}

type table struct {
	name    string
	columns []column
	primary []string
	unique  [][]string
}

var bookkeepingTables = []table{
	{
		name: "sync_cursors",
		columns: []column{
			{"entity_type", database.ColumnKey, false},
			{"direction", database.ColumnKey, false},
			{"watermark", database.ColumnTimestamp, false},
			{"updated_at", database.ColumnTimestamp, false},
		},
		primary: []string{"entity_type", "direction"},
	},
	{
		name: "cross_ids",
		columns: []column{
			{"entity_type", database.ColumnKey, false},
			{"hub_id", database.ColumnKey, false},
			{"store_id", database.ColumnKey, false},
			{"hub_version", database.ColumnTimestamp, false},
			{"store_version", database.ColumnTimestamp, false},
			{"last_synced_at", database.ColumnTimestamp, false},
		},
		primary: []string{"entity_type", "hub_id"},
		unique:  [][]string{{"entity_type", "store_id"}},
	},
	{
		name: "sync_failures",
		columns: []column{
			{"entity_type", database.ColumnKey, false},
			{"direction", database.ColumnKey, false},
			{"source_id", database.ColumnKey, false},
			{"cause", database.ColumnKey, false},
			{"message", database.ColumnText, false},
			{"attempt_count", database.ColumnInt, false},
			{"first_failed_at", database.ColumnTimestamp, false},
			{"last_attempted_at", database.ColumnTimestamp, false},
		},
		primary: []string{"entity_type", "direction", "source_id"},
	},
	{
		name: "conflicts",
		columns: []column{
			{"id", database.ColumnKey, false},
			{"entity_type", database.ColumnKey, false},
			{"hub_id", database.ColumnKey, false},
			{"store_id", database.ColumnKey, false},
			{"hub_data", database.ColumnJSON, false},
			{"store_data", database.ColumnJSON, false},
			{"hub_updated_at", database.ColumnTimestamp, false},
			{"store_updated_at", database.ColumnTimestamp, false},
			{"conflict_type", database.ColumnKey, false},
			{"detected_at", database.ColumnTimestamp, false},
			{"resolved", database.ColumnBool, false},
			{"resolution_strategy", database.ColumnKey, true},
			{"winner", database.ColumnKey, true},
			{"resolved_at", database.ColumnTimestamp, true},
		},
		primary: []string{"id"},
	},
	{
		name: "sync_history",
		columns: []column{
			{"id", database.ColumnKey, false},
			{"started_at", database.ColumnTimestamp, false},
			{"completed_at", database.ColumnTimestamp, true},
			{"direction", database.ColumnKey, false},
			{"entity_types", database.ColumnText, false},
			{"total_records", database.ColumnInt, false},
			{"conflicts_resolved", database.ColumnInt, false},
			{"failed_records", database.ColumnInt, false},
			{"status", database.ColumnKey, false},
			{"error_message", database.ColumnText, true},
		},
		primary: []string{"id"},
	},
}

func createTableSQL(d database.Dialect, t table) string {
	quoteAll := func(cols []string) string {
		q := make([]string, len(cols))
		for i, c := range cols {
			q[i] = d.Quote(c)
		}
		return strings.Join(q, ", ")
	}

	var defs []string
	for _, c := range t.columns {
		def := fmt.Sprintf("%s %s", d.Quote(c.name), d.Type(c.typ))
		if !c.nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", quoteAll(t.primary)))
	for _, u := range t.unique {
		defs = append(defs, fmt.Sprintf("UNIQUE (%s)", quoteAll(u)))
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", d.Quote(t.name), strings.Join(defs, ",\n\t"))
}

// Migrate creates the bookkeeping tables when missing. It is safe to run on
// every start.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, t := range bookkeepingTables {
		if _, err := s.db.DB.ExecContext(ctx, createTableSQL(s.db.Dialect, t)); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.name, err)
		}
	}
	logger.Log.Info("Bookkeeping tables ready")
	return nil
}

// Package storedb reads and writes entity rows in the Store database.
package storedb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"hub-sync-service/internal/database"
	"hub-sync-service/internal/entity"
)

// Row is one entity row. Relation values in Payload hold Store ids.
type Row struct {
	ID        string
	HubID     string
	UpdatedAt time.Time
	Payload   entity.Payload
}

// Page is one keyset page of changed rows.
type Page struct {
	Rows       []Row
	NextCursor string
	HasMore    bool
}

const (
	colID        = "id"
	colHubID     = "hub_id"
	colExtra     = "extra"
	colUpdatedAt = "updated_at"
)

// ColumnType maps a field type to its Store column type. Multi-selects are
// stored as a JSON array in a text column.
func ColumnType(t entity.FieldType) database.ColumnType {
	switch t {
	case entity.FieldDate:
		return database.ColumnTimestamp
	case entity.FieldNumber:
		return database.ColumnDouble
	case entity.FieldCheckbox:
		return database.ColumnBool
	case entity.FieldRelation:
		return database.ColumnKey
	default:
		return database.ColumnText
	}
}

// encode turns a value into a driver argument.
func encode(f entity.Field, v entity.Value) (any, error) {
	if v.Null {
		return nil, nil
	}
	switch f.Type {
	case entity.FieldMultiSelect:
		strs := v.Strs
		if strs == nil {
			strs = []string{}
		}
		b, err := json.Marshal(strs)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case entity.FieldDate:
		return v.Time.UTC().Truncate(time.Microsecond), nil
	case entity.FieldNumber:
		return v.Num, nil
	case entity.FieldCheckbox:
		return v.Bool, nil
	default:
		return v.Str, nil
	}
}

// scanTarget returns a destination for one column of the given field type.
func scanTarget(t entity.FieldType) any {
	switch t {
	case entity.FieldDate:
		return new(sql.NullTime)
	case entity.FieldNumber:
		return new(sql.NullFloat64)
	case entity.FieldCheckbox:
		return new(sql.NullBool)
	default:
		return new(sql.NullString)
	}
}

// decode converts a scanned destination back into a value.
func decode(f entity.Field, dest any) (entity.Value, error) {
	switch d := dest.(type) {
	case *sql.NullTime:
		if !d.Valid {
			return entity.Null(f.Type), nil
		}
		return entity.Date(d.Time), nil
	case *sql.NullFloat64:
		if !d.Valid {
			return entity.Null(f.Type), nil
		}
		return entity.Number(d.Float64), nil
	case *sql.NullBool:
		if !d.Valid {
			return entity.Null(f.Type), nil
		}
		return entity.Checkbox(d.Bool), nil
	case *sql.NullString:
		if !d.Valid {
			return entity.Null(f.Type), nil
		}
		switch f.Type {
		case entity.FieldMultiSelect:
			var strs []string
			if err := json.Unmarshal([]byte(d.String), &strs); err != nil {
				return entity.Value{}, fmt.Errorf("column %s: %w", f.Column, err)
			}
			return entity.MultiSelect(strs...), nil
		default:
			return entity.Value{Type: f.Type, Str: d.String}, nil
		}
	}
	return entity.Value{}, fmt.Errorf("column %s: unexpected scan target %T", f.Column, dest)
}

func encodeExtra(extra map[string]json.RawMessage) (any, error) {
	if len(extra) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(extra)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeExtra(s sql.NullString) (map[string]json.RawMessage, error) {
	if !s.Valid || strings.TrimSpace(s.String) == "" || s.String == "null" {
		return nil, nil
	}
	var extra map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s.String), &extra); err != nil {
		return nil, fmt.Errorf("extra: %w", err)
	}
	if len(extra) == 0 {
		return nil, nil
	}
	return extra, nil
}

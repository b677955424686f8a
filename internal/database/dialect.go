package database

import (
	"fmt"
	"strconv"
	"strings"
)

// ColumnType is the engine's portable column type. The dialect renders it.
type ColumnType string

const (
	ColumnKey       ColumnType = "key"
	ColumnText      ColumnType = "text"
	ColumnJSON      ColumnType = "json"
	ColumnTimestamp ColumnType = "timestamp"
	ColumnDouble    ColumnType = "double"
	ColumnBool      ColumnType = "bool"
	ColumnInt       ColumnType = "int"
)

// Dialect captures the SQL differences between the supported Store engines.
type Dialect struct {
	Name string
}

var (
	MySQL    = Dialect{Name: "mysql"}
	Postgres = Dialect{Name: "postgres"}
	SQLite   = Dialect{Name: "sqlite"}
)

func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "mysql":
		return MySQL, nil
	case "postgres":
		return Postgres, nil
	case "sqlite":
		return SQLite, nil
	}
	return Dialect{}, fmt.Errorf("unsupported store driver %q", driver)
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	if d.Name == "sqlite" {
		return "sqlite3"
	}
	return d.Name
}

// Rebind converts '?' placeholders to '$N' for Postgres.
func (d Dialect) Rebind(query string) string {
	if d.Name != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) Quote(ident string) string {
	if d.Name == "mysql" {
		return "`" + ident + "`"
	}
	return `"` + ident + `"`
}

func (d Dialect) Type(ct ColumnType) string {
	switch d.Name {
	case "mysql":
		switch ct {
		case ColumnKey:
			return "VARCHAR(191)"
		case ColumnTimestamp:
			return "DATETIME(6)"
		case ColumnDouble:
			return "DOUBLE"
		case ColumnBool:
			return "BOOLEAN"
		case ColumnInt:
			return "BIGINT"
		case ColumnJSON:
			return "JSON"
		default:
			return "TEXT"
		}
	case "postgres":
		switch ct {
		case ColumnTimestamp:
			return "TIMESTAMPTZ"
		case ColumnDouble:
			return "DOUBLE PRECISION"
		case ColumnBool:
			return "BOOLEAN"
		case ColumnInt:
			return "BIGINT"
		case ColumnJSON:
			return "JSONB"
		default:
			return "TEXT"
		}
	default:
		switch ct {
		case ColumnTimestamp:
			return "TIMESTAMP"
		case ColumnDouble:
			return "REAL"
		case ColumnBool:
			return "BOOLEAN"
		case ColumnInt:
			return "INTEGER"
		default:
			return "TEXT"
		}
	}
}

// Upsert renders an insert that overwrites updateCols with the incoming
// values when a row with the same conflictCols already exists.
func (d Dialect) Upsert(table string, cols, conflictCols, updateCols []string) string {
	sets := make([]string, len(updateCols))
	for i, c := range updateCols {
		sets[i] = fmt.Sprintf("%s = %s", d.Quote(c), d.Excluded(c))
	}
	return d.UpsertSet(table, cols, conflictCols, sets)
}

// UpsertSet is Upsert with caller-built SET clauses, for read-modify-write
// updates such as keeping the greater of two timestamps.
func (d Dialect) UpsertSet(table string, cols, conflictCols, sets []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.Quote(c)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s)", d.Quote(table), strings.Join(quoted, ", "), placeholders)

	if d.Name == "mysql" {
		fmt.Fprintf(&b, " ON DUPLICATE KEY UPDATE %s", strings.Join(sets, ", "))
		return b.String()
	}

	keys := make([]string, len(conflictCols))
	for i, c := range conflictCols {
		keys[i] = d.Quote(c)
	}
	fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(keys, ", "), strings.Join(sets, ", "))
	return d.Rebind(b.String())
}

// Excluded refers to the incoming value of col inside an upsert.
func (d Dialect) Excluded(col string) string {
	if d.Name == "mysql" {
		return fmt.Sprintf("VALUES(%s)", d.Quote(col))
	}
	return "excluded." + d.Quote(col)
}

// Greatest renders the larger of two expressions.
func (d Dialect) Greatest(a, b string) string {
	if d.Name == "sqlite" {
		return fmt.Sprintf("MAX(%s, %s)", a, b)
	}
	return fmt.Sprintf("GREATEST(%s, %s)", a, b)
}

// InsertIgnore renders an insert that leaves an existing row untouched.
func (d Dialect) InsertIgnore(table string, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.Quote(c)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	if d.Name == "mysql" {
		return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)", d.Quote(table), strings.Join(quoted, ", "), placeholders)
	}
	return d.Rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
		d.Quote(table), strings.Join(quoted, ", "), placeholders))
}

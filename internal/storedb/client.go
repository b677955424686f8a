package storedb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hub-sync-service/internal/database"
	"hub-sync-service/internal/entity"
	"hub-sync-service/internal/logger"
	"hub-sync-service/internal/ratelimit"
	"hub-sync-service/internal/syncerr"
)

const defaultPageSize = 100

// Client accesses one table per entity type. Every call goes through the
// limiter so the Store sees the same backoff discipline as the Hub.
type Client struct {
	db       *database.Database
	limiter  *ratelimit.Limiter
	pageSize int
}

func NewClient(db *database.Database, limiter *ratelimit.Limiter, pageSize int) *Client {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Client{db: db, limiter: limiter, pageSize: pageSize}
}

func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if c.limiter == nil {
		return fn(ctx)
	}
	return c.limiter.Do(ctx, op, fn)
}

// classify marks driver failures. Connection level failures may be retried;
// everything else is a rejection of the statement.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return syncerr.Connectivity(op, err)
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return syncerr.Connectivity(op, err)
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "broken pipe", "i/o timeout", "database is locked"} {
		if strings.Contains(msg, s) {
			return syncerr.Connectivity(op, err)
		}
	}
	for _, s := range []string{"access denied", "authentication failed", "password authentication"} {
		if strings.Contains(msg, s) {
			return syncerr.Auth(op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *Client) createTableSQL(s *entity.Schema) string {
	d := c.db.Dialect
	defs := []string{
		fmt.Sprintf("%s %s NOT NULL", d.Quote(colID), d.Type(database.ColumnKey)),
		fmt.Sprintf("%s %s NULL", d.Quote(colHubID), d.Type(database.ColumnKey)),
	}
	for _, f := range s.Fields {
		def := fmt.Sprintf("%s %s", d.Quote(f.Column), d.Type(ColumnType(f.Type)))
		if f.Type == entity.FieldCheckbox {
			def += " NOT NULL DEFAULT FALSE"
		} else {
			def += " NULL"
		}
		defs = append(defs, def)
	}
	defs = append(defs,
		fmt.Sprintf("%s %s NULL", d.Quote(colExtra), d.Type(database.ColumnJSON)),
		fmt.Sprintf("%s %s NOT NULL", d.Quote(colUpdatedAt), d.Type(database.ColumnTimestamp)),
		fmt.Sprintf("PRIMARY KEY (%s)", d.Quote(colID)),
		fmt.Sprintf("UNIQUE (%s)", d.Quote(colHubID)),
	)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", d.Quote(s.Table()), strings.Join(defs, ",\n\t"))
}

// EnsureTables creates missing entity tables. Existing tables are left as
// they are.
func (c *Client) EnsureTables(ctx context.Context, schemas []*entity.Schema) error {
	for _, s := range schemas {
		if _, err := c.db.DB.ExecContext(ctx, c.createTableSQL(s)); err != nil {
			return syncerr.Schema("ensure table "+s.Table(), err)
		}
	}
	logger.Log.Info("Entity tables ready", zap.Int("count", len(schemas)))
	return nil
}

func (c *Client) selectColumns(s *entity.Schema) string {
	d := c.db.Dialect
	cols := []string{d.Quote(colID), d.Quote(colHubID)}
	for _, f := range s.Fields {
		cols = append(cols, d.Quote(f.Column))
	}
	cols = append(cols, d.Quote(colExtra), d.Quote(colUpdatedAt))
	return strings.Join(cols, ", ")
}

func scanRow(s *entity.Schema, row interface{ Scan(...any) error }) (*Row, error) {
	var (
		id        string
		hubID     sql.NullString
		extra     sql.NullString
		updatedAt time.Time
	)
	targets := make([]any, 0, len(s.Fields)+4)
	targets = append(targets, &id, &hubID)
	for _, f := range s.Fields {
		targets = append(targets, scanTarget(f.Type))
	}
	targets = append(targets, &extra, &updatedAt)

	if err := row.Scan(targets...); err != nil {
		return nil, err
	}

	r := &Row{ID: id, HubID: hubID.String, UpdatedAt: updatedAt.UTC()}
	for i, f := range s.Fields {
		v, err := decode(f, targets[i+2])
		if err != nil {
			return nil, err
		}
		r.Payload.Fields = append(r.Payload.Fields, entity.FieldValue{Name: f.Column, Value: v})
	}
	x, err := decodeExtra(extra)
	if err != nil {
		return nil, err
	}
	r.Payload.Extra = x
	return r, nil
}

// ListChanged returns rows with updated_at at or after since, ordered by
// (updated_at, id). cursor is the NextCursor of the previous page.
func (c *Client) ListChanged(ctx context.Context, s *entity.Schema, since time.Time, cursor string) (*Page, error) {
	d := c.db.Dialect
	where := fmt.Sprintf("%s >= ?", d.Quote(colUpdatedAt))
	args := []any{since.UTC()}
	if cursor != "" {
		at, id, err := decodeCursor(cursor)
		if err != nil {
			return nil, syncerr.Validation("list "+s.Table(), err)
		}
		where += fmt.Sprintf(" AND (%[1]s > ? OR (%[1]s = ? AND %[2]s > ?))", d.Quote(colUpdatedAt), d.Quote(colID))
		args = append(args, at, at, id)
	}
	args = append(args, c.pageSize+1)

	query := d.Rebind(fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s, %s LIMIT ?",
		c.selectColumns(s), d.Quote(s.Table()), where, d.Quote(colUpdatedAt), d.Quote(colID)))

	page := &Page{}
	op := "list " + s.Table()
	err := c.do(ctx, op, func(ctx context.Context) error {
		page.Rows = page.Rows[:0]
		rows, err := c.db.DB.QueryContext(ctx, query, args...)
		if err != nil {
			return classify(op, err)
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRow(s, rows)
			if err != nil {
				return syncerr.Schema(op, err)
			}
			page.Rows = append(page.Rows, *r)
		}
		return classify(op, rows.Err())
	})
	if err != nil {
		return nil, err
	}

	if len(page.Rows) > c.pageSize {
		page.Rows = page.Rows[:c.pageSize]
		last := page.Rows[len(page.Rows)-1]
		page.HasMore = true
		page.NextCursor = encodeCursor(last.UpdatedAt, last.ID)
	}
	return page, nil
}

// Get returns the row with the given id, or nil when there is none.
func (c *Client) Get(ctx context.Context, s *entity.Schema, id string) (*Row, error) {
	return c.getBy(ctx, s, colID, id)
}

// GetByHubID returns the row linked to hubID, or nil when there is none.
func (c *Client) GetByHubID(ctx context.Context, s *entity.Schema, hubID string) (*Row, error) {
	return c.getBy(ctx, s, colHubID, hubID)
}

func (c *Client) getBy(ctx context.Context, s *entity.Schema, col, value string) (*Row, error) {
	d := c.db.Dialect
	query := d.Rebind(fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", c.selectColumns(s), d.Quote(s.Table()), d.Quote(col)))

	var out *Row
	op := "get " + s.Table()
	err := c.do(ctx, op, func(ctx context.Context) error {
		r, err := scanRow(s, c.db.DB.QueryRowContext(ctx, query, value))
		if errors.Is(err, sql.ErrNoRows) {
			out = nil
			return nil
		}
		if err != nil {
			return classify(op, err)
		}
		out = r
		return nil
	})
	return out, err
}

// Upsert writes row and returns it as stored. A row with an ID is updated in
// place; a row without one is inserted keyed on hub_id, so replaying the
// same Hub record never produces a second row. UpdatedAt is written as given.
func (c *Client) Upsert(ctx context.Context, s *entity.Schema, row Row) (*Row, error) {
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}
	row.UpdatedAt = row.UpdatedAt.UTC().Truncate(time.Microsecond)

	values, err := c.columnValues(s, row.Payload)
	if err != nil {
		return nil, syncerr.Validation("upsert "+s.Table(), err)
	}

	op := "upsert " + s.Table()
	var stored *Row
	err = c.do(ctx, op, func(ctx context.Context) error {
		id := row.ID
		if id != "" {
			n, err := c.update(ctx, s, id, row, values)
			if err != nil {
				return classify(op, err)
			}
			if n == 0 {
				if err := c.insert(ctx, s, id, row, values); err != nil {
					return classify(op, err)
				}
			}
		} else {
			if row.HubID == "" {
				id = uuid.New().String()
			} else {
				id = uuid.NewSHA1(uuid.NameSpaceURL, []byte(s.Table()+"/"+row.HubID)).String()
			}
			if err := c.insert(ctx, s, id, row, values); err != nil {
				return classify(op, err)
			}
		}

		var r *Row
		var err error
		d := c.db.Dialect
		if row.HubID != "" {
			query := d.Rebind(fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", c.selectColumns(s), d.Quote(s.Table()), d.Quote(colHubID)))
			r, err = scanRow(s, c.db.DB.QueryRowContext(ctx, query, row.HubID))
		} else {
			query := d.Rebind(fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", c.selectColumns(s), d.Quote(s.Table()), d.Quote(colID)))
			r, err = scanRow(s, c.db.DB.QueryRowContext(ctx, query, id))
		}
		if err != nil {
			return classify(op, err)
		}
		stored = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (c *Client) columnValues(s *entity.Schema, p entity.Payload) ([]any, error) {
	values := make([]any, 0, len(s.Fields)+1)
	for _, f := range s.Fields {
		v, ok := p.Get(f.Column)
		if !ok {
			v = entity.Null(f.Type)
		}
		if f.Type == entity.FieldCheckbox && v.Null {
			v = entity.Checkbox(false)
		}
		arg, err := encode(f, v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", f.Column, err)
		}
		values = append(values, arg)
	}
	extra, err := encodeExtra(p.Extra)
	if err != nil {
		return nil, err
	}
	return append(values, extra), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// insert adds the row, or refreshes the columns of the row already linked
// to the same hub_id.
func (c *Client) insert(ctx context.Context, s *entity.Schema, id string, row Row, values []any) error {
	cols := []string{colID, colHubID}
	updates := []string{}
	for _, f := range s.Fields {
		cols = append(cols, f.Column)
		updates = append(updates, f.Column)
	}
	cols = append(cols, colExtra, colUpdatedAt)
	updates = append(updates, colExtra, colUpdatedAt)

	args := append([]any{id, nullable(row.HubID)}, values...)
	args = append(args, row.UpdatedAt)

	query := c.db.Dialect.Upsert(s.Table(), cols, []string{colHubID}, updates)
	_, err := c.db.DB.ExecContext(ctx, query, args...)
	return err
}

func (c *Client) update(ctx context.Context, s *entity.Schema, id string, row Row, values []any) (int64, error) {
	d := c.db.Dialect
	sets := []string{}
	for _, f := range s.Fields {
		sets = append(sets, d.Quote(f.Column)+" = ?")
	}
	sets = append(sets, d.Quote(colExtra)+" = ?", d.Quote(colUpdatedAt)+" = ?")
	args := append([]any{}, values...)
	args = append(args, row.UpdatedAt)

	if row.HubID != "" {
		sets = append(sets, fmt.Sprintf("%s = COALESCE(%s, ?)", d.Quote(colHubID), d.Quote(colHubID)))
		args = append(args, row.HubID)
	}
	args = append(args, id)

	query := d.Rebind(fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", d.Quote(s.Table()), strings.Join(sets, ", "), d.Quote(colID)))
	res, err := c.db.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LinkHubID records the Hub id of a row created from the Store side. It
// leaves updated_at alone so the link does not read as a local change.
func (c *Client) LinkHubID(ctx context.Context, s *entity.Schema, id, hubID string) error {
	d := c.db.Dialect
	query := d.Rebind(fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ? AND (%s IS NULL OR %s = ?)",
		d.Quote(s.Table()), d.Quote(colHubID), d.Quote(colID), d.Quote(colHubID), d.Quote(colHubID)))

	op := "link " + s.Table()
	return c.do(ctx, op, func(ctx context.Context) error {
		res, err := c.db.DB.ExecContext(ctx, query, hubID, id, hubID)
		if err != nil {
			return classify(op, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return syncerr.Errorf(syncerr.KindConflict, op, "row %s is linked to another hub record", id)
		}
		return nil
	})
}

func encodeCursor(at time.Time, id string) string {
	raw := at.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor: %w", err)
	}
	at, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return time.Time{}, "", fmt.Errorf("invalid cursor %q", cursor)
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor: %w", err)
	}
	return t.UTC(), id, nil
}

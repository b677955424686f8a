package storedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hub-sync-service/internal/database"
	"hub-sync-service/internal/entity"
)

func newTestClient(t *testing.T, pageSize int) (*Client, *entity.Registry) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	reg := entity.DefaultRegistry()
	var schemas []*entity.Schema
	for _, et := range reg.Types() {
		s, _ := reg.Schema(et)
		schemas = append(schemas, s)
	}

	c := NewClient(database.Wrap(db, database.SQLite), nil, pageSize)
	require.NoError(t, c.EnsureTables(context.Background(), schemas))
	return c, reg
}

func at(min int) time.Time {
	return time.Date(2024, 5, 1, 9, min, 0, 0, time.UTC)
}

func contactPayload(name string) entity.Payload {
	var p entity.Payload
	p.Set("full_name", entity.Title(name))
	p.Set("email", entity.RichText(name+"@example.com"))
	p.Set("phone", entity.Null(entity.FieldRichText))
	p.Set("role", entity.Select("buyer"))
	p.Set("business_id", entity.Relation("b-1"))
	p.Set("last_contacted", entity.Date(at(30)))
	p.Set(entity.ArchivedColumn, entity.Checkbox(false))
	return p
}

func TestUpsertRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, reg := newTestClient(t, 10)
	s, _ := reg.Schema(entity.Contacts)

	p := contactPayload("Ada")
	p.Extra = map[string]json.RawMessage{"Nickname": json.RawMessage(`{"rich_text": "Countess"}`)}

	stored, err := c.Upsert(ctx, s, Row{HubID: "h-1", UpdatedAt: at(0), Payload: p})
	require.NoError(t, err)
	require.NotEmpty(t, stored.ID)
	assert.Equal(t, "h-1", stored.HubID)
	assert.True(t, stored.UpdatedAt.Equal(at(0)))
	assert.True(t, p.Equal(stored.Payload), "stored %+v", stored.Payload)

	got, err := c.Get(ctx, s, stored.ID)
	require.NoError(t, err)
	assert.True(t, p.Equal(got.Payload))

	missing, err := c.Get(ctx, s, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpsertIsKeyedOnHubID(t *testing.T) {
	ctx := context.Background()
	c, reg := newTestClient(t, 10)
	s, _ := reg.Schema(entity.Contacts)

	first, err := c.Upsert(ctx, s, Row{HubID: "h-1", UpdatedAt: at(0), Payload: contactPayload("Ada")})
	require.NoError(t, err)

	// replaying the create after a crash must not add a second row
	again, err := c.Upsert(ctx, s, Row{HubID: "h-1", UpdatedAt: at(1), Payload: contactPayload("Ada L")})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	page, err := c.ListChanged(ctx, s, time.Time{}, "")
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
	v, _ := page.Rows[0].Payload.Get("full_name")
	assert.Equal(t, "Ada L", v.Str)
}

func TestUpsertByIDAndLink(t *testing.T) {
	ctx := context.Background()
	c, reg := newTestClient(t, 10)
	s, _ := reg.Schema(entity.Contacts)

	local, err := c.Upsert(ctx, s, Row{UpdatedAt: at(0), Payload: contactPayload("Grace")})
	require.NoError(t, err)
	assert.Empty(t, local.HubID)

	require.NoError(t, c.LinkHubID(ctx, s, local.ID, "h-9"))
	require.NoError(t, c.LinkHubID(ctx, s, local.ID, "h-9"))
	assert.Error(t, c.LinkHubID(ctx, s, local.ID, "h-10"))

	linked, err := c.GetByHubID(ctx, s, "h-9")
	require.NoError(t, err)
	assert.Equal(t, local.ID, linked.ID)
	assert.True(t, linked.UpdatedAt.Equal(at(0)), "linking must not bump updated_at")

	updated, err := c.Upsert(ctx, s, Row{ID: local.ID, UpdatedAt: at(5), Payload: contactPayload("Grace H")})
	require.NoError(t, err)
	assert.Equal(t, "h-9", updated.HubID)
	assert.True(t, updated.UpdatedAt.Equal(at(5)))
}

func TestListChangedPaginates(t *testing.T) {
	ctx := context.Background()
	c, reg := newTestClient(t, 2)
	s, _ := reg.Schema(entity.Contacts)

	for i, name := range []string{"a", "b", "c", "d", "e"} {
		_, err := c.Upsert(ctx, s, Row{UpdatedAt: at(i), Payload: contactPayload(name)})
		require.NoError(t, err)
	}

	var names []string
	cursor := ""
	pages := 0
	for {
		page, err := c.ListChanged(ctx, s, at(1), cursor)
		require.NoError(t, err)
		pages++
		for _, r := range page.Rows {
			v, _ := r.Payload.Get("full_name")
			names = append(names, v.Str)
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	assert.Equal(t, []string{"b", "c", "d", "e"}, names)
	assert.Equal(t, 2, pages)
}

func TestMultiSelectAndNumbers(t *testing.T) {
	ctx := context.Background()
	c, reg := newTestClient(t, 10)
	s, _ := reg.Schema(entity.Products)

	var p entity.Payload
	p.Set("name", entity.Title("Widget"))
	p.Set("sku", entity.RichText("W-1"))
	p.Set("price", entity.Number(12.5))
	p.Set("categories", entity.MultiSelect("tools", "home"))
	p.Set(entity.ArchivedColumn, entity.Checkbox(true))

	stored, err := c.Upsert(ctx, s, Row{HubID: "p-1", UpdatedAt: at(0), Payload: p})
	require.NoError(t, err)
	assert.True(t, p.Equal(stored.Payload))
	assert.True(t, stored.Payload.Archived())
}

func TestCursorEncoding(t *testing.T) {
	cur := encodeCursor(at(3), "abc")
	ts, id, err := decodeCursor(cur)
	require.NoError(t, err)
	assert.True(t, ts.Equal(at(3)))
	assert.Equal(t, "abc", id)

	_, _, err = decodeCursor("!!!")
	assert.Error(t, err)
}

func TestMySQLUpsertStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	reg := entity.DefaultRegistry()
	s, _ := reg.Schema(entity.Products)
	c := NewClient(database.Wrap(db, database.MySQL), nil, 10)

	mock.ExpectExec("INSERT INTO `products` \\(`id`, `hub_id`, `name`, .*\\) ON DUPLICATE KEY UPDATE `name` = VALUES\\(`name`\\)").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT .* FROM `products` WHERE `hub_id` = \\?").
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "hub_id", "name", "sku", "price", "categories", "archived", "extra", "updated_at"}).
			AddRow("s-1", "p-1", "Widget", "W-1", 3.0, `["a"]`, false, nil, at(0)))

	var p entity.Payload
	p.Set("name", entity.Title("Widget"))
	p.Set("sku", entity.RichText("W-1"))
	p.Set("price", entity.Number(3))
	p.Set("categories", entity.MultiSelect("a"))

	stored, err := c.Upsert(context.Background(), s, Row{HubID: "p-1", UpdatedAt: at(0), Payload: p})
	require.NoError(t, err)
	assert.Equal(t, "s-1", stored.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTableSQL(t *testing.T) {
	reg := entity.DefaultRegistry()
	s, _ := reg.Schema(entity.Contacts)
	c := NewClient(database.Wrap(nil, database.Postgres), nil, 0)

	got := c.createTableSQL(s)
	assert.Contains(t, got, `CREATE TABLE IF NOT EXISTS "contacts"`)
	assert.Contains(t, got, `"last_contacted" TIMESTAMPTZ NULL`)
	assert.Contains(t, got, `"archived" BOOLEAN NOT NULL DEFAULT FALSE`)
	assert.Contains(t, got, `"extra" JSONB NULL`)
	assert.Contains(t, got, `UNIQUE ("hub_id")`)
}

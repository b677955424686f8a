package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryHasSixteenTypes(t *testing.T) {
	r := DefaultRegistry()
	assert.Len(t, r.Types(), 16)

	for _, typ := range r.Types() {
		s, ok := r.Schema(typ)
		require.True(t, ok)
		f, ok := s.Field(ArchivedColumn)
		require.True(t, ok, "%s lacks tombstone", typ)
		assert.Equal(t, FieldCheckbox, f.Type)
		assert.Equal(t, FieldTitle, s.Fields[0].Type)
	}
}

func TestOrderRespectsForeignKeys(t *testing.T) {
	r := DefaultRegistry()
	order, err := r.Order(nil)
	require.NoError(t, err)
	require.Len(t, order, 16)

	pos := make(map[EntityType]int)
	for i, typ := range order {
		pos[typ] = i
	}
	for _, typ := range order {
		s, _ := r.Schema(typ)
		for _, dep := range s.Dependencies() {
			assert.Less(t, pos[dep], pos[typ], "%s must come after %s", typ, dep)
		}
	}
}

func TestLevels(t *testing.T) {
	r := DefaultRegistry()
	levels, err := r.Levels(nil)
	require.NoError(t, err)

	assert.Equal(t, []EntityType{Businesses, Agents, NotificationTemplates, Products}, levels[0])
	assert.Equal(t, []EntityType{Tasks}, levels[len(levels)-1])
}

func TestLevelsWithFilter(t *testing.T) {
	r := DefaultRegistry()

	levels, err := r.Levels([]EntityType{Tasks, Contacts})
	require.NoError(t, err)
	assert.Equal(t, [][]EntityType{{Contacts}, {Tasks}}, levels)

	_, err = r.Levels([]EntityType{"unknown"})
	assert.Error(t, err)
}

func TestNewRegistryRejectsCycles(t *testing.T) {
	a := &Schema{Type: "a", Fields: []Field{
		field("name", "Name", FieldTitle),
		field("b_id", "B", FieldRelation).optional().references("b"),
	}}
	b := &Schema{Type: "b", Fields: []Field{
		field("name", "Name", FieldTitle),
		field("a_id", "A", FieldRelation).optional().references("a"),
	}}
	_, err := NewRegistry(a, b)
	assert.ErrorContains(t, err, "cycle")
}

func TestNewRegistryRejectsUnknownTarget(t *testing.T) {
	a := &Schema{Type: "a", Fields: []Field{
		field("name", "Name", FieldTitle),
		field("x_id", "X", FieldRelation).references("x"),
	}}
	_, err := NewRegistry(a)
	assert.ErrorContains(t, err, "unknown type")
}

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection("PUSH")
	require.NoError(t, err)
	assert.Equal(t, Push, d)

	d, err = ParseDirection("")
	require.NoError(t, err)
	assert.Equal(t, Bidirectional, d)
	assert.Equal(t, []Direction{Pull, Push}, d.Passes())

	_, err = ParseDirection("sideways")
	assert.Error(t, err)
}

func TestRecordClassify(t *testing.T) {
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	rec := Record{HubVersion: base, StoreVersion: base, LastSyncedAt: base}

	assert.Equal(t, InSync, rec.Classify())

	rec.UpdatedAtHub = base.Add(time.Hour)
	assert.Equal(t, PendingPull, rec.Classify())

	rec.UpdatedAtStore = base.Add(65 * time.Minute)
	assert.Equal(t, Conflict, rec.Classify())

	rec.UpdatedAtHub = base
	assert.Equal(t, PendingPush, rec.Classify())
}

func TestPayloadSetGetEqual(t *testing.T) {
	var p Payload
	p.Set("name", Title("Acme"))
	p.Set("tags", MultiSelect("a", "b"))
	p.Set("name", Title("Acme Corp"))

	v, ok := p.Get("name")
	require.True(t, ok)
	assert.Equal(t, "Acme Corp", v.Str)
	assert.Len(t, p.Fields, 2)

	var q Payload
	q.Set("name", Title("Acme Corp"))
	q.Set("tags", MultiSelect("a", "b"))
	assert.True(t, p.Equal(q))

	q.Set("tags", MultiSelect("b", "a"))
	assert.False(t, p.Equal(q))
}

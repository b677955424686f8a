// Package mapper converts records between their Hub and Store shapes.
//
// Both shapes share one payload model keyed by Store column name. They
// differ only in which side's ids relation fields hold, so conversion is
// validation plus relation translation through the cross-id index.
package mapper

import (
	"context"
	"fmt"
	"strings"

	"hub-sync-service/internal/entity"
	"hub-sync-service/internal/hub"
	"hub-sync-service/internal/store"
	"hub-sync-service/internal/storedb"
	"hub-sync-service/internal/syncerr"
)

// IDIndex is the part of the cross-id index the mapper reads.
type IDIndex interface {
	LookupByHub(ctx context.Context, entityType, hubID string) (*store.CrossID, error)
	LookupByStore(ctx context.Context, entityType, storeID string) (*store.CrossID, error)
}

// Deferral is a relation written as null because its target has no mapping
// on the receiving side yet.
type Deferral struct {
	Field  string
	Target entity.EntityType
	PeerID string
}

type Result struct {
	Deferred []Deferral
}

func (r Result) HasDeferred() bool {
	return len(r.Deferred) > 0
}

// ValidationError lists the fields that made a payload unusable.
type ValidationError struct {
	EntityType entity.EntityType
	Problems   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", e.EntityType, strings.Join(e.Problems, "; "))
}

type Mapper struct {
	index IDIndex
}

func New(index IDIndex) *Mapper {
	return &Mapper{index: index}
}

// ToStore converts a Hub record into a Store row. The row has no ID; the
// caller fills it from the index when the record is already mapped.
func (m *Mapper) ToStore(ctx context.Context, s *entity.Schema, rec hub.Record) (storedb.Row, Result, error) {
	p, err := Normalize(s, rec.Payload)
	if err != nil {
		return storedb.Row{}, Result{}, err
	}

	res, err := m.translate(ctx, s, &p, func(ctx context.Context, target entity.EntityType, id string) (string, error) {
		c, err := m.index.LookupByHub(ctx, string(target), id)
		if err != nil || c == nil {
			return "", err
		}
		return c.StoreID, nil
	})
	if err != nil {
		return storedb.Row{}, Result{}, err
	}

	return storedb.Row{
		HubID:     rec.ID,
		UpdatedAt: rec.UpdatedAt,
		Payload:   p,
	}, res, nil
}

// ToHub converts a Store row into a payload whose relations hold Hub ids.
func (m *Mapper) ToHub(ctx context.Context, s *entity.Schema, row storedb.Row) (entity.Payload, Result, error) {
	p, err := Normalize(s, row.Payload)
	if err != nil {
		return entity.Payload{}, Result{}, err
	}

	res, err := m.translate(ctx, s, &p, func(ctx context.Context, target entity.EntityType, id string) (string, error) {
		c, err := m.index.LookupByStore(ctx, string(target), id)
		if err != nil || c == nil {
			return "", err
		}
		return c.HubID, nil
	})
	if err != nil {
		return entity.Payload{}, Result{}, err
	}
	return p, res, nil
}

func (m *Mapper) translate(ctx context.Context, s *entity.Schema, p *entity.Payload,
	lookup func(ctx context.Context, target entity.EntityType, id string) (string, error)) (Result, error) {
	var res Result
	for i, fv := range p.Fields {
		f, _ := s.Field(fv.Name)
		if f.Type != entity.FieldRelation || fv.Value.Null || fv.Value.Str == "" {
			continue
		}
		peer, err := lookup(ctx, f.Target, fv.Value.Str)
		if err != nil {
			return Result{}, fmt.Errorf("failed to resolve %s relation: %w", f.Column, err)
		}
		if peer == "" {
			res.Deferred = append(res.Deferred, Deferral{Field: f.Column, Target: f.Target, PeerID: fv.Value.Str})
			p.Fields[i].Value = entity.Null(entity.FieldRelation)
			continue
		}
		p.Fields[i].Value = entity.Relation(peer)
	}
	return res, nil
}

// Normalize checks p against the schema and returns it with one entry per
// declared field in schema order. Absent checkboxes read as false, absent
// multi-selects as empty, and other absent nullable fields as null.
func Normalize(s *entity.Schema, p entity.Payload) (entity.Payload, error) {
	var problems []string
	for _, fv := range p.Fields {
		if _, ok := s.Field(fv.Name); !ok {
			problems = append(problems, fmt.Sprintf("%s: undeclared field", fv.Name))
		}
	}

	out := entity.Payload{Fields: make([]entity.FieldValue, 0, len(s.Fields))}
	for _, f := range s.Fields {
		v, ok := p.Get(f.Column)
		switch {
		case !ok || v.Null:
			switch {
			case f.Type == entity.FieldCheckbox:
				v = entity.Checkbox(false)
			case f.Type == entity.FieldMultiSelect:
				v = entity.MultiSelect()
			case f.Nullable:
				v = entity.Null(f.Type)
			default:
				problems = append(problems, fmt.Sprintf("%s: required", f.Column))
				continue
			}
		case v.Type != f.Type:
			problems = append(problems, fmt.Sprintf("%s: got %s, want %s", f.Column, v.Type, f.Type))
			continue
		}
		out.Fields = append(out.Fields, entity.FieldValue{Name: f.Column, Value: v})
	}

	if len(problems) > 0 {
		return entity.Payload{}, syncerr.Validation("map "+string(s.Type), &ValidationError{EntityType: s.Type, Problems: problems})
	}

	if len(p.Extra) > 0 {
		out.Extra = p.Extra
	}
	return out, nil
}

package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"hub-sync-service/internal/entity"
	"hub-sync-service/internal/syncerr"
)

// maxTextChunk is the longest text run a single rich text object may hold.
const maxTextChunk = 2000

// errPropertyType marks a Hub property whose type differs from the schema.
// It affects every record of the database, unlike a bad value.
var errPropertyType = errors.New("property type mismatch")

// decodeErr classifies a decodePage failure.
func decodeErr(op string, err error) error {
	if errors.Is(err, errPropertyType) {
		return syncerr.Schema(op, err)
	}
	return syncerr.Validation(op, err)
}

type pageObject struct {
	ID             string                     `json:"id"`
	LastEditedTime time.Time                  `json:"last_edited_time"`
	Archived       bool                       `json:"archived"`
	Properties     map[string]json.RawMessage `json:"properties"`
}

type textObject struct {
	PlainText string `json:"plain_text,omitempty"`
	Text      *struct {
		Content string `json:"content"`
	} `json:"text,omitempty"`
}

type option struct {
	Name string `json:"name"`
}

type dateObject struct {
	Start string `json:"start"`
}

type ref struct {
	ID string `json:"id"`
}

type property struct {
	Type        string       `json:"type"`
	Title       []textObject `json:"title"`
	RichText    []textObject `json:"rich_text"`
	Select      *option      `json:"select"`
	MultiSelect []option     `json:"multi_select"`
	Date        *dateObject  `json:"date"`
	Relation    []ref        `json:"relation"`
	Number      *float64     `json:"number"`
	Checkbox    *bool        `json:"checkbox"`
}

func textRuns(s string) []map[string]any {
	runs := []map[string]any{}
	r := []rune(s)
	for len(r) > 0 {
		n := min(len(r), maxTextChunk)
		runs = append(runs, map[string]any{"text": map[string]any{"content": string(r[:n])}})
		r = r[n:]
	}
	return runs
}

func plainText(objs []textObject) string {
	var b strings.Builder
	for _, o := range objs {
		if o.PlainText != "" {
			b.WriteString(o.PlainText)
		} else if o.Text != nil {
			b.WriteString(o.Text.Content)
		}
	}
	return b.String()
}

// encodeProperties renders a payload as Hub page properties. Extra entries
// are owned by the Hub and are not written back.
func encodeProperties(s *entity.Schema, p entity.Payload) (map[string]any, error) {
	props := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		v, ok := p.Get(f.Column)
		if !ok {
			continue
		}
		if !v.Null && v.Type != f.Type {
			return nil, fmt.Errorf("field %s: value of type %s, want %s", f.Column, v.Type, f.Type)
		}
		props[f.HubName] = encodeValue(f.Type, v)
	}
	return props, nil
}

func encodeValue(t entity.FieldType, v entity.Value) map[string]any {
	switch t {
	case entity.FieldTitle, entity.FieldRichText:
		runs := []map[string]any{}
		if !v.Null {
			runs = textRuns(v.Str)
		}
		return map[string]any{string(t): runs}
	case entity.FieldSelect:
		if v.Null || v.Str == "" {
			return map[string]any{"select": nil}
		}
		return map[string]any{"select": option{Name: v.Str}}
	case entity.FieldMultiSelect:
		opts := []option{}
		for _, s := range v.Strs {
			opts = append(opts, option{Name: s})
		}
		return map[string]any{"multi_select": opts}
	case entity.FieldDate:
		if v.Null {
			return map[string]any{"date": nil}
		}
		return map[string]any{"date": dateObject{Start: v.Time.UTC().Format(time.RFC3339Nano)}}
	case entity.FieldRelation:
		refs := []ref{}
		if !v.Null && v.Str != "" {
			refs = append(refs, ref{ID: v.Str})
		}
		return map[string]any{"relation": refs}
	case entity.FieldNumber:
		if v.Null {
			return map[string]any{"number": nil}
		}
		return map[string]any{"number": v.Num}
	default:
		return map[string]any{"checkbox": !v.Null && v.Bool}
	}
}

// decodePage converts a Hub page into a record. Properties the schema does
// not declare are kept verbatim in Extra.
func decodePage(s *entity.Schema, pg pageObject) (*Record, error) {
	rec := &Record{ID: pg.ID, UpdatedAt: pg.LastEditedTime.UTC()}

	for _, f := range s.Fields {
		raw, ok := pg.Properties[f.HubName]
		if !ok {
			continue
		}
		var prop property
		if err := json.Unmarshal(raw, &prop); err != nil {
			return nil, fmt.Errorf("property %q: %w", f.HubName, err)
		}
		if prop.Type != "" && prop.Type != string(f.Type) {
			return nil, fmt.Errorf("property %q has type %s, want %s: %w", f.HubName, prop.Type, f.Type, errPropertyType)
		}
		v, err := decodeValue(f.Type, prop)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", f.HubName, err)
		}
		rec.Payload.Set(f.Column, v)
	}

	for name, raw := range pg.Properties {
		if _, declared := s.FieldByHubName(name); declared {
			continue
		}
		if rec.Payload.Extra == nil {
			rec.Payload.Extra = make(map[string]json.RawMessage)
		}
		rec.Payload.Extra[name] = raw
	}

	if pg.Archived {
		rec.Payload.Set(entity.ArchivedColumn, entity.Checkbox(true))
	}
	return rec, nil
}

func decodeValue(t entity.FieldType, prop property) (entity.Value, error) {
	switch t {
	case entity.FieldTitle:
		return entity.Title(plainText(prop.Title)), nil
	case entity.FieldRichText:
		if len(prop.RichText) == 0 {
			return entity.Null(t), nil
		}
		return entity.RichText(plainText(prop.RichText)), nil
	case entity.FieldSelect:
		if prop.Select == nil {
			return entity.Null(t), nil
		}
		return entity.Select(prop.Select.Name), nil
	case entity.FieldMultiSelect:
		names := make([]string, 0, len(prop.MultiSelect))
		for _, o := range prop.MultiSelect {
			names = append(names, o.Name)
		}
		return entity.MultiSelect(names...), nil
	case entity.FieldDate:
		if prop.Date == nil || prop.Date.Start == "" {
			return entity.Null(t), nil
		}
		ts, err := parseDate(prop.Date.Start)
		if err != nil {
			return entity.Value{}, err
		}
		return entity.Date(ts), nil
	case entity.FieldRelation:
		switch len(prop.Relation) {
		case 0:
			return entity.Null(t), nil
		case 1:
			return entity.Relation(prop.Relation[0].ID), nil
		default:
			return entity.Value{}, fmt.Errorf("relation holds %d pages, the store column takes one", len(prop.Relation))
		}
	case entity.FieldNumber:
		if prop.Number == nil {
			return entity.Null(t), nil
		}
		return entity.Number(*prop.Number), nil
	case entity.FieldCheckbox:
		return entity.Checkbox(prop.Checkbox != nil && *prop.Checkbox), nil
	}
	return entity.Value{}, fmt.Errorf("unsupported field type %s", t)
}

func parseDate(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	return time.Parse(time.DateOnly, s)
}

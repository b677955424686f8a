package entity

import (
	"encoding/json"
	"reflect"
	"slices"
	"time"
)

// Value is a tagged union over the declared field types. Only the member
// matching Type is meaningful; Null marks an absent value.
type Value struct {
	Type FieldType
	Null bool
	// Str holds title, rich_text, select and relation values. For relations
	// it is the peer record id on whichever side the payload belongs to.
	Str  string
	Strs []string
	Num  float64
	Time time.Time
	Bool bool
}

func Title(s string) Value { return Value{Type: FieldTitle, Str: s} }
func RichText(s string) Value { return Value{Type: FieldRichText, Str: s} }
func Select(s string) Value { return Value{Type: FieldSelect, Str: s} }
func Relation(id string) Value { return Value{Type: FieldRelation, Str: id} }
func Number(n float64) Value { return Value{Type: FieldNumber, Num: n} }
func Checkbox(b bool) Value { return Value{Type: FieldCheckbox, Bool: b} }
func Date(t time.Time) Value { return Value{Type: FieldDate, Time: t.UTC()} }
func Null(t FieldType) Value { return Value{Type: t, Null: true} }
func MultiSelect(s ...string) Value {
	return Value{Type: FieldMultiSelect, Strs: append([]string{}, s...)}
}

// Equal compares two values of the same field type.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type || v.Null != o.Null {
		return false
	}
	if v.Null {
		return true
	}
	switch v.Type {
	case FieldMultiSelect:
		return slices.Equal(v.Strs, o.Strs)
	case FieldNumber:
		return v.Num == o.Num
	case FieldDate:
		return v.Time.Equal(o.Time)
	case FieldCheckbox:
		return v.Bool == o.Bool
	default:
		return v.Str == o.Str
	}
}

// FieldValue is one named entry of a payload.
type FieldValue struct {
	Name  string
	Value Value
}

// Payload is an ordered field bag keyed by Store column name. Extra holds
// undeclared properties verbatim; they ride along but are never interpreted.
type Payload struct {
	Fields []FieldValue
	Extra  map[string]json.RawMessage
}

func (p Payload) Get(name string) (Value, bool) {
	for _, f := range p.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Set replaces the named value or appends it.
func (p *Payload) Set(name string, v Value) {
	for i := range p.Fields {
		if p.Fields[i].Name == name {
			p.Fields[i].Value = v
			return
		}
	}
	p.Fields = append(p.Fields, FieldValue{Name: name, Value: v})
}

func (p Payload) Equal(o Payload) bool {
	if len(p.Fields) != len(o.Fields) {
		return false
	}
	for i := range p.Fields {
		if p.Fields[i].Name != o.Fields[i].Name || !p.Fields[i].Value.Equal(o.Fields[i].Value) {
			return false
		}
	}
	if len(p.Extra) != len(o.Extra) {
		return false
	}
	for k, v := range p.Extra {
		w, ok := o.Extra[k]
		if !ok || !sameJSON(v, w) {
			return false
		}
	}
	return true
}

// sameJSON compares two documents ignoring formatting and key order, since
// the Store may normalize what it keeps in its JSON column.
func sameJSON(a, b json.RawMessage) bool {
	if string(a) == string(b) {
		return true
	}
	var x, y any
	if json.Unmarshal(a, &x) != nil || json.Unmarshal(b, &y) != nil {
		return false
	}
	return reflect.DeepEqual(x, y)
}

// Archived reports whether the payload carries the tombstone.
func (p Payload) Archived() bool {
	v, ok := p.Get(ArchivedColumn)
	return ok && !v.Null && v.Bool
}

// MarshalJSON renders the payload as a flat object for audit snapshots.
func (p Payload) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Fields)+1)
	for _, f := range p.Fields {
		out[f.Name] = f.Value.plain()
	}
	if len(p.Extra) > 0 {
		out["_extra"] = p.Extra
	}
	return json.Marshal(out)
}

func (v Value) plain() any {
	if v.Null {
		return nil
	}
	switch v.Type {
	case FieldMultiSelect:
		return v.Strs
	case FieldNumber:
		return v.Num
	case FieldDate:
		return v.Time.Format(time.RFC3339Nano)
	case FieldCheckbox:
		return v.Bool
	default:
		return v.Str
	}
}

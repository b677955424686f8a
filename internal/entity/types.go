// Package entity declares the 16 synchronized entity types, their static
// schemas, and the typed value model shared by both sides of the sync.
package entity

import (
	"fmt"
	"strings"
)

type EntityType string

const (
	Businesses            EntityType = "businesses"
	Contacts              EntityType = "contacts"
	Agents                EntityType = "agents"
	Workflows             EntityType = "workflows"
	WorkflowInstances     EntityType = "workflow_instances"
	Tasks                 EntityType = "tasks"
	APIIntegrations       EntityType = "api_integrations"
	NotificationTemplates EntityType = "notification_templates"
	Notifications         EntityType = "notifications"
	Projects              EntityType = "projects"
	Documents             EntityType = "documents"
	Meetings              EntityType = "meetings"
	Products              EntityType = "products"
	Invoices              EntityType = "invoices"
	Orders                EntityType = "orders"
	KnowledgeArticles     EntityType = "knowledge_articles"
)

// FieldType is the Hub-side property type. Each one maps to exactly one
// Store column type.
type FieldType string

const (
	FieldTitle       FieldType = "title"
	FieldRichText    FieldType = "rich_text"
	FieldSelect      FieldType = "select"
	FieldMultiSelect FieldType = "multi_select"
	FieldDate        FieldType = "date"
	FieldRelation    FieldType = "relation"
	FieldNumber      FieldType = "number"
	FieldCheckbox    FieldType = "checkbox"
)

// ArchivedColumn is the tombstone every schema carries. Deletes travel as
// archived=true; rows are never physically removed.
const (
	ArchivedColumn  = "archived"
	ArchivedHubName = "Archived"
)

type Direction string

const (
	Pull          Direction = "pull"
	Push          Direction = "push"
	Bidirectional Direction = "bidirectional"
)

func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case Pull, Push, Bidirectional:
		return d, nil
	case "":
		return Bidirectional, nil
	default:
		return "", fmt.Errorf("invalid direction %q: must be pull, push or bidirectional", s)
	}
}

// Passes returns the one-way passes a direction is made of.
func (d Direction) Passes() []Direction {
	if d == Bidirectional {
		return []Direction{Pull, Push}
	}
	return []Direction{d}
}

// Field is one declared column of an entity schema.
type Field struct {
	Column   string
	HubName  string
	Type     FieldType
	Nullable bool
	// Target is the referenced entity type for relation fields.
	Target EntityType
}

func field(column, hubName string, t FieldType) Field {
	return Field{Column: column, HubName: hubName, Type: t}
}

func (f Field) optional() Field {
	f.Nullable = true
	return f
}

func (f Field) references(t EntityType) Field {
	f.Target = t
	return f
}

// Schema is the static description of one entity type.
type Schema struct {
	Type   EntityType
	Fields []Field
}

// Table is the Store table holding rows of this type.
func (s *Schema) Table() string {
	return string(s.Type)
}

func (s *Schema) Field(column string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Column == column {
			return f, true
		}
	}
	return Field{}, false
}

func (s *Schema) FieldByHubName(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.HubName == name {
			return f, true
		}
	}
	return Field{}, false
}

// Dependencies lists the distinct entity types this schema references,
// excluding itself.
func (s *Schema) Dependencies() []EntityType {
	var deps []EntityType
	seen := make(map[EntityType]bool)
	for _, f := range s.Fields {
		if f.Type != FieldRelation || f.Target == s.Type || seen[f.Target] {
			continue
		}
		seen[f.Target] = true
		deps = append(deps, f.Target)
	}
	return deps
}

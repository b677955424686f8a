package entity

import (
	"fmt"
	"slices"
)

// Registry holds the immutable set of schemas the engine syncs.
type Registry struct {
	schemas map[EntityType]*Schema
	order   []EntityType
}

// NewRegistry validates the schemas and appends the tombstone field to each.
// Relation targets must be registered and the dependency graph acyclic.
func NewRegistry(schemas ...*Schema) (*Registry, error) {
	r := &Registry{schemas: make(map[EntityType]*Schema, len(schemas))}
	for _, s := range schemas {
		if _, dup := r.schemas[s.Type]; dup {
			return nil, fmt.Errorf("duplicate schema %q", s.Type)
		}
		if len(s.Fields) == 0 || s.Fields[0].Type != FieldTitle {
			return nil, fmt.Errorf("schema %q: first field must be the title", s.Type)
		}
		cp := &Schema{Type: s.Type, Fields: append([]Field{}, s.Fields...)}
		if _, ok := cp.Field(ArchivedColumn); !ok {
			cp.Fields = append(cp.Fields, field(ArchivedColumn, ArchivedHubName, FieldCheckbox))
		}
		r.schemas[s.Type] = cp
		r.order = append(r.order, s.Type)
	}
	for _, s := range r.schemas {
		for _, f := range s.Fields {
			if f.Type != FieldRelation {
				continue
			}
			if _, ok := r.schemas[f.Target]; !ok {
				return nil, fmt.Errorf("schema %q: field %q references unknown type %q", s.Type, f.Column, f.Target)
			}
		}
	}
	if _, err := r.Levels(nil); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Schema(t EntityType) (*Schema, bool) {
	s, ok := r.schemas[t]
	return s, ok
}

// Types returns every registered type in declaration order.
func (r *Registry) Types() []EntityType {
	return slices.Clone(r.order)
}

// Levels groups the selected types into dependency levels: every type in
// level n references only types in levels < n. A nil filter selects all.
// Edges to unselected types are ignored since those types are not synced.
func (r *Registry) Levels(filter []EntityType) ([][]EntityType, error) {
	selected := make(map[EntityType]bool)
	if len(filter) == 0 {
		for _, t := range r.order {
			selected[t] = true
		}
	} else {
		for _, t := range filter {
			if _, ok := r.schemas[t]; !ok {
				return nil, fmt.Errorf("unknown entity type %q", t)
			}
			selected[t] = true
		}
	}

	indegree := make(map[EntityType]int)
	dependents := make(map[EntityType][]EntityType)
	for _, t := range r.order {
		if !selected[t] {
			continue
		}
		indegree[t] = 0
		for _, dep := range r.schemas[t].Dependencies() {
			if !selected[dep] {
				continue
			}
			indegree[t]++
			dependents[dep] = append(dependents[dep], t)
		}
	}

	var levels [][]EntityType
	for len(indegree) > 0 {
		var level []EntityType
		for _, t := range r.order {
			if d, ok := indegree[t]; ok && d == 0 {
				level = append(level, t)
			}
		}
		if len(level) == 0 {
			return nil, fmt.Errorf("entity dependency graph has a cycle")
		}
		for _, t := range level {
			delete(indegree, t)
			for _, next := range dependents[t] {
				indegree[next]--
			}
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// Order flattens Levels into a single topological order.
func (r *Registry) Order(filter []EntityType) ([]EntityType, error) {
	levels, err := r.Levels(filter)
	if err != nil {
		return nil, err
	}
	var out []EntityType
	for _, l := range levels {
		out = append(out, l...)
	}
	return out, nil
}

// DefaultRegistry returns the 16 entity schemas synchronized between the
// Hub and the Store.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(defaultSchemas()...)
	if err != nil {
		panic(err)
	}
	return r
}

func defaultSchemas() []*Schema {
	return []*Schema{
		{Type: Businesses, Fields: []Field{
			field("name", "Name", FieldTitle),
			field("industry", "Industry", FieldSelect).optional(),
			field("status", "Status", FieldSelect),
			field("website", "Website", FieldRichText).optional(),
			field("annual_revenue", "Annual Revenue", FieldNumber).optional(),
			field("tags", "Tags", FieldMultiSelect),
			field("founded_on", "Founded On", FieldDate).optional(),
		}},
		{Type: Contacts, Fields: []Field{
			field("full_name", "Full Name", FieldTitle),
			field("email", "Email", FieldRichText),
			field("phone", "Phone", FieldRichText).optional(),
			field("role", "Role", FieldSelect).optional(),
			field("business_id", "Business", FieldRelation).optional().references(Businesses),
			field("last_contacted", "Last Contacted", FieldDate).optional(),
		}},
		{Type: Agents, Fields: []Field{
			field("name", "Name", FieldTitle),
			field("persona", "Persona", FieldRichText),
			field("model", "Model", FieldSelect),
			field("capabilities", "Capabilities", FieldMultiSelect),
			field("active", "Active", FieldCheckbox),
		}},
		{Type: Workflows, Fields: []Field{
			field("name", "Name", FieldTitle),
			field("trigger", "Trigger", FieldSelect),
			field("description", "Description", FieldRichText).optional(),
			field("owner_agent_id", "Owner Agent", FieldRelation).optional().references(Agents),
		}},
		{Type: WorkflowInstances, Fields: []Field{
			field("label", "Label", FieldTitle),
			field("workflow_id", "Workflow", FieldRelation).optional().references(Workflows),
			field("business_id", "Business", FieldRelation).optional().references(Businesses),
			field("state", "State", FieldSelect),
			field("started_at", "Started At", FieldDate),
			field("completed_at", "Completed At", FieldDate).optional(),
		}},
		{Type: Tasks, Fields: []Field{
			field("title", "Title", FieldTitle),
			field("status", "Status", FieldSelect),
			field("priority", "Priority", FieldSelect).optional(),
			field("due_date", "Due Date", FieldDate).optional(),
			field("assignee_agent_id", "Assignee Agent", FieldRelation).optional().references(Agents),
			field("contact_id", "Contact", FieldRelation).optional().references(Contacts),
			field("workflow_instance_id", "Workflow Instance", FieldRelation).optional().references(WorkflowInstances),
			field("estimate_hours", "Estimate Hours", FieldNumber).optional(),
		}},
		{Type: APIIntegrations, Fields: []Field{
			field("name", "Name", FieldTitle),
			field("provider", "Provider", FieldSelect),
			field("business_id", "Business", FieldRelation).optional().references(Businesses),
			field("scopes", "Scopes", FieldMultiSelect),
			field("last_verified", "Last Verified", FieldDate).optional(),
			field("enabled", "Enabled", FieldCheckbox),
		}},
		{Type: NotificationTemplates, Fields: []Field{
			field("name", "Name", FieldTitle),
			field("channel", "Channel", FieldSelect),
			field("subject", "Subject", FieldRichText).optional(),
			field("body", "Body", FieldRichText),
		}},
		{Type: Notifications, Fields: []Field{
			field("subject", "Subject", FieldTitle),
			field("template_id", "Template", FieldRelation).optional().references(NotificationTemplates),
			field("recipient_id", "Recipient", FieldRelation).optional().references(Contacts),
			field("status", "Status", FieldSelect),
			field("sent_at", "Sent At", FieldDate).optional(),
		}},
		{Type: Projects, Fields: []Field{
			field("name", "Name", FieldTitle),
			field("business_id", "Business", FieldRelation).optional().references(Businesses),
			field("stage", "Stage", FieldSelect),
			field("budget", "Budget", FieldNumber).optional(),
			field("deadline", "Deadline", FieldDate).optional(),
		}},
		{Type: Documents, Fields: []Field{
			field("title", "Title", FieldTitle),
			field("project_id", "Project", FieldRelation).optional().references(Projects),
			field("kind", "Kind", FieldSelect),
			field("summary", "Summary", FieldRichText).optional(),
			field("url", "URL", FieldRichText).optional(),
		}},
		{Type: Meetings, Fields: []Field{
			field("topic", "Topic", FieldTitle),
			field("contact_id", "Contact", FieldRelation).optional().references(Contacts),
			field("business_id", "Business", FieldRelation).optional().references(Businesses),
			field("scheduled_for", "Scheduled For", FieldDate),
			field("notes", "Notes", FieldRichText).optional(),
		}},
		{Type: Products, Fields: []Field{
			field("name", "Name", FieldTitle),
			field("sku", "SKU", FieldRichText),
			field("price", "Price", FieldNumber),
			field("categories", "Categories", FieldMultiSelect),
		}},
		{Type: Invoices, Fields: []Field{
			field("number", "Number", FieldTitle),
			field("business_id", "Business", FieldRelation).optional().references(Businesses),
			field("contact_id", "Contact", FieldRelation).optional().references(Contacts),
			field("amount", "Amount", FieldNumber),
			field("due_date", "Due Date", FieldDate),
			field("status", "Status", FieldSelect),
		}},
		{Type: Orders, Fields: []Field{
			field("reference", "Reference", FieldTitle),
			field("contact_id", "Contact", FieldRelation).optional().references(Contacts),
			field("product_id", "Product", FieldRelation).optional().references(Products),
			field("quantity", "Quantity", FieldNumber),
			field("total", "Total", FieldNumber),
			field("placed_at", "Placed At", FieldDate),
			field("fulfillment", "Fulfillment", FieldSelect),
		}},
		{Type: KnowledgeArticles, Fields: []Field{
			field("title", "Title", FieldTitle),
			field("author_agent_id", "Author Agent", FieldRelation).optional().references(Agents),
			field("body", "Body", FieldRichText),
			field("topics", "Topics", FieldMultiSelect),
			field("published_on", "Published On", FieldDate).optional(),
		}},
	}
}

package agentdoc

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kayz/specforge/internal/cron"
)

// NewID returns a fresh entity identifier.
func NewID() string {
	return uuid.New().String()
}

// Sanitize coerces generator output into a well-formed document fragment:
// missing IDs are assigned, enum-like values are clamped to known values,
// every model gets exactly one id field, and schedules with an unusable
// recurrence are deactivated. It returns human-readable notes about each
// correction that changed meaning.
func Sanitize(doc *Document) []string {
	var notes []string
	for i := range doc.Models {
		notes = append(notes, sanitizeModel(&doc.Models[i])...)
	}
	for i := range doc.Enums {
		sanitizeEnum(&doc.Enums[i])
	}
	for i := range doc.Actions {
		sanitizeAction(&doc.Actions[i])
	}
	for i := range doc.Schedules {
		s := &doc.Schedules[i]
		sanitizeAction(&s.Action)
		if s.Interval.Pattern == "" && s.Interval.Timezone == "" {
			continue
		}
		if err := cron.Validate(s.Interval.Pattern, s.Interval.Timezone); err != nil {
			if s.Interval.Active {
				notes = append(notes, fmt.Sprintf("schedule %q deactivated: %v", s.Name, err))
			}
			s.Interval.Active = false
		}
	}
	return notes
}

func sanitizeModel(m *Model) []string {
	var notes []string
	if m.ID == "" {
		m.ID = NewID()
	}
	m.Name = strings.TrimSpace(m.Name)
	for i := range m.Fields {
		f := &m.Fields[i]
		if f.ID == "" {
			f.ID = NewID()
		}
		f.Name = strings.TrimSpace(f.Name)
		switch {
		case f.RelationField:
			f.Kind = KindObject
		case f.Kind != KindScalar && f.Kind != KindObject && f.Kind != KindEnum:
			f.Kind = KindScalar
		}
	}
	if EnforceIDField(m) {
		notes = append(notes, fmt.Sprintf("model %q: id field added", m.Name))
	}
	for i := range m.Enums {
		sanitizeEnum(&m.Enums[i])
	}
	return notes
}

// EnforceIDField makes the model carry exactly one primary key field named
// "id". It reports whether a field had to be inserted.
func EnforceIDField(m *Model) bool {
	m.IDField = IDFieldName
	idx := -1
	for i, f := range m.Fields {
		if strings.EqualFold(f.Name, IDFieldName) && idx < 0 {
			idx = i
			continue
		}
		if f.IsID {
			m.Fields[i].IsID = false
		}
	}
	if idx >= 0 {
		f := &m.Fields[idx]
		f.Name = IDFieldName
		f.IsID = true
		f.Unique = true
		f.Required = true
		f.List = false
		f.RelationField = false
		f.Kind = KindScalar
		if f.Type == "" {
			f.Type = "String"
		}
		return false
	}
	idField := Field{
		ID:       NewID(),
		Name:     IDFieldName,
		Type:     "String",
		IsID:     true,
		Unique:   true,
		Required: true,
		Kind:     KindScalar,
		Title:    "ID",
	}
	m.Fields = append([]Field{idField}, m.Fields...)
	return true
}

func sanitizeEnum(e *Enum) {
	if e.ID == "" {
		e.ID = NewID()
	}
	e.Name = strings.TrimSpace(e.Name)
	for i := range e.Fields {
		if e.Fields[i].ID == "" {
			e.Fields[i].ID = NewID()
		}
	}
}

func sanitizeAction(a *Action) {
	if a.ID == "" {
		a.ID = NewID()
	}
	a.Name = strings.TrimSpace(a.Name)
	switch strings.ToLower(string(a.Type)) {
	case "update":
		a.Type = ActionUpdate
	default:
		a.Type = ActionCreate
	}
	switch strings.ToLower(string(a.Role)) {
	case "member":
		a.Role = RoleMember
	default:
		a.Role = RoleAdmin
	}
}

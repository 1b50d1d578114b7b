// Package agentdoc defines the agent specification document: data models,
// enumerations, automated actions and schedules, plus the explicit deletion
// instructions that are applied to it between build phases.
package agentdoc

import "encoding/json"

// FieldKind classifies what a field's type refers to.
type FieldKind string

const (
	KindScalar FieldKind = "scalar"
	KindObject FieldKind = "object"
	KindEnum   FieldKind = "enum"
)

// ActionType is the kind of write an action or schedule performs.
type ActionType string

const (
	ActionCreate ActionType = "Create"
	ActionUpdate ActionType = "Update"
)

// Role is who may trigger an action.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// IDFieldName is the name every model uses for its primary key field.
const IDFieldName = "id"

// Document is the root aggregate produced by a build.
type Document struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Domain      string     `json:"domain"`
	Models      []Model    `json:"models"`
	Enums       []Enum     `json:"enums"`
	Actions     []Action   `json:"actions"`
	Schedules   []Schedule `json:"schedules"`
	CreatedAt   string     `json:"createdAt,omitempty"` // RFC3339, immutable once set
	Metadata    Metadata   `json:"metadata"`
}

// Metadata records build provenance.
type Metadata struct {
	Version       int                        `json:"version"`
	UpdatedAt     string                     `json:"updatedAt,omitempty"`
	LastOperation string                     `json:"lastOperation,omitempty"`
	Provenance    map[string]json.RawMessage `json:"provenance,omitempty"` // analysis payloads keyed by phase
}

// Model is a data model with its fields and model-scoped enums.
type Model struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	IDField       string   `json:"idField"`
	DisplayFields []string `json:"displayFields"`
	Fields        []Field  `json:"fields"`
	Enums         []Enum   `json:"enums"`
}

// Field is a single model attribute. Relation fields reference another
// model by name through Type.
type Field struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Type          string    `json:"type"`
	IsID          bool      `json:"isId"`
	Unique        bool      `json:"unique"`
	List          bool      `json:"list"`
	Required      bool      `json:"required"`
	Kind          FieldKind `json:"kind"`
	RelationField bool      `json:"relationField"`
	Title         string    `json:"title,omitempty"`
	Sort          bool      `json:"sort"`
	Order         int       `json:"order"`
	DefaultValue  any       `json:"defaultValue"`
}

// Enum is a named set of values, either document-wide or model-scoped.
type Enum struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Fields []EnumField `json:"fields"`
}

// EnumField is one enum member.
type EnumField struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	DefaultValue any    `json:"defaultValue"`
}

// Action is an automated operation that reads from a data source, executes
// code or a prompt, and writes results into a model.
type Action struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Type        ActionType `json:"type"`
	Role        Role       `json:"role"`
	DataSource  DataSource `json:"dataSource"`
	Execute     Execute    `json:"execute"`
	Results     Results    `json:"results"`
}

// HasExecution reports whether the action already carries runnable detail.
func (a Action) HasExecution() bool {
	return a.Execute.Code != nil && a.Execute.Code.Script != "" ||
		a.Execute.Prompt != nil && a.Execute.Prompt.Template != ""
}

// Schedule is an action that runs on a recurrence.
type Schedule struct {
	Action
	Interval Interval `json:"interval"`
}

// Interval is a schedule recurrence.
type Interval struct {
	Pattern  string `json:"pattern"` // cron expression, 5 or 6 fields, or a descriptor like @daily
	Timezone string `json:"timezone,omitempty"`
	Active   bool   `json:"active"`
}

// DataSource describes where an action reads its input.
type DataSource struct {
	Type           string          `json:"type,omitempty"` // "custom" | "database"
	CustomFunction *Code           `json:"customFunction,omitempty"`
	Database       *DatabaseSource `json:"database,omitempty"`
}

// DatabaseSource selects records from models.
type DatabaseSource struct {
	Models []ModelQuery `json:"models,omitempty"`
}

// ModelQuery selects fields from one model.
type ModelQuery struct {
	Model  string   `json:"model"`
	Fields []string `json:"fields,omitempty"`
	Filter string   `json:"filter,omitempty"`
	Limit  int      `json:"limit,omitempty"`
}

// Execute describes what an action runs.
type Execute struct {
	Type   string  `json:"type,omitempty"` // "code" | "prompt"
	Code   *Code   `json:"code,omitempty"`
	Prompt *Prompt `json:"prompt,omitempty"`
}

// Code is a script with its runtime dependencies.
type Code struct {
	Script       string   `json:"script,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Prompt is an LLM prompt template.
type Prompt struct {
	Template    string  `json:"template,omitempty"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// Results maps action output into a target model.
type Results struct {
	Model  string            `json:"model,omitempty"`
	Fields map[string]string `json:"fields,omitempty"` // target field -> source expression
}

// DeletionOperations are explicit removal instructions produced by change
// analysis. They are consumed once and never persisted with the document.
type DeletionOperations struct {
	ModelsToDelete    []string            `json:"modelsToDelete,omitempty"`
	EnumsToDelete     []string            `json:"enumsToDelete,omitempty"`
	ActionsToDelete   []string            `json:"actionsToDelete,omitempty"`
	SchedulesToDelete []string            `json:"schedulesToDelete,omitempty"`
	FieldDeletions    map[string][]string `json:"fieldDeletions,omitempty"` // model/action identifier -> field names
}

// IsEmpty reports whether there is nothing to delete.
func (d *DeletionOperations) IsEmpty() bool {
	if d == nil {
		return true
	}
	if len(d.ModelsToDelete)+len(d.EnumsToDelete)+len(d.ActionsToDelete)+len(d.SchedulesToDelete) > 0 {
		return false
	}
	for _, names := range d.FieldDeletions {
		if len(names) > 0 {
			return false
		}
	}
	return true
}

// HasContent reports whether the document holds any entity.
func (d *Document) HasContent() bool {
	return len(d.Models)+len(d.Enums)+len(d.Actions)+len(d.Schedules) > 0
}

// ModelNames returns the names of all models in order.
func (d *Document) ModelNames() []string {
	names := make([]string, 0, len(d.Models))
	for _, m := range d.Models {
		names = append(names, m.Name)
	}
	return names
}

// Title returns the human-readable title used when persisting the document.
func (d *Document) Title() string {
	if d.Name != "" {
		return d.Name
	}
	return "Untitled agent"
}

// Parse decodes a serialized document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

package agentdoc

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestSanitizeAssignsIDsAndIDField(t *testing.T) {
	doc := Document{
		Models: []Model{{
			Name: " Order ",
			Fields: []Field{
				{Name: "total", Type: "Float", Kind: "weird"},
				{Name: "customer", Type: "Customer", RelationField: true},
			},
		}},
		Actions: []Action{{Name: "Close order", Type: "update", Role: "nobody"}},
	}

	notes := Sanitize(&doc)

	m := doc.Models[0]
	if m.ID == "" || m.Name != "Order" || m.IDField != "id" {
		t.Fatalf("unexpected model after sanitize: %+v", m)
	}
	if len(m.Fields) != 3 || m.Fields[0].Name != "id" || !m.Fields[0].IsID {
		t.Fatalf("expected id field inserted first, got %+v", m.Fields)
	}
	if m.Fields[1].Kind != KindScalar {
		t.Fatalf("unknown kind should become scalar, got %q", m.Fields[1].Kind)
	}
	if m.Fields[2].Kind != KindObject {
		t.Fatalf("relation field should become object, got %q", m.Fields[2].Kind)
	}
	for _, f := range m.Fields {
		if f.ID == "" {
			t.Fatalf("field %q has no id", f.Name)
		}
	}
	if len(notes) != 1 {
		t.Fatalf("expected one note, got %v", notes)
	}

	a := doc.Actions[0]
	if a.ID == "" || a.Type != ActionUpdate || a.Role != RoleAdmin {
		t.Fatalf("unexpected action after sanitize: %+v", a)
	}
}

func TestEnforceIDFieldKeepsSinglePrimaryKey(t *testing.T) {
	m := Model{
		Name: "User",
		Fields: []Field{
			{ID: "f1", Name: "email", IsID: true},
			{ID: "f2", Name: "ID", Type: "Int"},
		},
	}
	if EnforceIDField(&m) {
		t.Fatalf("existing id field should not be re-inserted")
	}
	count := 0
	for _, f := range m.Fields {
		if f.IsID {
			count++
			if f.Name != "id" || f.Type != "Int" {
				t.Fatalf("unexpected id field: %+v", f)
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one id field, got %d", count)
	}
}

func TestSanitizeDeactivatesInvalidSchedule(t *testing.T) {
	doc := Document{
		Schedules: []Schedule{
			{Action: Action{Name: "Nightly"}, Interval: Interval{Pattern: "0 2 * * *", Timezone: "UTC", Active: true}},
			{Action: Action{Name: "Broken"}, Interval: Interval{Pattern: "whenever", Active: true}},
		},
	}
	notes := Sanitize(&doc)
	if !doc.Schedules[0].Interval.Active {
		t.Fatalf("valid schedule should stay active")
	}
	if doc.Schedules[1].Interval.Active {
		t.Fatalf("invalid schedule should be deactivated")
	}
	if len(notes) != 1 {
		t.Fatalf("expected one note, got %v", notes)
	}
}

func TestCloneIsDeepAndEqual(t *testing.T) {
	doc := Document{
		ID:   "doc-1",
		Name: "CRM",
		Models: []Model{{
			ID:            "m1",
			Name:          "User",
			DisplayFields: []string{"name"},
			Fields:        []Field{{ID: "f1", Name: "tagIds", DefaultValue: []any{"a"}}},
		}},
		Actions: []Action{{
			ID:      "a1",
			Results: Results{Model: "User", Fields: map[string]string{"name": "input.name"}},
			Execute: Execute{Type: "code", Code: &Code{Script: "return 1", Dependencies: []string{"lodash"}}},
		}},
		Metadata: Metadata{Version: 2, Provenance: map[string]json.RawMessage{"decision": json.RawMessage(`{"a":1}`)}},
	}

	clone := doc.Clone()
	if !reflect.DeepEqual(doc, clone) {
		t.Fatalf("clone differs from source")
	}

	clone.Models[0].Fields[0].DefaultValue.([]any)[0] = "b"
	clone.Actions[0].Results.Fields["name"] = "changed"
	clone.Actions[0].Execute.Code.Dependencies[0] = "underscore"
	clone.Metadata.Provenance["decision"][0] = '['

	if doc.Models[0].Fields[0].DefaultValue.([]any)[0] != "a" {
		t.Fatalf("default value shared with clone")
	}
	if doc.Actions[0].Results.Fields["name"] != "input.name" {
		t.Fatalf("results map shared with clone")
	}
	if doc.Actions[0].Execute.Code.Dependencies[0] != "lodash" {
		t.Fatalf("code dependencies shared with clone")
	}
	if string(doc.Metadata.Provenance["decision"]) != `{"a":1}` {
		t.Fatalf("provenance shared with clone")
	}
}

func TestDeletionOperationsIsEmpty(t *testing.T) {
	var nilOps *DeletionOperations
	if !nilOps.IsEmpty() {
		t.Fatalf("nil ops should be empty")
	}
	if !(&DeletionOperations{FieldDeletions: map[string][]string{"User": nil}}).IsEmpty() {
		t.Fatalf("field deletions without names should be empty")
	}
	if (&DeletionOperations{ModelsToDelete: []string{"Order"}}).IsEmpty() {
		t.Fatalf("model deletion should not be empty")
	}
}

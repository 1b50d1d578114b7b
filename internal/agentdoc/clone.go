package agentdoc

import "encoding/json"

// Clone returns a deep copy of the document. Nil slices and maps stay nil so
// that clones compare equal to their source.
func (d Document) Clone() Document {
	out := d
	out.Models = cloneSlice(d.Models, Model.Clone)
	out.Enums = cloneSlice(d.Enums, Enum.Clone)
	out.Actions = cloneSlice(d.Actions, Action.Clone)
	out.Schedules = cloneSlice(d.Schedules, Schedule.Clone)
	out.Metadata = d.Metadata.Clone()
	return out
}

func (m Metadata) Clone() Metadata {
	out := m
	if m.Provenance != nil {
		out.Provenance = make(map[string]json.RawMessage, len(m.Provenance))
		for k, v := range m.Provenance {
			out.Provenance[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

func (m Model) Clone() Model {
	out := m
	out.DisplayFields = cloneStrings(m.DisplayFields)
	out.Fields = cloneSlice(m.Fields, Field.Clone)
	out.Enums = cloneSlice(m.Enums, Enum.Clone)
	return out
}

func (f Field) Clone() Field {
	out := f
	out.DefaultValue = CloneValue(f.DefaultValue)
	return out
}

func (e Enum) Clone() Enum {
	out := e
	out.Fields = cloneSlice(e.Fields, EnumField.Clone)
	return out
}

func (f EnumField) Clone() EnumField {
	out := f
	out.DefaultValue = CloneValue(f.DefaultValue)
	return out
}

func (a Action) Clone() Action {
	out := a
	out.DataSource = a.DataSource.Clone()
	out.Execute = a.Execute.Clone()
	out.Results = a.Results.Clone()
	return out
}

func (s Schedule) Clone() Schedule {
	out := s
	out.Action = s.Action.Clone()
	return out
}

func (d DataSource) Clone() DataSource {
	out := d
	out.CustomFunction = d.CustomFunction.clone()
	if d.Database != nil {
		db := DatabaseSource{}
		if d.Database.Models != nil {
			db.Models = make([]ModelQuery, len(d.Database.Models))
			for i, q := range d.Database.Models {
				q.Fields = cloneStrings(q.Fields)
				db.Models[i] = q
			}
		}
		out.Database = &db
	}
	return out
}

func (e Execute) Clone() Execute {
	out := e
	out.Code = e.Code.clone()
	if e.Prompt != nil {
		p := *e.Prompt
		out.Prompt = &p
	}
	return out
}

func (c *Code) clone() *Code {
	if c == nil {
		return nil
	}
	out := *c
	out.Dependencies = cloneStrings(c.Dependencies)
	return &out
}

func (r Results) Clone() Results {
	out := r
	if r.Fields != nil {
		out.Fields = make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// Clone returns a deep copy of the deletion instructions.
func (d *DeletionOperations) Clone() *DeletionOperations {
	if d == nil {
		return nil
	}
	out := &DeletionOperations{
		ModelsToDelete:    cloneStrings(d.ModelsToDelete),
		EnumsToDelete:     cloneStrings(d.EnumsToDelete),
		ActionsToDelete:   cloneStrings(d.ActionsToDelete),
		SchedulesToDelete: cloneStrings(d.SchedulesToDelete),
	}
	if d.FieldDeletions != nil {
		out.FieldDeletions = make(map[string][]string, len(d.FieldDeletions))
		for k, v := range d.FieldDeletions {
			out.FieldDeletions[k] = cloneStrings(v)
		}
	}
	return out
}

// CloneValue deep-copies a JSON-like default value.
func CloneValue(v any) any {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = CloneValue(item)
		}
		return out
	default:
		return v
	}
}

func cloneSlice[T any](in []T, clone func(T) T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	for i, item := range in {
		out[i] = clone(item)
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string{}, in...)
}

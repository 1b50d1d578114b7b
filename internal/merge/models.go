package merge

import "github.com/kayz/specforge/internal/agentdoc"

// MergeModels merges models by id, falling back to case-insensitive name.
func MergeModels(existing, incoming []agentdoc.Model) []agentdoc.Model {
	return mergeCollection(existing, incoming, modelFinder, mergeModel, agentdoc.Model.Clone)
}

func mergeModel(existing, incoming agentdoc.Model) agentdoc.Model {
	out := existing.Clone()
	out.ID = keepID(existing.ID, incoming.ID)
	out.Name = pick(incoming.Name, existing.Name)
	out.Description = pick(incoming.Description, existing.Description)
	out.IDField = pick(incoming.IDField, existing.IDField)
	out.DisplayFields = pickStrings(incoming.DisplayFields, existing.DisplayFields)
	out.Fields = MergeFields(existing.Fields, incoming.Fields)
	out.Enums = MergeEnums(existing.Enums, incoming.Enums)
	return out
}

// MergeFields merges a model's field list. Incoming fields are normalized
// before matching so that a regenerated "userId" list relation finds the
// stored "userIds" field; every merged field is normalized afterwards.
func MergeFields(existing, incoming []agentdoc.Field) []agentdoc.Field {
	normalized := make([]agentdoc.Field, len(incoming))
	for i, f := range incoming {
		normalized[i] = NormalizeRelationField(f, nil)
	}
	if incoming == nil {
		normalized = nil
	}
	out := mergeCollection(existing, normalized, fieldFinder, mergeField, agentdoc.Field.Clone)
	for i := range out {
		out[i] = NormalizeRelationField(out[i], nil)
	}
	return out
}

// mergeField keeps the existing id; every other property takes the incoming
// value when it is set. Boolean flags always come from incoming because the
// generator emits them on every field.
func mergeField(existing, incoming agentdoc.Field) agentdoc.Field {
	out := incoming.Clone()
	out.ID = keepID(existing.ID, incoming.ID)
	out.Name = pick(incoming.Name, existing.Name)
	out.Type = pick(incoming.Type, existing.Type)
	out.Title = pick(incoming.Title, existing.Title)
	if incoming.Kind == "" {
		out.Kind = existing.Kind
	}
	if incoming.Order == 0 {
		out.Order = existing.Order
	}
	if incoming.DefaultValue == nil {
		out.DefaultValue = agentdoc.CloneValue(existing.DefaultValue)
	}
	return out
}

// MergeEnums merges enums by id, falling back to case-insensitive name.
func MergeEnums(existing, incoming []agentdoc.Enum) []agentdoc.Enum {
	return mergeCollection(existing, incoming, enumFinder, mergeEnum, agentdoc.Enum.Clone)
}

func mergeEnum(existing, incoming agentdoc.Enum) agentdoc.Enum {
	out := existing.Clone()
	out.ID = keepID(existing.ID, incoming.ID)
	out.Name = pick(incoming.Name, existing.Name)
	out.Fields = mergeCollection(existing.Fields, incoming.Fields, enumFieldFinder, mergeEnumField, agentdoc.EnumField.Clone)
	return out
}

func mergeEnumField(existing, incoming agentdoc.EnumField) agentdoc.EnumField {
	out := existing.Clone()
	out.ID = keepID(existing.ID, incoming.ID)
	out.Name = pick(incoming.Name, existing.Name)
	out.Type = pick(incoming.Type, existing.Type)
	if incoming.DefaultValue != nil {
		out.DefaultValue = agentdoc.CloneValue(incoming.DefaultValue)
	}
	return out
}

package merge

import (
	"strings"
	"unicode"

	"github.com/kayz/specforge/internal/agentdoc"
)

var primitiveTypes = map[string]bool{
	"string":   true,
	"text":     true,
	"int":      true,
	"integer":  true,
	"bigint":   true,
	"float":    true,
	"double":   true,
	"number":   true,
	"decimal":  true,
	"boolean":  true,
	"bool":     true,
	"datetime": true,
	"date":     true,
	"time":     true,
	"json":     true,
	"bytes":    true,
	"uuid":     true,
	"id":       true,
}

// IsPrimitiveType reports whether a field type names a scalar rather than a model.
func IsPrimitiveType(t string) bool {
	return primitiveTypes[strings.ToLower(strings.TrimSpace(t))]
}

// NormalizeRelationField applies the relation-field rules to f:
//   - a relation field is always of kind object;
//   - a primitive type is replaced by the model derived from the field name
//     (userId -> User);
//   - list relations are renamed to their plural ...Ids form and default to
//     an empty list.
//
// When modelNames is given, the target is resolved case-insensitively to the
// canonical model name. Applying it twice yields the same field.
func NormalizeRelationField(f agentdoc.Field, modelNames []string) agentdoc.Field {
	if !f.RelationField {
		return f
	}
	f.Kind = agentdoc.KindObject
	if strings.TrimSpace(f.Type) == "" || IsPrimitiveType(f.Type) {
		f.Type = relationTarget(f.Name, f.List)
	}
	for _, name := range modelNames {
		if strings.EqualFold(name, f.Type) {
			f.Type = name
			break
		}
	}
	if f.List {
		f.Name = pluralRelationName(f.Name)
		if f.DefaultValue == nil {
			f.DefaultValue = []any{}
		}
	}
	return f
}

// NormalizeModels applies NormalizeRelationField to every field of every
// model, resolving targets against the models themselves.
func NormalizeModels(models []agentdoc.Model) {
	names := make([]string, 0, len(models))
	for _, m := range models {
		names = append(names, m.Name)
	}
	for i := range models {
		for j := range models[i].Fields {
			models[i].Fields[j] = NormalizeRelationField(models[i].Fields[j], names)
		}
	}
}

var idSuffixes = []string{"_ids", "Ids", "ids", "_id", "Id", "id"}

func trimIDSuffix(name string) (string, string) {
	for _, suffix := range idSuffixes {
		if len(name) > len(suffix) && strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix), suffix
		}
	}
	return name, ""
}

func isPluralSuffix(suffix string) bool {
	return suffix == "Ids" || suffix == "ids" || suffix == "_ids"
}

// singular handles bare plural names such as categories or tags. Words that
// are already singular (status, campus, analysis, address) are left alone.
func singular(s string) string {
	switch {
	case strings.HasSuffix(s, "ies") && len(s) > 3:
		return strings.TrimSuffix(s, "ies") + "y"
	case strings.HasSuffix(s, "ss"), strings.HasSuffix(s, "us"), strings.HasSuffix(s, "is"):
		return s
	case strings.HasSuffix(s, "s") && len(s) > 1:
		return strings.TrimSuffix(s, "s")
	default:
		return s
	}
}

func relationTarget(name string, list bool) string {
	base, suffix := trimIDSuffix(strings.TrimSpace(name))
	if list && suffix == "" {
		base = singular(base)
	}
	return pascal(base)
}

func pluralRelationName(name string) string {
	name = strings.TrimSpace(name)
	base, suffix := trimIDSuffix(name)
	if isPluralSuffix(suffix) {
		return name
	}
	if suffix == "" {
		base = singular(base)
	}
	if suffix == "_id" || strings.Contains(base, "_") {
		return base + "_ids"
	}
	return base + "Ids"
}

func pascal(s string) string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '_' || r == '-' || r == ' ' })
	var b strings.Builder
	for _, p := range parts {
		runes := []rune(p)
		runes[0] = unicode.ToUpper(runes[0])
		b.WriteString(string(runes))
	}
	return b.String()
}

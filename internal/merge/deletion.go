package merge

import (
	"strings"

	"github.com/kayz/specforge/internal/agentdoc"
)

// DeletionStats counts what ApplyDeletions removed.
type DeletionStats struct {
	Models    int `json:"models"`
	Enums     int `json:"enums"`
	Actions   int `json:"actions"`
	Schedules int `json:"schedules"`
	Fields    int `json:"fields"`
}

// Total returns the number of removed entities and fields.
func (s DeletionStats) Total() int {
	return s.Models + s.Enums + s.Actions + s.Schedules + s.Fields
}

// ApplyDeletions returns a copy of doc with the named entities and fields
// removed. Identifiers match an entity's id exactly or its name
// case-insensitively. Field deletions target a model's field list, or an
// action's or schedule's result mapping. The primary key field of a model is
// never removed. Entities that are not named are left untouched.
func ApplyDeletions(doc agentdoc.Document, ops *agentdoc.DeletionOperations) (agentdoc.Document, DeletionStats) {
	out := doc.Clone()
	var stats DeletionStats
	if ops.IsEmpty() {
		return out, stats
	}

	out.Models, stats.Models = removeMatching(out.Models, ops.ModelsToDelete, func(m agentdoc.Model) (string, string) { return m.ID, m.Name })
	out.Enums, stats.Enums = removeMatching(out.Enums, ops.EnumsToDelete, func(e agentdoc.Enum) (string, string) { return e.ID, e.Name })
	out.Actions, stats.Actions = removeMatching(out.Actions, ops.ActionsToDelete, func(a agentdoc.Action) (string, string) { return a.ID, a.Name })
	out.Schedules, stats.Schedules = removeMatching(out.Schedules, ops.SchedulesToDelete, func(s agentdoc.Schedule) (string, string) { return s.ID, s.Name })

	for target, names := range ops.FieldDeletions {
		if len(names) == 0 {
			continue
		}
		for i := range out.Models {
			m := &out.Models[i]
			if !identifies(target, m.ID, m.Name) {
				continue
			}
			var n int
			m.Fields, n = removeMatching(m.Fields, names, func(f agentdoc.Field) (string, string) {
				if f.IsID || f.Name == agentdoc.IDFieldName {
					return "", ""
				}
				return "", f.Name
			})
			if n > 0 {
				m.DisplayFields = removeNames(m.DisplayFields, names)
			}
			stats.Fields += n
		}
		for i := range out.Actions {
			stats.Fields += removeResultFields(&out.Actions[i], target, names)
		}
		for i := range out.Schedules {
			stats.Fields += removeResultFields(&out.Schedules[i].Action, target, names)
		}
	}
	return out, stats
}

func removeResultFields(a *agentdoc.Action, target string, names []string) int {
	if !identifies(target, a.ID, a.Name) || len(a.Results.Fields) == 0 {
		return 0
	}
	removed := 0
	for key := range a.Results.Fields {
		for _, name := range names {
			if strings.EqualFold(key, strings.TrimSpace(name)) {
				delete(a.Results.Fields, key)
				removed++
				break
			}
		}
	}
	return removed
}

func removeMatching[T any](items []T, identifiers []string, key func(T) (string, string)) ([]T, int) {
	if len(identifiers) == 0 || len(items) == 0 {
		return items, 0
	}
	var kept []T
	removed := 0
	for _, item := range items {
		id, name := key(item)
		matched := false
		for _, ident := range identifiers {
			if identifies(ident, id, name) {
				matched = true
				break
			}
		}
		if matched {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	if removed == 0 {
		return items, 0
	}
	if kept == nil {
		kept = []T{}
	}
	return kept, removed
}

func removeNames(list, names []string) []string {
	if list == nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		drop := false
		for _, n := range names {
			if strings.EqualFold(item, strings.TrimSpace(n)) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, item)
		}
	}
	return out
}

func identifies(identifier, id, name string) bool {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return false
	}
	if id != "" && identifier == id {
		return true
	}
	return name != "" && strings.EqualFold(identifier, strings.TrimSpace(name))
}

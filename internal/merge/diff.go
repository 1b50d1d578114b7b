package merge

import (
	"reflect"

	"github.com/kayz/specforge/internal/agentdoc"
)

// CollectionChanges lists entity names by what happened to them.
type CollectionChanges struct {
	Added   []string `json:"added,omitempty"`
	Updated []string `json:"updated,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// Empty reports whether nothing changed.
func (c CollectionChanges) Empty() bool {
	return len(c.Added)+len(c.Updated)+len(c.Removed) == 0
}

// ChangeSet is the per-collection result of comparing two documents.
type ChangeSet struct {
	Models    CollectionChanges `json:"models"`
	Enums     CollectionChanges `json:"enums"`
	Actions   CollectionChanges `json:"actions"`
	Schedules CollectionChanges `json:"schedules"`
}

// Empty reports whether no entity changed.
func (c ChangeSet) Empty() bool {
	return c.Models.Empty() && c.Enums.Empty() && c.Actions.Empty() && c.Schedules.Empty()
}

// Diff compares two documents entity by entity, matching on id. A nil before
// means every entity in after is new.
func Diff(before, after *agentdoc.Document) ChangeSet {
	var b, a agentdoc.Document
	if before != nil {
		b = *before
	}
	if after != nil {
		a = *after
	}
	return ChangeSet{
		Models:    diffCollection(b.Models, a.Models, func(m agentdoc.Model) (string, string) { return m.ID, m.Name }),
		Enums:     diffCollection(b.Enums, a.Enums, func(e agentdoc.Enum) (string, string) { return e.ID, e.Name }),
		Actions:   diffCollection(b.Actions, a.Actions, func(x agentdoc.Action) (string, string) { return x.ID, x.Name }),
		Schedules: diffCollection(b.Schedules, a.Schedules, func(s agentdoc.Schedule) (string, string) { return s.ID, s.Name }),
	}
}

func diffCollection[T any](before, after []T, key func(T) (string, string)) CollectionChanges {
	var changes CollectionChanges
	prior := make(map[string]T, len(before))
	for _, item := range before {
		id, _ := key(item)
		prior[id] = item
	}
	seen := make(map[string]bool, len(after))
	for _, item := range after {
		id, name := key(item)
		seen[id] = true
		old, ok := prior[id]
		switch {
		case !ok:
			changes.Added = append(changes.Added, name)
		case !reflect.DeepEqual(old, item):
			changes.Updated = append(changes.Updated, name)
		}
	}
	for _, item := range before {
		id, name := key(item)
		if !seen[id] {
			changes.Removed = append(changes.Removed, name)
		}
	}
	return changes
}

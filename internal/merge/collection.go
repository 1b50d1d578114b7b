// Package merge reconciles successive versions of an agent document.
//
// Every collection is merged by stable identity: an incoming entry that
// matches an existing one is merged into it (incoming wins, identity key
// kept from existing), unmatched incoming entries are appended, and existing
// entries are never dropped for being absent. Removal only happens through
// ApplyDeletions.
package merge

import (
	"strings"

	"github.com/kayz/specforge/internal/agentdoc"
)

// finder locates the index of item's counterpart in working, or -1.
type finder[T any] func(working []T, item T) int

// mergeCollection starts from a copy of existing and folds each incoming item
// into it. Items matched earlier in the same call are visible to later ones,
// so duplicates inside incoming collapse into a single entry.
func mergeCollection[T any](existing, incoming []T, find finder[T], merge func(existing, incoming T) T, clone func(T) T) []T {
	var out []T
	if existing != nil {
		out = make([]T, len(existing), len(existing)+len(incoming))
		for i, item := range existing {
			out[i] = clone(item)
		}
	}
	for _, item := range incoming {
		if idx := find(out, item); idx >= 0 {
			out[idx] = merge(out[idx], item)
			continue
		}
		out = append(out, clone(item))
	}
	return out
}

// byIDThenName matches on id first and falls back to a case-insensitive name
// comparison. Used for models, enums, fields and enum fields.
func byIDThenName[T any](id, name func(T) string) finder[T] {
	return func(working []T, item T) int {
		if itemID := id(item); itemID != "" {
			for i, w := range working {
				if id(w) == itemID {
					return i
				}
			}
		}
		if itemName := strings.TrimSpace(name(item)); itemName != "" {
			for i, w := range working {
				if strings.EqualFold(strings.TrimSpace(name(w)), itemName) {
					return i
				}
			}
		}
		return -1
	}
}

// byID matches on id only. Action and schedule names are not unique.
func byID[T any](id func(T) string) finder[T] {
	return func(working []T, item T) int {
		itemID := id(item)
		if itemID == "" {
			return -1
		}
		for i, w := range working {
			if id(w) == itemID {
				return i
			}
		}
		return -1
	}
}

var (
	modelFinder     = byIDThenName(func(m agentdoc.Model) string { return m.ID }, func(m agentdoc.Model) string { return m.Name })
	enumFinder      = byIDThenName(func(e agentdoc.Enum) string { return e.ID }, func(e agentdoc.Enum) string { return e.Name })
	enumFieldFinder = byIDThenName(func(f agentdoc.EnumField) string { return f.ID }, func(f agentdoc.EnumField) string { return f.Name })
	fieldFinder     = byIDThenName(func(f agentdoc.Field) string { return f.ID }, func(f agentdoc.Field) string { return f.Name })
	actionFinder    = byID(func(a agentdoc.Action) string { return a.ID })
	scheduleFinder  = byID(func(s agentdoc.Schedule) string { return s.ID })
)

func pick(incoming, existing string) string {
	if strings.TrimSpace(incoming) != "" {
		return incoming
	}
	return existing
}

func pickStrings(incoming, existing []string) []string {
	if len(incoming) > 0 {
		return append([]string{}, incoming...)
	}
	if existing == nil {
		return nil
	}
	return append([]string{}, existing...)
}

func keepID(existing, incoming string) string {
	if existing != "" {
		return existing
	}
	return incoming
}

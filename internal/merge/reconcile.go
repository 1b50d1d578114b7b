package merge

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/kayz/specforge/internal/agentdoc"
)

// Collection names a top-level entity collection of a document.
type Collection string

const (
	CollectionModels    Collection = "models"
	CollectionEnums     Collection = "enums"
	CollectionActions   Collection = "actions"
	CollectionSchedules Collection = "schedules"
)

// AllCollections is the default reconcile scope.
var AllCollections = []Collection{CollectionModels, CollectionEnums, CollectionActions, CollectionSchedules}

// WarningCode identifies a merge-safety condition.
type WarningCode string

const (
	// WarnEmptyFragment: the fragment carried no entries for a collection the
	// existing document already had. Existing entries are kept.
	WarnEmptyFragment WarningCode = "empty-fragment"
	// WarnGuardRestored: a merge produced an empty collection from a non-empty
	// one and was discarded in favour of the existing entries.
	WarnGuardRestored WarningCode = "guard-restored"
	// WarnShrink: a collection lost entries that no deletion named.
	WarnShrink WarningCode = "collection-shrink"
)

// Warning is a merge-safety event. It is never an error.
type Warning struct {
	Code       WarningCode `json:"code"`
	Collection Collection  `json:"collection"`
	Message    string      `json:"message"`
}

// Report describes what a reconcile did.
type Report struct {
	Warnings []Warning     `json:"warnings,omitempty"`
	Deleted  DeletionStats `json:"deleted"`
	Changes  ChangeSet     `json:"changes"`
	Changed  bool          `json:"changed"`
}

func (r *Report) warn(code WarningCode, c Collection, format string, args ...any) {
	r.Warnings = append(r.Warnings, Warning{Code: code, Collection: c, Message: fmt.Sprintf(format, args...)})
}

type options struct {
	scope map[Collection]bool
}

// Option tunes Reconcile.
type Option func(*options)

// WithScope declares which collections the incoming fragment is meant to
// carry. Empty-fragment warnings are only raised for those collections.
func WithScope(collections ...Collection) Option {
	return func(o *options) {
		o.scope = make(map[Collection]bool, len(collections))
		for _, c := range collections {
			o.scope[c] = true
		}
	}
}

// Reconcile merges incoming into existing after applying deletions.
//
// With no existing document the incoming one is returned unchanged. Otherwise
// scalars are overridden only by non-empty, different incoming values,
// collections are merged by identity, createdAt is preserved, and metadata is
// unioned. The version counter is bumped and updatedAt refreshed only when
// the reconciled document differs from existing, so reconciling a document
// with itself is a no-op.
func Reconcile(existing *agentdoc.Document, incoming agentdoc.Document, deletions *agentdoc.DeletionOperations, opts ...Option) (agentdoc.Document, Report) {
	o := options{}
	WithScope(AllCollections...)(&o)
	for _, opt := range opts {
		opt(&o)
	}

	var report Report
	if existing == nil {
		out := incoming.Clone()
		report.Changes = Diff(nil, &out)
		report.Changed = true
		return out, report
	}

	out, stats := ApplyDeletions(*existing, deletions)
	report.Deleted = stats
	working := out.Clone()

	out.ID = keepID(existing.ID, incoming.ID)
	out.Name = overrideScalar(working.Name, incoming.Name)
	out.Description = overrideScalar(working.Description, incoming.Description)
	out.Domain = overrideScalar(working.Domain, incoming.Domain)
	out.CreatedAt = keepID(existing.CreatedAt, incoming.CreatedAt)

	out.Models = guardCollection(&report, o, CollectionModels, existing.Models, working.Models, incoming.Models,
		MergeModels(working.Models, incoming.Models), stats.Models)
	out.Enums = guardCollection(&report, o, CollectionEnums, existing.Enums, working.Enums, incoming.Enums,
		MergeEnums(working.Enums, incoming.Enums), stats.Enums)
	out.Actions = guardCollection(&report, o, CollectionActions, existing.Actions, working.Actions, incoming.Actions,
		MergeActions(working.Actions, incoming.Actions), stats.Actions)
	out.Schedules = guardCollection(&report, o, CollectionSchedules, existing.Schedules, working.Schedules, incoming.Schedules,
		MergeSchedules(working.Schedules, incoming.Schedules), stats.Schedules)
	NormalizeModels(out.Models)

	out.Metadata = mergeMetadata(existing.Metadata, incoming.Metadata)

	candidate := out
	candidate.Metadata.Version = existing.Metadata.Version
	candidate.Metadata.UpdatedAt = existing.Metadata.UpdatedAt
	if reflect.DeepEqual(candidate, *existing) {
		out.Metadata = existing.Metadata.Clone()
		return out, report
	}

	out.Metadata.Version = max(existing.Metadata.Version, incoming.Metadata.Version) + 1
	out.Metadata.UpdatedAt = timeNow().UTC().Format(timeLayout)
	report.Changes = Diff(existing, &out)
	report.Changed = true
	return out, report
}

func overrideScalar(existing, incoming string) string {
	if strings.TrimSpace(incoming) != "" && incoming != existing {
		return incoming
	}
	return existing
}

// guardCollection enforces the no-silent-shrink rule. original is the
// collection before deletions, working the collection after them.
func guardCollection[T any](r *Report, o options, c Collection, original, working, incoming, merged []T, deleted int) []T {
	if len(working) > 0 && len(incoming) == 0 && o.scope[c] {
		r.warn(WarnEmptyFragment, c, "incoming fragment has no %s; keeping %d existing", c, len(working))
	}
	if len(working) > 0 && len(incoming) == 0 && len(merged) == 0 {
		r.warn(WarnGuardRestored, c, "merge emptied %s; restored %d existing", c, len(working))
		return working
	}
	if expected := len(original) - deleted; len(merged) < expected {
		r.warn(WarnShrink, c, "%s shrank from %d to %d without a deletion instruction", c, expected, len(merged))
	}
	return merged
}

// mergeMetadata unions provenance payloads, the latest payload for a key
// replacing the older one.
func mergeMetadata(existing, incoming agentdoc.Metadata) agentdoc.Metadata {
	out := existing.Clone()
	out.LastOperation = pick(incoming.LastOperation, existing.LastOperation)
	if len(incoming.Provenance) > 0 {
		if out.Provenance == nil {
			out.Provenance = make(map[string]json.RawMessage, len(incoming.Provenance))
		}
		for k, v := range incoming.Provenance {
			if len(v) == 0 {
				continue
			}
			out.Provenance[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

package pipeline

import (
	"time"

	"github.com/kayz/specforge/internal/agentdoc"
	"github.com/kayz/specforge/internal/cron"
	"github.com/kayz/specforge/internal/merge"
	"github.com/kayz/specforge/internal/progress"
)

// ScheduleSummary describes one schedule of a built document.
type ScheduleSummary struct {
	Name     string     `json:"name"`
	Pattern  string     `json:"pattern,omitempty"`
	Timezone string     `json:"timezone,omitempty"`
	Active   bool       `json:"active"`
	NextRun  *time.Time `json:"nextRun,omitempty"`
}

// ContentSummary lists what a document contains by name.
type ContentSummary struct {
	Models    []string          `json:"models"`
	Enums     []string          `json:"enums"`
	Actions   []string          `json:"actions"`
	Schedules []ScheduleSummary `json:"schedules"`
}

// Summarize builds the content summary of doc. Next run times are computed
// for active schedules with a valid recurrence.
func Summarize(doc *agentdoc.Document, now time.Time) ContentSummary {
	s := ContentSummary{
		Models:    []string{},
		Enums:     []string{},
		Actions:   []string{},
		Schedules: []ScheduleSummary{},
	}
	if doc == nil {
		return s
	}
	for _, m := range doc.Models {
		s.Models = append(s.Models, m.Name)
	}
	for _, e := range doc.Enums {
		s.Enums = append(s.Enums, e.Name)
	}
	for _, a := range doc.Actions {
		s.Actions = append(s.Actions, a.Name)
	}
	for _, sch := range doc.Schedules {
		item := ScheduleSummary{
			Name:     sch.Name,
			Pattern:  sch.Interval.Pattern,
			Timezone: sch.Interval.Timezone,
			Active:   sch.Interval.Active,
		}
		if sch.Interval.Active {
			if next, err := cron.NextRun(sch.Interval.Pattern, sch.Interval.Timezone, now); err == nil {
				item.NextRun = &next
			}
		}
		s.Schedules = append(s.Schedules, item)
	}
	return s
}

// Result is the outcome of a build.
type Result struct {
	DocumentID         string             `json:"documentId"`
	Title              string             `json:"title"`
	Summary            ContentSummary     `json:"summary"`
	Status             progress.Status    `json:"status"`
	Resumed            bool               `json:"resumed"`
	LastCompletedPhase Phase              `json:"lastCompletedPhase,omitempty"`
	CanResume          bool               `json:"canResume"`
	Warnings           []merge.Warning    `json:"warnings,omitempty"`
	Document           *agentdoc.Document `json:"-"`
}

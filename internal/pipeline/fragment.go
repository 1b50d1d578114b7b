package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kayz/specforge/internal/agentdoc"
)

// Understanding is the output of prompt-understanding.
type Understanding struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Domain      string   `json:"domain"`
	Goals       []string `json:"goals,omitempty"`
}

// Decision is the output of decision-analysis.
type Decision struct {
	FullSystem bool   `json:"fullSystem"`
	Reason     string `json:"reason,omitempty"`
}

// ChangeAnalysis is the output of change-analysis.
type ChangeAnalysis struct {
	Summary      string                      `json:"summary,omitempty"`
	NewModels    []string                    `json:"newModels,omitempty"`
	NewActions   []string                    `json:"newActions,omitempty"`
	NewSchedules []string                    `json:"newSchedules,omitempty"`
	Deletions    agentdoc.DeletionOperations `json:"deletions"`
}

// Overview is the output of overview.
type Overview struct {
	Summary   string   `json:"summary"`
	Models    []string `json:"models,omitempty"`
	Actions   []string `json:"actions,omitempty"`
	Schedules []string `json:"schedules,omitempty"`
}

// DatabaseFragment is the output of database-generation.
type DatabaseFragment struct {
	Models []agentdoc.Model `json:"models"`
	Enums  []agentdoc.Enum  `json:"enums"`
}

// ExampleRecords maps a model name to sample rows.
type ExampleRecords struct {
	Records map[string][]map[string]any `json:"records"`
}

// ActionsFragment is the output of action-generation.
type ActionsFragment struct {
	Actions []agentdoc.Action `json:"actions"`
}

// ExecutionDetail is the output of execution-detail for one action.
type ExecutionDetail struct {
	DataSource agentdoc.DataSource `json:"dataSource"`
	Execute    agentdoc.Execute    `json:"execute"`
	Results    agentdoc.Results    `json:"results"`
}

// SchedulesFragment is the output of schedule-generation.
type SchedulesFragment struct {
	Schedules []agentdoc.Schedule `json:"schedules"`
}

var errEmptyOutput = errors.New("empty generator output")

// decodeFragment decodes a phase's raw output. Anything that is not a JSON
// object is rejected so the phase is retried.
func decodeFragment[T any](raw json.RawMessage) (T, error) {
	var out T
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return out, errEmptyOutput
	}
	if trimmed[0] != '{' {
		return out, fmt.Errorf("expected a JSON object, got %.40q", trimmed)
	}
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return out, fmt.Errorf("decode fragment: %w", err)
	}
	return out, nil
}

// parseContext decodes the caller-supplied serialized document. A context
// that does not parse, or has no content, is treated as absent.
func parseContext(data string) (*agentdoc.Document, error) {
	if len(bytes.TrimSpace([]byte(data))) == 0 {
		return nil, nil
	}
	doc, err := agentdoc.Parse([]byte(data))
	if err != nil {
		return nil, err
	}
	if doc.ID == "" && doc.Name == "" && len(doc.Models)+len(doc.Enums)+len(doc.Actions)+len(doc.Schedules) == 0 {
		return nil, nil
	}
	return doc, nil
}

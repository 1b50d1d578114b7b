// Package pipeline drives an agent document build through its ordered
// generation phases, reconciling each phase's fragment into the document,
// persisting resumable checkpoints and enforcing the build deadline.
package pipeline

import (
	"fmt"
	"strings"
)

// Phase is a named build step.
type Phase string

const (
	PhaseUnderstanding   Phase = "prompt-understanding"
	PhaseDecision        Phase = "decision-analysis"
	PhaseChangeAnalysis  Phase = "change-analysis"
	PhaseOverview        Phase = "overview"
	PhaseDatabase        Phase = "database-generation"
	PhaseExampleRecords  Phase = "example-records"
	PhaseActions         Phase = "action-generation"
	PhaseExecutionDetail Phase = "execution-detail"
	PhaseSchedules       Phase = "schedule-generation"
	PhaseIntegration     Phase = "integration"
)

// Phases is the fixed execution order.
var Phases = []Phase{
	PhaseUnderstanding,
	PhaseDecision,
	PhaseChangeAnalysis,
	PhaseOverview,
	PhaseDatabase,
	PhaseExampleRecords,
	PhaseActions,
	PhaseExecutionDetail,
	PhaseSchedules,
	PhaseIntegration,
}

var phaseOrder = func() []string {
	names := make([]string, len(Phases))
	for i, p := range Phases {
		names[i] = string(p)
	}
	return names
}()

func phaseIndex(p Phase) int {
	for i, q := range Phases {
		if q == p {
			return i
		}
	}
	return -1
}

// Label is the human-readable progress message for a phase.
func (p Phase) Label() string {
	switch p {
	case PhaseUnderstanding:
		return "Understanding the request"
	case PhaseDecision:
		return "Deciding what to build"
	case PhaseChangeAnalysis:
		return "Analyzing requested changes"
	case PhaseOverview:
		return "Outlining the system"
	case PhaseDatabase:
		return "Designing data models"
	case PhaseExampleRecords:
		return "Generating example records"
	case PhaseActions:
		return "Designing actions"
	case PhaseExecutionDetail:
		return "Detailing action execution"
	case PhaseSchedules:
		return "Designing schedules"
	case PhaseIntegration:
		return "Finalizing"
	}
	return string(p)
}

// Operation is the kind of build a request asks for.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpExtend Operation = "extend"
	OpResume Operation = "resume"
)

// ParseOperation parses an operation name. An empty name means create.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(strings.ToLower(strings.TrimSpace(s))); op {
	case "":
		return OpCreate, nil
	case OpCreate, OpUpdate, OpExtend, OpResume:
		return op, nil
	default:
		return "", fmt.Errorf("unknown operation %q (want create, update, extend or resume)", s)
	}
}

// modifies reports whether the operation changes an existing document.
func (op Operation) modifies() bool {
	return op == OpUpdate || op == OpExtend
}

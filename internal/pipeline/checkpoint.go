package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kayz/specforge/internal/agentdoc"
	"github.com/kayz/specforge/internal/progress"
)

// CheckpointRequest is the request a checkpoint was produced for.
type CheckpointRequest struct {
	Command   string    `json:"command"`
	Operation Operation `json:"operation"`
}

// Checkpoint is persisted as a document's metadata next to its content.
// Together they are enough to resume an interrupted build.
type Checkpoint struct {
	Progress   progress.StepProgress `json:"progress"`
	Request    CheckpointRequest     `json:"request"`
	TimedOutAt *time.Time            `json:"timedOutAt,omitempty"`
	EventSeq   uint64                `json:"eventSeq"`
}

// ParseCheckpoint decodes stored metadata. Empty metadata yields nil.
func ParseCheckpoint(data []byte) (*Checkpoint, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// LastCompleted returns the last phase of the done prefix.
func (c *Checkpoint) LastCompleted() Phase {
	if c == nil {
		return ""
	}
	return Phase(c.Progress.LastCompleted(phaseOrder))
}

// shouldResume decides whether req continues the interrupted build recorded
// in cp. It does when the stored run is unfinished and the request either
// asks for a resume or repeats (or omits) the stored command.
func shouldResume(cp *Checkpoint, req BuildRequest) bool {
	if cp == nil || !cp.Progress.Resumable() || cp.Progress.AllDone(phaseOrder) {
		return false
	}
	if req.Operation == OpResume {
		return true
	}
	cmd := strings.TrimSpace(req.Command)
	return cmd == "" || cmd == strings.TrimSpace(cp.Request.Command)
}

// restoreOutputs rebuilds the accumulated phase outputs from a document's
// provenance.
func restoreOutputs(doc *agentdoc.Document) map[Phase]json.RawMessage {
	outputs := make(map[Phase]json.RawMessage)
	if doc == nil {
		return outputs
	}
	for _, p := range Phases {
		if raw, ok := doc.Metadata.Provenance[string(p)]; ok && len(raw) > 0 {
			outputs[p] = append(json.RawMessage(nil), raw...)
		}
	}
	return outputs
}

// LoadResult reads the stored document id and describes it as a Result,
// with the build status taken from its checkpoint. A missing document
// yields an error wrapping persist.ErrNotFound.
func LoadResult(ctx context.Context, store Store, id string) (*Result, error) {
	stored, err := store.GetDocument(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", id, err)
	}
	doc, err := agentdoc.Parse(stored.Content)
	if err != nil {
		return nil, fmt.Errorf("parse document %s: %w", id, err)
	}
	cp, err := ParseCheckpoint(stored.Metadata)
	if err != nil {
		cp = nil
	}
	return storedResult(id, doc, cp), nil
}

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/kayz/specforge/internal/agentdoc"
	"github.com/kayz/specforge/internal/persist"
	"github.com/kayz/specforge/internal/progress"
)

func checkpointWith(status progress.Status, canResume bool, done ...Phase) *Checkpoint {
	steps := map[string]progress.StepStatus{}
	for _, p := range done {
		steps[string(p)] = progress.StepComplete
	}
	return &Checkpoint{
		Progress: progress.StepProgress{StepProgress: steps, Status: status, CanResume: canResume},
		Request:  CheckpointRequest{Command: "build a shop", Operation: OpCreate},
	}
}

func TestShouldResume(t *testing.T) {
	tests := []struct {
		name string
		cp   *Checkpoint
		req  BuildRequest
		want bool
	}{
		{"no checkpoint", nil, BuildRequest{Operation: OpResume}, false},
		{"timeout resume", checkpointWith(progress.StatusTimeout, true, PhaseUnderstanding), BuildRequest{Operation: OpResume}, true},
		{"active same command", checkpointWith(progress.StatusActive, false), BuildRequest{Command: " build a shop ", Operation: OpCreate}, true},
		{"active other command", checkpointWith(progress.StatusActive, false), BuildRequest{Command: "a blog", Operation: OpCreate}, false},
		{"error resumable", checkpointWith(progress.StatusError, true), BuildRequest{Operation: OpResume}, true},
		{"error final", checkpointWith(progress.StatusError, false), BuildRequest{Operation: OpResume}, false},
		{"complete", checkpointWith(progress.StatusComplete, false), BuildRequest{Operation: OpResume}, false},
		{"all phases done", checkpointWith(progress.StatusTimeout, true, Phases...), BuildRequest{Operation: OpResume}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldResume(tt.cp, tt.req); got != tt.want {
				t.Fatalf("shouldResume() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckpointLastCompleted(t *testing.T) {
	cp := checkpointWith(progress.StatusTimeout, true, PhaseUnderstanding, PhaseDecision)
	cp.Progress.StepProgress[string(PhaseChangeAnalysis)] = progress.StepSkipped
	cp.Progress.StepProgress[string(PhaseDatabase)] = progress.StepComplete // not contiguous

	if got := cp.LastCompleted(); got != PhaseDecision {
		t.Fatalf("LastCompleted() = %s, want %s", got, PhaseDecision)
	}
	if got := cp.Progress.ResumeIndex(phaseOrder); Phases[got] != PhaseOverview {
		t.Fatalf("resume at %s, want %s", Phases[got], PhaseOverview)
	}
	var none *Checkpoint
	if none.LastCompleted() != "" {
		t.Fatal("nil checkpoint should have no completed phase")
	}
}

func TestParseCheckpoint(t *testing.T) {
	if cp, err := ParseCheckpoint(nil); cp != nil || err != nil {
		t.Fatalf("empty metadata: %v %v", cp, err)
	}
	if _, err := ParseCheckpoint([]byte("{")); err == nil {
		t.Fatal("expected error for truncated metadata")
	}
	cp, err := ParseCheckpoint([]byte(`{"progress":{"status":"timeout","canResume":true},"request":{"command":"x","operation":"update"},"eventSeq":7}`))
	if err != nil {
		t.Fatalf("ParseCheckpoint: %v", err)
	}
	if cp.Progress.Status != progress.StatusTimeout || cp.Request.Operation != OpUpdate || cp.EventSeq != 7 {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}
}

func TestRestoreOutputs(t *testing.T) {
	doc := &agentdoc.Document{Metadata: agentdoc.Metadata{Provenance: map[string]json.RawMessage{
		string(PhaseDecision): json.RawMessage(`{"fullSystem":true}`),
		"unrelated":           json.RawMessage(`{}`),
	}}}
	outputs := restoreOutputs(doc)
	if len(outputs) != 1 || string(outputs[PhaseDecision]) != `{"fullSystem":true}` {
		t.Fatalf("outputs = %v", outputs)
	}
}

func TestDecodeFragment(t *testing.T) {
	if _, err := decodeFragment[Decision](nil); !errors.Is(err, errEmptyOutput) {
		t.Fatalf("nil output: %v", err)
	}
	if _, err := decodeFragment[Decision](json.RawMessage(" null ")); !errors.Is(err, errEmptyOutput) {
		t.Fatalf("null output: %v", err)
	}
	if _, err := decodeFragment[Decision](json.RawMessage(`[1,2]`)); err == nil {
		t.Fatal("expected error for array output")
	}
	if _, err := decodeFragment[DatabaseFragment](json.RawMessage(`{"models":"nope"}`)); err == nil {
		t.Fatal("expected error for mistyped output")
	}
	d, err := decodeFragment[Decision](json.RawMessage(` {"fullSystem":true} `))
	if err != nil || !d.FullSystem {
		t.Fatalf("decode: %+v %v", d, err)
	}
}

func TestParseContext(t *testing.T) {
	if doc, err := parseContext("   "); doc != nil || err != nil {
		t.Fatalf("blank context: %v %v", doc, err)
	}
	if doc, err := parseContext("{}"); doc != nil || err != nil {
		t.Fatalf("empty object context: %v %v", doc, err)
	}
	if _, err := parseContext("{oops"); err == nil {
		t.Fatal("expected error for malformed context")
	}
	doc, err := parseContext(`{"id":"d1","models":[{"name":"User"}]}`)
	if err != nil || doc.ID != "d1" || len(doc.Models) != 1 {
		t.Fatalf("parse: %+v %v", doc, err)
	}
}

func TestSnapshotWriterKeepsLatest(t *testing.T) {
	store := newMemStore()
	w := newSnapshotWriter(store, 0)
	for i := 0; i < 50; i++ {
		w.Submit(persist.Document{ID: "doc", Title: "v", Content: []byte{byte('a' + i%26)}})
	}
	w.Submit(persist.Document{ID: "doc", Title: "final"})
	w.Flush()

	got, err := store.GetDocument(context.Background(), "doc")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Title != "final" {
		t.Fatalf("last write = %q, want final", got.Title)
	}
	if store.saves > 51 || store.saves < 1 {
		t.Fatalf("saves = %d", store.saves)
	}
}

func TestSnapshotWriterRetriesThenGivesUp(t *testing.T) {
	store := newMemStore()
	store.failSaves = 3
	w := newSnapshotWriter(store, 1)

	w.Submit(persist.Document{ID: "doc", Title: "first"})
	w.Flush()
	if w.Failures() != 1 {
		t.Fatalf("failures = %d, want 1", w.Failures())
	}

	w.Submit(persist.Document{ID: "doc", Title: "second"})
	w.Flush()
	if _, err := store.GetDocument(context.Background(), "doc"); err != nil {
		t.Fatalf("second snapshot should land after one retry: %v", err)
	}
}

func TestParseOperation(t *testing.T) {
	for in, want := range map[string]Operation{"": OpCreate, "UPDATE": OpUpdate, " extend ": OpExtend, "resume": OpResume} {
		got, err := ParseOperation(in)
		if err != nil || got != want {
			t.Errorf("ParseOperation(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseOperation("delete"); err == nil {
		t.Error("expected error for unknown operation")
	}
}

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kayz/specforge/internal/agentdoc"
	"github.com/kayz/specforge/internal/progress"
)

func TestRunCreatesDocument(t *testing.T) {
	store := newMemStore()
	gen := newFakeGen()
	o, sleeps := newTestOrchestrator(gen, store, DefaultConfig())
	events := &eventRecorder{}

	res, err := o.Run(context.Background(), BuildRequest{DocumentID: "doc-1", Command: "build me a shop"}, events)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantCalls := []Phase{PhaseUnderstanding, PhaseDecision, PhaseOverview, PhaseDatabase,
		PhaseExampleRecords, PhaseActions, PhaseExecutionDetail, PhaseSchedules}
	if got := gen.called(); !reflect.DeepEqual(got, wantCalls) {
		t.Fatalf("calls = %v, want %v", got, wantCalls)
	}
	if len(*sleeps) != 0 {
		t.Fatalf("unexpected retries: %v", *sleeps)
	}
	if res.Status != progress.StatusComplete || res.Title != "Shop" || res.CanResume {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !reflect.DeepEqual(res.Summary.Models, []string{"User", "Order"}) {
		t.Fatalf("models = %v", res.Summary.Models)
	}
	if len(res.Summary.Schedules) != 1 || res.Summary.Schedules[0].NextRun == nil {
		t.Fatalf("expected next run for active schedule: %+v", res.Summary.Schedules)
	}

	doc := res.Document
	rel := doc.Models[1].Fields[len(doc.Models[1].Fields)-1]
	if rel.Name != "userId" || rel.Type != "User" || rel.Kind != agentdoc.KindObject {
		t.Fatalf("relation not normalized: %+v", rel)
	}
	for _, m := range doc.Models {
		if m.Fields[0].Name != "id" || !m.Fields[0].IsID {
			t.Fatalf("model %s lacks id field: %+v", m.Name, m.Fields)
		}
	}
	if !doc.Actions[0].HasExecution() {
		t.Fatalf("action was not detailed: %+v", doc.Actions[0])
	}
	if doc.Metadata.LastOperation != "create" {
		t.Fatalf("lastOperation = %q", doc.Metadata.LastOperation)
	}
	if _, ok := doc.Metadata.Provenance[string(PhaseDecision)]; !ok {
		t.Fatalf("decision not kept in provenance")
	}

	stored, cp := store.load(t, "doc-1")
	if len(stored.Models) != 2 || cp.Progress.Status != progress.StatusComplete {
		t.Fatalf("stored state: %d models, status %s", len(stored.Models), cp.Progress.Status)
	}
	if cp.Progress.StepProgress[string(PhaseChangeAnalysis)] != progress.StepSkipped {
		t.Fatalf("change-analysis should be skipped on a first build")
	}
	if len(store.runs) != 1 || store.runs[0].Status != "complete" {
		t.Fatalf("run history: %+v", store.runs)
	}

	all := events.all()
	for i, e := range all {
		if e.Seq != uint64(i+1) {
			t.Fatalf("event %d has seq %d", i, e.Seq)
		}
	}
	if last := all[len(all)-1]; last.Type != EventFinish {
		t.Fatalf("last event = %s, want finish", last.Type)
	}
	if cp.EventSeq != uint64(len(all)) {
		t.Fatalf("checkpoint seq = %d, want %d", cp.EventSeq, len(all))
	}
}

func TestRunSkipsOverviewForPartialBuild(t *testing.T) {
	gen := newFakeGen()
	gen.setJSON(PhaseDecision, `{"fullSystem":false}`)
	o, _ := newTestOrchestrator(gen, newMemStore(), DefaultConfig())

	res, err := o.Run(context.Background(), BuildRequest{Command: "just a form"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, p := range gen.called() {
		if p == PhaseOverview {
			t.Fatalf("overview should be skipped")
		}
	}
	if res.DocumentID == "" {
		t.Fatalf("document id not assigned")
	}
}

func TestRunRetriesWithBackoff(t *testing.T) {
	gen := newFakeGen()
	var calls int32
	gen.set(PhaseDatabase, func(context.Context, Request) (json.RawMessage, error) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			return nil, errors.New("rate limited")
		case 2:
			return json.RawMessage("Sure! Here are your models"), nil
		}
		return json.RawMessage(defaultOutputs[PhaseDatabase]), nil
	})
	o, sleeps := newTestOrchestrator(gen, newMemStore(), DefaultConfig())

	res, err := o.Run(context.Background(), BuildRequest{Command: "shop"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := []time.Duration{2 * time.Second, 4 * time.Second}; !reflect.DeepEqual(*sleeps, want) {
		t.Fatalf("sleeps = %v, want %v", *sleeps, want)
	}
	if len(res.Summary.Models) != 2 {
		t.Fatalf("models = %v", res.Summary.Models)
	}
}

func TestRunGeneratorFailureEndsInError(t *testing.T) {
	store := newMemStore()
	gen := newFakeGen()
	var calls int32
	gen.set(PhaseDatabase, func(context.Context, Request) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("upstream 500")
	})
	o, sleeps := newTestOrchestrator(gen, store, DefaultConfig())
	events := &eventRecorder{}

	res, err := o.Run(context.Background(), BuildRequest{DocumentID: "doc-err", Command: "shop"}, events)

	if !errors.Is(err, ErrGeneratorFailure) {
		t.Fatalf("expected generator failure, got %v", err)
	}
	var be *BuildError
	if !errors.As(err, &be) || be.Kind != KindGenerator || !be.CanResume || be.LastCompletedPhase != PhaseOverview {
		t.Fatalf("unexpected build error: %+v", be)
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4", calls)
	}
	if want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}; !reflect.DeepEqual(*sleeps, want) {
		t.Fatalf("sleeps = %v, want %v", *sleeps, want)
	}
	if res == nil || res.Status != progress.StatusError || res.Title != "Shop" {
		t.Fatalf("expected partial result, got %+v", res)
	}

	_, cp := store.load(t, "doc-err")
	if cp.Progress.Status != progress.StatusError || cp.Progress.StepProgress[string(PhaseDatabase)] != progress.StepFailed {
		t.Fatalf("checkpoint: %+v", cp.Progress)
	}
	finish := events.ofType(EventFinish)
	if len(finish) != 1 || finish[0].Payload.(FinishPayload).Status != progress.StatusError {
		t.Fatalf("finish events: %+v", finish)
	}
}

func TestRunTimeoutCheckpointsAndResumes(t *testing.T) {
	store := newMemStore()
	gen := newFakeGen()
	gen.set(PhaseDatabase, func(ctx context.Context, _ Request) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := DefaultConfig()
	cfg.Deadline = 200 * time.Millisecond
	o, _ := newTestOrchestrator(gen, store, cfg)
	events := &eventRecorder{}

	res, err := o.Run(context.Background(), BuildRequest{DocumentID: "doc-t", Command: "shop"}, events)

	if !errors.Is(err, ErrDeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	var be *BuildError
	if !errors.As(err, &be) || be.Kind != KindTimeout || !be.CanResume || be.LastCompletedPhase != PhaseOverview {
		t.Fatalf("unexpected build error: %+v", be)
	}
	if res.Status != progress.StatusTimeout || !res.CanResume {
		t.Fatalf("unexpected result: %+v", res)
	}

	doc, cp := store.load(t, "doc-t")
	if cp.Progress.Status != progress.StatusTimeout || !cp.Progress.CanResume || cp.TimedOutAt == nil {
		t.Fatalf("checkpoint: %+v", cp)
	}
	if cp.Request.Command != "shop" {
		t.Fatalf("checkpoint lost the request: %+v", cp.Request)
	}
	if cp.Progress.StepProgress[string(PhaseDatabase)] != progress.StepTimeout {
		t.Fatalf("database step = %s", cp.Progress.StepProgress[string(PhaseDatabase)])
	}
	if doc.Name != "Shop" {
		t.Fatalf("partial document not preserved: %+v", doc)
	}
	firstRunEvents := len(events.all())

	resumeGen := newFakeGen()
	o2, _ := newTestOrchestrator(resumeGen, store, DefaultConfig())
	events2 := &eventRecorder{}
	res2, err := o2.Run(context.Background(), BuildRequest{DocumentID: "doc-t", Operation: OpResume}, events2)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	calls := resumeGen.called()
	if len(calls) == 0 || calls[0] != PhaseDatabase {
		t.Fatalf("resume started at %v, want %s", calls, PhaseDatabase)
	}
	if !res2.Resumed || res2.Status != progress.StatusComplete {
		t.Fatalf("unexpected resume result: %+v", res2)
	}
	if first := events2.all()[0]; first.Seq != uint64(firstRunEvents+1) {
		t.Fatalf("resumed stream starts at seq %d, want %d", first.Seq, firstRunEvents+1)
	}
}

func TestRunResumesAfterLastCompletePhase(t *testing.T) {
	store := newMemStore()
	doc := agentdoc.Document{
		ID:   "doc-r",
		Name: "Shop",
		Models: []agentdoc.Model{{ID: "m-user", Name: "User", IDField: "id", Fields: []agentdoc.Field{
			{ID: "f-id", Name: "id", Type: "String", IsID: true, Unique: true, Required: true, Kind: agentdoc.KindScalar},
		}}},
		Metadata: agentdoc.Metadata{Version: 3, Provenance: map[string]json.RawMessage{
			string(PhaseDecision): json.RawMessage(`{"fullSystem":true}`),
		}},
	}
	cp := &Checkpoint{
		Progress: progress.StepProgress{
			CurrentStep: string(PhaseExampleRecords),
			StepProgress: map[string]progress.StepStatus{
				string(PhaseUnderstanding):  progress.StepComplete,
				string(PhaseDecision):       progress.StepComplete,
				string(PhaseChangeAnalysis): progress.StepSkipped,
				string(PhaseOverview):       progress.StepComplete,
				string(PhaseDatabase):       progress.StepComplete,
				string(PhaseExampleRecords): progress.StepProcessing,
			},
			StepMessages: map[string]string{},
			Status:       progress.StatusActive,
		},
		Request:  CheckpointRequest{Command: "shop", Operation: OpCreate},
		EventSeq: 12,
	}
	store.put(t, doc, cp)
	gen := newFakeGen()
	o, _ := newTestOrchestrator(gen, store, DefaultConfig())

	res, err := o.Run(context.Background(), BuildRequest{DocumentID: "doc-r", Operation: OpResume}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []Phase{PhaseExampleRecords, PhaseActions, PhaseExecutionDetail, PhaseSchedules}
	if got := gen.called(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if !res.Resumed || !reflect.DeepEqual(res.Summary.Models, []string{"User"}) {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRunSameCommandResumesNewCommandRestarts(t *testing.T) {
	cp := &Checkpoint{
		Progress: progress.StepProgress{
			StepProgress: map[string]progress.StepStatus{string(PhaseUnderstanding): progress.StepComplete},
			StepMessages: map[string]string{},
			Status:       progress.StatusTimeout,
			CanResume:    true,
		},
		Request: CheckpointRequest{Command: "shop", Operation: OpCreate},
	}

	tests := []struct {
		command   string
		wantFirst Phase
	}{
		{"shop", PhaseDecision},
		{"", PhaseDecision},
		{"a library system", PhaseUnderstanding},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("command %q", tt.command), func(t *testing.T) {
			store := newMemStore()
			store.put(t, agentdoc.Document{ID: "doc-c", Name: "Shop"}, cp)
			gen := newFakeGen()
			o, _ := newTestOrchestrator(gen, store, DefaultConfig())

			if _, err := o.Run(context.Background(), BuildRequest{DocumentID: "doc-c", Command: tt.command}, nil); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if first := gen.called()[0]; first != tt.wantFirst {
				t.Fatalf("first phase = %s, want %s", first, tt.wantFirst)
			}
		})
	}
}

func TestRunResumeWithNothingToDo(t *testing.T) {
	store := newMemStore()
	gen := newFakeGen()
	o, _ := newTestOrchestrator(gen, store, DefaultConfig())

	if _, err := o.Run(context.Background(), BuildRequest{DocumentID: "ghost", Operation: OpResume}, nil); !errors.Is(err, ErrNothingToResume) {
		t.Fatalf("expected ErrNothingToResume, got %v", err)
	}

	store.put(t, twoModelDocument("done"), &Checkpoint{Progress: progress.StepProgress{Status: progress.StatusComplete}})
	res, err := o.Run(context.Background(), BuildRequest{DocumentID: "done", Operation: OpResume}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(gen.called()) != 0 {
		t.Fatalf("finished build should not call the generator: %v", gen.called())
	}
	if res.Status != progress.StatusComplete || len(res.Summary.Models) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRunSafetyOverrideKeepsModels(t *testing.T) {
	store := newMemStore()
	store.put(t, twoModelDocument("doc-s"), nil)
	gen := newFakeGen()
	gen.setJSON(PhaseDatabase, `{"models":[]}`)
	gen.setJSON(PhaseActions, `{"actions":[]}`)
	gen.setJSON(PhaseChangeAnalysis, `{"newModels":["Invoice"],"newActions":["Bill customer"]}`)
	o, _ := newTestOrchestrator(gen, store, DefaultConfig())
	events := &eventRecorder{}

	res, err := o.Run(context.Background(), BuildRequest{DocumentID: "doc-s", Command: "add invoices", Operation: OpUpdate}, events)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(modelNames(res.Document), []string{"User", "Order"}) {
		t.Fatalf("models = %v", modelNames(res.Document))
	}
	if len(res.Document.Actions) != 1 || res.Document.Actions[0].ID != "a-existing" {
		t.Fatalf("actions = %+v", res.Document.Actions)
	}

	overrides := map[Phase]bool{}
	for _, e := range events.ofType(EventWarning) {
		p := e.Payload.(WarningPayload)
		if p.Code == string(WarnSafetyOverride) {
			overrides[p.Phase] = true
		}
	}
	if !overrides[PhaseDatabase] || !overrides[PhaseActions] {
		t.Fatalf("expected safety overrides for database and actions, got %v", overrides)
	}
}

func TestRunEmptyFragmentWithoutExpectationStillKeepsModels(t *testing.T) {
	store := newMemStore()
	store.put(t, twoModelDocument("doc-e"), nil)
	gen := newFakeGen()
	gen.setJSON(PhaseDatabase, `{"models":[]}`)
	gen.setJSON(PhaseChangeAnalysis, `{"summary":"tweak wording"}`)
	o, _ := newTestOrchestrator(gen, store, DefaultConfig())
	events := &eventRecorder{}

	res, err := o.Run(context.Background(), BuildRequest{DocumentID: "doc-e", Command: "tweak", Operation: OpUpdate}, events)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Document.Models) != 2 {
		t.Fatalf("models = %v", modelNames(res.Document))
	}
	var sawEmpty bool
	for _, e := range events.ofType(EventWarning) {
		if e.Payload.(WarningPayload).Code == "empty-fragment" {
			sawEmpty = true
		}
	}
	if !sawEmpty {
		t.Fatalf("expected an empty-fragment warning")
	}
}

func TestRunAppliesChangeAnalysisDeletions(t *testing.T) {
	store := newMemStore()
	doc := twoModelDocument("doc-d")
	doc.Models = append(doc.Models, agentdoc.Model{ID: "m-product", Name: "Product", IDField: "id"})
	store.put(t, doc, nil)

	gen := newFakeGen()
	gen.setJSON(PhaseChangeAnalysis, `{"deletions":{"modelsToDelete":["Order"],"actionsToDelete":["a-existing"]}}`)
	gen.setJSON(PhaseDatabase, `{"models":[{"name":"User","description":"customers"}]}`)
	gen.setJSON(PhaseActions, `{"actions":[{"id":"a-new","name":"Greet"}]}`)
	o, _ := newTestOrchestrator(gen, store, DefaultConfig())

	res, err := o.Run(context.Background(), BuildRequest{DocumentID: "doc-d", Command: "drop orders", Operation: OpUpdate}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := modelNames(res.Document); !reflect.DeepEqual(got, []string{"User", "Product"}) {
		t.Fatalf("models = %v", got)
	}
	if len(res.Document.Actions) != 1 || res.Document.Actions[0].ID != "a-new" {
		t.Fatalf("actions = %+v", res.Document.Actions)
	}
	if res.Document.CreatedAt != "2026-01-01T00:00:00Z" {
		t.Fatalf("createdAt = %q", res.Document.CreatedAt)
	}
	if res.Document.Metadata.Version <= 2 {
		t.Fatalf("version not bumped: %d", res.Document.Metadata.Version)
	}
}

func TestRunMalformedContextIsIgnored(t *testing.T) {
	gen := newFakeGen()
	o, _ := newTestOrchestrator(gen, newMemStore(), DefaultConfig())

	res, err := o.Run(context.Background(), BuildRequest{Command: "shop", Operation: OpUpdate, Context: "{not json"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, p := range gen.called() {
		if p == PhaseChangeAnalysis {
			t.Fatalf("change-analysis ran without an existing document")
		}
	}
	if len(res.Document.Models) != 2 {
		t.Fatalf("models = %v", modelNames(res.Document))
	}
}

func TestRunUsesContextDocument(t *testing.T) {
	existing := twoModelDocument("ctx-doc")
	data, _ := json.Marshal(existing)
	gen := newFakeGen()
	gen.setJSON(PhaseDatabase, `{"models":[{"name":"Invoice"}]}`)
	o, _ := newTestOrchestrator(gen, newMemStore(), DefaultConfig())

	res, err := o.Run(context.Background(), BuildRequest{Command: "add invoices", Operation: OpExtend, Context: string(data)}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.DocumentID != "ctx-doc" {
		t.Fatalf("document id = %q", res.DocumentID)
	}
	if got := modelNames(res.Document); !reflect.DeepEqual(got, []string{"User", "Order", "Invoice"}) {
		t.Fatalf("models = %v", got)
	}
	if gen.called()[2] != PhaseChangeAnalysis {
		t.Fatalf("change-analysis should run for extend: %v", gen.called())
	}
}

func TestRunExecutionDetailJoinsInOrder(t *testing.T) {
	gen := newFakeGen()
	gen.setJSON(PhaseActions, `{"actions":[
		{"id":"a1","name":"One"},{"id":"a2","name":"Two"},{"id":"a3","name":"Three"},{"id":"a4","name":"Four"}
	]}`)
	var inFlight, peak int32
	gen.set(PhaseExecutionDetail, func(ctx context.Context, req Request) (json.RawMessage, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(time.Duration(5-len(req.Target.Name)) * 5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return json.RawMessage(fmt.Sprintf(`{"execute":{"type":"prompt","prompt":{"template":"run %s"}}}`, req.Target.Name)), nil
	})
	cfg := DefaultConfig()
	cfg.ExecutionConcurrency = 2
	o, _ := newTestOrchestrator(gen, newMemStore(), cfg)

	res, err := o.Run(context.Background(), BuildRequest{Command: "shop"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, name := range []string{"One", "Two", "Three", "Four"} {
		a := res.Document.Actions[i]
		if a.Name != name || a.Execute.Prompt == nil || a.Execute.Prompt.Template != "run "+name {
			t.Fatalf("action %d = %+v", i, a)
		}
	}
	if peak > 2 {
		t.Fatalf("concurrency peak = %d, want <= 2", peak)
	}
}

func TestRunInvalidScheduleIsDeactivated(t *testing.T) {
	gen := newFakeGen()
	gen.setJSON(PhaseSchedules, `{"schedules":[{"id":"s1","name":"Broken","interval":{"pattern":"every tuesday","active":true}}]}`)
	o, _ := newTestOrchestrator(gen, newMemStore(), DefaultConfig())
	events := &eventRecorder{}

	res, err := o.Run(context.Background(), BuildRequest{Command: "shop"}, events)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Document.Schedules[0].Interval.Active {
		t.Fatalf("invalid schedule left active")
	}
	var sanitized bool
	for _, e := range events.ofType(EventWarning) {
		if e.Payload.(WarningPayload).Code == string(WarnSanitized) {
			sanitized = true
		}
	}
	if !sanitized {
		t.Fatalf("expected a sanitized warning")
	}
}

func TestRunPersistenceFailureDoesNotAbort(t *testing.T) {
	store := newMemStore()
	store.failSaves = -1
	o, _ := newTestOrchestrator(newFakeGen(), store, DefaultConfig())

	res, err := o.Run(context.Background(), BuildRequest{DocumentID: "doc-p", Command: "shop"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != progress.StatusComplete || len(res.Document.Models) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRunPersistenceRetrySucceeds(t *testing.T) {
	store := newMemStore()
	store.failSaves = 1
	o, _ := newTestOrchestrator(newFakeGen(), store, DefaultConfig())

	if _, err := o.Run(context.Background(), BuildRequest{DocumentID: "doc-q", Command: "shop"}, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	_, cp := store.load(t, "doc-q")
	if cp.Progress.Status != progress.StatusComplete {
		t.Fatalf("final checkpoint status = %s", cp.Progress.Status)
	}
}

func TestRunRejectsConcurrentBuild(t *testing.T) {
	o, _ := newTestOrchestrator(newFakeGen(), newMemStore(), DefaultConfig())
	if !o.acquire("busy") {
		t.Fatal("acquire failed")
	}
	defer o.release("busy")

	_, err := o.Run(context.Background(), BuildRequest{DocumentID: "busy", Command: "shop"}, nil)
	if !errors.Is(err, ErrBuildInProgress) {
		t.Fatalf("expected ErrBuildInProgress, got %v", err)
	}
}

func TestRunRejectsUnknownOperation(t *testing.T) {
	o, _ := newTestOrchestrator(newFakeGen(), newMemStore(), DefaultConfig())
	if _, err := o.Run(context.Background(), BuildRequest{Command: "x", Operation: "destroy"}, nil); err == nil {
		t.Fatal("expected error for unknown operation")
	}
}

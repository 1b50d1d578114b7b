package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kayz/specforge/internal/agentdoc"
	"github.com/kayz/specforge/internal/persist"
)

// memStore is an in-memory Store with injectable save failures.
type memStore struct {
	mu        sync.Mutex
	docs      map[string]persist.Document
	saves     int
	failSaves int // number of upcoming saves to fail; -1 fails all
	runs      []persist.Run
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]persist.Document)}
}

func (s *memStore) GetDocument(ctx context.Context, id string) (*persist.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, persist.ErrNotFound
	}
	return &doc, nil
}

func (s *memStore) SaveDocument(ctx context.Context, doc persist.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves != 0 {
		if s.failSaves > 0 {
			s.failSaves--
		}
		return errors.New("disk full")
	}
	s.saves++
	s.docs[doc.ID] = doc
	return nil
}

func (s *memStore) RecordRun(ctx context.Context, run persist.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

func (s *memStore) put(t *testing.T, doc agentdoc.Document, cp *Checkpoint) {
	t.Helper()
	content, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal doc: %v", err)
	}
	var metadata []byte
	if cp != nil {
		if metadata, err = json.Marshal(cp); err != nil {
			t.Fatalf("marshal checkpoint: %v", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = persist.Document{ID: doc.ID, Title: doc.Title(), Content: content, Metadata: metadata}
}

func (s *memStore) load(t *testing.T, id string) (*agentdoc.Document, *Checkpoint) {
	t.Helper()
	s.mu.Lock()
	stored, ok := s.docs[id]
	s.mu.Unlock()
	if !ok {
		t.Fatalf("document %s was not saved", id)
	}
	doc, err := agentdoc.Parse(stored.Content)
	if err != nil {
		t.Fatalf("parse stored content: %v", err)
	}
	cp, err := ParseCheckpoint(stored.Metadata)
	if err != nil {
		t.Fatalf("parse stored checkpoint: %v", err)
	}
	return doc, cp
}

var defaultOutputs = map[Phase]string{
	PhaseUnderstanding:  `{"name":"Shop","description":"An online shop","domain":"retail"}`,
	PhaseDecision:       `{"fullSystem":true}`,
	PhaseChangeAnalysis: `{"summary":"adds invoices","newModels":["Invoice"],"deletions":{}}`,
	PhaseOverview:       `{"summary":"shop with users and orders"}`,
	PhaseDatabase: `{"models":[
		{"name":"User","fields":[{"name":"email","type":"String"}]},
		{"name":"Order","fields":[{"name":"userId","type":"String","relationField":true}]}
	],"enums":[]}`,
	PhaseExampleRecords:  `{"records":{"User":[{"email":"ann@example.com"}]}}`,
	PhaseActions:         `{"actions":[{"id":"a-confirm","name":"Confirm order","type":"Update","role":"admin"}]}`,
	PhaseExecutionDetail: `{"execute":{"type":"prompt","prompt":{"template":"Handle {{input}}"}}}`,
	PhaseSchedules:       `{"schedules":[{"id":"s-report","name":"Daily report","interval":{"pattern":"0 9 * * *","timezone":"UTC","active":true}}]}`,
}

// fakeGen answers each phase from a script, defaulting to defaultOutputs.
type fakeGen struct {
	mu      sync.Mutex
	calls   []Phase
	outputs map[Phase]func(context.Context, Request) (json.RawMessage, error)
}

func newFakeGen() *fakeGen {
	return &fakeGen{outputs: make(map[Phase]func(context.Context, Request) (json.RawMessage, error))}
}

func (g *fakeGen) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req.Phase)
	f := g.outputs[req.Phase]
	g.mu.Unlock()
	if f != nil {
		return f(ctx, req)
	}
	return json.RawMessage(defaultOutputs[req.Phase]), nil
}

func (g *fakeGen) set(p Phase, f func(context.Context, Request) (json.RawMessage, error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outputs[p] = f
}

func (g *fakeGen) setJSON(p Phase, out string) {
	g.set(p, func(context.Context, Request) (json.RawMessage, error) { return json.RawMessage(out), nil })
}

func (g *fakeGen) called() []Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Phase(nil), g.calls...)
}

// eventRecorder collects emitted events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) ofType(t EventType) []Event {
	var out []Event
	for _, e := range r.all() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// newTestOrchestrator returns an orchestrator whose backoff sleeps are
// recorded instead of waited.
func newTestOrchestrator(gen Generator, store Store, cfg Config) (*Orchestrator, *[]time.Duration) {
	o := New(gen, store, cfg)
	var mu sync.Mutex
	sleeps := &[]time.Duration{}
	o.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		*sleeps = append(*sleeps, d)
		return ctx.Err()
	}
	return o, sleeps
}

func twoModelDocument(id string) agentdoc.Document {
	return agentdoc.Document{
		ID:        id,
		Name:      "Shop",
		CreatedAt: "2026-01-01T00:00:00Z",
		Models: []agentdoc.Model{
			{ID: "m-user", Name: "User", IDField: "id", Fields: []agentdoc.Field{
				{ID: "f-uid", Name: "id", Type: "String", IsID: true, Unique: true, Required: true, Kind: agentdoc.KindScalar},
			}},
			{ID: "m-order", Name: "Order", IDField: "id", Fields: []agentdoc.Field{
				{ID: "f-oid", Name: "id", Type: "String", IsID: true, Unique: true, Required: true, Kind: agentdoc.KindScalar},
			}},
		},
		Actions: []agentdoc.Action{{
			ID: "a-existing", Name: "Ship order", Type: agentdoc.ActionUpdate, Role: agentdoc.RoleAdmin,
			Execute: agentdoc.Execute{Type: "code", Code: &agentdoc.Code{Script: "ship()"}},
		}},
		Metadata: agentdoc.Metadata{Version: 2},
	}
}

func modelNames(doc *agentdoc.Document) []string {
	names := []string{}
	for _, m := range doc.Models {
		names = append(names, m.Name)
	}
	return names
}

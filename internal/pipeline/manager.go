package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kayz/specforge/internal/agentdoc"
	"github.com/kayz/specforge/internal/logger"
)

// Build is a build started by a Manager.
type Build struct {
	ID        string
	Request   BuildRequest
	Log       *EventLog
	StartedAt time.Time

	done   chan struct{}
	result *Result
	err    error
}

// Done is closed when the build has ended.
func (b *Build) Done() <-chan struct{} { return b.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (b *Build) Result() (*Result, error) {
	select {
	case <-b.done:
		return b.result, b.err
	default:
		return nil, nil
	}
}

// Wait blocks until the build ends or ctx is done.
func (b *Build) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-b.done:
		return b.result, b.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// keepFinished is how many finished builds a Manager keeps for Get.
const keepFinished = 32

// Manager runs builds in the background, one per document. A request for a
// document that is already building attaches to the running build instead
// of starting another. Only the most recent finished builds are kept.
type Manager struct {
	orch   *Orchestrator
	notify Sink
	keep   int

	mu       sync.Mutex
	running  map[string]*Build
	finished map[string]*Build
	order    []string // finished ids, oldest first
}

// NewManager creates a manager. notify, if not nil, receives the events of
// every build.
func NewManager(orch *Orchestrator, notify Sink) *Manager {
	return &Manager{
		orch:     orch,
		notify:   notify,
		keep:     keepFinished,
		running:  make(map[string]*Build),
		finished: make(map[string]*Build),
	}
}

// Start starts a build, or returns the running build for the same document
// with attached set. The build outlives ctx.
func (m *Manager) Start(ctx context.Context, req BuildRequest) (b *Build, attached bool, err error) {
	req, _, err = normalizeRequest(req)
	if err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	if b, ok := m.running[req.DocumentID]; ok {
		m.mu.Unlock()
		logger.Info("[Pipeline] Attaching to running build %s", req.DocumentID)
		return b, true, nil
	}
	b = &Build{
		ID:        req.DocumentID,
		Request:   req,
		Log:       NewEventLog(),
		StartedAt: timeNow(),
		done:      make(chan struct{}),
	}
	m.running[b.ID] = b
	m.mu.Unlock()

	sinks := MultiSink{b.Log}
	if m.notify != nil {
		sinks = append(sinks, m.notify)
	}
	runCtx := context.WithoutCancel(ctx)
	go func() {
		res, err := m.orch.Run(runCtx, req, sinks)
		b.result, b.err = res, err
		b.Log.Close()

		m.mu.Lock()
		delete(m.running, b.ID)
		m.retire(b)
		m.mu.Unlock()
		close(b.done)
	}()
	return b, false, nil
}

// retire records b as finished and evicts the oldest finished builds beyond
// the limit. Called with m.mu held.
func (m *Manager) retire(b *Build) {
	if _, ok := m.finished[b.ID]; ok {
		for i, id := range m.order {
			if id == b.ID {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.finished[b.ID] = b
	m.order = append(m.order, b.ID)
	for len(m.order) > m.keep {
		delete(m.finished, m.order[0])
		m.order = m.order[1:]
	}
}

// Run starts or attaches to a build and streams its events to sink until it
// ends. Events are delivered at most once each.
func (m *Manager) Run(ctx context.Context, req BuildRequest, sink Sink) (*Result, error) {
	b, _, err := m.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	if sink != nil {
		dedup := NewDedupSink(sink)
		for e := range b.Log.Subscribe(ctx, 0) {
			dedup.Emit(e)
		}
	}
	return b.Wait(ctx)
}

// Get returns the running build for id, or the last finished one.
func (m *Manager) Get(id string) (*Build, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.running[id]; ok {
		return b, true
	}
	b, ok := m.finished[id]
	return b, ok
}

// Running lists the documents currently building.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown waits for running builds to end or ctx to be done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	builds := make([]*Build, 0, len(m.running))
	for _, b := range m.running {
		builds = append(builds, b)
	}
	m.mu.Unlock()

	for _, b := range builds {
		select {
		case <-b.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// normalizeRequest validates the operation and settles the document id. A
// malformed context is dropped.
func normalizeRequest(req BuildRequest) (BuildRequest, *agentdoc.Document, error) {
	op, err := ParseOperation(string(req.Operation))
	if err != nil {
		return req, nil, err
	}
	req.Operation = op

	ctxDoc, err := parseContext(req.Context)
	if err != nil {
		logger.Warn("[Pipeline] Ignoring malformed context: %v", err)
		ctxDoc = nil
		req.Context = ""
	}
	if req.DocumentID == "" && ctxDoc != nil {
		req.DocumentID = ctxDoc.ID
	}
	if req.DocumentID == "" {
		req.DocumentID = agentdoc.NewID()
	}
	return req, ctxDoc, nil
}

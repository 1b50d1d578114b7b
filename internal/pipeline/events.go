package pipeline

import (
	"sync"
	"time"

	"github.com/kayz/specforge/internal/merge"
	"github.com/kayz/specforge/internal/progress"
)

// EventType is the kind of a progress event.
type EventType string

const (
	EventStep    EventType = "agent-step"
	EventData    EventType = "agent-data"
	EventFinish  EventType = "finish"
	EventWarning EventType = "warning"
)

// Event is one entry of a build's progress stream. Seq increases by one for
// every event of a document, across resumed runs.
type Event struct {
	Seq        uint64    `json:"seq"`
	Type       EventType `json:"type"`
	DocumentID string    `json:"documentId"`
	Time       time.Time `json:"time"`
	Payload    any       `json:"payload"`
}

// StepPayload reports a phase status change.
type StepPayload struct {
	Phase   Phase               `json:"phase"`
	Status  progress.StepStatus `json:"status"`
	Message string              `json:"message,omitempty"`
}

// DataPayload reports what a phase changed in the document.
type DataPayload struct {
	Phase   Phase           `json:"phase"`
	Changes merge.ChangeSet `json:"changes"`
	Summary ContentSummary  `json:"summary"`
}

// WarningPayload reports a corrected merge-safety condition or a
// non-fatal problem.
type WarningPayload struct {
	Phase      Phase            `json:"phase"`
	Code       string           `json:"code"`
	Collection merge.Collection `json:"collection,omitempty"`
	Message    string           `json:"message"`
}

// FinishPayload closes a build's stream.
type FinishPayload struct {
	Status             progress.Status `json:"status"`
	LastCompletedPhase Phase           `json:"lastCompletedPhase,omitempty"`
	CanResume          bool            `json:"canResume"`
	Error              string          `json:"error,omitempty"`
	Result             *Result         `json:"result,omitempty"`
}

// Sink receives progress events in order. Implementations must not block
// for long.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// DedupSink forwards each sequence number at most once, so a consumer
// replayed from a resume point sees no duplicates.
type DedupSink struct {
	mu   sync.Mutex
	next Sink
	seen bool
	last uint64
}

// NewDedupSink wraps next.
func NewDedupSink(next Sink) *DedupSink {
	return &DedupSink{next: next}
}

func (d *DedupSink) Emit(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen && e.Seq <= d.last {
		return
	}
	d.seen = true
	d.last = e.Seq
	d.next.Emit(e)
}

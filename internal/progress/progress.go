// Package progress records per-phase build state.
//
// A Tracker is mutated by the pipeline after every phase and its Snapshot is
// persisted next to the document so an interrupted build can be resumed.
package progress

import (
	"sync"
	"time"
)

// StepStatus is the state of a single phase.
type StepStatus string

const (
	StepProcessing StepStatus = "processing"
	StepComplete   StepStatus = "complete"
	StepFailed     StepStatus = "failed"
	StepTimeout    StepStatus = "timeout"
	StepSkipped    StepStatus = "skipped"
)

// Done reports whether a phase in this state needs no further work.
func (s StepStatus) Done() bool {
	return s == StepComplete || s == StepSkipped
}

// Status is the state of the whole run.
type Status string

const (
	StatusActive   Status = "active"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
	StatusTimeout  Status = "timeout"
)

// StepProgress is the persisted form of a Tracker.
type StepProgress struct {
	CurrentStep  string                `json:"currentStep"`
	StepProgress map[string]StepStatus `json:"stepProgress"`
	StepMessages map[string]string     `json:"stepMessages"`
	Status       Status                `json:"status"`
	CanResume    bool                  `json:"canResume"`
	StartedAt    time.Time             `json:"startedAt"`
	UpdatedAt    time.Time             `json:"updatedAt"`
}

// Clone returns a deep copy.
func (p StepProgress) Clone() StepProgress {
	out := p
	out.StepProgress = make(map[string]StepStatus, len(p.StepProgress))
	for k, v := range p.StepProgress {
		out.StepProgress[k] = v
	}
	out.StepMessages = make(map[string]string, len(p.StepMessages))
	for k, v := range p.StepMessages {
		out.StepMessages[k] = v
	}
	return out
}

// Resumable reports whether a stored run was interrupted before finishing.
func (p StepProgress) Resumable() bool {
	switch p.Status {
	case StatusActive, StatusTimeout:
		return true
	case StatusError:
		return p.CanResume
	default:
		return false
	}
}

// LastCompleted returns the last phase of the contiguous done prefix of
// order, or "" when the first phase is not done.
func (p StepProgress) LastCompleted(order []string) string {
	last := ""
	for _, step := range order {
		if !p.StepProgress[step].Done() {
			break
		}
		if p.StepProgress[step] == StepComplete {
			last = step
		}
	}
	return last
}

// ResumeIndex returns the index into order of the first phase that is not
// done. It returns len(order) when every phase is done.
func (p StepProgress) ResumeIndex(order []string) int {
	for i, step := range order {
		if !p.StepProgress[step].Done() {
			return i
		}
	}
	return len(order)
}

// AllDone reports whether every phase in order is complete or skipped.
func (p StepProgress) AllDone(order []string) bool {
	return p.ResumeIndex(order) == len(order)
}

// Tracker is a concurrency-safe StepProgress.
type Tracker struct {
	mu sync.Mutex
	p  StepProgress
}

// New returns a tracker for a fresh run.
func New(now time.Time) *Tracker {
	return &Tracker{p: StepProgress{
		StepProgress: make(map[string]StepStatus),
		StepMessages: make(map[string]string),
		Status:       StatusActive,
		StartedAt:    now,
		UpdatedAt:    now,
	}}
}

// Restore returns a tracker continuing from a persisted state. The run is
// marked active again.
func Restore(p StepProgress, now time.Time) *Tracker {
	t := &Tracker{p: p.Clone()}
	t.p.Status = StatusActive
	t.p.CanResume = false
	t.p.UpdatedAt = now
	if t.p.StartedAt.IsZero() {
		t.p.StartedAt = now
	}
	return t
}

func (t *Tracker) set(step string, status StepStatus, msg string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.CurrentStep = step
	t.p.StepProgress[step] = status
	if msg != "" {
		t.p.StepMessages[step] = msg
	}
	t.p.UpdatedAt = now
}

// Start marks step as processing.
func (t *Tracker) Start(step, msg string, now time.Time) {
	t.set(step, StepProcessing, msg, now)
}

// Complete marks step as complete.
func (t *Tracker) Complete(step, msg string, now time.Time) {
	t.set(step, StepComplete, msg, now)
}

// Skip marks step as skipped.
func (t *Tracker) Skip(step, msg string, now time.Time) {
	t.set(step, StepSkipped, msg, now)
}

// Fail marks step as failed and the run as errored. canResume records
// whether a later request may pick the run up again.
func (t *Tracker) Fail(step, msg string, canResume bool, now time.Time) {
	t.set(step, StepFailed, msg, now)
	t.mu.Lock()
	t.p.Status = StatusError
	t.p.CanResume = canResume
	t.mu.Unlock()
}

// Timeout marks the current step and the run as timed out. The run can
// always be resumed after a timeout.
func (t *Tracker) Timeout(msg string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if step := t.p.CurrentStep; step != "" && !t.p.StepProgress[step].Done() {
		t.p.StepProgress[step] = StepTimeout
		if msg != "" {
			t.p.StepMessages[step] = msg
		}
	}
	t.p.Status = StatusTimeout
	t.p.CanResume = true
	t.p.UpdatedAt = now
}

// Finish marks the run complete.
func (t *Tracker) Finish(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.Status = StatusComplete
	t.p.CanResume = false
	t.p.UpdatedAt = now
}

// Status returns the run status.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p.Status
}

// StepStatus returns the status of one step, "" if it never started.
func (t *Tracker) StepStatus(step string) StepStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p.StepProgress[step]
}

// Snapshot returns a copy safe to persist or hand to another goroutine.
func (t *Tracker) Snapshot() StepProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p.Clone()
}

package pipeline

import (
	"context"
	"sync"
)

// EventLog records a build's events and replays them to any number of
// subscribers. Emit never blocks on a slow subscriber.
type EventLog struct {
	mu      sync.Mutex
	events  []Event
	changed chan struct{}
	closed  bool
}

// NewEventLog returns an empty log.
func NewEventLog() *EventLog {
	return &EventLog{changed: make(chan struct{})}
}

// Emit appends e and wakes subscribers. Events after Close are dropped.
func (l *EventLog) Emit(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.events = append(l.events, e)
	close(l.changed)
	l.changed = make(chan struct{})
}

// Close ends the log. Subscribers drain what is left and stop.
func (l *EventLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.changed)
}

// Events returns a copy of everything recorded so far.
func (l *EventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// Last returns the most recent event.
func (l *EventLog) Last() (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return Event{}, false
	}
	return l.events[len(l.events)-1], true
}

// Subscribe streams every event with Seq >= from, first the recorded ones
// and then live ones, in order. The channel is closed once the log is
// closed and drained, or when ctx is done.
func (l *EventLog) Subscribe(ctx context.Context, from uint64) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		next := 0
		for {
			l.mu.Lock()
			pending := l.events[next:]
			closed := l.closed
			wait := l.changed
			l.mu.Unlock()

			for _, e := range pending {
				next++
				if e.Seq < from {
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
			if len(pending) > 0 {
				continue
			}
			if closed {
				return
			}
			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

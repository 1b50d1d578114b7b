package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/kayz/specforge/internal/logger"
	"github.com/kayz/specforge/internal/persist"
)

const saveTimeout = 10 * time.Second

// snapshotWriter persists build snapshots off the build's goroutine. Writes
// happen one at a time in submission order; when writes back up only the
// latest pending snapshot is written.
type snapshotWriter struct {
	store   Store
	retries int

	mu      sync.Mutex
	cond    *sync.Cond
	pending *persist.Document
	busy    bool
	failed  int
}

func newSnapshotWriter(store Store, retries int) *snapshotWriter {
	w := &snapshotWriter{store: store, retries: max(retries, 0)}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Submit queues doc for writing and returns immediately.
func (w *snapshotWriter) Submit(doc persist.Document) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = &doc
	if !w.busy {
		w.busy = true
		go w.loop()
	}
}

func (w *snapshotWriter) loop() {
	for {
		w.mu.Lock()
		doc := w.pending
		w.pending = nil
		if doc == nil {
			w.busy = false
			w.cond.Broadcast()
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()

		if err := saveWithRetry(w.store, *doc, w.retries); err != nil {
			w.mu.Lock()
			w.failed++
			w.mu.Unlock()
		}
	}
}

// Flush blocks until every submitted snapshot has been handled.
func (w *snapshotWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.busy {
		w.cond.Wait()
	}
}

// Failures returns how many snapshots could not be written.
func (w *snapshotWriter) Failures() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

// saveWithRetry writes doc, retrying a failed write. Each attempt gets its
// own timeout and ignores build cancellation so a checkpoint can still be
// written after the deadline fired.
func saveWithRetry(store Store, doc persist.Document, retries int) error {
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		err = store.SaveDocument(ctx, doc)
		cancel()
		if err == nil {
			return nil
		}
		logger.Warn("[Pipeline] Save of %s failed (attempt %d/%d): %v", doc.ID, attempt+1, retries+1, err)
	}
	logger.Error("[Pipeline] Giving up saving %s: %v", doc.ID, err)
	return err
}

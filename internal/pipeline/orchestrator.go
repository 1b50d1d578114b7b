package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kayz/specforge/internal/agentdoc"
	"github.com/kayz/specforge/internal/logger"
	"github.com/kayz/specforge/internal/merge"
	"github.com/kayz/specforge/internal/persist"
	"github.com/kayz/specforge/internal/progress"
)

// Request is what the generator receives for one phase call.
type Request struct {
	Phase     Phase
	Command   string
	Operation Operation
	// Context holds the outputs of earlier phases.
	Context map[Phase]json.RawMessage
	// Existing is a copy of the current in-memory document.
	Existing *agentdoc.Document
	// Target is the action being detailed during execution-detail.
	Target *agentdoc.Action
}

// Generator produces the raw output of one phase. It may fail, take
// arbitrarily long, or return degenerate output.
type Generator interface {
	Generate(ctx context.Context, req Request) (json.RawMessage, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (json.RawMessage, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// Store is the persistence gateway.
type Store interface {
	GetDocument(ctx context.Context, id string) (*persist.Document, error)
	SaveDocument(ctx context.Context, doc persist.Document) error
}

// RunRecorder is implemented by stores that keep build history.
type RunRecorder interface {
	RecordRun(ctx context.Context, run persist.Run) error
}

// BuildRequest is a caller's build request. Context optionally carries a
// serialized existing document.
type BuildRequest struct {
	DocumentID string    `json:"documentId,omitempty"`
	Command    string    `json:"command"`
	Operation  Operation `json:"operation"`
	Context    string    `json:"context,omitempty"`
}

// Config tunes an Orchestrator.
type Config struct {
	Deadline             time.Duration
	MaxRetries           int
	RetryBackoff         time.Duration
	PersistRetries       int
	ExecutionConcurrency int
	// ExpectsNewItems decides whether an empty database or action fragment
	// contradicts the change analysis. When it does, the current collection
	// is substituted for the fragment.
	ExpectsNewItems func(phase Phase, analysis *ChangeAnalysis) bool
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Deadline:             270 * time.Second,
		MaxRetries:           3,
		RetryBackoff:         2 * time.Second,
		PersistRetries:       1,
		ExecutionConcurrency: 4,
		ExpectsNewItems:      ExpectsNewItemsFromAnalysis,
	}
}

// ExpectsNewItemsFromAnalysis expects new models or actions when the change
// analysis named any.
func ExpectsNewItemsFromAnalysis(phase Phase, analysis *ChangeAnalysis) bool {
	if analysis == nil {
		return false
	}
	switch phase {
	case PhaseDatabase:
		return len(analysis.NewModels) > 0
	case PhaseActions:
		return len(analysis.NewActions) > 0
	}
	return false
}

const (
	// WarnSafetyOverride: an empty fragment was replaced by the current
	// collection because new items were expected.
	WarnSafetyOverride merge.WarningCode = "safety-override"
	// WarnSanitized: generator output was corrected at the boundary.
	WarnSanitized merge.WarningCode = "sanitized"
	// WarnDanglingRelation: a relation field targets a model that does not exist.
	WarnDanglingRelation merge.WarningCode = "dangling-relation"
)

// Orchestrator runs builds. At most one build per document runs at a time.
type Orchestrator struct {
	gen   Generator
	store Store
	cfg   Config
	sleep func(context.Context, time.Duration) error

	mu     sync.Mutex
	active map[string]bool
}

// New creates an orchestrator. Unset config values take their defaults.
func New(gen Generator, store Store, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.Deadline <= 0 {
		cfg.Deadline = def.Deadline
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.PersistRetries < 0 {
		cfg.PersistRetries = 0
	}
	if cfg.ExecutionConcurrency <= 0 {
		cfg.ExecutionConcurrency = def.ExecutionConcurrency
	}
	if cfg.ExpectsNewItems == nil {
		cfg.ExpectsNewItems = def.ExpectsNewItems
	}
	return &Orchestrator{
		gen:    gen,
		store:  store,
		cfg:    cfg,
		sleep:  sleepContext,
		active: make(map[string]bool),
	}
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

func (o *Orchestrator) acquire(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[id] {
		return false
	}
	o.active[id] = true
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, id)
}

// run is the state of one build.
type run struct {
	id        string
	command   string
	op        Operation
	doc       *agentdoc.Document
	outputs   map[Phase]json.RawMessage
	decision  *Decision
	analysis  *ChangeAnalysis
	deletions *agentdoc.DeletionOperations
	tracker   *progress.Tracker
	start     int
	resumed   bool
	startedAt time.Time
	timedOut  *time.Time
	warnings  []merge.Warning
	seq       uint64
	sink      Sink
	writer    *snapshotWriter
}

func (r *run) emit(t EventType, payload any) {
	r.seq++
	if r.sink == nil {
		return
	}
	r.sink.Emit(Event{Seq: r.seq, Type: t, DocumentID: r.id, Time: timeNow(), Payload: payload})
}

func (r *run) warn(phase Phase, w merge.Warning) {
	r.warnings = append(r.warnings, w)
	logger.Warn("[Pipeline] %s: %s", phase, w.Message)
	r.emit(EventWarning, WarningPayload{Phase: phase, Code: string(w.Code), Collection: w.Collection, Message: w.Message})
}

// record keeps a phase's output for later phases and in the document's
// provenance.
func (r *run) record(phase Phase, raw json.RawMessage) {
	r.outputs[phase] = raw
	if r.doc.Metadata.Provenance == nil {
		r.doc.Metadata.Provenance = make(map[string]json.RawMessage)
	}
	r.doc.Metadata.Provenance[string(phase)] = compactJSON(raw)
}

func (r *run) request(phase Phase, target *agentdoc.Action) Request {
	ctx := make(map[Phase]json.RawMessage, len(r.outputs))
	for k, v := range r.outputs {
		ctx[k] = v
	}
	existing := r.doc.Clone()
	return Request{
		Phase:     phase,
		Command:   r.command,
		Operation: r.op,
		Context:   ctx,
		Existing:  &existing,
		Target:    target,
	}
}

// Run executes a build synchronously and returns its result. A build that
// ends in the error or timeout state returns a partial result together with
// a *BuildError.
func (o *Orchestrator) Run(ctx context.Context, req BuildRequest, sink Sink) (*Result, error) {
	req, ctxDoc, err := normalizeRequest(req)
	if err != nil {
		return nil, err
	}

	if !o.acquire(req.DocumentID) {
		return nil, fmt.Errorf("%w: %s", ErrBuildInProgress, req.DocumentID)
	}
	defer o.release(req.DocumentID)

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Deadline)
	defer cancel()

	r, done, err := o.prepare(ctx, req, ctxDoc, sink)
	if err != nil || done != nil {
		return done, err
	}

	if r.resumed {
		logger.Info("[Pipeline] Resuming build %s at %s", r.id, Phases[r.start])
	} else {
		logger.Info("[Pipeline] Starting %s build %s", r.op, r.id)
	}

	for i := r.start; i < len(Phases); i++ {
		phase := Phases[i]
		if err := ctx.Err(); err != nil {
			return o.timeout(r, err)
		}
		if skip, why := o.skip(r, phase); skip {
			r.tracker.Skip(string(phase), why, timeNow())
			r.emit(EventStep, StepPayload{Phase: phase, Status: progress.StepSkipped, Message: why})
			o.snapshot(r)
			continue
		}

		r.tracker.Start(string(phase), phase.Label(), timeNow())
		r.emit(EventStep, StepPayload{Phase: phase, Status: progress.StepProcessing, Message: phase.Label()})
		o.snapshot(r)

		if err := o.execute(ctx, r, phase); err != nil {
			if ctx.Err() != nil {
				return o.timeout(r, ctx.Err())
			}
			return o.fail(r, phase, err)
		}

		r.tracker.Complete(string(phase), "", timeNow())
		r.emit(EventStep, StepPayload{Phase: phase, Status: progress.StepComplete})
		o.snapshot(r)
	}

	return o.finish(r)
}

// prepare loads stored state and decides between resuming and starting
// fresh. A non-nil Result means there is nothing to run.
func (o *Orchestrator) prepare(ctx context.Context, req BuildRequest, ctxDoc *agentdoc.Document, sink Sink) (*run, *Result, error) {
	var storedDoc *agentdoc.Document
	var cp *Checkpoint

	stored, err := o.store.GetDocument(ctx, req.DocumentID)
	switch {
	case errors.Is(err, persist.ErrNotFound):
	case err != nil:
		return nil, nil, fmt.Errorf("load document %s: %w", req.DocumentID, err)
	default:
		if storedDoc, err = agentdoc.Parse(stored.Content); err != nil {
			logger.Warn("[Pipeline] Stored content of %s is unreadable, ignoring: %v", req.DocumentID, err)
			storedDoc = nil
		}
		if cp, err = ParseCheckpoint(stored.Metadata); err != nil {
			logger.Warn("[Pipeline] Stored checkpoint of %s is unreadable, ignoring: %v", req.DocumentID, err)
			cp = nil
		}
	}

	now := timeNow()
	r := &run{
		id:        req.DocumentID,
		command:   strings.TrimSpace(req.Command),
		op:        req.Operation,
		outputs:   make(map[Phase]json.RawMessage),
		startedAt: now,
		sink:      sink,
		writer:    newSnapshotWriter(o.store, o.cfg.PersistRetries),
	}
	if cp != nil {
		r.seq = cp.EventSeq
	}

	if storedDoc != nil && shouldResume(cp, req) {
		r.resumed = true
		if r.command == "" {
			r.command = cp.Request.Command
		}
		r.op = cp.Request.Operation
		if r.op == "" || r.op == OpResume {
			r.op = OpCreate
		}
		storedDoc.ID = r.id
		r.doc = storedDoc
		r.tracker = progress.Restore(cp.Progress, now)
		r.start = cp.Progress.ResumeIndex(phaseOrder)
		r.outputs = restoreOutputs(storedDoc)
		r.restoreAnalysis()
		return r, nil, nil
	}

	if req.Operation == OpResume {
		if storedDoc == nil {
			return nil, nil, fmt.Errorf("%w: document %s", ErrNothingToResume, req.DocumentID)
		}
		logger.Info("[Pipeline] Build %s has nothing to resume", req.DocumentID)
		return nil, storedResult(req.DocumentID, storedDoc, cp), nil
	}

	existing := storedDoc
	if existing == nil {
		existing = ctxDoc
	}
	r.doc = initialDocument(existing, r.id, now)
	r.tracker = progress.New(now)
	return r, nil, nil
}

// restoreAnalysis decodes the decision and change analysis of an
// interrupted build. Deletions are only re-armed when the phase that
// consumes them has not run yet.
func (r *run) restoreAnalysis() {
	if raw, ok := r.outputs[PhaseDecision]; ok {
		if d, err := decodeFragment[Decision](raw); err == nil {
			r.decision = &d
		}
	}
	if raw, ok := r.outputs[PhaseChangeAnalysis]; ok {
		if a, err := decodeFragment[ChangeAnalysis](raw); err == nil {
			r.analysis = &a
			if !r.tracker.StepStatus(string(PhaseDatabase)).Done() {
				r.deletions = a.Deletions.Clone()
			}
		}
	}
}

func initialDocument(existing *agentdoc.Document, id string, now time.Time) *agentdoc.Document {
	var doc agentdoc.Document
	if existing != nil {
		doc = existing.Clone()
	}
	doc.ID = id
	if doc.CreatedAt == "" {
		doc.CreatedAt = now.UTC().Format(time.RFC3339)
	}
	return &doc
}

func storedResult(id string, doc *agentdoc.Document, cp *Checkpoint) *Result {
	status := progress.StatusComplete
	var canResume bool
	if cp != nil && cp.Progress.Status != "" {
		status = cp.Progress.Status
		canResume = cp.Progress.CanResume
	}
	clone := doc.Clone()
	return &Result{
		DocumentID:         id,
		Title:              doc.Title(),
		Summary:            Summarize(doc, timeNow()),
		Status:             status,
		LastCompletedPhase: cp.LastCompleted(),
		CanResume:          canResume,
		Document:           &clone,
	}
}

// skip reports whether a conditional phase is not needed, and why.
func (o *Orchestrator) skip(r *run, phase Phase) (bool, string) {
	switch phase {
	case PhaseChangeAnalysis:
		if !r.op.modifies() || !r.doc.HasContent() {
			return true, "no existing document to change"
		}
	case PhaseOverview:
		if r.decision == nil || !r.decision.FullSystem {
			return true, "not a full-system build"
		}
	case PhaseExecutionDetail:
		for _, a := range r.doc.Actions {
			if !a.HasExecution() {
				return false, ""
			}
		}
		return true, "every action has execution details"
	}
	return false, ""
}

func (o *Orchestrator) execute(ctx context.Context, r *run, phase Phase) error {
	switch phase {
	case PhaseUnderstanding:
		u, raw, err := generateAs[Understanding](ctx, o, r, phase, nil)
		if err != nil {
			return err
		}
		r.record(phase, raw)
		o.reconcile(r, phase, agentdoc.Document{Name: u.Name, Description: u.Description, Domain: u.Domain}, nil)

	case PhaseDecision:
		d, raw, err := generateAs[Decision](ctx, o, r, phase, nil)
		if err != nil {
			return err
		}
		r.decision = &d
		r.record(phase, raw)

	case PhaseChangeAnalysis:
		a, raw, err := generateAs[ChangeAnalysis](ctx, o, r, phase, nil)
		if err != nil {
			return err
		}
		r.analysis = &a
		r.deletions = a.Deletions.Clone()
		r.record(phase, raw)

	case PhaseOverview:
		_, raw, err := generateAs[Overview](ctx, o, r, phase, nil)
		if err != nil {
			return err
		}
		r.record(phase, raw)

	case PhaseDatabase:
		f, _, err := generateAs[DatabaseFragment](ctx, o, r, phase, nil)
		if err != nil {
			return err
		}
		frag := agentdoc.Document{Models: f.Models, Enums: f.Enums}
		o.sanitize(r, phase, &frag)
		o.overrideEmpty(r, phase, &frag)
		o.reconcile(r, phase, frag, r.deletions, merge.CollectionModels)
		r.deletions = nil

	case PhaseExampleRecords:
		_, raw, err := generateAs[ExampleRecords](ctx, o, r, phase, nil)
		if err != nil {
			return err
		}
		r.record(phase, raw)

	case PhaseActions:
		f, _, err := generateAs[ActionsFragment](ctx, o, r, phase, nil)
		if err != nil {
			return err
		}
		frag := agentdoc.Document{Actions: f.Actions}
		o.sanitize(r, phase, &frag)
		o.overrideEmpty(r, phase, &frag)
		o.reconcile(r, phase, frag, nil, merge.CollectionActions)

	case PhaseExecutionDetail:
		return o.executionDetail(ctx, r)

	case PhaseSchedules:
		f, _, err := generateAs[SchedulesFragment](ctx, o, r, phase, nil)
		if err != nil {
			return err
		}
		frag := agentdoc.Document{Schedules: f.Schedules}
		o.sanitize(r, phase, &frag)
		o.reconcile(r, phase, frag, nil, merge.CollectionSchedules)

	case PhaseIntegration:
		o.integrate(r)

	default:
		return fmt.Errorf("unknown phase %q", phase)
	}
	return nil
}

// executionDetail asks the generator for the execution of every action that
// lacks one. Calls run concurrently; results are joined in action order
// into a single fragment.
func (o *Orchestrator) executionDetail(ctx context.Context, r *run) error {
	var targets []agentdoc.Action
	for _, a := range r.doc.Actions {
		if !a.HasExecution() {
			targets = append(targets, a.Clone())
		}
	}

	details := make([]ExecutionDetail, len(targets))
	errs := make([]error, len(targets))
	sem := make(chan struct{}, o.cfg.ExecutionConcurrency)
	var wg sync.WaitGroup
	for i := range targets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				errs[i] = ctx.Err()
				return
			}
			defer func() { <-sem }()
			details[i], _, errs[i] = generateAs[ExecutionDetail](ctx, o, r, PhaseExecutionDetail, &targets[i])
		}(i)
	}
	wg.Wait()

	frag := agentdoc.Document{Actions: make([]agentdoc.Action, 0, len(targets))}
	for i, t := range targets {
		if errs[i] != nil {
			return fmt.Errorf("action %q: %w", t.Name, errs[i])
		}
		frag.Actions = append(frag.Actions, agentdoc.Action{
			ID:         t.ID,
			DataSource: details[i].DataSource,
			Execute:    details[i].Execute,
			Results:    details[i].Results,
		})
	}
	o.reconcile(r, PhaseExecutionDetail, frag, nil)
	return nil
}

func (o *Orchestrator) sanitize(r *run, phase Phase, frag *agentdoc.Document) {
	for _, note := range agentdoc.Sanitize(frag) {
		r.warn(phase, merge.Warning{Code: WarnSanitized, Message: note})
	}
}

// overrideEmpty replaces an empty database or action fragment with the
// current collection when the change analysis expected new items.
func (o *Orchestrator) overrideEmpty(r *run, phase Phase, frag *agentdoc.Document) {
	if !o.cfg.ExpectsNewItems(phase, r.analysis) {
		return
	}
	current, _ := merge.ApplyDeletions(*r.doc, r.deletions)
	switch phase {
	case PhaseDatabase:
		if len(frag.Models) == 0 && len(current.Models) > 0 {
			frag.Models = current.Models
			r.warn(phase, merge.Warning{
				Code:       WarnSafetyOverride,
				Collection: merge.CollectionModels,
				Message:    fmt.Sprintf("expected new models but the fragment was empty; keeping %d existing", len(current.Models)),
			})
		}
	case PhaseActions:
		if len(frag.Actions) == 0 && len(current.Actions) > 0 {
			frag.Actions = current.Actions
			r.warn(phase, merge.Warning{
				Code:       WarnSafetyOverride,
				Collection: merge.CollectionActions,
				Message:    fmt.Sprintf("expected new actions but the fragment was empty; keeping %d existing", len(current.Actions)),
			})
		}
	}
}

// reconcile merges frag into the in-memory document. scope names the
// collections the fragment is meant to carry.
func (o *Orchestrator) reconcile(r *run, phase Phase, frag agentdoc.Document, deletions *agentdoc.DeletionOperations, scope ...merge.Collection) {
	merged, report := merge.Reconcile(r.doc, frag, deletions, merge.WithScope(scope...))
	for _, w := range report.Warnings {
		r.warn(phase, w)
	}
	if n := report.Deleted.Total(); n > 0 {
		logger.Info("[Pipeline] %s: applied %d deletions to %s", phase, n, r.id)
	}
	r.doc = &merged
	if !report.Changed {
		return
	}
	c := report.Changes
	logger.Info("[Pipeline] %s: models +%v ~%v, actions +%v ~%v, schedules +%v ~%v",
		phase, c.Models.Added, c.Models.Updated, c.Actions.Added, c.Actions.Updated, c.Schedules.Added, c.Schedules.Updated)
	r.emit(EventData, DataPayload{Phase: phase, Changes: c, Summary: Summarize(r.doc, timeNow())})
}

// integrate enforces document invariants once all content is in.
func (o *Orchestrator) integrate(r *run) {
	o.sanitize(r, PhaseIntegration, r.doc)
	merge.NormalizeModels(r.doc.Models)
	names := r.doc.ModelNames()
	for _, m := range r.doc.Models {
		for _, f := range m.Fields {
			if !f.RelationField || containsFold(names, f.Type) {
				continue
			}
			r.warn(PhaseIntegration, merge.Warning{
				Code:       WarnDanglingRelation,
				Collection: merge.CollectionModels,
				Message:    fmt.Sprintf("model %q field %q targets unknown model %q", m.Name, f.Name, f.Type),
			})
		}
	}
	r.doc.Metadata.LastOperation = string(r.op)
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}

// generateAs calls the generator for phase and decodes its output into T.
// Failed calls and undecodable output are retried with exponential backoff.
func generateAs[T any](ctx context.Context, o *Orchestrator, r *run, phase Phase, target *agentdoc.Action) (T, json.RawMessage, error) {
	var zero T
	req := r.request(phase, target)
	attempts := o.cfg.MaxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		raw, err := o.call(ctx, req)
		if err == nil {
			out, derr := decodeFragment[T](raw)
			if derr == nil {
				return out, raw, nil
			}
			err = derr
		}
		if ctx.Err() != nil {
			return zero, nil, ctx.Err()
		}
		lastErr = err
		logger.Warn("[Pipeline] %s attempt %d/%d failed: %v", phase, attempt, attempts, err)
		if attempt < attempts {
			if err := o.sleep(ctx, o.cfg.RetryBackoff<<(attempt-1)); err != nil {
				return zero, nil, err
			}
		}
	}
	return zero, nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrGeneratorFailure, phase, attempts, lastErr)
}

// call runs one generator call. The call is abandoned when ctx is done.
func (o *Orchestrator) call(ctx context.Context, req Request) (json.RawMessage, error) {
	type result struct {
		raw json.RawMessage
		err error
	}
	ch := make(chan result, 1)
	go func() {
		raw, err := o.gen.Generate(ctx, req)
		ch <- result{raw, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.raw, res.err
	}
}

func (o *Orchestrator) timeout(r *run, cause error) (*Result, error) {
	now := timeNow()
	r.tracker.Timeout("deadline exceeded", now)
	r.timedOut = &now
	last := Phase(r.tracker.Snapshot().LastCompleted(phaseOrder))
	logger.Warn("[Pipeline] Build %s timed out (last completed phase: %s)", r.id, last)

	res := o.result(r, progress.StatusTimeout)
	r.emit(EventFinish, FinishPayload{
		Status:             progress.StatusTimeout,
		LastCompletedPhase: last,
		CanResume:          true,
		Error:              ErrDeadlineExceeded.Error(),
	})
	o.checkpoint(r)
	o.recordRun(r, progress.StatusTimeout, last)

	return res, &BuildError{
		Kind:               KindTimeout,
		DocumentID:         r.id,
		LastCompletedPhase: last,
		CanResume:          true,
		Err:                fmt.Errorf("%w: %w", ErrDeadlineExceeded, cause),
	}
}

func (o *Orchestrator) fail(r *run, phase Phase, err error) (*Result, error) {
	r.tracker.Fail(string(phase), err.Error(), true, timeNow())
	last := Phase(r.tracker.Snapshot().LastCompleted(phaseOrder))
	logger.Error("[Pipeline] Build %s failed in %s: %v", r.id, phase, err)

	res := o.result(r, progress.StatusError)
	r.emit(EventFinish, FinishPayload{
		Status:             progress.StatusError,
		LastCompletedPhase: last,
		CanResume:          true,
		Error:              err.Error(),
	})
	o.checkpoint(r)
	o.recordRun(r, progress.StatusError, last)

	return res, &BuildError{
		Kind:               KindGenerator,
		DocumentID:         r.id,
		LastCompletedPhase: last,
		CanResume:          true,
		Err:                err,
	}
}

func (o *Orchestrator) finish(r *run) (*Result, error) {
	r.tracker.Finish(timeNow())
	res := o.result(r, progress.StatusComplete)
	r.emit(EventFinish, FinishPayload{
		Status:             progress.StatusComplete,
		LastCompletedPhase: PhaseIntegration,
		Result:             res,
	})
	o.checkpoint(r)
	o.recordRun(r, progress.StatusComplete, PhaseIntegration)
	logger.Info("[Pipeline] Build %s complete: %d models, %d enums, %d actions, %d schedules",
		r.id, len(r.doc.Models), len(r.doc.Enums), len(r.doc.Actions), len(r.doc.Schedules))
	return res, nil
}

func (o *Orchestrator) result(r *run, status progress.Status) *Result {
	snap := r.tracker.Snapshot()
	doc := r.doc.Clone()
	return &Result{
		DocumentID:         r.id,
		Title:              doc.Title(),
		Summary:            Summarize(&doc, timeNow()),
		Status:             status,
		Resumed:            r.resumed,
		LastCompletedPhase: Phase(snap.LastCompleted(phaseOrder)),
		CanResume:          snap.CanResume,
		Warnings:           append([]merge.Warning(nil), r.warnings...),
		Document:           &doc,
	}
}

// persistable serializes the current state. The bytes are produced on the
// build goroutine so writers never touch the in-memory document.
func (o *Orchestrator) persistable(r *run) (persist.Document, bool) {
	content, err := json.Marshal(r.doc)
	if err != nil {
		logger.Error("[Pipeline] Cannot serialize document %s: %v", r.id, err)
		return persist.Document{}, false
	}
	cp := Checkpoint{
		Progress:   r.tracker.Snapshot(),
		Request:    CheckpointRequest{Command: r.command, Operation: r.op},
		TimedOutAt: r.timedOut,
		EventSeq:   r.seq,
	}
	metadata, err := json.Marshal(cp)
	if err != nil {
		logger.Error("[Pipeline] Cannot serialize checkpoint %s: %v", r.id, err)
		return persist.Document{}, false
	}
	return persist.Document{ID: r.id, Title: r.doc.Title(), Content: content, Metadata: metadata}, true
}

// snapshot queues an asynchronous write of the current state.
func (o *Orchestrator) snapshot(r *run) {
	if doc, ok := o.persistable(r); ok {
		r.writer.Submit(doc)
	}
}

// checkpoint waits for queued snapshots and writes the terminal state.
func (o *Orchestrator) checkpoint(r *run) {
	r.writer.Flush()
	if doc, ok := o.persistable(r); ok {
		_ = saveWithRetry(o.store, doc, o.cfg.PersistRetries)
	}
}

func (o *Orchestrator) recordRun(r *run, status progress.Status, last Phase) {
	rec, ok := o.store.(RunRecorder)
	if !ok {
		return
	}
	codes := make([]string, 0, len(r.warnings))
	for _, w := range r.warnings {
		codes = append(codes, string(w.Code))
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	err := rec.RecordRun(ctx, persist.Run{
		DocumentID: r.id,
		Operation:  string(r.op),
		Status:     string(status),
		LastPhase:  string(last),
		Resumed:    r.resumed,
		Warnings:   codes,
		StartedAt:  r.startedAt,
		FinishedAt: timeNow(),
	})
	if err != nil {
		logger.Warn("[Pipeline] Could not record run of %s: %v", r.id, err)
	}
}

func compactJSON(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return append(json.RawMessage(nil), raw...)
	}
	return buf.Bytes()
}

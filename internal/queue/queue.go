// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

// Package queue runs the staged, journal-backed task pipeline.
//
// Four stages (download, process, upload, retry) each hold a FIFO of
// persisted tasks. A stage worker pops the oldest ready task, runs the
// registered handler, and on success removes the record and appends
// its follow-on tasks in one journal transaction. Failures are
// classified, delayed per policy, and retried in place; exhausted or
// unretryable tasks are quarantined with their input files preserved.
// A fifth stage, buffer, has no worker: it journals media items held
// in open album buffers so a crash replays them as albums on restore.
//
// Tasks whose next_attempt_at lies in the future yield to ready tasks
// behind them. Everything in memory is rebuilt from the journal at
// startup, so a crash at any point replays rather than loses work.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/telearc/telearc/internal/failure"
	"github.com/telearc/telearc/internal/journal"
	"github.com/telearc/telearc/internal/logging"
	"github.com/telearc/telearc/internal/task"
)

// HandlerFunc executes one task. On success it returns the follow-on
// tasks to append atomically with the record's removal. A returned
// error is classified and routed through the retry policy.
type HandlerFunc func(ctx context.Context, t *task.Task) ([]journal.Followup, error)

// GateFunc blocks until the stage may admit its next task. Returning a
// non-nil error (usually the context's) stops the attempt without
// touching the task.
type GateFunc func(ctx context.Context) error

// Observer receives execution events. All methods may be called
// concurrently; implementations must be cheap.
type Observer interface {
	TaskStarted(stage task.Stage, t *task.Task)
	TaskCompleted(stage task.Stage, t *task.Task, took time.Duration)
	TaskRetried(stage task.Stage, t *task.Task, class failure.Class, wait time.Duration)
	TaskQuarantined(stage task.Stage, t *task.Task, class failure.Class)
}

// Config wires an Engine.
type Config struct {
	Journal *journal.Journal
	Policy  failure.Policy

	// Workers per stage. Missing or non-positive entries default to 1,
	// which gives the stage strict single-flight FIFO semantics.
	Workers map[task.Stage]int

	// Gates are consulted before each task of their stage is started.
	Gates map[task.Stage]GateFunc

	// FailedPath is the quarantine index file (JSON).
	FailedPath string
	// QuarantineDir receives the input files of quarantined tasks.
	QuarantineDir string

	// OnQuarantine runs after a task is quarantined, for resource
	// release the engine cannot do itself (refcounts, pending replies).
	OnQuarantine func(t *task.Task)

	Observer Observer
}

// Engine is the staged queue scheduler. It owns the in-memory mirrors
// of the journal's per-stage FIFOs.
type Engine struct {
	journal *journal.Journal
	policy  failure.Policy
	cfg     Config

	mu       sync.Mutex
	handlers map[task.Type]HandlerFunc
	pending  map[task.Stage][]journal.Record
	inflight map[task.Stage]int
	wake     map[task.Stage]chan struct{}

	quarantine *quarantineLog
}

// NewEngine builds an engine over an opened journal. Call Restore
// before starting stage workers.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Journal == nil {
		return nil, fmt.Errorf("queue: journal is required")
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = failure.DefaultPolicy()
	}
	qlog, err := openQuarantineLog(cfg.FailedPath, cfg.QuarantineDir)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		journal:    cfg.Journal,
		policy:     cfg.Policy,
		cfg:        cfg,
		pending:    make(map[task.Stage][]journal.Record),
		inflight:   make(map[task.Stage]int),
		wake:       make(map[task.Stage]chan struct{}),
		quarantine: qlog,
	}
	for _, s := range task.Stages() {
		e.wake[s] = make(chan struct{}, 1)
	}
	return e, nil
}

// Handle registers the handler for a task type. Registration happens
// after construction so handlers can close over the engine itself.
// Later registrations replace earlier ones.
func (e *Engine) Handle(tt task.Type, fn HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[task.Type]HandlerFunc)
	}
	e.handlers[tt] = fn
}

// Enqueue persists a task at the tail of a stage and schedules it.
func (e *Engine) Enqueue(stage task.Stage, t *task.Task) error {
	if t.ID == 0 {
		t.ID = task.NextID()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now().UTC()
	}
	seq, err := e.journal.Append(stage, t)
	if err != nil {
		return err
	}
	e.insert(stage, journal.Record{Seq: seq, Task: t})
	return nil
}

// Discard drops a queued record by task id without executing it. The
// record leaves both the in-memory FIFO and the journal; settling
// buffered expand_entry records once their batch is journaled goes
// through here.
func (e *Engine) Discard(stage task.Stage, id uint64) error {
	e.mu.Lock()
	var seq uint64
	found := false
	list := e.pending[stage]
	for i := range list {
		if list[i].Task.ID == id {
			seq = list[i].Seq
			e.pending[stage] = append(list[:i], list[i+1:]...)
			found = true
			break
		}
	}
	e.mu.Unlock()
	if !found {
		return journal.ErrNotFound
	}
	return e.journal.Remove(stage, seq)
}

// insert adds a record to a stage's in-memory FIFO, keeping seq order,
// and wakes the stage's workers.
func (e *Engine) insert(stage task.Stage, rec journal.Record) {
	e.mu.Lock()
	list := e.pending[stage]
	i := sort.Search(len(list), func(i int) bool { return list[i].Seq >= rec.Seq })
	list = append(list, journal.Record{})
	copy(list[i+1:], list[i:])
	list[i] = rec
	e.pending[stage] = list
	e.mu.Unlock()

	select {
	case e.wake[stage] <- struct{}{}:
	default:
	}
}

// next pops the oldest ready record from the stage. When nothing is
// ready it returns the wait until the earliest delayed record, or -1
// when the stage is empty.
func (e *Engine) next(stage task.Stage) (*journal.Record, time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UTC()
	list := e.pending[stage]
	for i := range list {
		if list[i].Task.Ready(now) {
			rec := list[i]
			e.pending[stage] = append(list[:i], list[i+1:]...)
			e.inflight[stage]++
			return &rec, 0
		}
	}
	if len(list) == 0 {
		return nil, -1
	}
	earliest := list[0].Task.NextAttemptAt
	for _, r := range list[1:] {
		if r.Task.NextAttemptAt.Before(earliest) {
			earliest = r.Task.NextAttemptAt
		}
	}
	wait := time.Until(earliest)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return nil, wait
}

func (e *Engine) done(stage task.Stage) {
	e.mu.Lock()
	e.inflight[stage]--
	e.mu.Unlock()
}

// Depth returns queued (not in-flight) task counts per stage.
func (e *Engine) Depth() map[task.Stage]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[task.Stage]int, len(e.pending))
	for _, s := range task.Stages() {
		out[s] = len(e.pending[s])
	}
	return out
}

// Idle reports whether no task is queued or in flight in any stage.
// The deferred-conversion worker uses this to only convert while the
// pipeline is otherwise quiet.
func (e *Engine) Idle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range task.Stages() {
		if len(e.pending[s]) > 0 || e.inflight[s] > 0 {
			return false
		}
	}
	return true
}

// Snapshot returns a copy of every queued task per stage, for status
// output. In-flight tasks are not included.
func (e *Engine) Snapshot() map[task.Stage][]task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[task.Stage][]task.Task)
	for _, s := range task.Stages() {
		for _, rec := range e.pending[s] {
			out[s] = append(out[s], *rec.Task)
		}
	}
	return out
}

// Failed returns the quarantine index entries.
func (e *Engine) Failed() []QuarantinedTask {
	return e.quarantine.entries()
}

// execute runs one record through its handler and settles the outcome.
func (e *Engine) execute(ctx context.Context, stage task.Stage, rec *journal.Record) {
	defer e.done(stage)

	t := rec.Task
	log := logging.WithComponent("queue").With().
		Str("stage", string(stage)).
		Uint64("task", t.ID).
		Str("label", t.Label()).Logger()

	handler := e.handlerFor(t.Type)
	if handler == nil {
		log.Error().Str("type", string(t.Type)).Msg("no handler registered, quarantining")
		e.quarantineTask(stage, rec, failure.Newf(failure.ClassPermanent, "no handler for task type %s", t.Type))
		return
	}

	if obs := e.cfg.Observer; obs != nil {
		obs.TaskStarted(stage, t)
	}
	start := time.Now()
	followups, err := handler(ctx, t)
	if err != nil {
		e.settleFailure(stage, rec, err)
		return
	}

	appended, jerr := e.journal.Complete(stage, rec.Seq, followups)
	if jerr != nil {
		log.Error().Err(jerr).Msg("journal complete failed")
		e.settleFailure(stage, rec, failure.Classify(jerr))
		return
	}
	for _, a := range appended {
		e.insert(stageOfRecord(a, followups), a)
	}
	if obs := e.cfg.Observer; obs != nil {
		obs.TaskCompleted(stage, t, time.Since(start))
	}
	log.Debug().Dur("took", time.Since(start)).Int("followups", len(followups)).Msg("task completed")
}

// stageOfRecord matches an appended record back to its followup's
// stage. Complete preserves order, so index alignment is enough; the
// scan guards against partial matches.
func stageOfRecord(rec journal.Record, followups []journal.Followup) task.Stage {
	for _, f := range followups {
		if f.Task == rec.Task {
			return f.Stage
		}
	}
	return task.StageRetry
}

// settleFailure applies the retry policy to a failed task.
func (e *Engine) settleFailure(stage task.Stage, rec *journal.Record, err error) {
	t := rec.Task
	ferr, ok := failure.AsError(err)
	if !ok {
		ferr = failure.Classify(err)
	}
	log := logging.WithComponent("queue").With().
		Str("stage", string(stage)).
		Uint64("task", t.ID).
		Str("class", string(ferr.Class)).Logger()

	if ferr.Class == failure.ClassCanceled {
		// Shutdown in flight. Leave the journal record untouched; the
		// task re-runs from scratch on the next start.
		log.Info().Msg("task interrupted, will resume after restart")
		e.insert(stage, *rec)
		return
	}

	if e.policy.Exhausted(ferr.Class, t.RetryCount) {
		log.Warn().Err(ferr).Int("retries", t.RetryCount).Msg("retry budget exhausted, quarantining")
		e.quarantineTask(stage, rec, ferr)
		return
	}

	attempt := t.RetryCount + 1
	wait := e.policy.Delay(ferr, attempt)
	if failure.ConsumesBudget(ferr.Class) {
		t.RetryCount = attempt
	}
	t.NextAttemptAt = time.Now().UTC().Add(wait)
	t.LastError = ferr.Class

	if uerr := e.journal.Update(stage, rec.Seq, t); uerr != nil {
		log.Error().Err(uerr).Msg("failed to persist retry state")
	}
	e.insert(stage, *rec)
	if obs := e.cfg.Observer; obs != nil {
		obs.TaskRetried(stage, t, ferr.Class, wait)
	}
	log.Warn().Err(ferr).Dur("wait", wait).Int("retry", t.RetryCount).Msg("task scheduled for retry")
}

// quarantineTask removes a task from the pipeline, preserving its
// inputs and recording the failure in the quarantine index.
func (e *Engine) quarantineTask(stage task.Stage, rec *journal.Record, ferr *failure.Error) {
	t := rec.Task
	if err := e.quarantine.add(stage, t, ferr); err != nil {
		logging.Error().Err(err).Uint64("task", t.ID).Msg("failed to record quarantine entry")
	}
	if err := e.journal.Remove(stage, rec.Seq); err != nil {
		logging.Error().Err(err).Uint64("task", t.ID).Msg("failed to remove quarantined record")
	}
	if e.cfg.OnQuarantine != nil {
		e.cfg.OnQuarantine(t)
	}
	if obs := e.cfg.Observer; obs != nil {
		obs.TaskQuarantined(stage, t, ferr.Class)
	}
}

// handlers map guarded by mu; nil until first Handle call.
func (e *Engine) handlerFor(tt task.Type) HandlerFunc {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handlers[tt]
}

// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/telearc/telearc/internal/logging"
	"github.com/telearc/telearc/internal/task"
)

// Worker drains one stage of the engine. It satisfies suture.Service;
// run as many per stage as the stage's configured parallelism.
type Worker struct {
	engine *Engine
	stage  task.Stage
	index  int
}

// Workers builds the worker set for every stage per the engine's
// configuration, ready to be added to a supervisor. The buffer stage
// gets none: its records are settled by the pipeline, not executed.
func (e *Engine) Workers() []*Worker {
	var out []*Worker
	for _, stage := range task.Stages() {
		if stage == task.StageBuffer {
			continue
		}
		n := e.cfg.Workers[stage]
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			out = append(out, &Worker{engine: e, stage: stage, index: i})
		}
	}
	return out
}

// Serve pops ready tasks until the context is canceled. An empty stage
// parks on the wake channel; a stage holding only delayed tasks sleeps
// until the earliest next_attempt_at.
func (w *Worker) Serve(ctx context.Context) error {
	log := logging.WithComponent("queue").With().
		Str("stage", string(w.stage)).Int("worker", w.index).Logger()
	log.Debug().Msg("stage worker started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, wait := w.engine.next(w.stage)
		if rec == nil {
			if wait < 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-w.engine.wake[w.stage]:
				}
				continue
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-w.engine.wake[w.stage]:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		if gate := w.engine.cfg.Gates[w.stage]; gate != nil {
			if err := gate(ctx); err != nil {
				// Not admitted. Put the task back untouched; it keeps
				// its journal position.
				w.engine.insert(w.stage, *rec)
				w.engine.done(w.stage)
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
		}

		w.engine.execute(ctx, w.stage, rec)
	}
}

func (w *Worker) String() string {
	return fmt.Sprintf("queue-%s-%d", w.stage, w.index)
}

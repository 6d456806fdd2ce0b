// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

package ledger

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/telearc/telearc/internal/failure"
	"github.com/telearc/telearc/internal/logging"
	"github.com/telearc/telearc/internal/media"
)

// Worker drains the ledger when the pipeline is otherwise idle.
// Deferred conversions never compete with live download or upload
// work: the worker checks PipelineIdle before every entry and between
// retries, so fresh albums always go out first.
type Worker struct {
	ledger     *Ledger
	normalizer *media.Normalizer

	// PipelineIdle reports whether Download and Upload hold no
	// non-deferred work.
	PipelineIdle func() bool

	// OnConverted enqueues an upload for the converted output.
	OnConverted func(entry Entry, outputPath string) error

	// Quarantine moves a permanently failed source aside for operator
	// review.
	Quarantine func(path string) error

	// OnAbandoned runs after an entry is marked failed for good, so
	// the caller can drop the entry's extraction-root hold.
	OnAbandoned func(entry Entry)

	// MaxRetries caps conversion attempts per entry. Default 3.
	MaxRetries int

	// SaveInterval is the ledger write cadence while converting.
	// Default 10s.
	SaveInterval time.Duration

	// PollInterval is the idle re-check cadence. Default 15s.
	PollInterval time.Duration

	// CompletedTTL is how long completed entries linger before the
	// sweep. Default 24h.
	CompletedTTL time.Duration

	// Policy supplies the jittered backoff between failed conversion
	// attempts, so a flaky encoder is not hammered every poll tick.
	Policy failure.Policy

	retry   backoff.BackOff
	retryAt time.Time
}

// NewWorker builds a deferred-conversion worker.
func NewWorker(l *Ledger, n *media.Normalizer) *Worker {
	return &Worker{
		ledger:       l,
		normalizer:   n,
		MaxRetries:   3,
		SaveInterval: 10 * time.Second,
		PollInterval: 15 * time.Second,
		CompletedTTL: 24 * time.Hour,
	}
}

// Serve runs the drain loop. Implements suture.Service.
func (w *Worker) Serve(ctx context.Context) error {
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		w.ledger.SweepCompleted(w.CompletedTTL)

		if w.PipelineIdle != nil && !w.PipelineIdle() {
			continue
		}
		if time.Now().Before(w.retryAt) {
			continue
		}
		entry := w.ledger.NextPending()
		if entry == nil {
			continue
		}
		w.convertOne(ctx, entry)
	}
}

func (w *Worker) convertOne(ctx context.Context, entry *Entry) {
	log := logging.WithComponent("deferred-worker")
	if err := w.ledger.MarkInProgress(entry.InputPath); err != nil {
		log.Warn().Err(err).Msg("ledger write failed")
		return
	}
	log.Info().Str("input", entry.InputPath).Int("retry", entry.RetryCount).
		Msg("deferred conversion starting")

	// Persist progress on the configured cadence, not per callback.
	lastSave := time.Now()
	onProgress := func(pct float64) {
		if time.Since(lastSave) < w.SaveInterval {
			return
		}
		lastSave = time.Now()
		if err := w.ledger.UpdateProgress(entry.InputPath, pct); err != nil {
			log.Warn().Err(err).Msg("progress write failed")
		}
	}

	output, err := w.normalizer.Convert(ctx, entry.InputPath, onProgress)
	if err != nil {
		if failure.ClassOf(err) == failure.ClassCanceled {
			// Shutdown: leave in_progress; startup recovery requeues it.
			return
		}
		w.handleFailure(entry, err)
		return
	}

	w.retry = nil
	w.retryAt = time.Time{}
	if err := w.ledger.MarkCompleted(entry.InputPath, output); err != nil {
		log.Warn().Err(err).Msg("ledger write failed")
	}
	if w.OnConverted != nil {
		if err := w.OnConverted(*entry, output); err != nil {
			log.Error().Err(err).Str("output", output).
				Msg("failed to enqueue upload for converted video")
		}
	}
	log.Info().Str("input", entry.InputPath).Str("output", output).
		Msg("deferred conversion completed")
}

func (w *Worker) handleFailure(entry *Entry, err error) {
	log := logging.WithComponent("deferred-worker")
	maxRetries := w.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if entry.RetryCount+1 < maxRetries {
		log.Warn().Err(err).Str("input", entry.InputPath).
			Int("retry", entry.RetryCount+1).Msg("deferred conversion failed, will retry")
		if lerr := w.ledger.Requeue(entry.InputPath, err.Error()); lerr != nil {
			log.Warn().Err(lerr).Msg("ledger write failed")
		}
		w.retryAt = time.Now().Add(w.nextRetryDelay())
		return
	}

	log.Error().Err(err).Str("input", entry.InputPath).
		Msg("deferred conversion failed permanently")
	if lerr := w.ledger.MarkFailed(entry.InputPath, err.Error()); lerr != nil {
		log.Warn().Err(lerr).Msg("ledger write failed")
	}
	if w.Quarantine != nil {
		if qerr := w.Quarantine(entry.InputPath); qerr != nil {
			log.Warn().Err(qerr).Msg("quarantine move failed")
		}
	}
	if w.OnAbandoned != nil {
		w.OnAbandoned(*entry)
	}
	w.retry = nil
	w.retryAt = time.Time{}
}

// nextRetryDelay advances the shared failure backoff. The sequence
// resets when a conversion succeeds or an entry is abandoned.
func (w *Worker) nextRetryDelay() time.Duration {
	if w.retry == nil {
		w.retry = w.Policy.NewBackOff()
	}
	return w.retry.NextBackOff()
}

func (w *Worker) String() string { return "deferred-worker" }

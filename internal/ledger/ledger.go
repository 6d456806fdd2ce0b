// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

// Package ledger tracks long-running video conversions that must not
// block album uploads. Each entry survives crashes: the file is
// rewritten atomically after every state change, and in-progress
// entries are requeued (or failed, when their source vanished) at
// startup.
package ledger

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/telearc/telearc/internal/fsutil"
	"github.com/telearc/telearc/internal/logging"
)

// Status of a ledger entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Entry is one deferred conversion.
type Entry struct {
	InputPath   string    `json:"input_path"`
	OutputPath  string    `json:"output_path,omitempty"`
	Status      Status    `json:"status"`
	ProgressPct float64   `json:"progress_pct"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
	RetryCount  int       `json:"retry_count"`
	LastError   string    `json:"last_error,omitempty"`

	// Upload routing restored with the entry.
	ArchiveName    string `json:"archive_name,omitempty"`
	ExtractionRoot string `json:"extraction_root,omitempty"`
}

type fileFormat struct {
	Entries map[string]*Entry `json:"entries"`
}

// Ledger is the persistent conversion state, keyed by input path.
// Single-writer (the deferred worker); readers take the read lock.
type Ledger struct {
	path string

	mu      sync.RWMutex
	entries map[string]*Entry
}

// Load opens the ledger at path, starting empty on a missing or
// corrupt file.
func Load(path string) *Ledger {
	l := &Ledger{path: path, entries: make(map[string]*Entry)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return l
	}
	if err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("conversion ledger unreadable, starting empty")
		return l
	}
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("conversion ledger corrupt, starting empty")
		return l
	}
	if ff.Entries != nil {
		l.entries = ff.Entries
	}
	return l
}

// Defer adds (or re-adds) a pending conversion.
func (l *Ledger) Defer(entry Entry) error {
	l.mu.Lock()
	entry.Status = StatusPending
	entry.UpdatedAt = time.Now().UTC()
	l.entries[entry.InputPath] = &entry
	l.mu.Unlock()
	logging.Info().Str("input", entry.InputPath).Msg("conversion deferred")
	return l.save()
}

// NextPending returns the oldest pending entry, or nil.
func (l *Ledger) NextPending() *Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var oldest *Entry
	for _, e := range l.entries {
		if e.Status != StatusPending {
			continue
		}
		if oldest == nil || e.UpdatedAt.Before(oldest.UpdatedAt) {
			oldest = e
		}
	}
	if oldest == nil {
		return nil
	}
	cp := *oldest
	return &cp
}

// MarkInProgress transitions an entry to in_progress and persists.
func (l *Ledger) MarkInProgress(inputPath string) error {
	return l.update(inputPath, func(e *Entry) {
		e.Status = StatusInProgress
		e.StartedAt = time.Now().UTC()
		e.ProgressPct = 0
	})
}

// UpdateProgress records conversion progress and persists. Callers
// throttle the cadence (the state_save_interval knob).
func (l *Ledger) UpdateProgress(inputPath string, pct float64) error {
	return l.update(inputPath, func(e *Entry) {
		e.ProgressPct = pct
	})
}

// MarkCompleted records success and the converted output path.
func (l *Ledger) MarkCompleted(inputPath, outputPath string) error {
	return l.update(inputPath, func(e *Entry) {
		e.Status = StatusCompleted
		e.OutputPath = outputPath
		e.ProgressPct = 100
	})
}

// MarkFailed records a terminal failure.
func (l *Ledger) MarkFailed(inputPath, reason string) error {
	return l.update(inputPath, func(e *Entry) {
		e.Status = StatusFailed
		e.LastError = reason
	})
}

// Requeue returns a failed attempt to pending and bumps the retry
// count.
func (l *Ledger) Requeue(inputPath, reason string) error {
	return l.update(inputPath, func(e *Entry) {
		e.Status = StatusPending
		e.RetryCount++
		e.LastError = reason
	})
}

// RetryCount returns the entry's retry count, or -1 when unknown.
func (l *Ledger) RetryCount(inputPath string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[inputPath]
	if !ok {
		return -1
	}
	return e.RetryCount
}

// RecoverStartup requeues conversions interrupted by a crash. The
// encoder has no checkpoint support, so in-progress entries restart
// from scratch; entries whose source vanished are failed.
func (l *Ledger) RecoverStartup() (requeued, failed int) {
	l.mu.Lock()
	for _, e := range l.entries {
		if e.Status != StatusInProgress {
			continue
		}
		if _, err := os.Stat(e.InputPath); err != nil {
			e.Status = StatusFailed
			e.LastError = "source missing after restart"
			failed++
			continue
		}
		e.Status = StatusPending
		e.ProgressPct = 0
		e.UpdatedAt = time.Now().UTC()
		requeued++
	}
	l.mu.Unlock()
	if requeued > 0 || failed > 0 {
		logging.Info().Int("requeued", requeued).Int("failed", failed).
			Msg("conversion ledger recovered")
		_ = l.save()
	}
	return requeued, failed
}

// SweepCompleted drops completed entries older than ttl.
func (l *Ledger) SweepCompleted(ttl time.Duration) int {
	cutoff := time.Now().UTC().Add(-ttl)
	l.mu.Lock()
	swept := 0
	for k, e := range l.entries {
		if e.Status == StatusCompleted && e.UpdatedAt.Before(cutoff) {
			delete(l.entries, k)
			swept++
		}
	}
	l.mu.Unlock()
	if swept > 0 {
		_ = l.save()
	}
	return swept
}

// Snapshot returns all entries ordered by update time, for status
// reporting.
func (l *Ledger) Snapshot() []Entry {
	l.mu.RLock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out
}

func (l *Ledger) update(inputPath string, fn func(*Entry)) error {
	l.mu.Lock()
	e, ok := l.entries[inputPath]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("ledger: no entry for %s", inputPath)
	}
	fn(e)
	e.UpdatedAt = time.Now().UTC()
	l.mu.Unlock()
	return l.save()
}

func (l *Ledger) save() error {
	l.mu.RLock()
	data, err := json.Marshal(fileFormat{Entries: l.entries})
	l.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal conversion ledger: %w", err)
	}
	return fsutil.WriteFileAtomic(l.path, data)
}

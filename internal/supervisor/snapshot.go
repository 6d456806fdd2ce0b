// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

package supervisor

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/telearc/telearc/internal/fsutil"
	"github.com/telearc/telearc/internal/ledger"
	"github.com/telearc/telearc/internal/logging"
	"github.com/telearc/telearc/internal/queue"
	"github.com/telearc/telearc/internal/task"
)

// Snapshot is the operator-facing status document written to the state
// directory. It is advisory only; the journal is the source of truth.
type Snapshot struct {
	Time        time.Time                 `json:"time"`
	Depths      map[task.Stage]int        `json:"depths"`
	Queued      map[task.Stage][]task.Task `json:"queued"`
	Deferred    []ledger.Entry            `json:"deferred,omitempty"`
	Quarantined []queue.QuarantinedTask   `json:"quarantined,omitempty"`
}

// SnapshotWriter periodically serializes pipeline state to a JSON file
// so operators can inspect the queues without an API. Implements
// suture.Service.
type SnapshotWriter struct {
	Engine *queue.Engine
	Ledger *ledger.Ledger
	Path   string

	// Interval defaults to 60s.
	Interval time.Duration
}

func (s *SnapshotWriter) Serve(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.write()
			return ctx.Err()
		case <-ticker.C:
			s.write()
		}
	}
}

func (s *SnapshotWriter) write() {
	snap := Snapshot{
		Time:        time.Now().UTC(),
		Depths:      s.Engine.Depth(),
		Queued:      s.Engine.Snapshot(),
		Quarantined: s.Engine.Failed(),
	}
	if s.Ledger != nil {
		snap.Deferred = s.Ledger.Snapshot()
	}

	lg := logging.WithComponent("supervisor")
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		lg.Error().Err(err).Msg("failed to marshal status snapshot")
		return
	}
	if err := fsutil.WriteFileAtomic(s.Path, data); err != nil {
		lg.Warn().Err(err).Str("path", s.Path).Msg("failed to write status snapshot")
	}
}

func (s *SnapshotWriter) String() string { return "snapshot-writer" }

// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/telearc/telearc/internal/failure"
	"github.com/telearc/telearc/internal/fsutil"
	"github.com/telearc/telearc/internal/logging"
	"github.com/telearc/telearc/internal/task"
)

// QuarantinedTask is one entry in the quarantine index. The task is
// kept whole so an operator can re-enqueue it by hand.
type QuarantinedTask struct {
	Stage         task.Stage    `json:"stage"`
	Task          task.Task     `json:"task"`
	Class         failure.Class `json:"class"`
	Reason        string        `json:"reason"`
	Inputs        []string      `json:"inputs,omitempty"`
	QuarantinedAt time.Time     `json:"quarantined_at"`
}

// quarantineLog is the on-disk index of permanently failed tasks plus
// the directory their input files are moved into.
type quarantineLog struct {
	path string
	dir  string

	mu   sync.Mutex
	list []QuarantinedTask
}

func openQuarantineLog(path, dir string) (*quarantineLog, error) {
	q := &quarantineLog{path: path, dir: dir}
	if path == "" {
		return q, nil
	}
	if dir != "" {
		if err := os.MkdirAll(dir, fsutil.DirPerm); err != nil {
			return nil, fmt.Errorf("create quarantine dir: %w", err)
		}
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read quarantine index: %w", err)
	}
	if jerr := json.Unmarshal(data, &q.list); jerr != nil {
		// A corrupt index must not block startup. Keep the bytes for
		// forensics and start fresh.
		logging.Warn().Err(jerr).Str("path", path).Msg("quarantine index corrupt, renaming aside")
		_ = os.Rename(path, path+".corrupt")
		q.list = nil
	}
	return q, nil
}

// add moves the task's input files into the quarantine directory and
// appends an index entry.
func (q *quarantineLog) add(stage task.Stage, t *task.Task, ferr *failure.Error) error {
	inputs := q.preserveInputs(t)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.list = append(q.list, QuarantinedTask{
		Stage:         stage,
		Task:          *t,
		Class:         ferr.Class,
		Reason:        ferr.Error(),
		Inputs:        inputs,
		QuarantinedAt: time.Now().UTC(),
	})
	return q.saveLocked()
}

// preserveInputs relocates the task's on-disk inputs so pipeline
// cleanup cannot delete the evidence. Returns the new locations.
func (q *quarantineLog) preserveInputs(t *task.Task) []string {
	if q.dir == "" {
		return nil
	}
	var moved []string
	candidates := make([]string, 0, 1+len(t.Files))
	if t.Path != "" {
		candidates = append(candidates, t.Path)
	}
	candidates = append(candidates, t.Files...)

	for _, src := range candidates {
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := q.uniqueDest(filepath.Base(src))
		if err := os.Rename(src, dst); err != nil {
			logging.Warn().Err(err).Str("src", src).Msg("could not move input to quarantine")
			continue
		}
		moved = append(moved, dst)
	}
	return moved
}

func (q *quarantineLog) uniqueDest(base string) string {
	dst := filepath.Join(q.dir, base)
	if _, err := os.Stat(dst); os.IsNotExist(err) {
		return dst
	}
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]
	return filepath.Join(q.dir, fmt.Sprintf("%s.%s%s", stem, uuid.NewString()[:8], ext))
}

func (q *quarantineLog) saveLocked() error {
	if q.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(q.list, "", "  ")
	if err != nil {
		return fmt.Errorf("encode quarantine index: %w", err)
	}
	return fsutil.WriteFileAtomic(q.path, data)
}

func (q *quarantineLog) entries() []QuarantinedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QuarantinedTask, len(q.list))
	copy(out, q.list)
	return out
}

// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

// Package journal persists the staged task queues on BadgerDB.
//
// Every task is written here before a worker may execute it, and is
// removed in the same transaction that appends its follow-on tasks.
// Keys order records by stage and insertion sequence, so iteration
// yields each stage's FIFO. The store is the authoritative state;
// everything in memory is rebuilt from it at startup.
package journal

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/telearc/telearc/internal/logging"
	"github.com/telearc/telearc/internal/task"
)

// Common journal errors.
var (
	ErrClosed   = fmt.Errorf("journal: closed")
	ErrNotFound = fmt.Errorf("journal: record not found")
)

// Record pairs a persisted task with its journal sequence. The sequence
// is the insertion-order tiebreaker the scheduler uses.
type Record struct {
	Seq  uint64
	Task *task.Task
}

// Journal is a Badger-backed durable store of per-stage task lists.
// It is safe for concurrent producers; each record is single-writer
// once a stage worker holds it.
type Journal struct {
	db  *badger.DB
	cfg Config

	seq atomic.Uint64

	mu     sync.RWMutex
	closed bool

	totalAppends atomic.Int64
	totalRemoves atomic.Int64
}

const keyPrefix = "stage:"

func stageKey(stage task.Stage, seq uint64) []byte {
	// Zero-padded sequence keeps Badger's lexical key order equal to
	// insertion order.
	return []byte(fmt.Sprintf("%s%s:%020d", keyPrefix, stage, seq))
}

func stagePrefix(stage task.Stage) []byte {
	return []byte(fmt.Sprintf("%s%s:", keyPrefix, stage))
}

func seqFromKey(key []byte) (uint64, error) {
	s := string(key)
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return 0, fmt.Errorf("journal: malformed key %q", s)
	}
	var seq uint64
	if _, err := fmt.Sscanf(s[idx+1:], "%d", &seq); err != nil {
		return 0, fmt.Errorf("journal: malformed key %q: %w", s, err)
	}
	return seq, nil
}

// Open opens (or creates) the journal store at cfg.Path.
func Open(cfg Config) (*Journal, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid journal config: %w", err)
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.MemTableSize = cfg.MemTableSize
	opts.ValueLogFileSize = cfg.ValueLogFileSize
	opts.NumCompactors = cfg.NumCompactors
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal store: %w", err)
	}

	j := &Journal{db: db, cfg: cfg}
	if err := j.seedSequence(); err != nil {
		_ = db.Close()
		return nil, err
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("journal opened")
	return j, nil
}

// seedSequence moves the sequence counter past the highest persisted
// record, so appends after restart never reuse a key.
func (j *Journal) seedSequence() error {
	return j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		var highest uint64
		for it.Seek([]byte(keyPrefix)); it.ValidForPrefix([]byte(keyPrefix)); it.Next() {
			seq, err := seqFromKey(it.Item().Key())
			if err != nil {
				continue
			}
			if seq > highest {
				highest = seq
			}
		}
		j.seq.Store(highest)
		return nil
	})
}

// Append persists a task at the tail of a stage. The task must already
// carry its id. Returns the record's journal sequence.
func (j *Journal) Append(stage task.Stage, t *task.Task) (uint64, error) {
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return 0, ErrClosed
	}
	j.mu.RUnlock()

	data, err := task.Encode(t)
	if err != nil {
		return 0, fmt.Errorf("encode task %d: %w", t.ID, err)
	}

	seq := j.seq.Add(1)
	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stageKey(stage, seq), data)
	})
	if err != nil {
		return 0, fmt.Errorf("append task %d to %s: %w", t.ID, stage, err)
	}
	j.totalAppends.Add(1)
	return seq, nil
}

// Update overwrites a record in place, keeping its position. Used for
// retry bookkeeping (retry_count, next_attempt_at, last_error_class).
func (j *Journal) Update(stage task.Stage, seq uint64, t *task.Task) error {
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return ErrClosed
	}
	j.mu.RUnlock()

	data, err := task.Encode(t)
	if err != nil {
		return fmt.Errorf("encode task %d: %w", t.ID, err)
	}
	key := stageKey(stage, seq)
	return j.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return txn.Set(key, data)
	})
}

// Remove deletes a record.
func (j *Journal) Remove(stage task.Stage, seq uint64) error {
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return ErrClosed
	}
	j.mu.RUnlock()

	err := j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(stageKey(stage, seq))
	})
	if err != nil {
		return fmt.Errorf("remove %s/%d: %w", stage, seq, err)
	}
	j.totalRemoves.Add(1)
	return nil
}

// Followup is a task to append when its predecessor completes.
type Followup struct {
	Stage task.Stage
	Task  *task.Task
}

// Complete atomically removes a finished record and appends its
// follow-on tasks, possibly to other stages. A crash leaves either the
// predecessor or all followups on disk, never neither.
func (j *Journal) Complete(stage task.Stage, seq uint64, followups []Followup) ([]Record, error) {
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return nil, ErrClosed
	}
	j.mu.RUnlock()

	appended := make([]Record, 0, len(followups))
	err := j.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(stageKey(stage, seq)); err != nil {
			return err
		}
		for _, f := range followups {
			data, err := task.Encode(f.Task)
			if err != nil {
				return fmt.Errorf("encode followup %d: %w", f.Task.ID, err)
			}
			fseq := j.seq.Add(1)
			if err := txn.Set(stageKey(f.Stage, fseq), data); err != nil {
				return err
			}
			appended = append(appended, Record{Seq: fseq, Task: f.Task})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("complete %s/%d: %w", stage, seq, err)
	}
	j.totalRemoves.Add(1)
	j.totalAppends.Add(int64(len(followups)))
	return appended, nil
}

// Tasks returns every record in a stage in insertion order. Records
// with an unknown discriminant are logged and skipped; corrupt records
// are logged and dropped rather than aborting the restore.
func (j *Journal) Tasks(stage task.Stage) ([]Record, error) {
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return nil, ErrClosed
	}
	j.mu.RUnlock()

	var records []Record
	prefix := stagePrefix(stage)
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			seq, err := seqFromKey(item.Key())
			if err != nil {
				logging.Warn().Err(err).Msg("journal: skipping malformed key")
				continue
			}
			err = item.Value(func(val []byte) error {
				t, known, derr := task.Decode(val)
				if derr != nil {
					logging.Warn().Err(derr).Uint64("seq", seq).
						Str("stage", string(stage)).
						Msg("journal: dropping corrupt record")
					return nil
				}
				if !known {
					logging.Warn().Str("type", string(t.Type)).
						Uint64("seq", seq).
						Msg("journal: skipping record with unknown task type")
					return nil
				}
				records = append(records, Record{Seq: seq, Task: t})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", stage, err)
	}
	return records, nil
}

// Count returns the number of records in a stage, unknown types included.
func (j *Journal) Count(stage task.Stage) (int, error) {
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return 0, ErrClosed
	}
	j.mu.RUnlock()

	count := 0
	prefix := stagePrefix(stage)
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Stats reports cumulative append/remove counts.
type Stats struct {
	TotalAppends int64
	TotalRemoves int64
	LSMSize      int64
	VLogSize     int64
}

// Stats returns journal counters and on-disk size estimates.
func (j *Journal) Stats() Stats {
	lsm, vlog := j.db.Size()
	return Stats{
		TotalAppends: j.totalAppends.Load(),
		TotalRemoves: j.totalRemoves.Load(),
		LSMSize:      lsm,
		VLogSize:     vlog,
	}
}

// RunGC performs one value-log garbage collection pass. Returns
// badger.ErrNoRewrite when there was nothing to reclaim.
func (j *Journal) RunGC(ratio float64) error {
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return ErrClosed
	}
	j.mu.RUnlock()
	return j.db.RunValueLogGC(ratio)
}

// Close flushes and closes the store.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- j.db.Close() }()
	select {
	case err := <-done:
		return err
	case <-time.After(j.cfg.CloseTimeout):
		return fmt.Errorf("journal: close timed out after %s", j.cfg.CloseTimeout)
	}
}

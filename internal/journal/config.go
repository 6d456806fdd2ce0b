// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

package journal

import (
	"fmt"
	"time"
)

// Config tunes the Badger store behind the journal. Defaults are sized
// for a constrained device, not a server.
type Config struct {
	// Path is the directory holding the store.
	Path string

	// SyncWrites fsyncs every transaction. Leave on: the journal is the
	// crash-recovery source of truth.
	SyncWrites bool

	// MemTableSize bounds Badger's in-memory table. Default 8MB.
	MemTableSize int64

	// ValueLogFileSize bounds a single value-log file. Default 16MB.
	ValueLogFileSize int64

	// NumCompactors is Badger's compactor goroutine count. Minimum 2.
	NumCompactors int

	// GCInterval is how often the compaction service runs value-log GC.
	GCInterval time.Duration

	// GCRatio is the rewrite threshold passed to RunValueLogGC.
	GCRatio float64

	// CloseTimeout bounds Close.
	CloseTimeout time.Duration
}

// DefaultConfig returns low-footprint production defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path:             path,
		SyncWrites:       true,
		MemTableSize:     8 << 20,
		ValueLogFileSize: 16 << 20,
		NumCompactors:    2,
		GCInterval:       10 * time.Minute,
		GCRatio:          0.5,
		CloseTimeout:     30 * time.Second,
	}
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("journal path is required")
	}
	if c.MemTableSize <= 0 {
		c.MemTableSize = 8 << 20
	}
	if c.ValueLogFileSize <= 0 {
		c.ValueLogFileSize = 16 << 20
	}
	if c.NumCompactors < 2 {
		c.NumCompactors = 2
	}
	if c.GCInterval <= 0 {
		c.GCInterval = 10 * time.Minute
	}
	if c.GCRatio <= 0 || c.GCRatio > 1 {
		c.GCRatio = 0.5
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 30 * time.Second
	}
	return nil
}

// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

package archive

import (
	"fmt"
	"os"
	"sync"

	"github.com/goccy/go-json"

	"github.com/telearc/telearc/internal/fsutil"
	"github.com/telearc/telearc/internal/logging"
)

// Manifest tracks streaming-expansion progress for one archive, so a
// restart resumes at the first unprocessed member instead of
// re-extracting everything.
type Manifest struct {
	path string

	mu        sync.Mutex
	Total     int             `json:"total_entries"`
	Processed map[string]bool `json:"processed_entries"`
}

// LoadManifest opens (or creates) the manifest at path.
func LoadManifest(path string) *Manifest {
	m := &Manifest{path: path, Processed: make(map[string]bool)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m
	}
	if err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("manifest unreadable, starting fresh")
		return m
	}
	if err := json.Unmarshal(data, m); err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("manifest corrupt, starting fresh")
		m.Total = 0
		m.Processed = make(map[string]bool)
	}
	if m.Processed == nil {
		m.Processed = make(map[string]bool)
	}
	return m
}

// SetTotal records the archive's member count and persists.
func (m *Manifest) SetTotal(total int) error {
	m.mu.Lock()
	m.Total = total
	m.mu.Unlock()
	return m.save()
}

// IsProcessed reports whether the member was handled by a previous run.
func (m *Manifest) IsProcessed(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Processed[name]
}

// MarkProcessed records members as handled and persists.
func (m *Manifest) MarkProcessed(names ...string) error {
	m.mu.Lock()
	for _, n := range names {
		m.Processed[n] = true
	}
	m.mu.Unlock()
	return m.save()
}

// ProcessedCount returns how many members have been handled.
func (m *Manifest) ProcessedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Processed)
}

func (m *Manifest) save() error {
	m.mu.Lock()
	data, err := json.Marshal(m)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return fsutil.WriteFileAtomic(m.path, data)
}

// Delete removes the manifest file after the archive finishes.
func (m *Manifest) Delete() {
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		logging.Warn().Err(err).Str("path", m.path).Msg("manifest removal failed")
	}
}

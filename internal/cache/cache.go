// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

// Package cache holds the insertion-only set of processed payloads.
//
// A payload is keyed two ways: a cheap intake key hashed from
// (name, exact size), consulted before any bytes are downloaded, and a
// content fingerprint (SHA-256) inserted only after end-to-end success.
// The loader is corruption-tolerant: an unparsable file logs a warning
// and the cache starts empty.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"

	"github.com/telearc/telearc/internal/fsutil"
	"github.com/telearc/telearc/internal/logging"
)

// Entry records one processed payload.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	ByteSize    int64     `json:"byte_size"`
	Name        string    `json:"name,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
	Status      string    `json:"status"`
}

type fileFormat struct {
	Entries []Entry `json:"entries"`
}

// Cache is a persistent set of fingerprints. Multi-reader,
// single-writer.
type Cache struct {
	path string

	mu       sync.RWMutex
	byHash   map[string]Entry
	quickSet map[uint64]struct{}
}

// Load opens the cache at path, starting empty if the file is missing
// or unparsable.
func Load(path string) *Cache {
	c := &Cache{
		path:     path,
		byHash:   make(map[string]Entry),
		quickSet: make(map[uint64]struct{}),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c
	}
	if err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("cache unreadable, starting empty")
		return c
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("cache corrupt, starting empty")
		return c
	}
	for _, e := range ff.Entries {
		c.byHash[e.Fingerprint] = e
		if e.Name != "" {
			c.quickSet[quickKey(e.Name, e.ByteSize)] = struct{}{}
		}
	}
	logging.Info().Int("entries", len(c.byHash)).Msg("content cache loaded")
	return c
}

// quickKey hashes (name, exact size) for pre-download dedup.
func quickKey(name string, size int64) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(name)
	_, _ = fmt.Fprintf(h, "|%d", size)
	return h.Sum64()
}

// Has reports whether the fingerprint is known.
func (c *Cache) Has(fingerprint string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byHash[fingerprint]
	return ok
}

// SeenNameSize reports whether a payload with this (name, size) pair
// was already processed. Cheaper than hashing the content; used by
// intake to skip duplicates before any download happens.
func (c *Cache) SeenNameSize(name string, size int64) bool {
	if name == "" || size <= 0 {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.quickSet[quickKey(name, size)]
	return ok
}

// Add inserts an entry and persists the cache. Insert-only: existing
// fingerprints are untouched.
func (c *Cache) Add(fingerprint, name string, size int64) error {
	c.mu.Lock()
	if _, ok := c.byHash[fingerprint]; !ok {
		c.byHash[fingerprint] = Entry{
			Fingerprint: fingerprint,
			ByteSize:    size,
			Name:        name,
			FirstSeen:   time.Now().UTC(),
			Status:      "completed",
		}
		if name != "" {
			c.quickSet[quickKey(name, size)] = struct{}{}
		}
	}
	c.mu.Unlock()
	return c.save()
}

// Len returns the number of cached fingerprints.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byHash)
}

func (c *Cache) save() error {
	c.mu.RLock()
	ff := fileFormat{Entries: make([]Entry, 0, len(c.byHash))}
	for _, e := range c.byHash {
		ff.Entries = append(ff.Entries, e)
	}
	c.mu.RUnlock()

	data, err := json.Marshal(&ff)
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}
	return fsutil.WriteFileAtomic(c.path, data)
}

// Fingerprint computes the SHA-256 content hash of the file at path.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

// Package registry tracks what may be cleaned up and when.
//
// The extraction registry maps an extraction root to the number of
// outstanding uploads that still reference files under it; when the
// count reaches zero, the root is removed. The archive registry maps
// the original archive path to the extraction roots it produced; the
// archive itself is deleted only once every root is gone.
//
// Counts are rebuilt at startup from the restored upload queue, so
// the invariant "refcount == outstanding dispatches referencing the
// root" holds across crashes.
package registry

import (
	"os"
	"sync"

	"github.com/telearc/telearc/internal/fsutil"
	"github.com/telearc/telearc/internal/logging"
)

// Registry is single-writer (the upload worker); status readers take
// the read lock.
type Registry struct {
	mu sync.RWMutex

	// extraction root -> outstanding uploads
	rootRefs map[string]int

	// archive path -> set of extraction roots it produced
	archiveRoots map[string]map[string]struct{}

	// extraction root -> owning archive path
	rootArchive map[string]string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		rootRefs:     make(map[string]int),
		archiveRoots: make(map[string]map[string]struct{}),
		rootArchive:  make(map[string]string),
	}
}

// Register associates an extraction root with its archive. Idempotent.
func (r *Registry) Register(archivePath, root string) {
	if root == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rootRefs[root]; !ok {
		r.rootRefs[root] = 0
	}
	if archivePath != "" {
		set, ok := r.archiveRoots[archivePath]
		if !ok {
			set = make(map[string]struct{})
			r.archiveRoots[archivePath] = set
		}
		set[root] = struct{}{}
		r.rootArchive[root] = archivePath
	}
}

// Acquire increments the outstanding-upload count for a root.
func (r *Registry) Acquire(root string) {
	if root == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rootRefs[root]++
}

// Refs returns the outstanding-upload count for a root.
func (r *Registry) Refs(root string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rootRefs[root]
}

// Release decrements the count for a root after a successful upload.
// At zero the root directory (and, when it was the archive's last
// root, the archive file) is removed. Returns true when the root was
// cleaned up.
func (r *Registry) Release(root string) bool {
	if root == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	refs, ok := r.rootRefs[root]
	if !ok {
		return false
	}
	refs--
	if refs > 0 {
		r.rootRefs[root] = refs
		return false
	}

	delete(r.rootRefs, root)
	r.removeRootLocked(root)
	return true
}

// removeRootLocked deletes the extraction root from disk and, when it
// was the archive's last outstanding root, the archive itself.
func (r *Registry) removeRootLocked(root string) {
	if err := os.RemoveAll(root); err != nil {
		logging.Warn().Err(err).Str("root", root).Msg("extraction root removal failed")
	} else {
		logging.Debug().Str("root", root).Msg("extraction root removed")
	}

	archivePath := r.rootArchive[root]
	delete(r.rootArchive, root)
	if archivePath == "" {
		return
	}
	set := r.archiveRoots[archivePath]
	delete(set, root)
	if len(set) > 0 {
		return
	}
	delete(r.archiveRoots, archivePath)
	if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
		logging.Warn().Err(err).Str("archive", archivePath).Msg("archive removal failed")
	} else {
		logging.Info().Str("archive", archivePath).Msg("archive cleaned up")
	}
	// Drop the archive's now-empty parent manifest directory, if any.
	_, _ = fsutil.RemoveIfEmpty(parentDir(archivePath))
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// Roots returns a snapshot of tracked roots and their counts.
func (r *Registry) Roots() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.rootRefs))
	for k, v := range r.rootRefs {
		out[k] = v
	}
	return out
}

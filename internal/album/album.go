// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

// Package album groups extracted media into fixed-size upload batches.
//
// The batcher is a streaming builder over the sequence the expander
// yields: per (archive, extraction root) there are at most two open
// buffers, one for images and one for videos, each holding at most
// cap-1 items before emission. Kinds never mix in one batch, and
// emission preserves insertion order.
package album

import (
	"fmt"
	"sync"

	"github.com/telearc/telearc/internal/task"
)

// PlatformCap is the hard album size limit of the outbound platform.
const PlatformCap = 10

// Item is one media file waiting for a batch.
type Item struct {
	Path string
	Kind task.Kind

	// CleanupRefs beyond the file itself (conversion intermediates,
	// thumbnails).
	CleanupRefs []string
}

type groupKey struct {
	root string
	kind task.Kind
}

type builder struct {
	items      []Item
	batchIndex int
	totalHint  int
}

// Batcher accumulates items and emits AlbumDispatch tasks.
type Batcher struct {
	cap int

	mu       sync.Mutex
	builders map[groupKey]*builder
}

// New returns a batcher with the given album cap (clamped to the
// platform cap; non-positive values get the default).
func New(albumCap int) *Batcher {
	if albumCap <= 0 || albumCap > PlatformCap {
		albumCap = PlatformCap
	}
	return &Batcher{cap: albumCap, builders: make(map[groupKey]*builder)}
}

// Cap returns the effective album size cap.
func (b *Batcher) Cap() int { return b.cap }

// SetTotalHint records the expected total item count for a group, used
// to estimate N in "Batch i/N" captions. Updated as discovery
// continues.
func (b *Batcher) SetTotalHint(root string, kind task.Kind, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.builderFor(groupKey{root: root, kind: kind}).totalHint = total
}

// Add inserts an item into its group's buffer. When the buffer reaches
// the cap, a full AlbumDispatch task is returned and the buffer
// cleared; otherwise Add returns nil.
func (b *Batcher) Add(archive task.ArchiveContext, item Item) *task.Task {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := groupKey{root: archive.ExtractionRoot, kind: item.Kind}
	bl := b.builderFor(key)
	bl.items = append(bl.items, item)
	if len(bl.items) < b.cap {
		return nil
	}
	return b.emitLocked(archive, key, bl)
}

// Flush emits trailing partial batches for every group under the given
// extraction root. Called at archive end-of-stream.
func (b *Batcher) Flush(archive task.ArchiveContext) []*task.Task {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*task.Task
	for _, kind := range []task.Kind{task.KindImage, task.KindVideo} {
		key := groupKey{root: archive.ExtractionRoot, kind: kind}
		bl, ok := b.builders[key]
		if !ok || len(bl.items) == 0 {
			continue
		}
		out = append(out, b.emitLocked(archive, key, bl))
	}
	return out
}

// Remove drops a specific path from an open buffer (an item that was
// deferred mid-flight). Returns true when found.
func (b *Batcher) Remove(root, path string, kind task.Kind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	bl, ok := b.builders[groupKey{root: root, kind: kind}]
	if !ok {
		return false
	}
	for i, it := range bl.items {
		if it.Path == path {
			bl.items = append(bl.items[:i], bl.items[i+1:]...)
			return true
		}
	}
	return false
}

// OpenCount returns the number of buffered, not-yet-emitted items for
// the root.
func (b *Batcher) OpenCount(root string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for key, bl := range b.builders {
		if key.root == root {
			n += len(bl.items)
		}
	}
	return n
}

func (b *Batcher) builderFor(key groupKey) *builder {
	bl, ok := b.builders[key]
	if !ok {
		bl = &builder{}
		b.builders[key] = bl
	}
	return bl
}

func (b *Batcher) emitLocked(archive task.ArchiveContext, key groupKey, bl *builder) *task.Task {
	bl.batchIndex++
	files := make([]string, 0, len(bl.items))
	cleanup := make([]string, 0, len(bl.items))
	for _, it := range bl.items {
		files = append(files, it.Path)
		cleanup = append(cleanup, it.Path)
		cleanup = append(cleanup, it.CleanupRefs...)
	}
	total := b.estimateTotal(bl)
	archiveCopy := archive

	t := &task.Task{
		ID:          task.NextID(),
		Type:        task.TypeAlbumDispatch,
		Kind:        key.kind,
		Archive:     &archiveCopy,
		Files:       files,
		BatchIndex:  bl.batchIndex,
		BatchTotal:  total,
		Caption:     Caption(archive.ArchiveName, key.kind, bl.batchIndex, total, len(files)),
		CleanupRefs: cleanup,
	}
	bl.items = nil
	return t
}

// estimateTotal derives N for "Batch i/N". The hint may still be
// growing while the archive streams; never report less than what was
// already emitted.
func (b *Batcher) estimateTotal(bl *builder) int {
	if bl.totalHint > 0 {
		est := (bl.totalHint + b.cap - 1) / b.cap
		if est >= bl.batchIndex {
			return est
		}
	}
	return bl.batchIndex
}

// Caption renders the album caption.
func Caption(archiveName string, kind task.Kind, index, total, count int) string {
	kindLabel := "Images"
	if kind == task.KindVideo {
		kindLabel = "Videos"
	}
	return fmt.Sprintf("%s – %s (Batch %d/%d: %d files)",
		archiveName, kindLabel, index, total, count)
}

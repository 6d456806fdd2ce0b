// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

package queue

import (
	"fmt"
	"os"
	"sort"

	"github.com/telearc/telearc/internal/album"
	"github.com/telearc/telearc/internal/journal"
	"github.com/telearc/telearc/internal/logging"
	"github.com/telearc/telearc/internal/task"
)

// Restore rebuilds the in-memory FIFOs from the journal. Buffer-stage
// expand_entry records, left behind when a crash caught their items in
// an open album buffer, are flushed into upload-stage album tasks.
// Upload-stage album tasks that share an (archive, extraction root,
// kind) group are then collapsed and re-batched at albumCap, so a
// crash that journaled many single-file fallbacks does not replay as
// thousands of sends.
//
// onRestored is invoked once per surviving record, before workers
// start, so the caller can rebuild extraction-root refcounts.
func (e *Engine) Restore(albumCap int, onRestored func(task.Stage, *task.Task)) error {
	byStage := make(map[task.Stage][]journal.Record)
	var highestID uint64
	total := 0
	for _, stage := range task.Stages() {
		recs, err := e.journal.Tasks(stage)
		if err != nil {
			return fmt.Errorf("restore %s: %w", stage, err)
		}
		for _, r := range recs {
			if r.Task.ID > highestID {
				highestID = r.Task.ID
			}
		}
		byStage[stage] = recs
		total += len(recs)
	}
	// Seed before regrouping: regrouped batches take fresh ids.
	task.SeedIDs(highestID)

	flushed, err := e.flushBuffered(byStage[task.StageBuffer], albumCap)
	if err != nil {
		return err
	}
	byStage[task.StageBuffer] = nil
	byStage[task.StageUpload] = append(byStage[task.StageUpload], flushed...)

	regrouped, err := e.regroupAlbums(byStage[task.StageUpload], albumCap)
	if err != nil {
		return err
	}
	byStage[task.StageUpload] = regrouped

	e.mu.Lock()
	for stage, recs := range byStage {
		sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
		e.pending[stage] = recs
	}
	e.mu.Unlock()

	if onRestored != nil {
		for _, stage := range task.Stages() {
			for _, r := range byStage[stage] {
				onRestored(stage, r.Task)
			}
		}
	}

	logging.Info().
		Int("restored", total).
		Int("upload_after_regroup", len(regrouped)).
		Msg("queue state restored")
	return nil
}

type regroupKey struct {
	archive string
	root    string
	kind    task.Kind
}

// flushBuffered converts crashed-out buffer records into upload-stage
// album tasks, trailing partials included. Buffered items only ever
// wait for more siblings, so at restore there is nothing left to wait
// for. Items whose files vanished are dropped with a warning.
func (e *Engine) flushBuffered(recs []journal.Record, albumCap int) ([]journal.Record, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	if albumCap <= 0 || albumCap > album.PlatformCap {
		albumCap = album.PlatformCap
	}

	groups := make(map[regroupKey][]journal.Record)
	var order []regroupKey
	for _, rec := range recs {
		t := rec.Task
		if t.Type != task.TypeExpandEntry || t.Archive == nil || t.Path == "" {
			logging.Warn().Uint64("task", t.ID).Str("type", string(t.Type)).
				Msg("restore: dropping malformed buffer record")
			if err := e.journal.Remove(task.StageBuffer, rec.Seq); err != nil {
				return nil, fmt.Errorf("flush buffered: %w", err)
			}
			continue
		}
		key := regroupKey{archive: t.Archive.ArchiveName, root: t.Archive.ExtractionRoot, kind: t.Kind}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], rec)
	}

	var out []journal.Record
	for _, key := range order {
		members := groups[key]
		var files []string
		var extraCleanup []string
		for _, rec := range members {
			if _, err := os.Stat(rec.Task.Path); err != nil {
				logging.Warn().Str("file", rec.Task.Path).Str("archive", key.archive).
					Msg("restore: dropping buffered item with missing file")
				continue
			}
			files = append(files, rec.Task.Path)
			extraCleanup = append(extraCleanup, rec.Task.CleanupRefs...)
		}

		archiveCtx := *members[0].Task.Archive
		totalBatches := (len(files) + albumCap - 1) / albumCap
		followups := make([]journal.Followup, 0, totalBatches)
		for i := 0; i < totalBatches; i++ {
			chunk := files[i*albumCap : min(len(files), (i+1)*albumCap)]
			ctxCopy := archiveCtx
			nt := &task.Task{
				ID:          task.NextID(),
				Type:        task.TypeAlbumDispatch,
				Kind:        key.kind,
				Source:      members[0].Task.Source,
				Archive:     &ctxCopy,
				Files:       append([]string(nil), chunk...),
				BatchIndex:  i + 1,
				BatchTotal:  totalBatches,
				Caption:     album.Caption(key.archive, key.kind, i+1, totalBatches, len(chunk)),
				CleanupRefs: append([]string(nil), chunk...),
				EnqueuedAt:  members[0].Task.EnqueuedAt,
			}
			if i == totalBatches-1 {
				nt.CleanupRefs = append(nt.CleanupRefs, extraCleanup...)
			}
			followups = append(followups, journal.Followup{Stage: task.StageUpload, Task: nt})
		}

		// Same crash contract as regrouping: the atomic swap runs first,
		// leftover deletes may replay as duplicates, never as losses.
		appended, err := e.journal.Complete(task.StageBuffer, members[0].Seq, followups)
		if err != nil {
			return nil, fmt.Errorf("flush buffered %s/%s: %w", key.archive, key.kind, err)
		}
		for _, rec := range members[1:] {
			if err := e.journal.Remove(task.StageBuffer, rec.Seq); err != nil {
				return nil, fmt.Errorf("flush buffered remove: %w", err)
			}
		}
		out = append(out, appended...)

		logging.Info().
			Str("archive", key.archive).
			Str("kind", string(key.kind)).
			Int("buffered", len(members)).
			Int("albums", len(appended)).
			Msg("flushed buffered items left by previous run")
	}

	return out, nil
}

// regroupAlbums collapses fragmented album tasks. Files that no longer
// exist on disk are dropped with a warning instead of poisoning the
// batch.
func (e *Engine) regroupAlbums(recs []journal.Record, albumCap int) ([]journal.Record, error) {
	if albumCap <= 0 || albumCap > album.PlatformCap {
		albumCap = album.PlatformCap
	}

	groups := make(map[regroupKey][]journal.Record)
	var order []regroupKey
	var keep []journal.Record
	for _, rec := range recs {
		t := rec.Task
		if t.Type != task.TypeAlbumDispatch || t.Archive == nil || !task.IsMedia(t.Kind) {
			keep = append(keep, rec)
			continue
		}
		key := regroupKey{archive: t.Archive.ArchiveName, root: t.Archive.ExtractionRoot, kind: t.Kind}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], rec)
	}

	for _, key := range order {
		members := groups[key]
		if len(members) < 2 {
			keep = append(keep, members...)
			continue
		}

		var files []string
		var extraCleanup []string
		seenFile := make(map[string]bool)
		for _, rec := range members {
			for _, f := range rec.Task.Files {
				if seenFile[f] {
					continue
				}
				seenFile[f] = true
				if _, err := os.Stat(f); err != nil {
					logging.Warn().Str("file", f).Str("archive", key.archive).
						Msg("regroup: dropping missing file")
					continue
				}
				files = append(files, f)
			}
			for _, ref := range rec.Task.CleanupRefs {
				if !seenFile[ref] {
					extraCleanup = append(extraCleanup, ref)
				}
			}
		}

		archiveCtx := *members[0].Task.Archive
		totalBatches := (len(files) + albumCap - 1) / albumCap
		followups := make([]journal.Followup, 0, totalBatches)
		for i := 0; i < totalBatches; i++ {
			chunk := files[i*albumCap : min(len(files), (i+1)*albumCap)]
			ctxCopy := archiveCtx
			nt := &task.Task{
				ID:          task.NextID(),
				Type:        task.TypeAlbumDispatch,
				Kind:        key.kind,
				Archive:     &ctxCopy,
				Files:       append([]string(nil), chunk...),
				BatchIndex:  i + 1,
				BatchTotal:  totalBatches,
				Caption:     album.Caption(key.archive, key.kind, i+1, totalBatches, len(chunk)),
				CleanupRefs: append([]string(nil), chunk...),
				EnqueuedAt:  members[0].Task.EnqueuedAt,
			}
			if i == totalBatches-1 {
				nt.CleanupRefs = append(nt.CleanupRefs, extraCleanup...)
			}
			followups = append(followups, journal.Followup{Stage: task.StageUpload, Task: nt})
		}

		// One atomic swap for the first old record; the rest are plain
		// deletes. A crash mid-loop leaves duplicates, never losses,
		// and the next restore collapses them again.
		appended, err := e.journal.Complete(task.StageUpload, members[0].Seq, followups)
		if err != nil {
			return nil, fmt.Errorf("regroup %s/%s: %w", key.archive, key.kind, err)
		}
		for _, rec := range members[1:] {
			if err := e.journal.Remove(task.StageUpload, rec.Seq); err != nil {
				return nil, fmt.Errorf("regroup remove: %w", err)
			}
		}
		keep = append(keep, appended...)

		logging.Info().
			Str("archive", key.archive).
			Str("kind", string(key.kind)).
			Int("before", len(members)).
			Int("after", len(appended)).
			Int("files", len(files)).
			Msg("regrouped fragmented album tasks")
	}

	return keep, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

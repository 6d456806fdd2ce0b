// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

// Package pipeline registers the stage handlers that move a payload
// from inbound link or attachment to delivered album.
//
// Ownership of an extraction root travels with the work: every
// journaled task that references files under a root holds one
// reference, handed to its successor before its own completion, so the
// root outlives exactly the tasks that need it and is deleted with its
// archive the moment the last one settles.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/telearc/telearc/internal/album"
	"github.com/telearc/telearc/internal/archive"
	"github.com/telearc/telearc/internal/cache"
	"github.com/telearc/telearc/internal/failure"
	"github.com/telearc/telearc/internal/fetch"
	"github.com/telearc/telearc/internal/fsutil"
	"github.com/telearc/telearc/internal/journal"
	"github.com/telearc/telearc/internal/ledger"
	"github.com/telearc/telearc/internal/logging"
	"github.com/telearc/telearc/internal/media"
	"github.com/telearc/telearc/internal/metrics"
	"github.com/telearc/telearc/internal/queue"
	"github.com/telearc/telearc/internal/registry"
	"github.com/telearc/telearc/internal/task"
	"github.com/telearc/telearc/internal/upload"
)

// AttachmentDownloader pulls a platform-attached payload by file id.
type AttachmentDownloader interface {
	Download(ctx context.Context, t *task.Task, onProgress fetch.Progress) error
}

// Notifier posts best-effort progress and status lines back to the
// submitting chat. A nil notifier is silent.
type Notifier interface {
	Progress(ctx context.Context, src task.SourceRef, label string, written, total int64)
	Notify(ctx context.Context, src task.SourceRef, text string)
}

// Pipeline owns the cross-stage wiring.
type Pipeline struct {
	Queue       *queue.Engine
	Fetcher     *fetch.Fetcher
	Attachments AttachmentDownloader
	Normalizer  *media.Normalizer
	Batcher     *album.Batcher
	Uploader    *upload.Uploader
	Ledger      *ledger.Ledger
	Registry    *registry.Registry
	Cache       *cache.Cache
	Notifier    Notifier

	ExtractDir  string
	ManifestDir string

	// FreeSpaceFloor backpressures extraction. Zero disables.
	FreeSpaceFloor uint64

	// InactivityTimeout is passed to URL fetches; zero takes the
	// fetcher's default.
	InactivityTimeout time.Duration

	mu sync.Mutex
	// pendingNormalize counts in-flight video normalizations per
	// extraction root; the video album flushes when it drains.
	pendingNormalize map[string]int
	// completions carries the archive identity from extraction to the
	// processed-cache insert at root drain.
	completions map[string]completion
	// bufferIDs maps a buffered media path to its pending expand_entry
	// journal record, settled when the path's batch is journaled.
	bufferIDs map[string]uint64
}

type completion struct {
	fingerprint string
	name        string
	size        int64
	manifest    string
}

// Register installs the stage handlers on the queue.
func (p *Pipeline) Register() {
	p.pendingNormalize = make(map[string]int)
	p.completions = make(map[string]completion)
	p.bufferIDs = make(map[string]uint64)

	p.Queue.Handle(task.TypeDownload, p.handleDownload)
	p.Queue.Handle(task.TypeExtract, p.handleExtract)
	p.Queue.Handle(task.TypeNormalize, p.handleNormalize)
	p.Queue.Handle(task.TypeAlbumDispatch, p.Uploader.HandleAlbum)
	p.Queue.Handle(task.TypeDirectUpload, p.Uploader.HandleDirect)

	p.Uploader.OnRootComplete = p.completeRoot
	p.Uploader.OnInvalid = p.deferInvalid
}

// NoteRestored rebuilds the in-memory bookkeeping for one restored
// journal record: extraction-root references and the per-root
// normalize counters. Called once per record before workers start.
func (p *Pipeline) NoteRestored(stage task.Stage, t *task.Task) {
	if t.Archive == nil {
		return
	}
	root := t.Archive.ExtractionRoot
	p.Registry.Register("", root)
	p.Registry.Acquire(root)
	if t.Type == task.TypeNormalize {
		p.mu.Lock()
		p.pendingNormalize[root]++
		p.mu.Unlock()
	}
}

// NoteDeferredRestored accounts a restored ledger entry's hold on its
// extraction root.
func (p *Pipeline) NoteDeferredRestored(e ledger.Entry) {
	if e.ExtractionRoot == "" {
		return
	}
	p.Registry.Register("", e.ExtractionRoot)
	p.Registry.Acquire(e.ExtractionRoot)
}

// NoteDeferredAbandoned drops the root hold of a deferred entry that
// failed for good.
func (p *Pipeline) NoteDeferredAbandoned(e ledger.Entry) {
	if e.ExtractionRoot == "" {
		return
	}
	p.Registry.Release(e.ExtractionRoot)
}

// ReleaseQuarantined drops a quarantined task's bookkeeping: its
// extraction-root hold, and for a normalize task the per-root counter,
// so the sibling videos still flush. An abandoned extract task flushes
// its root's open buffers, so members extracted before the failure
// still go out. Wired as the engine's OnQuarantine hook.
func (p *Pipeline) ReleaseQuarantined(t *task.Task) {
	if t.Type == task.TypeExtract && t.Path != "" {
		root := p.rootFor(t.Path)
		archiveCtx := task.ArchiveContext{ArchiveName: filepath.Base(t.Path), ExtractionRoot: root}
		for _, batch := range p.Batcher.Flush(archiveCtx) {
			batch.Source = t.Source
			if err := p.dispatchBatch(batch, root); err != nil {
				logging.Error().Err(err).Str("root", root).Msg("could not flush batches after quarantine")
			}
		}
		return
	}
	if t.Archive == nil {
		return
	}
	root := t.Archive.ExtractionRoot
	archiveCtx := *t.Archive

	if t.Type == task.TypeNormalize {
		p.mu.Lock()
		p.pendingNormalize[root]--
		drained := p.pendingNormalize[root] <= 0
		if drained {
			delete(p.pendingNormalize, root)
		}
		p.mu.Unlock()

		if drained {
			for _, batch := range p.Batcher.Flush(archiveCtx) {
				batch.Source = t.Source
				if err := p.dispatchBatch(batch, root); err != nil {
					logging.Error().Err(err).Str("root", root).Msg("could not flush videos after quarantine")
				}
			}
		}
	}
	p.Registry.Release(root)
}

// handleDownload fetches the payload to its destination, dedups
// archives by content fingerprint, and hands off to process or upload.
func (p *Pipeline) handleDownload(ctx context.Context, t *task.Task) ([]journal.Followup, error) {
	progress := func(written, total int64) {
		if p.Notifier != nil {
			p.Notifier.Progress(ctx, t.Source, t.Label(), written, total)
		}
	}

	var err error
	if t.TelegramFileID != "" {
		err = p.Attachments.Download(ctx, t, progress)
	} else {
		err = p.Fetcher.Fetch(ctx, fetch.Options{
			URL:               t.URL,
			Destination:       t.Destination,
			ExpectedSize:      t.ExpectedSize,
			InactivityTimeout: p.InactivityTimeout,
			OnProgress:        progress,
		})
	}
	if err != nil {
		return nil, err
	}
	if n := fsutil.FileSize(t.Destination); n > 0 {
		metrics.BytesDownloaded.Add(float64(n))
	}

	if t.Kind == task.KindArchive {
		dup, derr := p.isDuplicate(t.Destination)
		if derr != nil {
			return nil, derr
		}
		if dup {
			p.notify(ctx, t.Source, fmt.Sprintf("%s already processed, skipping.", t.Label()))
			fsutil.RemoveAllQuiet(t.Destination)
			return nil, nil
		}
		return []journal.Followup{{Stage: task.StageProcess, Task: &task.Task{
			ID:         task.NextID(),
			Type:       task.TypeExtract,
			Kind:       task.KindArchive,
			Source:     t.Source,
			Path:       t.Destination,
			Secret:     t.Secret,
			EnqueuedAt: time.Now().UTC(),
		}}}, nil
	}

	// Bare media: photos go straight out, videos pass through
	// normalization first.
	next := &task.Task{
		ID:          task.NextID(),
		Type:        task.TypeDirectUpload,
		Kind:        t.Kind,
		Source:      t.Source,
		Path:        t.Destination,
		CleanupRefs: []string{t.Destination},
		EnqueuedAt:  time.Now().UTC(),
	}
	stage := task.StageUpload
	if t.Kind == task.KindVideo {
		next.Type = task.TypeNormalize
		next.CleanupRefs = nil
		stage = task.StageProcess
	}
	return []journal.Followup{{Stage: stage, Task: next}}, nil
}

// handleExtract streams one archive, batching images as they surface
// and fanning videos out to normalization. Every member is journaled
// before it counts as processed in the manifest: full batches and
// normalize tasks directly, buffered members as expand_entry records.
// Re-runs after a crash skip manifest-marked members; their journaled
// successors carry them the rest of the way.
func (p *Pipeline) handleExtract(ctx context.Context, t *task.Task) ([]journal.Followup, error) {
	log := logging.WithComponent("pipeline").With().Str("archive", t.Label()).Logger()

	dup, err := p.isDuplicate(t.Path)
	if err != nil {
		return nil, err
	}
	if dup {
		p.notify(ctx, t.Source, fmt.Sprintf("%s already processed, skipping.", t.Label()))
		fsutil.RemoveAllQuiet(t.Path)
		return nil, nil
	}

	name := filepath.Base(t.Path)
	root := p.rootFor(t.Path)
	manifestPath := filepath.Join(p.ManifestDir, name+".json")
	archiveCtx := task.ArchiveContext{ArchiveName: name, ExtractionRoot: root}

	p.Registry.Register(t.Path, root)
	p.Registry.Acquire(root) // extraction's own hold

	fp, ferr := cache.Fingerprint(t.Path)
	if ferr != nil {
		p.Registry.Release(root)
		return nil, failure.New(failure.ClassIntegrity, ferr)
	}
	p.mu.Lock()
	p.completions[root] = completion{
		fingerprint: fp,
		name:        name,
		size:        fsutil.FileSize(t.Path),
		manifest:    manifestPath,
	}
	p.mu.Unlock()

	exp := archive.NewExpander(t.Path, root, manifestPath, t.Secret)
	exp.FreeSpaceFloor = p.FreeSpaceFloor
	exp.OnPause = func(reason string) { p.notify(ctx, t.Source, reason) }

	var images, videos int
	consumeErr := exp.Expand(ctx, func(entry archive.Entry) error {
		switch entry.Kind {
		case task.KindImage:
			images++
			p.Batcher.SetTotalHint(root, task.KindImage, images)
			item := album.Item{Path: entry.Path, Kind: task.KindImage}
			if batch := p.Batcher.Add(archiveCtx, item); batch != nil {
				batch.Source = t.Source
				return p.dispatchBatch(batch, root)
			}
			return p.stashBuffered(archiveCtx, t.Source, item)
		case task.KindVideo:
			videos++
			nt := &task.Task{
				ID:         task.NextID(),
				Type:       task.TypeNormalize,
				Kind:       task.KindVideo,
				Source:     t.Source,
				Archive:    &archiveCtx,
				Path:       entry.Path,
				EnqueuedAt: time.Now().UTC(),
			}
			p.mu.Lock()
			p.pendingNormalize[root]++
			p.mu.Unlock()
			if err := p.enqueueWithRef(task.StageProcess, nt, root); err != nil {
				p.mu.Lock()
				p.pendingNormalize[root]--
				p.mu.Unlock()
				return err
			}
			return nil
		default:
			return nil
		}
	})
	if consumeErr != nil {
		if consumeErr == archive.ErrSecretRequired {
			p.notify(ctx, t.Source, fmt.Sprintf("%s is password protected; resend with \"pass: <password>\".", name))
			p.Registry.Release(root)
			return nil, failure.New(failure.ClassPermanent, consumeErr)
		}
		p.Registry.Release(root)
		return nil, consumeErr
	}

	// Trailing partial image batch. Video flush waits for the last
	// normalization.
	for _, batch := range p.Batcher.Flush(archiveCtx) {
		batch.Source = t.Source
		if err := p.dispatchBatch(batch, root); err != nil {
			p.Registry.Release(root)
			return nil, err
		}
	}

	log.Info().Int("images", images).Int("videos", videos).
		Int("skipped", exp.Skipped()).Msg("archive expanded")
	if images == 0 && videos == 0 {
		p.notify(ctx, t.Source, fmt.Sprintf("%s contains no relayable media.", name))
	}

	// Drop extraction's hold; outstanding dispatches keep the root
	// alive from here.
	p.Registry.Release(root)
	return nil, nil
}

// handleNormalize decides a video's path to the album: passthrough,
// inline conversion, or deferral to the idle-time worker.
func (p *Pipeline) handleNormalize(ctx context.Context, t *task.Task) ([]journal.Followup, error) {
	size := fsutil.FileSize(t.Path)
	outcome := p.Normalizer.Decide(ctx, t.Path, size)

	switch outcome {
	case media.Defer:
		entry := ledger.Entry{InputPath: t.Path}
		if t.Archive != nil {
			entry.ArchiveName = t.Archive.ArchiveName
			entry.ExtractionRoot = t.Archive.ExtractionRoot
		}
		if err := p.Ledger.Defer(entry); err != nil {
			return nil, failure.Classify(err)
		}
		// The ledger entry inherits this task's root hold; drain
		// bookkeeping still advances.
		return nil, p.finishNormalize(ctx, t, "", false)

	case media.Inline:
		out, err := p.Normalizer.Convert(ctx, t.Path, nil)
		if err != nil {
			return nil, err
		}
		fsutil.RemoveAllQuiet(t.Path)
		return nil, p.finishNormalize(ctx, t, out, true)

	default: // passthrough
		return nil, p.finishNormalize(ctx, t, t.Path, true)
	}
}

// finishNormalize routes a normalization's output (if any) toward
// upload and flushes the root's video album when the last in-flight
// normalization drains.
func (p *Pipeline) finishNormalize(ctx context.Context, t *task.Task, output string, route bool) error {
	if t.Archive == nil {
		// Standalone media: single send, no album bookkeeping.
		if route {
			kind := t.Kind
			if kind == "" {
				kind = task.KindVideo
			}
			next := &task.Task{
				ID:          task.NextID(),
				Type:        task.TypeDirectUpload,
				Kind:        kind,
				Source:      t.Source,
				Path:        output,
				CleanupRefs: []string{output},
				EnqueuedAt:  time.Now().UTC(),
			}
			return p.Queue.Enqueue(task.StageUpload, next)
		}
		return nil
	}

	root := t.Archive.ExtractionRoot
	archiveCtx := *t.Archive

	if route {
		item := album.Item{Path: output, Kind: task.KindVideo}
		if batch := p.Batcher.Add(archiveCtx, item); batch != nil {
			batch.Source = t.Source
			if err := p.dispatchBatch(batch, root); err != nil {
				return err
			}
		} else if err := p.stashBuffered(archiveCtx, t.Source, item); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.pendingNormalize[root]--
	drained := p.pendingNormalize[root] <= 0
	if drained {
		delete(p.pendingNormalize, root)
	}
	p.mu.Unlock()

	if drained {
		for _, batch := range p.Batcher.Flush(archiveCtx) {
			batch.Source = t.Source
			if err := p.dispatchBatch(batch, root); err != nil {
				return err
			}
		}
	}

	// Drop this task's own hold; on the defer path the ledger entry
	// inherited it instead.
	if route {
		p.Registry.Release(root)
	}
	return nil
}

// enqueueWithRef journals a task that references the root and takes
// its hold before the predecessor can settle.
func (p *Pipeline) enqueueWithRef(stage task.Stage, t *task.Task, root string) error {
	p.Registry.Acquire(root)
	if err := p.Queue.Enqueue(stage, t); err != nil {
		p.Registry.Release(root)
		return failure.Classify(err)
	}
	return nil
}

// stashBuffered journals a media item that just entered an open album
// buffer. The record holds its own root reference until dispatchBatch
// settles it, so a crash replays the item instead of losing it.
func (p *Pipeline) stashBuffered(archiveCtx task.ArchiveContext, src task.SourceRef, item album.Item) error {
	ctxCopy := archiveCtx
	t := &task.Task{
		ID:          task.NextID(),
		Type:        task.TypeExpandEntry,
		Kind:        item.Kind,
		Source:      src,
		Archive:     &ctxCopy,
		Path:        item.Path,
		CleanupRefs: item.CleanupRefs,
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := p.enqueueWithRef(task.StageBuffer, t, archiveCtx.ExtractionRoot); err != nil {
		return err
	}
	p.mu.Lock()
	p.bufferIDs[item.Path] = t.ID
	p.mu.Unlock()
	return nil
}

// dispatchBatch journals an emitted album batch, then settles the
// buffer records of the members that were waiting in it. A crash
// between the two journal writes replays members as duplicates, never
// drops them.
func (p *Pipeline) dispatchBatch(batch *task.Task, root string) error {
	if err := p.enqueueWithRef(task.StageUpload, batch, root); err != nil {
		return err
	}
	for _, f := range batch.Files {
		p.mu.Lock()
		id, ok := p.bufferIDs[f]
		if ok {
			delete(p.bufferIDs, f)
		}
		p.mu.Unlock()
		if !ok {
			continue
		}
		if err := p.Queue.Discard(task.StageBuffer, id); err != nil {
			logging.Warn().Err(err).Str("file", f).Msg("buffer record cleanup failed")
		}
		p.Registry.Release(root)
	}
	return nil
}

// rootFor derives the extraction root for an archive path. Stable
// across retries so a re-run reuses the same partial extraction.
func (p *Pipeline) rootFor(archivePath string) string {
	return filepath.Join(p.ExtractDir,
		fmt.Sprintf("%s.%x", filepath.Base(archivePath), xxhash.Sum64String(archivePath)))
}

// EnqueueConverted is the deferred worker's OnConverted hook: the
// finished output goes out as a single video send, inheriting the
// ledger entry's root hold.
func (p *Pipeline) EnqueueConverted(e ledger.Entry, outputPath string) error {
	t := &task.Task{
		ID:          task.NextID(),
		Type:        task.TypeDirectUpload,
		Kind:        task.KindVideo,
		Path:        outputPath,
		CleanupRefs: []string{outputPath},
		EnqueuedAt:  time.Now().UTC(),
	}
	if e.ExtractionRoot != "" {
		t.Archive = &task.ArchiveContext{ArchiveName: e.ArchiveName, ExtractionRoot: e.ExtractionRoot}
		t.Caption = fmt.Sprintf("%s – %s (converted)", e.ArchiveName, filepath.Base(outputPath))
	}
	return p.Queue.Enqueue(task.StageUpload, t)
}

// deferInvalid is the uploader's escape hatch for members the platform
// rejects as-is.
func (p *Pipeline) deferInvalid(path string, archiveCtx *task.ArchiveContext) {
	entry := ledger.Entry{InputPath: path}
	if archiveCtx != nil {
		entry.ArchiveName = archiveCtx.ArchiveName
		entry.ExtractionRoot = archiveCtx.ExtractionRoot
		// The deferred entry needs its own hold; the rejecting task
		// keeps (and later releases) the one it inherited.
		p.Registry.Acquire(archiveCtx.ExtractionRoot)
	}
	if err := p.Ledger.Defer(entry); err != nil {
		logging.Error().Err(err).Str("path", path).Msg("could not defer rejected member")
	}
}

// completeRoot fires when the last reference to an extraction root is
// released: the archive is recorded as processed and its manifest
// dropped.
func (p *Pipeline) completeRoot(root string) {
	p.mu.Lock()
	comp, ok := p.completions[root]
	delete(p.completions, root)
	p.mu.Unlock()
	if !ok {
		return
	}
	if p.Cache != nil {
		if err := p.Cache.Add(comp.fingerprint, comp.name, comp.size); err != nil {
			logging.Warn().Err(err).Str("archive", comp.name).Msg("processed-cache insert failed")
		}
	}
	if comp.manifest != "" {
		if err := os.Remove(comp.manifest); err != nil && !os.IsNotExist(err) {
			logging.Debug().Err(err).Msg("manifest cleanup failed")
		}
	}
	logging.Info().Str("archive", comp.name).Msg("archive fully relayed")
}

// isDuplicate checks the processed cache by content fingerprint.
func (p *Pipeline) isDuplicate(path string) (bool, error) {
	if p.Cache == nil {
		return false, nil
	}
	fp, err := cache.Fingerprint(path)
	if err != nil {
		return false, failure.New(failure.ClassIntegrity, err)
	}
	return p.Cache.Has(fp), nil
}

func (p *Pipeline) notify(ctx context.Context, src task.SourceRef, text string) {
	if p.Notifier == nil || !src.Valid() {
		return
	}
	p.Notifier.Notify(ctx, src, text)
}


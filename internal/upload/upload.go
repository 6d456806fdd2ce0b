// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

// Package upload relays finished media to the recipient and settles
// the per-archive bookkeeping afterwards.
//
// The uploader speaks to the platform through the Sender interface so
// tests exercise the full failure handling (oversized photos, files
// the platform rejects mid-album, flood waits) without a network.
package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/telearc/telearc/internal/cache"
	"github.com/telearc/telearc/internal/failure"
	"github.com/telearc/telearc/internal/fsutil"
	"github.com/telearc/telearc/internal/journal"
	"github.com/telearc/telearc/internal/logging"
	"github.com/telearc/telearc/internal/media"
	"github.com/telearc/telearc/internal/metrics"
	"github.com/telearc/telearc/internal/registry"
	"github.com/telearc/telearc/internal/task"
)

// Item is one album member with the send attributes the platform wants.
type Item struct {
	Path      string
	Kind      task.Kind
	Width     int
	Height    int
	Duration  time.Duration
	Thumbnail string
}

// Sender delivers media. Implementations classify their transport
// errors with the failure package: flood waits as ClassRateLimit with
// the exact wait, rejected members as ClassMediaInvalid naming the
// paths, oversized photos as ClassPhotoTooLarge naming the paths.
type Sender interface {
	SendAlbum(ctx context.Context, items []Item, caption string) error
	SendFile(ctx context.Context, item Item, caption string) error
}

// maxInAlbumPasses bounds the shrink/partition loop within a single
// handler invocation. Each pass strictly shrinks the member set or the
// photo bytes, so the bound is never hit in practice.
const maxInAlbumPasses = 12

// Uploader handles album_dispatch and direct_upload tasks.
type Uploader struct {
	Sender   Sender
	Registry *registry.Registry

	// Cache records delivered files by content fingerprint so a later
	// intake of the same media short-circuits. Nil disables recording.
	Cache *cache.Cache

	// Attrs probes video metadata for sends; nil skips attributes.
	Attrs func(ctx context.Context, path string) (*media.VideoInfo, string)

	// PhotoSizeLimit triggers proactive shrinking before a send is even
	// attempted. Default 10MB, the platform's photo payload limit.
	PhotoSizeLimit int64

	// OnInvalid diverts files the platform refuses as-is into the
	// deferred conversion ledger.
	OnInvalid func(path string, archive *task.ArchiveContext)

	// OnRootComplete fires when the last upload referencing an
	// extraction root settles. The caller marks the archive processed.
	OnRootComplete func(root string)
}

const defaultPhotoSizeLimit = 10 << 20

func (u *Uploader) photoLimit() int64 {
	if u.PhotoSizeLimit > 0 {
		return u.PhotoSizeLimit
	}
	return defaultPhotoSizeLimit
}

// HandleAlbum sends one album batch. Recoverable platform rejections
// (oversized photos, incompatible members) are repaired in place and
// retried within the call; transport failures propagate to the queue's
// retry policy with the repaired member list already persisted on the
// task.
func (u *Uploader) HandleAlbum(ctx context.Context, t *task.Task) ([]journal.Followup, error) {
	log := logging.WithComponent("upload").With().
		Uint64("task", t.ID).Str("label", t.Label()).Logger()

	files := u.pruneMissing(t)
	if len(files) == 0 {
		log.Warn().Msg("album batch empty after pruning, settling without send")
		u.settle(t)
		return nil, nil
	}

	if t.Kind == task.KindImage {
		if err := u.shrinkOversized(t, nil); err != nil {
			return nil, err
		}
	}

	for pass := 0; pass < maxInAlbumPasses; pass++ {
		items, err := u.buildItems(ctx, t.Files, t.Kind)
		if err != nil {
			return nil, err
		}
		err = u.Sender.SendAlbum(ctx, items, t.Caption)
		if err == nil {
			metrics.AlbumsSent.WithLabelValues(string(t.Kind)).Inc()
			u.recordDelivered(t)
			u.settle(t)
			log.Info().Int("files", len(items)).Msg("album sent")
			return nil, nil
		}

		ferr, ok := failure.AsError(err)
		if !ok {
			return nil, failure.Classify(err)
		}
		switch ferr.Class {
		case failure.ClassPhotoTooLarge:
			if serr := u.shrinkOversized(t, ferr.InvalidFiles); serr != nil {
				return nil, serr
			}
		case failure.ClassMediaInvalid:
			if len(ferr.InvalidFiles) == 0 {
				return nil, failure.New(failure.ClassPermanent, ferr)
			}
			u.divertInvalid(t, ferr.InvalidFiles)
			if len(t.Files) == 0 {
				log.Warn().Msg("entire batch diverted to deferred conversion")
				u.settle(t)
				return nil, nil
			}
		default:
			return nil, ferr
		}
	}
	return nil, failure.Newf(failure.ClassPermanent, "album batch not sendable after %d repair passes", maxInAlbumPasses)
}

// HandleDirect sends a single non-album payload.
func (u *Uploader) HandleDirect(ctx context.Context, t *task.Task) ([]journal.Followup, error) {
	if _, err := os.Stat(t.Path); err != nil {
		logging.Warn().Str("path", t.Path).Msg("direct upload source gone, settling")
		u.settle(t)
		return nil, nil
	}
	items, err := u.buildItems(ctx, []string{t.Path}, t.Kind)
	if err != nil {
		return nil, err
	}
	if err := u.Sender.SendFile(ctx, items[0], t.Caption); err != nil {
		ferr, ok := failure.AsError(err)
		if !ok {
			return nil, failure.Classify(err)
		}
		if ferr.Class == failure.ClassPhotoTooLarge && t.Kind == task.KindImage {
			shrunk, serr := media.ShrinkImage(t.Path, u.photoLimit())
			if serr != nil {
				return nil, failure.New(failure.ClassPermanent, serr)
			}
			t.Path = shrunk
			t.CleanupRefs = append(t.CleanupRefs, shrunk)
		}
		return nil, ferr
	}
	u.recordDelivered(t)
	u.settle(t)
	return nil, nil
}

// pruneMissing drops files deleted out from under the batch.
func (u *Uploader) pruneMissing(t *task.Task) []string {
	kept := t.Files[:0]
	for _, f := range t.Files {
		if _, err := os.Stat(f); err != nil {
			logging.Warn().Str("file", f).Msg("album member missing, skipping")
			continue
		}
		kept = append(kept, f)
	}
	t.Files = kept
	return kept
}

// shrinkOversized replaces oversized photos with re-encoded copies.
// When offenders is nil every file over the limit is shrunk; otherwise
// only the named ones. Replaced paths keep their album position.
func (u *Uploader) shrinkOversized(t *task.Task, offenders []string) error {
	offending := make(map[string]bool, len(offenders))
	for _, f := range offenders {
		offending[f] = true
	}
	limit := u.photoLimit()

	for i, f := range t.Files {
		needs := offending[f] || (offenders == nil && fsutil.FileSize(f) > limit)
		if !needs {
			continue
		}
		shrunk, err := media.ShrinkImage(f, limit)
		if err != nil {
			return failure.New(failure.ClassPermanent,
				fmt.Errorf("shrink %s: %w", f, err))
		}
		logging.Info().Str("from", f).Str("to", shrunk).Msg("oversized photo re-encoded")
		t.Files[i] = shrunk
		t.CleanupRefs = append(t.CleanupRefs, shrunk)
	}
	return nil
}

// divertInvalid removes rejected members from the batch and hands them
// to the deferred conversion ledger.
func (u *Uploader) divertInvalid(t *task.Task, invalid []string) {
	bad := make(map[string]bool, len(invalid))
	for _, f := range invalid {
		bad[f] = true
	}
	kept := t.Files[:0]
	for _, f := range t.Files {
		if bad[f] {
			logging.Warn().Str("file", f).Msg("platform rejected member, deferring for conversion")
			if u.OnInvalid != nil {
				u.OnInvalid(f, t.Archive)
			}
			continue
		}
		kept = append(kept, f)
	}
	t.Files = kept
}

func (u *Uploader) buildItems(ctx context.Context, files []string, kind task.Kind) ([]Item, error) {
	items := make([]Item, 0, len(files))
	for _, f := range files {
		it := Item{Path: f, Kind: kind}
		if kind == task.KindVideo && u.Attrs != nil {
			info, thumb := u.Attrs(ctx, f)
			if info != nil {
				it.Width = info.Width
				it.Height = info.Height
				it.Duration = info.Duration
			}
			it.Thumbnail = thumb
		}
		items = append(items, it)
	}
	return items, nil
}

// recordDelivered fingerprints each sent file into the cache before
// settle deletes it, so re-intaking the same media is a cache hit
// instead of a second delivery. Files already gone are skipped.
func (u *Uploader) recordDelivered(t *task.Task) {
	if u.Cache == nil {
		return
	}
	files := t.Files
	if len(files) == 0 && t.Path != "" {
		files = []string{t.Path}
	}
	for _, f := range files {
		fp, err := cache.Fingerprint(f)
		if err != nil {
			continue
		}
		if err := u.Cache.Add(fp, filepath.Base(f), fsutil.FileSize(f)); err != nil {
			logging.Warn().Err(err).Str("file", f).Msg("could not record delivered file")
		}
	}
}

// settle finalizes a sent (or vacuously complete) upload task: delete
// its cleanup refs, drop the extraction-root reference, and notify the
// archive tracker when the root drains.
func (u *Uploader) settle(t *task.Task) {
	fsutil.RemoveAllQuiet(t.CleanupRefs...)
	if t.Archive == nil || u.Registry == nil {
		return
	}
	if u.Registry.Release(t.Archive.ExtractionRoot) {
		if u.OnRootComplete != nil {
			u.OnRootComplete(t.Archive.ExtractionRoot)
		}
	}
}

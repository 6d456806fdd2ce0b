// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

// Package archive streams media entries out of archive containers one
// at a time, so peak disk usage is one extracted member rather than a
// whole archive. Progress persists in a per-archive manifest, making
// expansion resumable after a crash. Extraction yields to a free-space
// floor: when the disk is low the expander pauses and re-checks until
// space is reclaimed downstream.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/telearc/telearc/internal/fsutil"
	"github.com/telearc/telearc/internal/logging"
	"github.com/telearc/telearc/internal/task"
)

// Entry is one extracted media member handed to the consumer.
type Entry struct {
	// Path is the extracted temp file inside the extraction root.
	Path string
	// Name is the member's name inside the archive.
	Name string
	Kind task.Kind
	Size int64
}

// Expander streams one archive.
type Expander struct {
	archivePath    string
	extractionRoot string
	manifest       *Manifest
	secret         string

	// FreeSpaceFloor pauses extraction when the disk has less than
	// this many bytes available.
	FreeSpaceFloor uint64

	// PausePollInterval is how often a paused expander re-checks disk
	// space. Default 30s.
	PausePollInterval time.Duration

	// OnPause, when set, reports a user-visible pause reason once per
	// backpressure episode.
	OnPause func(reason string)

	skipped int
}

// NewExpander prepares streaming expansion of archivePath into
// extractionRoot, with progress tracked in the manifest at
// manifestPath.
func NewExpander(archivePath, extractionRoot, manifestPath, secret string) *Expander {
	return &Expander{
		archivePath:       archivePath,
		extractionRoot:    extractionRoot,
		manifest:          LoadManifest(manifestPath),
		secret:            secret,
		PausePollInterval: 30 * time.Second,
	}
}

// Manifest exposes the expansion manifest (for progress reporting).
func (e *Expander) Manifest() *Manifest { return e.manifest }

// Skipped returns how many non-media members were passed over.
func (e *Expander) Skipped() int { return e.skipped }

// Expand walks the archive, extracting each media member to a unique
// temp file under the extraction root and invoking consume. When
// consume returns nil the member is marked processed in the manifest;
// an error aborts expansion with the member unmarked, so the next run
// retries it. Members already in the manifest are skipped.
//
// A password-protected archive surfaces ErrSecretRequired before any
// member is extracted.
func (e *Expander) Expand(ctx context.Context, consume func(Entry) error) error {
	if err := os.MkdirAll(e.extractionRoot, fsutil.DirPerm); err != nil {
		return fmt.Errorf("create extraction root: %w", err)
	}

	if e.manifest.Total == 0 {
		total, err := countMembers(e.archivePath, e.secret)
		if err != nil {
			return err
		}
		if err := e.manifest.SetTotal(total); err != nil {
			return err
		}
	}

	c, err := openContainer(e.archivePath, e.secret)
	if err != nil {
		return err
	}
	defer c.Close()

	log := logging.WithComponent("expander")
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m, err := c.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if e.manifest.IsProcessed(m.Name) {
			continue
		}

		kind := task.KindFromPath(m.Name)
		if !task.IsMedia(kind) {
			e.skipped++
			if err := e.manifest.MarkProcessed(m.Name); err != nil {
				return err
			}
			continue
		}

		if err := e.waitForFreeSpace(ctx, uint64(max64(m.Size, 0))); err != nil {
			return err
		}

		path, err := e.extractMember(m)
		if err != nil {
			return err
		}
		log.Debug().Str("member", m.Name).
			Str("size", humanize.Bytes(uint64(max64(m.Size, 0)))).
			Msg("member extracted")

		if err := consume(Entry{Path: path, Name: m.Name, Kind: kind, Size: m.Size}); err != nil {
			// Consumer did not take ownership; drop the temp file so a
			// retry starts clean.
			_ = os.Remove(path)
			return err
		}
		if err := e.manifest.MarkProcessed(m.Name); err != nil {
			return err
		}
	}
}

// extractMember copies one member to a unique temp file keeping the
// original extension (downstream classification relies on it).
func (e *Expander) extractMember(m *Member) (string, error) {
	ext := filepath.Ext(m.Name)
	base := strings.TrimSuffix(filepath.Base(m.Name), ext)
	pattern := base + "-*" + ext

	path, err := fsutil.UniqueTemp(e.extractionRoot, pattern)
	if err != nil {
		return "", err
	}
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := io.Copy(out, m.Reader); err != nil {
		_ = out.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("extract %s: %w", m.Name, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, nil
}

// waitForFreeSpace blocks while the disk holds less than the floor
// plus the member about to be written.
func (e *Expander) waitForFreeSpace(ctx context.Context, needed uint64) error {
	if e.FreeSpaceFloor == 0 {
		return nil
	}
	paused := false
	for {
		free, err := fsutil.FreeSpace(e.extractionRoot)
		if err != nil {
			return err
		}
		if free >= e.FreeSpaceFloor+needed {
			if paused {
				logging.Info().Str("archive", filepath.Base(e.archivePath)).
					Msg("disk space recovered, resuming extraction")
			}
			return nil
		}
		if !paused {
			paused = true
			logging.Warn().
				Str("free", humanize.Bytes(free)).
				Str("floor", humanize.Bytes(e.FreeSpaceFloor)).
				Msg("low disk space, pausing extraction")
			if e.OnPause != nil {
				e.OnPause(fmt.Sprintf("low storage: %s free", humanize.Bytes(free)))
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.PausePollInterval):
		}
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

// Package webdav crawls remote shares and feeds their files into the
// download stage.
//
// Listing goes over PROPFIND; the files themselves are pulled with the
// resumable HTTP fetcher so interrupted transfers continue from the
// partial byte count like any CDN download.
package webdav

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/studio-b12/gowebdav"

	"github.com/telearc/telearc/internal/failure"
	"github.com/telearc/telearc/internal/fetch"
	"github.com/telearc/telearc/internal/journal"
	"github.com/telearc/telearc/internal/logging"
	"github.com/telearc/telearc/internal/task"
)

// MaxCrawlDepth bounds directory recursion on hostile or cyclic
// shares.
const MaxCrawlDepth = 8

// Crawler handles webdav_crawl and webdav_file tasks.
type Crawler struct {
	Base     string
	Username string
	Password string

	DownloadDir string
	Fetcher     *fetch.Fetcher

	client *gowebdav.Client
}

// New builds a crawler for one share.
func New(base, username, password, downloadDir string, fetcher *fetch.Fetcher) *Crawler {
	return &Crawler{
		Base:        strings.TrimRight(base, "/"),
		Username:    username,
		Password:    password,
		DownloadDir: downloadDir,
		Fetcher:     fetcher,
		client:      gowebdav.NewClient(base, username, password),
	}
}

// HandleCrawl lists a remote directory tree and emits one
// download-stage followup per relayable file. Listing errors are
// network-class and ride the normal retry policy.
func (c *Crawler) HandleCrawl(ctx context.Context, t *task.Task) ([]journal.Followup, error) {
	log := logging.WithComponent("webdav").With().Str("remote", t.RemotePath).Logger()

	var followups []journal.Followup
	var files, skipped int
	err := c.walk(ctx, t.RemotePath, 0, func(remote string, size int64) {
		kind := task.KindFromPath(remote)
		if kind == task.KindDocument {
			skipped++
			return
		}
		files++
		followups = append(followups, journal.Followup{
			Stage: task.StageDownload,
			Task: &task.Task{
				ID:           task.NextID(),
				Type:         task.TypeWebdavFile,
				Kind:         kind,
				Source:       t.Source,
				RemotePath:   remote,
				URL:          c.fileURL(remote),
				ExpectedName: path.Base(remote),
				ExpectedSize: size,
				Secret:       t.Secret,
				Destination:  filepath.Join(c.DownloadDir, path.Base(remote)),
				EnqueuedAt:   time.Now().UTC(),
			},
		})
	})
	if err != nil {
		return nil, err
	}

	log.Info().Int("files", files).Int("skipped", skipped).Msg("share crawled")
	return followups, nil
}

// HandleFile downloads one remote file through the resumable fetcher.
func (c *Crawler) HandleFile(ctx context.Context, t *task.Task) ([]journal.Followup, error) {
	headers := http.Header{}
	if c.Username != "" {
		headers.Set("Authorization", basicAuth(c.Username, c.Password))
	}
	err := c.Fetcher.Fetch(ctx, fetch.Options{
		URL:          t.URL,
		Destination:  t.Destination,
		Headers:      headers,
		ExpectedSize: t.ExpectedSize,
	})
	if err != nil {
		return nil, err
	}

	// The downloaded file continues as the matching local-payload task.
	// Archives extract, videos normalize, images need neither and go
	// straight to upload.
	next := &task.Task{
		ID:         task.NextID(),
		Type:       task.TypeExtract,
		Kind:       t.Kind,
		Source:     t.Source,
		Path:       t.Destination,
		Secret:     t.Secret,
		EnqueuedAt: time.Now().UTC(),
	}
	stage := task.StageProcess
	switch t.Kind {
	case task.KindImage:
		next.Type = task.TypeDirectUpload
		next.CleanupRefs = []string{t.Destination}
		stage = task.StageUpload
	case task.KindVideo:
		next.Type = task.TypeNormalize
	}
	return []journal.Followup{{Stage: stage, Task: next}}, nil
}

func (c *Crawler) walk(ctx context.Context, remote string, depth int, visit func(remote string, size int64)) error {
	if err := ctx.Err(); err != nil {
		return failure.Classify(err)
	}
	if depth > MaxCrawlDepth {
		logging.Warn().Str("remote", remote).Msg("crawl depth limit reached, pruning")
		return nil
	}

	entries, err := c.client.ReadDir(remote)
	if err != nil {
		return failure.New(failure.ClassNetwork, fmt.Errorf("list %s: %w", remote, err))
	}
	for _, entry := range entries {
		child := path.Join(remote, entry.Name())
		if entry.IsDir() {
			if err := c.walk(ctx, child, depth+1, visit); err != nil {
				return err
			}
			continue
		}
		visit(child, entry.Size())
	}
	return nil
}

func (c *Crawler) fileURL(remote string) string {
	parts := strings.Split(strings.TrimLeft(remote, "/"), "/")
	for i, p := range parts {
		parts[i] = urlEscape(p)
	}
	return c.Base + "/" + strings.Join(parts, "/")
}

// urlEscape covers the characters share paths actually contain; full
// escaping would also mangle the reserved ones gowebdav keeps literal.
func urlEscape(segment string) string {
	replacer := strings.NewReplacer(
		"%", "%25",
		" ", "%20",
		"#", "%23",
		"?", "%3F",
	)
	return replacer.Replace(segment)
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

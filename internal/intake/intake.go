// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

// Package intake classifies inbound messages and admits work into the
// download stage.
//
// A message can carry an archive attachment, a bare photo or video, or
// text with download links (CDN or WebDAV). Admission applies the
// cheap (name, size) duplicate check, the archive size ceiling, and
// the free disk headroom check before anything is journaled, so
// rejected work never consumes pipeline state.
package intake

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/telearc/telearc/internal/cache"
	"github.com/telearc/telearc/internal/fsutil"
	"github.com/telearc/telearc/internal/logging"
	"github.com/telearc/telearc/internal/queue"
	"github.com/telearc/telearc/internal/task"
)

// Attachment is a file carried by a message.
type Attachment struct {
	FileID   string
	FileName string
	Size     int64
	MimeType string
}

// Message is the transport-neutral inbound message the classifier
// sees. The Telegram layer fills it from updates.
type Message struct {
	Chat      int64
	MessageID int
	Text      string

	Document *Attachment
	Photo    *Attachment
	Video    *Attachment
}

// Decision reports what the classifier did with a message.
type Decision struct {
	Accepted int
	Rejected []string
}

// Intake turns messages into download-stage tasks.
type Intake struct {
	Queue *queue.Engine
	Cache *cache.Cache

	// DownloadDir receives in-flight payloads.
	DownloadDir string

	// MaxArchiveSize rejects anything larger up front. Zero disables
	// the ceiling.
	MaxArchiveSize int64

	// DiskSpaceFactor is the free-space multiple an admission needs
	// over the payload's expected size. Default 2.5: the payload plus
	// extraction headroom.
	DiskSpaceFactor float64

	// WebdavBase routes links under this URL to the WebDAV crawler
	// instead of the plain fetcher. Empty disables WebDAV detection.
	WebdavBase string
}

var (
	linkPattern   = regexp.MustCompile(`https?://\S+`)
	secretPattern = regexp.MustCompile(`(?im)^(?:pass(?:word)?|secret)\s*[:=]\s*(\S+)`)
)

const defaultDiskSpaceFactor = 2.5

// HandleMessage classifies one message and enqueues the resulting
// tasks. Rejections are collected per payload; a message can be partly
// accepted.
func (in *Intake) HandleMessage(ctx context.Context, msg Message) (Decision, error) {
	_ = ctx
	var dec Decision
	src := task.SourceRef{Chat: msg.Chat, MessageID: msg.MessageID}
	secret := extractSecret(msg.Text)
	log := logging.WithComponent("intake").With().
		Int64("chat", msg.Chat).Int("message", msg.MessageID).Logger()

	if att := msg.Document; att != nil {
		if err := in.admitAttachment(src, att, secret); err != nil {
			dec.Rejected = append(dec.Rejected, err.Error())
			log.Info().Str("file", att.FileName).Err(err).Msg("attachment rejected")
		} else {
			dec.Accepted++
		}
	}
	for _, att := range []*Attachment{msg.Photo, msg.Video} {
		if att == nil {
			continue
		}
		if err := in.admitDirectMedia(src, att); err != nil {
			dec.Rejected = append(dec.Rejected, err.Error())
		} else {
			dec.Accepted++
		}
	}

	for _, link := range linkPattern.FindAllString(msg.Text, -1) {
		link = strings.TrimRight(link, ".,;)\"'>")
		if err := in.admitLink(src, link, secret); err != nil {
			dec.Rejected = append(dec.Rejected, fmt.Sprintf("%s: %v", link, err))
			log.Info().Str("link", link).Err(err).Msg("link rejected")
		} else {
			dec.Accepted++
		}
	}

	if dec.Accepted == 0 && len(dec.Rejected) == 0 {
		log.Debug().Msg("message carries no actionable payload")
	}
	return dec, nil
}

// admitAttachment journals a Telegram-attached payload for download.
func (in *Intake) admitAttachment(src task.SourceRef, att *Attachment, secret string) error {
	kind := task.KindFromPath(att.FileName)
	if kind != task.KindArchive && !task.IsMedia(kind) {
		return fmt.Errorf("unsupported attachment type %q", path.Ext(att.FileName))
	}
	if err := in.checkAdmission(att.FileName, att.Size, kind == task.KindArchive); err != nil {
		return err
	}
	t := &task.Task{
		ID:             task.NextID(),
		Type:           task.TypeDownload,
		Kind:           kind,
		Source:         src,
		TelegramFileID: att.FileID,
		ExpectedName:   att.FileName,
		ExpectedSize:   att.Size,
		Secret:         secret,
		Destination:    in.destination(att.FileName),
		EnqueuedAt:     time.Now().UTC(),
	}
	return in.Queue.Enqueue(task.StageDownload, t)
}

// admitDirectMedia journals a bare photo or video for direct relay.
func (in *Intake) admitDirectMedia(src task.SourceRef, att *Attachment) error {
	kind := task.KindFromPath(att.FileName)
	if !task.IsMedia(kind) {
		kind = kindFromMime(att.MimeType)
	}
	if !task.IsMedia(kind) {
		return fmt.Errorf("not a relayable media attachment")
	}
	if err := in.checkAdmission(att.FileName, att.Size, false); err != nil {
		return err
	}
	t := &task.Task{
		ID:             task.NextID(),
		Type:           task.TypeDownload,
		Kind:           kind,
		Source:         src,
		TelegramFileID: att.FileID,
		ExpectedName:   att.FileName,
		ExpectedSize:   att.Size,
		Destination:    in.destination(att.FileName),
		EnqueuedAt:     time.Now().UTC(),
	}
	return in.Queue.Enqueue(task.StageDownload, t)
}

// admitLink journals a CDN or WebDAV link.
func (in *Intake) admitLink(src task.SourceRef, link, secret string) error {
	u, err := url.Parse(link)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("not a fetchable url")
	}

	if in.WebdavBase != "" && strings.HasPrefix(link, in.WebdavBase) {
		remote := strings.TrimPrefix(link, in.WebdavBase)
		t := &task.Task{
			ID:         task.NextID(),
			Type:       task.TypeWebdavCrawl,
			Source:     src,
			RemotePath: remote,
			Secret:     secret,
			EnqueuedAt: time.Now().UTC(),
		}
		return in.Queue.Enqueue(task.StageDownload, t)
	}

	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = "download-" + u.Hostname()
	}
	kind := task.KindFromPath(name)
	if kind == task.KindDocument {
		// Unrecognized extension over plain HTTP: treat as archive
		// candidate, the extractor sorts it out or fails it cleanly.
		kind = task.KindArchive
	}
	if err := in.checkAdmission(name, 0, kind == task.KindArchive); err != nil {
		return err
	}
	t := &task.Task{
		ID:           task.NextID(),
		Type:         task.TypeDownload,
		Kind:         kind,
		Source:       src,
		URL:          link,
		ExpectedName: name,
		Secret:       secret,
		Destination:  in.destination(name),
		EnqueuedAt:   time.Now().UTC(),
	}
	return in.Queue.Enqueue(task.StageDownload, t)
}

// checkAdmission runs the pre-journal gates: name+size duplicate,
// size ceiling, disk headroom. A zero size skips the size-dependent
// checks (link payloads report their size only at fetch time).
func (in *Intake) checkAdmission(name string, size int64, isArchive bool) error {
	if size > 0 && in.Cache != nil && in.Cache.SeenNameSize(name, size) {
		return fmt.Errorf("already processed (%s, %s)", name, humanize.IBytes(uint64(size)))
	}
	if isArchive && in.MaxArchiveSize > 0 && size > in.MaxArchiveSize {
		return fmt.Errorf("archive %s exceeds the %s limit",
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(in.MaxArchiveSize)))
	}
	if size > 0 {
		factor := in.DiskSpaceFactor
		if factor <= 0 {
			factor = defaultDiskSpaceFactor
		}
		free, err := fsutil.FreeSpace(in.DownloadDir)
		if err == nil && float64(free) < float64(size)*factor {
			return fmt.Errorf("insufficient disk space: need %s headroom, have %s",
				humanize.IBytes(uint64(float64(size)*factor)), humanize.IBytes(free))
		}
	}
	return nil
}

func (in *Intake) destination(name string) string {
	return filepath.Join(in.DownloadDir, sanitizeName(name))
}

// sanitizeName strips path separators and control bytes from a remote
// supplied filename.
func sanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if out == "" || out == "." || out == ".." {
		return "unnamed"
	}
	return out
}

// extractSecret pulls an archive password from message text lines like
// "pass: hunter2".
func extractSecret(text string) string {
	m := secretPattern.FindStringSubmatch(text)
	if len(m) == 2 {
		return m[1]
	}
	return ""
}

func kindFromMime(mime string) task.Kind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return task.KindImage
	case strings.HasPrefix(mime, "video/"):
		return task.KindVideo
	default:
		return task.KindDocument
	}
}

// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

// Package task defines the persisted unit of work flowing through the
// staged queues. A Task is a tagged variant: the Type discriminant
// selects which field set is meaningful. Records restored from disk
// with an unknown discriminant are skipped, not failed, so newer
// journals can be read by older binaries.
package task

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/telearc/telearc/internal/failure"
)

// Type discriminates task variants.
type Type string

const (
	TypeDownload       Type = "download"
	TypeExtract        Type = "extract"
	TypeExpandEntry    Type = "expand_entry"
	TypeNormalize      Type = "normalize"
	TypeDeferredConv   Type = "deferred_convert"
	TypeAlbumDispatch  Type = "album_dispatch"
	TypeDirectUpload   Type = "direct_upload"
	TypeWebdavCrawl    Type = "webdav_crawl"
	TypeWebdavFile     Type = "webdav_file"
)

// Kind classifies a payload's media category.
type Kind string

const (
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
	KindArchive  Kind = "archive"
	KindTextLink Kind = "text-link"
)

// Stage names a queue stage.
type Stage string

const (
	StageDownload Stage = "download"
	StageProcess  Stage = "process"
	StageUpload   Stage = "upload"
	StageRetry    Stage = "retry"

	// StageBuffer holds expand_entry records for media waiting in an
	// open album buffer. No worker drains it: records leave when their
	// batch is journaled, or get flushed into album tasks at restore.
	StageBuffer Stage = "buffer"
)

// Stages lists every stage in pipeline order.
func Stages() []Stage {
	return []Stage{StageDownload, StageProcess, StageUpload, StageRetry, StageBuffer}
}

// SourceRef identifies the inbound message a task originated from.
// Restored tasks lose the live handle; replies gated on it are
// best-effort and silently dropped when Chat is zero.
type SourceRef struct {
	Chat      int64 `json:"chat,omitempty"`
	MessageID int   `json:"message_id,omitempty"`
}

// Valid reports whether the ref still points at a live message.
func (r SourceRef) Valid() bool { return r.Chat != 0 }

// ArchiveContext ties a task to the archive it was expanded from.
type ArchiveContext struct {
	ArchiveName    string `json:"archive_name"`
	ExtractionRoot string `json:"extraction_root"`
	ManifestID     string `json:"manifest_id,omitempty"`
}

// Task is a single persisted unit of work. Only the fields relevant to
// Type are populated; the rest stay zero.
type Task struct {
	ID   uint64 `json:"id"`
	Type Type   `json:"type"`
	Kind Kind   `json:"kind,omitempty"`

	Source  SourceRef       `json:"source,omitempty"`
	Archive *ArchiveContext `json:"archive,omitempty"`

	// Download / WebdavFile
	URL          string `json:"url,omitempty"`
	Destination  string `json:"destination,omitempty"`
	ExpectedName string `json:"expected_name,omitempty"`
	ExpectedSize int64  `json:"expected_size,omitempty"`

	// Telegram-attached payloads are fetched by file id, not URL.
	TelegramFileID string `json:"telegram_file_id,omitempty"`

	// Secret unlocks password-protected archives. Carried from the
	// inbound message through download to extraction.
	Secret string `json:"secret,omitempty"`

	// Extract / Normalize / DeferredConvert / DirectUpload
	Path string `json:"path,omitempty"`

	// AlbumDispatch
	Files        []string `json:"files,omitempty"`
	BatchIndex   int      `json:"batch_index,omitempty"`
	BatchTotal   int      `json:"batch_total,omitempty"`
	Caption      string   `json:"caption,omitempty"`

	// WebdavCrawl
	RemotePath string `json:"remote_path,omitempty"`

	// Scheduling and failure state.
	RetryCount    int           `json:"retry_count,omitempty"`
	NextAttemptAt time.Time     `json:"next_attempt_at,omitempty"`
	LastError     failure.Class `json:"last_error_class,omitempty"`

	// CleanupRefs are unlinked after this task's terminal success.
	CleanupRefs []string `json:"cleanup_refs,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Ready reports whether the task may run at now (delayed tasks yield to
// ready ones).
func (t *Task) Ready(now time.Time) bool {
	return t.NextAttemptAt.IsZero() || !t.NextAttemptAt.After(now)
}

// Label is a short human identifier for logs and status output.
func (t *Task) Label() string {
	switch t.Type {
	case TypeAlbumDispatch:
		return fmt.Sprintf("album %s %s %d/%d", t.albumName(), t.Kind, t.BatchIndex, t.BatchTotal)
	case TypeDownload, TypeWebdavFile:
		if t.ExpectedName != "" {
			return t.ExpectedName
		}
		return t.URL
	case TypeWebdavCrawl:
		return "webdav " + t.RemotePath
	default:
		if t.Path != "" {
			return filepath.Base(t.Path)
		}
		return string(t.Type)
	}
}

func (t *Task) albumName() string {
	if t.Archive != nil {
		return t.Archive.ArchiveName
	}
	return "album"
}

var idCounter atomic.Uint64

// NextID returns a monotone per-process task id.
func NextID() uint64 { return idCounter.Add(1) }

// SeedIDs moves the id counter past the highest id seen on restore, so
// restored and new tasks never collide.
func SeedIDs(highest uint64) {
	for {
		cur := idCounter.Load()
		if cur >= highest || idCounter.CompareAndSwap(cur, highest) {
			return
		}
	}
}

// Encode serializes a task record for the journal.
func Encode(t *Task) ([]byte, error) {
	return json.Marshal(t)
}

// Decode parses a journal record. Records with an unknown discriminant
// decode with ok=false and must be skipped by the caller.
func Decode(data []byte) (*Task, bool, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, false, fmt.Errorf("decode task record: %w", err)
	}
	if !knownType(t.Type) {
		return &t, false, nil
	}
	normalize(&t)
	return &t, true, nil
}

func knownType(tt Type) bool {
	switch tt {
	case TypeDownload, TypeExtract, TypeExpandEntry, TypeNormalize,
		TypeDeferredConv, TypeAlbumDispatch, TypeDirectUpload,
		TypeWebdavCrawl, TypeWebdavFile:
		return true
	default:
		return false
	}
}

// normalize fills conservative defaults into legacy records that
// predate newer fields.
func normalize(t *Task) {
	if t.Kind == "" {
		t.Kind = KindFromPath(firstPath(t))
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now().UTC()
	}
	if t.RetryCount < 0 {
		t.RetryCount = 0
	}
}

func firstPath(t *Task) string {
	if t.Path != "" {
		return t.Path
	}
	if len(t.Files) > 0 {
		return t.Files[0]
	}
	if t.ExpectedName != "" {
		return t.ExpectedName
	}
	return t.URL
}

// Extension taxonomies. GIFs are deliberately excluded from images so
// they do not get sent with document behavior.
var (
	photoExtensions = map[string]bool{
		".png": true, ".jpg": true, ".jpeg": true, ".bmp": true,
	}
	videoExtensions = map[string]bool{
		".mp4": true, ".mkv": true, ".avi": true, ".mov": true,
		".webm": true, ".ts": true, ".m4v": true, ".flv": true,
		".wmv": true, ".3gp": true, ".vob": true, ".m2ts": true,
		".mts": true, ".m2v": true, ".mpg": true, ".mpeg": true,
		".ogv": true, ".ogg": true, ".drc": true, ".gifv": true,
		".mng": true, ".qt": true, ".yuv": true, ".rm": true,
		".rmvb": true, ".asf": true, ".amv": true, ".m3u8": true,
	}
	archiveExtensions = map[string]bool{
		".zip": true, ".rar": true, ".7z": true, ".tar": true,
		".gz": true, ".bz2": true, ".xz": true,
	}
)

// KindFromPath classifies a filename by extension.
func KindFromPath(path string) Kind {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case photoExtensions[ext]:
		return KindImage
	case videoExtensions[ext]:
		return KindVideo
	case archiveExtensions[ext]:
		return KindArchive
	default:
		return KindDocument
	}
}

// IsMedia reports whether the kind rides the album path.
func IsMedia(k Kind) bool { return k == KindImage || k == KindVideo }

// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

package telegram

import (
	"errors"
	"testing"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/telearc/telearc/internal/failure"
)

func TestClassifyAPIError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		paths     []string
		wantClass failure.Class
		wantWait  time.Duration
		wantFiles int
	}{
		{
			name:      "flood wait with retry after",
			err:       errors.New("Too Many Requests: retry after 47"),
			wantClass: failure.ClassRateLimit,
			wantWait:  47 * time.Second,
		},
		{
			name:      "flood wait without number",
			err:       errors.New("429 too many requests"),
			wantClass: failure.ClassRateLimit,
			wantWait:  30 * time.Second,
		},
		{
			name:      "photo invalid dimensions",
			err:       errors.New("Bad Request: PHOTO_INVALID_DIMENSIONS"),
			paths:     []string{"/x/a.jpg"},
			wantClass: failure.ClassPhotoTooLarge,
			wantFiles: 1,
		},
		{
			name:      "file too big with photo in batch",
			err:       errors.New("Request Entity Too Large: file is too big"),
			paths:     []string{"/x/a.png"},
			wantClass: failure.ClassPhotoTooLarge,
			wantFiles: 1,
		},
		{
			name:      "video content type invalid",
			err:       errors.New("Bad Request: VIDEO_CONTENT_TYPE_INVALID"),
			paths:     []string{"/x/clip.webm"},
			wantClass: failure.ClassMediaInvalid,
			wantFiles: 1,
		},
		{
			name:      "wrong file identifier",
			err:       errors.New("Bad Request: wrong file identifier/HTTP URL specified"),
			wantClass: failure.ClassMediaInvalid,
		},
		{
			name:      "blocked bot",
			err:       errors.New("Forbidden: bot was blocked by the user"),
			wantClass: failure.ClassAuth,
		},
		{
			name:      "unauthorized",
			err:       errors.New("Unauthorized"),
			wantClass: failure.ClassAuth,
		},
		{
			name:      "bad gateway",
			err:       errors.New("Bad Gateway"),
			wantClass: failure.ClassNetwork,
		},
		{
			name:      "unknown falls back to generic classification",
			err:       errors.New("Bad Request: message text is empty"),
			wantClass: failure.ClassPermanent,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ClassifyAPIError(tt.err, tt.paths)
			ferr, ok := failure.AsError(got)
			if !ok {
				t.Fatalf("ClassifyAPIError() = %v, not a classified error", got)
			}
			if ferr.Class != tt.wantClass {
				t.Errorf("class = %s, want %s", ferr.Class, tt.wantClass)
			}
			if tt.wantWait != 0 && ferr.Wait != tt.wantWait {
				t.Errorf("wait = %v, want %v", ferr.Wait, tt.wantWait)
			}
			if tt.wantFiles != 0 && len(ferr.InvalidFiles) != tt.wantFiles {
				t.Errorf("invalid files = %v, want %d", ferr.InvalidFiles, tt.wantFiles)
			}
		})
	}
}

func TestClassifyAPIErrorNil(t *testing.T) {
	t.Parallel()
	if got := ClassifyAPIError(nil, nil); got != nil {
		t.Errorf("ClassifyAPIError(nil) = %v, want nil", got)
	}
}

func TestHasPhoto(t *testing.T) {
	t.Parallel()
	tests := []struct {
		paths []string
		want  bool
	}{
		{[]string{"/x/a.jpg"}, true},
		{[]string{"/x/A.JPEG"}, true},
		{[]string{"/x/a.png", "/x/b.mp4"}, true},
		{[]string{"/x/b.mp4"}, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := hasPhoto(tt.paths); got != tt.want {
			t.Errorf("hasPhoto(%v) = %v, want %v", tt.paths, got, tt.want)
		}
	}
}

func TestCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text string
		want string
	}{
		{"/status", "status"},
		{"/STATUS", "status"},
		{"/status@telearc_bot", "status"},
		{"/help now please", "help"},
		{"status", ""},
		{"just text", ""},
	}
	for _, tt := range tests {
		if got := command(tt.text); got != tt.want {
			t.Errorf("command(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestToIntakeMessage(t *testing.T) {
	t.Parallel()

	msg := &models.Message{
		ID:   42,
		Chat: models.Chat{ID: 7},
		Text: "pass: hunter2",
		Document: &models.Document{
			FileID: "D1", FileName: "set.zip", FileSize: 1024, MimeType: "application/zip",
		},
		Photo: []models.PhotoSize{
			{FileID: "P-small", FileSize: 100},
			{FileID: "P-large", FileSize: 900},
		},
		Video: &models.Video{FileID: "V1", FileSize: 5000, MimeType: "video/mp4"},
	}

	out := toIntakeMessage(msg)
	if out.Chat != 7 || out.MessageID != 42 || out.Text != "pass: hunter2" {
		t.Errorf("envelope = %+v", out)
	}
	if out.Document == nil || out.Document.FileID != "D1" || out.Document.Size != 1024 {
		t.Errorf("document = %+v", out.Document)
	}
	if out.Photo == nil || out.Photo.FileID != "P-large" {
		t.Errorf("photo = %+v, want the largest size", out.Photo)
	}
	if out.Photo.FileName != "photo_42.jpg" {
		t.Errorf("photo name = %q", out.Photo.FileName)
	}
	if out.Video == nil || out.Video.FileName != "video_42.mp4" || out.Video.MimeType != "video/mp4" {
		t.Errorf("video = %+v", out.Video)
	}
}

func TestToIntakeMessageCaptionFallback(t *testing.T) {
	t.Parallel()
	msg := &models.Message{
		ID:      1,
		Chat:    models.Chat{ID: 7},
		Caption: "secret: abc",
		Document: &models.Document{
			FileID: "D1", FileName: "set.rar", FileSize: 10,
		},
	}
	out := toIntakeMessage(msg)
	if out.Text != "secret: abc" {
		t.Errorf("Text = %q, want the caption when text is empty", out.Text)
	}
}

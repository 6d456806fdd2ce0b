// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

package telegram

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/telearc/telearc/internal/failure"
)

var retryAfterPattern = regexp.MustCompile(`retry.?after:?\s+(\d+)`)

// ClassifyAPIError maps Bot API error text onto the failure taxonomy.
// Flood waits carry the server's exact wait; paths name the payloads a
// content rejection refers to.
func ClassifyAPIError(err error, paths []string) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())

	if m := retryAfterPattern.FindStringSubmatch(msg); m != nil {
		secs, _ := strconv.Atoi(m[1])
		return failure.RateLimit(time.Duration(secs) * time.Second)
	}
	if strings.Contains(msg, "too many requests") {
		return failure.RateLimit(30 * time.Second)
	}

	switch {
	case strings.Contains(msg, "photo_invalid_dimensions"),
		strings.Contains(msg, "photo_ext_invalid"),
		strings.Contains(msg, "file is too big") && hasPhoto(paths):
		return failure.PhotoTooLarge(paths, err)
	case strings.Contains(msg, "wrong file identifier"),
		strings.Contains(msg, "failed to get http url content"),
		strings.Contains(msg, "video_content_type_invalid"),
		strings.Contains(msg, "wrong type of the web page content"),
		strings.Contains(msg, "image_process_failed"):
		return failure.MediaInvalid(paths, err)
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "bot was blocked"),
		strings.Contains(msg, "chat not found"):
		return failure.New(failure.ClassAuth, err)
	case strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "gateway timeout"),
		strings.Contains(msg, "service unavailable"):
		return failure.New(failure.ClassNetwork, err)
	}
	return failure.Classify(err)
}

func hasPhoto(paths []string) bool {
	for _, p := range paths {
		lower := strings.ToLower(p)
		if strings.HasSuffix(lower, ".jpg") || strings.HasSuffix(lower, ".jpeg") ||
			strings.HasSuffix(lower, ".png") || strings.HasSuffix(lower, ".bmp") {
			return true
		}
	}
	return false
}

// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

package telegram

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"

	"github.com/telearc/telearc/internal/failure"
	"github.com/telearc/telearc/internal/fetch"
	"github.com/telearc/telearc/internal/task"
)

// Downloader resolves Telegram file ids to file-server URLs and pulls
// them through the resumable fetcher. The file path from GetFile is
// valid for an hour; re-resolving on every attempt keeps retries
// working past that.
type Downloader struct {
	Bot     *bot.Bot
	Fetcher *fetch.Fetcher
}

// Download fetches the task's attached payload to its destination.
func (d *Downloader) Download(ctx context.Context, t *task.Task, onProgress fetch.Progress) error {
	info, err := d.Bot.GetFile(ctx, &bot.GetFileParams{FileID: t.TelegramFileID})
	if err != nil {
		return ClassifyAPIError(err, nil)
	}
	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", d.Bot.Token(), info.FilePath)

	err = d.Fetcher.Fetch(ctx, fetch.Options{
		URL:          url,
		Destination:  t.Destination,
		ExpectedSize: t.ExpectedSize,
		OnProgress:   onProgress,
	})
	if err != nil {
		if _, ok := failure.AsError(err); ok {
			return err
		}
		return failure.Classify(err)
	}
	return nil
}

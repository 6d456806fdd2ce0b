// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

package telegram

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/telearc/telearc/internal/failure"
	"github.com/telearc/telearc/internal/logging"
	"github.com/telearc/telearc/internal/media"
	"github.com/telearc/telearc/internal/task"
	"github.com/telearc/telearc/internal/upload"
)

// Sender delivers media groups and single files to the recipient chat.
// It satisfies upload.Sender.
type Sender struct {
	Bot       *bot.Bot
	Recipient int64

	// Prober isolates unsendable members after a media-group
	// rejection, since the Bot API error does not name the offender.
	Prober *media.Prober
}

// SendAlbum delivers one batch as a media group. The caption rides on
// the first member.
func (s *Sender) SendAlbum(ctx context.Context, items []upload.Item, caption string) error {
	group := make([]models.InputMedia, 0, len(items))
	open := make([]*os.File, 0, len(items))
	defer func() {
		for _, f := range open {
			f.Close()
		}
	}()

	for i, it := range items {
		f, err := os.Open(it.Path)
		if err != nil {
			return failure.MediaInvalid([]string{it.Path}, err)
		}
		open = append(open, f)

		attach := fmt.Sprintf("attach://%s", filepath.Base(it.Path))
		memberCaption := ""
		if i == 0 {
			memberCaption = caption
		}
		switch it.Kind {
		case task.KindVideo:
			group = append(group, &models.InputMediaVideo{
				Media:             attach,
				MediaAttachment:   f,
				Caption:           memberCaption,
				Width:             it.Width,
				Height:            it.Height,
				Duration:          int(it.Duration.Seconds()),
				SupportsStreaming: true,
			})
		default:
			group = append(group, &models.InputMediaPhoto{
				Media:           attach,
				MediaAttachment: f,
				Caption:         memberCaption,
			})
		}
	}

	_, err := s.Bot.SendMediaGroup(ctx, &bot.SendMediaGroupParams{
		ChatID: s.Recipient,
		Media:  group,
	})
	if err != nil {
		return s.classifyAlbumError(ctx, err, items)
	}
	return nil
}

// SendFile delivers a single payload outside an album.
func (s *Sender) SendFile(ctx context.Context, item upload.Item, caption string) error {
	f, err := os.Open(item.Path)
	if err != nil {
		return failure.MediaInvalid([]string{item.Path}, err)
	}
	defer f.Close()

	name := filepath.Base(item.Path)
	upl := &models.InputFileUpload{Filename: name, Data: f}

	switch item.Kind {
	case task.KindImage:
		_, err = s.Bot.SendPhoto(ctx, &bot.SendPhotoParams{
			ChatID: s.Recipient, Photo: upl, Caption: caption,
		})
	case task.KindVideo:
		_, err = s.Bot.SendVideo(ctx, &bot.SendVideoParams{
			ChatID: s.Recipient, Video: upl, Caption: caption,
			Width: item.Width, Height: item.Height,
			Duration: int(item.Duration.Seconds()), SupportsStreaming: true,
		})
	default:
		_, err = s.Bot.SendDocument(ctx, &bot.SendDocumentParams{
			ChatID: s.Recipient, Document: upl, Caption: caption,
		})
	}
	if err != nil {
		return ClassifyAPIError(err, []string{item.Path})
	}
	return nil
}

// classifyAlbumError turns a media-group rejection into a failure the
// uploader can act on. For invalid-media rejections the API does not
// say which member; each video is probed locally and the unreadable
// ones are reported, falling back to the whole batch.
func (s *Sender) classifyAlbumError(ctx context.Context, err error, items []upload.Item) error {
	paths := make([]string, len(items))
	for i, it := range items {
		paths[i] = it.Path
	}
	ferr := ClassifyAPIError(err, paths)
	fe, ok := failure.AsError(ferr)
	if !ok || fe.Class != failure.ClassMediaInvalid || s.Prober == nil || !s.Prober.Available() {
		return ferr
	}

	var bad []string
	for _, it := range items {
		if it.Kind != task.KindVideo {
			continue
		}
		if _, perr := s.Prober.Probe(ctx, it.Path); perr != nil {
			bad = append(bad, it.Path)
		}
	}
	if len(bad) == 0 {
		lg := logging.WithComponent("telegram")
		lg.Warn().
			Msg("media group rejected but probing found no offender, deferring whole batch")
		return fe
	}
	return failure.MediaInvalid(bad, err)
}

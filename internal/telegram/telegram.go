// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

// Package telegram binds the pipeline to the Bot API: the long-poll
// intake of inbound messages, the file-id download path, and the
// outbound album sender.
package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/telearc/telearc/internal/intake"
	"github.com/telearc/telearc/internal/logging"
)

// Config wires the bot service.
type Config struct {
	Token string

	// Recipient is the chat all relayed media goes to.
	Recipient int64

	// AllowedChats restricts which chats may submit work. Empty allows
	// any chat.
	AllowedChats []int64

	PollTimeout time.Duration
}

// StatusFunc renders the /status reply.
type StatusFunc func() string

// Service runs the long-poll loop and feeds classified messages into
// the intake.
type Service struct {
	cfg    Config
	bot    *bot.Bot
	intake *intake.Intake
	status StatusFunc

	allowed map[int64]bool
}

// NewService builds the bot and registers the update handlers. The
// returned service is a suture.Service; polling starts at Serve.
func NewService(cfg Config, in *intake.Intake, status StatusFunc) (*Service, error) {
	s := &Service{cfg: cfg, intake: in, status: status}
	if len(cfg.AllowedChats) > 0 {
		s.allowed = make(map[int64]bool, len(cfg.AllowedChats))
		for _, id := range cfg.AllowedChats {
			s.allowed[id] = true
		}
	}

	opts := []bot.Option{
		bot.WithSkipGetMe(),
		bot.WithDefaultHandler(func(ctx context.Context, b *bot.Bot, update *models.Update) {
			s.handleUpdate(ctx, update)
		}),
	}
	b, err := bot.New(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	s.bot = b
	return s, nil
}

// Bot exposes the underlying client for the sender and downloader.
func (s *Service) Bot() *bot.Bot { return s.bot }

// Serve long-polls until the context is canceled.
func (s *Service) Serve(ctx context.Context) error {
	lg := logging.WithComponent("telegram")
	lg.Info().Msg("long-poll started")
	s.bot.Start(ctx)
	return ctx.Err()
}

func (s *Service) String() string { return "telegram-poller" }

func (s *Service) handleUpdate(ctx context.Context, update *models.Update) {
	msg := update.Message
	if msg == nil {
		return
	}
	log := logging.WithComponent("telegram").With().
		Int64("chat", msg.Chat.ID).Int("message", msg.ID).Logger()

	if s.allowed != nil && !s.allowed[msg.Chat.ID] {
		log.Warn().Msg("message from unauthorized chat ignored")
		return
	}

	if cmd := command(msg.Text); cmd != "" {
		s.handleCommand(ctx, msg.Chat.ID, cmd)
		return
	}

	dec, err := s.intake.HandleMessage(ctx, toIntakeMessage(msg))
	if err != nil {
		log.Error().Err(err).Msg("intake failed")
		return
	}
	if len(dec.Rejected) > 0 {
		s.reply(ctx, msg.Chat.ID, msg.ID, "Rejected:\n"+strings.Join(dec.Rejected, "\n"))
	}
	if dec.Accepted > 0 {
		s.reply(ctx, msg.Chat.ID, msg.ID, fmt.Sprintf("Queued %d item(s).", dec.Accepted))
	}
}

func (s *Service) handleCommand(ctx context.Context, chat int64, cmd string) {
	switch cmd {
	case "status":
		text := "status unavailable"
		if s.status != nil {
			text = s.status()
		}
		s.reply(ctx, chat, 0, text)
	case "start", "help":
		s.reply(ctx, chat, 0,
			"Send an archive, a photo/video, or a download link and I will relay the media as albums.")
	}
}

// reply is best effort; a failed notification never blocks the
// pipeline.
func (s *Service) reply(ctx context.Context, chat int64, inReplyTo int, text string) {
	params := &bot.SendMessageParams{ChatID: chat, Text: text}
	if inReplyTo != 0 {
		params.ReplyParameters = &models.ReplyParameters{MessageID: inReplyTo}
	}
	if _, err := s.bot.SendMessage(ctx, params); err != nil {
		lg := logging.WithComponent("telegram")
		lg.Debug().Err(err).Msg("reply failed")
	}
}

func command(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd := strings.TrimPrefix(strings.Fields(text)[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd)
}

func toIntakeMessage(msg *models.Message) intake.Message {
	out := intake.Message{
		Chat:      msg.Chat.ID,
		MessageID: msg.ID,
		Text:      msg.Text,
	}
	if out.Text == "" {
		out.Text = msg.Caption
	}
	if doc := msg.Document; doc != nil {
		out.Document = &intake.Attachment{
			FileID:   doc.FileID,
			FileName: doc.FileName,
			Size:     int64(doc.FileSize),
			MimeType: doc.MimeType,
		}
	}
	if len(msg.Photo) > 0 {
		// Largest size is last.
		ph := msg.Photo[len(msg.Photo)-1]
		out.Photo = &intake.Attachment{
			FileID:   ph.FileID,
			FileName: fmt.Sprintf("photo_%d.jpg", msg.ID),
			Size:     int64(ph.FileSize),
			MimeType: "image/jpeg",
		}
	}
	if vid := msg.Video; vid != nil {
		name := vid.FileName
		if name == "" {
			name = fmt.Sprintf("video_%d.mp4", msg.ID)
		}
		out.Video = &intake.Attachment{
			FileID:   vid.FileID,
			FileName: name,
			Size:     int64(vid.FileSize),
			MimeType: vid.MimeType,
		}
	}
	return out
}

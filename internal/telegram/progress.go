// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/go-telegram/bot"

	"github.com/telearc/telearc/internal/logging"
	"github.com/telearc/telearc/internal/task"
)

// ProgressNotifier posts download progress back to the submitting chat
// by editing a single status message per payload. The fetcher already
// throttles calls to the percent-step and interval floor, so every
// invocation here is worth an edit.
type ProgressNotifier struct {
	Bot *bot.Bot

	mu   sync.Mutex
	msgs map[string]int
}

// Progress updates (or creates) the payload's status message.
func (n *ProgressNotifier) Progress(ctx context.Context, src task.SourceRef, label string, written, total int64) {
	if !src.Valid() {
		return
	}
	pct := 0.0
	if total > 0 {
		pct = float64(written) / float64(total) * 100
	}
	text := fmt.Sprintf("%s: %.0f%% (%s / %s)", label, pct,
		humanize.IBytes(uint64(written)), humanize.IBytes(uint64(total)))

	key := fmt.Sprintf("%d:%s", src.Chat, label)
	n.mu.Lock()
	if n.msgs == nil {
		n.msgs = make(map[string]int)
	}
	msgID, ok := n.msgs[key]
	n.mu.Unlock()

	if !ok {
		sent, err := n.Bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: src.Chat, Text: text})
		if err != nil {
			lg := logging.WithComponent("telegram")
			lg.Debug().Err(err).Msg("progress message failed")
			return
		}
		n.mu.Lock()
		n.msgs[key] = sent.ID
		n.mu.Unlock()
		return
	}

	_, err := n.Bot.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID: src.Chat, MessageID: msgID, Text: text,
	})
	if err != nil && !strings.Contains(err.Error(), "message is not modified") {
		lg := logging.WithComponent("telegram")
		lg.Debug().Err(err).Msg("progress edit failed")
	}
	if written >= total && total > 0 {
		n.mu.Lock()
		delete(n.msgs, key)
		n.mu.Unlock()
	}
}

// Notify sends a one-off status line, replying to the source message
// when it is still addressable.
func (n *ProgressNotifier) Notify(ctx context.Context, src task.SourceRef, text string) {
	if !src.Valid() {
		return
	}
	params := &bot.SendMessageParams{ChatID: src.Chat, Text: text}
	if _, err := n.Bot.SendMessage(ctx, params); err != nil {
		lg := logging.WithComponent("telegram")
		lg.Debug().Err(err).Msg("notify failed")
	}
}

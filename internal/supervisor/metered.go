// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

package supervisor

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/telearc/telearc/internal/logging"
)

// MeteredGuard holds the download stage while the network link is
// metered. It polls a probe endpoint (typically exported by the host's
// network manager) and flips a gate that download workers block on.
// Implements suture.Service.
type MeteredGuard struct {
	ProbeURL string

	// Interval defaults to 30s.
	Interval time.Duration

	// Client defaults to a 10s-timeout client.
	Client *http.Client

	mu      sync.Mutex
	metered bool
	ready   chan struct{} // closed while unmetered
}

// NewMeteredGuard starts permissive: downloads run until the first
// probe says otherwise.
func NewMeteredGuard(probeURL string, interval time.Duration) *MeteredGuard {
	ready := make(chan struct{})
	close(ready)
	return &MeteredGuard{ProbeURL: probeURL, Interval: interval, ready: ready}
}

// Gate blocks until the link is unmetered or the context ends. Wire it
// as the download stage's admission gate.
func (g *MeteredGuard) Gate(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ready
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Metered reports the last probe verdict.
func (g *MeteredGuard) Metered() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.metered
}

func (g *MeteredGuard) Serve(ctx context.Context) error {
	interval := g.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	g.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.probe(ctx)
		}
	}
}

// probe asks the endpoint whether the link is metered. A 2xx body of
// "1", "true", "yes" or "metered" closes the gate; probe failures keep
// the last known state.
func (g *MeteredGuard) probe(ctx context.Context) {
	lg := logging.WithComponent("supervisor")
	client := g.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.ProbeURL, nil)
	if err != nil {
		lg.Error().Err(err).Str("url", g.ProbeURL).Msg("bad metered probe URL")
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		lg.Debug().Err(err).Msg("metered probe failed, keeping last state")
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		lg.Debug().Int("status", resp.StatusCode).Msg("metered probe unusable, keeping last state")
		return
	}

	metered := false
	switch strings.ToLower(strings.TrimSpace(string(body))) {
	case "1", "true", "yes", "metered":
		metered = true
	}
	g.set(metered)
}

func (g *MeteredGuard) set(metered bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if metered == g.metered {
		return
	}
	g.metered = metered
	lg := logging.WithComponent("supervisor")
	if metered {
		g.ready = make(chan struct{})
		lg.Info().Msg("metered link detected, pausing downloads")
	} else {
		close(g.ready)
		lg.Info().Msg("link unmetered, resuming downloads")
	}
}

func (g *MeteredGuard) String() string { return "metered-guard" }

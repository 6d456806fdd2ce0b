// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

package journal

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/telearc/telearc/internal/logging"
)

// Compactor periodically reclaims journal disk space. It runs as a
// suture service under the maintenance layer.
type Compactor struct {
	journal *Journal
}

// NewCompactor returns a compaction service for the journal.
func NewCompactor(j *Journal) *Compactor {
	return &Compactor{journal: j}
}

// Serve runs value-log GC on the configured interval until the context
// is canceled. Implements suture.Service.
func (c *Compactor) Serve(ctx context.Context) error {
	log := logging.WithComponent("journal-compactor")
	interval := c.journal.cfg.GCInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Repeat until Badger reports nothing left to rewrite.
			passes := 0
			for {
				err := c.journal.RunGC(c.journal.cfg.GCRatio)
				if err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, ErrClosed) {
						log.Warn().Err(err).Msg("value-log GC pass failed")
					}
					break
				}
				passes++
			}
			if passes > 0 {
				stats := c.journal.Stats()
				log.Debug().Int("passes", passes).
					Int64("lsm_bytes", stats.LSMSize).
					Int64("vlog_bytes", stats.VLogSize).
					Msg("journal compacted")
			}
		}
	}
}

func (c *Compactor) String() string { return "journal-compactor" }

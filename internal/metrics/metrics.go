// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

// Package metrics provides Prometheus instrumentation for the
// pipeline: stage throughput and latency, retry and quarantine
// counters, journal size, and deferred conversion backlog.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telearc/telearc/internal/failure"
	"github.com/telearc/telearc/internal/logging"
	"github.com/telearc/telearc/internal/task"
)

var (
	TasksStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_tasks_started_total",
			Help: "Tasks handed to a stage worker",
		},
		[]string{"stage", "type"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_tasks_completed_total",
			Help: "Tasks that finished and were removed from the journal",
		},
		[]string{"stage", "type"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_task_duration_seconds",
			Help:    "Wall time per task execution",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"stage", "type"},
	)

	TaskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_task_retries_total",
			Help: "Retry schedules by failure class",
		},
		[]string{"stage", "class"},
	)

	TasksQuarantined = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_tasks_quarantined_total",
			Help: "Tasks moved to the quarantine index",
		},
		[]string{"stage", "class"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_queue_depth",
			Help: "Queued (not in-flight) tasks per stage",
		},
		[]string{"stage"},
	)

	BytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_bytes_downloaded_total",
			Help: "Payload bytes written to disk",
		},
	)

	AlbumsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_albums_sent_total",
			Help: "Media groups delivered",
		},
		[]string{"kind"},
	)

	DeferredBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_deferred_conversions_pending",
			Help: "Ledger entries waiting for idle-time conversion",
		},
	)

	JournalSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_journal_size_bytes",
			Help: "Journal store size by segment",
		},
		[]string{"segment"}, // "lsm", "vlog"
	)
)

// Observer feeds queue engine events into the counters. It satisfies
// queue.Observer.
type Observer struct{}

func (Observer) TaskStarted(stage task.Stage, t *task.Task) {
	TasksStarted.WithLabelValues(string(stage), string(t.Type)).Inc()
}

func (Observer) TaskCompleted(stage task.Stage, t *task.Task, took time.Duration) {
	TasksCompleted.WithLabelValues(string(stage), string(t.Type)).Inc()
	TaskDuration.WithLabelValues(string(stage), string(t.Type)).Observe(took.Seconds())
}

func (Observer) TaskRetried(stage task.Stage, t *task.Task, class failure.Class, wait time.Duration) {
	TaskRetries.WithLabelValues(string(stage), string(class)).Inc()
}

func (Observer) TaskQuarantined(stage task.Stage, t *task.Task, class failure.Class) {
	TasksQuarantined.WithLabelValues(string(stage), string(class)).Inc()
}

// Server exposes /metrics. Implements suture.Service.
type Server struct {
	Listen string

	// Collect refreshes gauges before the next scrape window.
	Collect func()

	// CollectInterval defaults to 15s.
	CollectInterval time.Duration
}

// Serve runs the exposition endpoint until the context is canceled.
func (s *Server) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: s.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	interval := s.CollectInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lg := logging.WithComponent("metrics")
	lg.Info().Str("listen", s.Listen).Msg("metrics endpoint up")
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			return ctx.Err()
		case err := <-errc:
			if errors.Is(err, http.ErrServerClosed) {
				return ctx.Err()
			}
			return err
		case <-ticker.C:
			if s.Collect != nil {
				s.Collect()
			}
		}
	}
}

func (s *Server) String() string { return "metrics-server" }

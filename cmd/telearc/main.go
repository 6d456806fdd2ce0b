// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

// Package main is the entry point for the Telearc daemon.
//
// Telearc watches a Telegram bot's inbound messages for archives,
// media, and download links, pulls the payloads with resumable
// transfers, extracts and normalizes the media inside, and relays
// everything to a configured recipient as grouped albums.
//
// # Application Architecture
//
// The daemon initializes components in the following order:
//
//  1. Configuration: layered load from defaults, config.yaml, and
//     environment variables (Koanf v2)
//  2. Singleton lock: one instance per data directory
//  3. Journal: BadgerDB store backing the staged task queues
//  4. State: processed-archive cache and deferred-conversion ledger
//  5. Telegram: long-poll bot, intake classification, album sender
//  6. Pipeline: stage handlers wired onto the queue engine
//  7. Restore: surviving journal records re-enter their stages,
//     partial albums are regrouped
//  8. Supervisor tree: stage workers and maintenance loops under
//     suture
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): environment variables, config file, built-in
// defaults. BOT_TOKEN and TELEGRAM_RECIPIENT are the only required
// settings.
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: workers finish or
// abandon their current task (the journal record survives either way),
// the journal closes cleanly, and the pid lock is released.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/telearc/telearc/internal/album"
	"github.com/telearc/telearc/internal/cache"
	"github.com/telearc/telearc/internal/config"
	"github.com/telearc/telearc/internal/failure"
	"github.com/telearc/telearc/internal/fetch"
	"github.com/telearc/telearc/internal/fsutil"
	"github.com/telearc/telearc/internal/intake"
	"github.com/telearc/telearc/internal/journal"
	"github.com/telearc/telearc/internal/ledger"
	"github.com/telearc/telearc/internal/logging"
	"github.com/telearc/telearc/internal/media"
	"github.com/telearc/telearc/internal/metrics"
	"github.com/telearc/telearc/internal/pipeline"
	"github.com/telearc/telearc/internal/queue"
	"github.com/telearc/telearc/internal/registry"
	"github.com/telearc/telearc/internal/supervisor"
	"github.com/telearc/telearc/internal/task"
	"github.com/telearc/telearc/internal/telegram"
	"github.com/telearc/telearc/internal/upload"
	"github.com/telearc/telearc/internal/webdav"
)

//nolint:gocyclo // Main initialization function with sequential setup steps
func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Int64("recipient", cfg.Telegram.Recipient).
		Str("data_dir", cfg.Paths.DataDir).
		Bool("conversion", cfg.Conversion.Enabled).
		Bool("webdav", cfg.Webdav.Base != "").
		Msg("Starting Telearc")

	for _, dir := range []string{
		cfg.Paths.DownloadDir, cfg.Paths.ExtractDir, cfg.Paths.StateDir,
		cfg.Paths.ManifestDir, cfg.Paths.QuarantineD, cfg.Paths.JournalDir,
	} {
		if err := os.MkdirAll(dir, fsutil.DirPerm); err != nil {
			logging.Fatal().Err(err).Str("dir", dir).Msg("Failed to create data directory")
		}
	}

	lock, err := supervisor.AcquireLock(cfg.Paths.StateDir)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to acquire instance lock")
	}
	defer lock.Release()

	jrnl, err := journal.Open(journal.Config{
		Path:       cfg.Paths.JournalDir,
		SyncWrites: cfg.Journal.SyncWrites,
		GCInterval: cfg.Journal.GCInterval,
		GCRatio:    cfg.Journal.GCRatio,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open task journal")
	}
	defer func() {
		if err := jrnl.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing journal")
		}
	}()

	processed := cache.Load(filepath.Join(cfg.Paths.StateDir, "processed.json"))
	deferred := ledger.Load(filepath.Join(cfg.Paths.StateDir, "deferred.json"))
	roots := registry.New()
	batcher := album.New(cfg.Pipeline.AlbumSize)
	fetcher := fetch.New(nil)

	var guard *supervisor.MeteredGuard
	gates := map[task.Stage]queue.GateFunc{}
	if cfg.Pipeline.MeteredMode && cfg.Pipeline.MeteredProbeURL != "" {
		guard = supervisor.NewMeteredGuard(cfg.Pipeline.MeteredProbeURL, cfg.Pipeline.MeteredPollPeriod)
		gates[task.StageDownload] = guard.Gate
		logging.Info().Str("probe", cfg.Pipeline.MeteredProbeURL).Msg("Metered mode enabled, downloads gated")
	}

	// The quarantine hook needs the pipeline, which needs the engine.
	// Bind late through a pointer.
	var pipe *pipeline.Pipeline

	pol := failure.Policy{
		MaxAttempts: cfg.Pipeline.RetryMaxAttempts,
		BaseDelay:   cfg.Pipeline.RetryBaseDelay,
		MaxDelay:    cfg.Pipeline.RetryMaxDelay,
	}

	engine, err := queue.NewEngine(queue.Config{
		Journal: jrnl,
		Policy:  pol,
		Workers: map[task.Stage]int{
			task.StageDownload: cfg.Pipeline.DownloadWorkers,
			task.StageProcess:  cfg.Pipeline.ProcessWorkers,
			task.StageUpload:   cfg.Pipeline.UploadWorkers,
		},
		Gates:         gates,
		FailedPath:    filepath.Join(cfg.Paths.StateDir, "failed.json"),
		QuarantineDir: cfg.Paths.QuarantineD,
		OnQuarantine: func(t *task.Task) {
			if pipe != nil {
				pipe.ReleaseQuarantined(t)
			}
		},
		Observer: metrics.Observer{},
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build queue engine")
	}

	in := &intake.Intake{
		Queue:           engine,
		Cache:           processed,
		DownloadDir:     cfg.Paths.DownloadDir,
		MaxArchiveSize:  cfg.Pipeline.MaxArchiveSize,
		DiskSpaceFactor: cfg.Pipeline.DiskSpaceFactor,
		WebdavBase:      cfg.Webdav.Base,
	}

	status := func() string {
		return renderStatus(engine, deferred, roots)
	}

	tg, err := telegram.NewService(telegram.Config{
		Token:        cfg.Telegram.Token,
		Recipient:    cfg.Telegram.Recipient,
		AllowedChats: cfg.Telegram.Allowed,
		PollTimeout:  cfg.Telegram.PollTimeout,
	}, in, status)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build Telegram service")
	}

	prober := &media.Prober{FFprobe: cfg.Conversion.FFprobePath}
	normalizer := media.NewNormalizer(prober)
	normalizer.Enabled = cfg.Conversion.Enabled
	normalizer.FFmpeg = cfg.Conversion.FFmpegPath
	if cfg.Conversion.InlineThreshold > 0 {
		normalizer.InlineThreshold = cfg.Conversion.InlineThreshold
	}
	if cfg.Conversion.Timeout > 0 {
		normalizer.Timeout = cfg.Conversion.Timeout
	}
	if cfg.Conversion.Enabled && !prober.Available() {
		logging.Warn().Msg("ffprobe not found, conversion decisions degrade to passthrough")
	}

	uploader := &upload.Uploader{
		Sender:   &telegram.Sender{Bot: tg.Bot(), Recipient: cfg.Telegram.Recipient, Prober: prober},
		Registry: roots,
		Cache:    processed,
		Attrs:    normalizer.Attributes,
	}

	pipe = &pipeline.Pipeline{
		Queue:             engine,
		Fetcher:           fetcher,
		Attachments:       &telegram.Downloader{Bot: tg.Bot(), Fetcher: fetcher},
		Normalizer:        normalizer,
		Batcher:           batcher,
		Uploader:          uploader,
		Ledger:            deferred,
		Registry:          roots,
		Cache:             processed,
		Notifier:          &telegram.ProgressNotifier{Bot: tg.Bot()},
		ExtractDir:        cfg.Paths.ExtractDir,
		ManifestDir:       cfg.Paths.ManifestDir,
		FreeSpaceFloor:    uint64(cfg.Pipeline.FreeSpaceFloor),
		InactivityTimeout: cfg.Pipeline.InactivityTimeout,
	}
	pipe.Register()

	if cfg.Webdav.Base != "" {
		crawler := webdav.New(cfg.Webdav.Base, cfg.Webdav.Username, cfg.Webdav.Password,
			cfg.Paths.DownloadDir, fetcher)
		engine.Handle(task.TypeWebdavCrawl, crawler.HandleCrawl)
		engine.Handle(task.TypeWebdavFile, crawler.HandleFile)
	}

	// Crash recovery: surviving journal records re-enter their stages
	// with their bookkeeping rebuilt, partial albums regrouped.
	if err := engine.Restore(batcher.Cap(), pipe.NoteRestored); err != nil {
		logging.Fatal().Err(err).Msg("Failed to restore journal state")
	}
	requeued, failed := deferred.RecoverStartup()
	if requeued > 0 || failed > 0 {
		logging.Info().Int("requeued", requeued).Int("failed", failed).Msg("Deferred conversions recovered")
	}
	for _, e := range deferred.Snapshot() {
		if e.Status == ledger.StatusPending || e.Status == ledger.StatusInProgress {
			pipe.NoteDeferredRestored(e)
		}
	}

	convWorker := ledger.NewWorker(deferred, normalizer)
	convWorker.PipelineIdle = engine.Idle
	convWorker.Policy = pol
	convWorker.OnConverted = pipe.EnqueueConverted
	convWorker.Quarantine = func(path string) error {
		dst := filepath.Join(cfg.Paths.QuarantineD, filepath.Base(path))
		return fsutil.AtomicRename(path, dst)
	}
	convWorker.OnAbandoned = pipe.NoteDeferredAbandoned
	if cfg.Conversion.DeferredMaxRetries > 0 {
		convWorker.MaxRetries = cfg.Conversion.DeferredMaxRetries
	}
	if cfg.Conversion.DeferredPoll > 0 {
		convWorker.PollInterval = cfg.Conversion.DeferredPoll
	}
	if cfg.Conversion.CompletedTTL > 0 {
		convWorker.CompletedTTL = cfg.Conversion.CompletedTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	for _, w := range engine.Workers() {
		tree.AddPipelineService(w)
	}
	tree.AddPipelineService(tg)
	if cfg.Conversion.Enabled {
		tree.AddPipelineService(convWorker)
	}
	tree.AddMaintenanceService(journal.NewCompactor(jrnl))
	if guard != nil {
		tree.AddMaintenanceService(guard)
	}
	tree.AddMaintenanceService(&supervisor.SnapshotWriter{
		Engine: engine,
		Ledger: deferred,
		Path:   filepath.Join(cfg.Paths.StateDir, "current.json"),
	})
	if cfg.Metrics.Enabled {
		tree.AddMaintenanceService(&metrics.Server{
			Listen: cfg.Metrics.Listen,
			Collect: func() {
				for stage, n := range engine.Depth() {
					metrics.QueueDepth.WithLabelValues(string(stage)).Set(float64(n))
				}
				pending := 0
				for _, e := range deferred.Snapshot() {
					if e.Status == ledger.StatusPending || e.Status == ledger.StatusInProgress {
						pending++
					}
				}
				metrics.DeferredBacklog.Set(float64(pending))
				stats := jrnl.Stats()
				metrics.JournalSize.WithLabelValues("lsm").Set(float64(stats.LSMSize))
				metrics.JournalSize.WithLabelValues("vlog").Set(float64(stats.VLogSize))
			},
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Telearc stopped gracefully")
}

// renderStatus builds the /status reply.
func renderStatus(engine *queue.Engine, deferred *ledger.Ledger, roots *registry.Registry) string {
	var b strings.Builder

	depths := engine.Depth()
	fmt.Fprintf(&b, "Queues: download %d, process %d, upload %d, retry %d\n",
		depths[task.StageDownload], depths[task.StageProcess],
		depths[task.StageUpload], depths[task.StageRetry])

	if open := roots.Roots(); len(open) > 0 {
		fmt.Fprintf(&b, "Open archives: %d\n", len(open))
	}

	pending := 0
	for _, e := range deferred.Snapshot() {
		if e.Status == ledger.StatusPending || e.Status == ledger.StatusInProgress {
			pending++
		}
	}
	if pending > 0 {
		fmt.Fprintf(&b, "Deferred conversions: %d\n", pending)
	}

	if failures := engine.Failed(); len(failures) > 0 {
		fmt.Fprintf(&b, "Quarantined: %d\n", len(failures))
	}

	return strings.TrimRight(b.String(), "\n")
}

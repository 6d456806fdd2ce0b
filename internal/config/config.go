// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

// Package config loads and validates the layered runtime
// configuration: built-in defaults, then an optional YAML file, then
// environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the complete runtime configuration.
type Config struct {
	Telegram   TelegramConfig   `koanf:"telegram" validate:"required"`
	Paths      PathsConfig      `koanf:"paths"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	Conversion ConversionConfig `koanf:"conversion"`
	Webdav     WebdavConfig     `koanf:"webdav"`
	Journal    JournalConfig    `koanf:"journal"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// TelegramConfig configures the bot connection.
type TelegramConfig struct {
	Token     string  `koanf:"token" validate:"required"`
	Recipient int64   `koanf:"recipient" validate:"required"`
	Allowed   []int64 `koanf:"allowed_chats"`

	PollTimeout time.Duration `koanf:"poll_timeout"`
}

// PathsConfig groups the on-disk layout. Everything lives under
// DataDir unless overridden.
type PathsConfig struct {
	DataDir     string `koanf:"data_dir"`
	DownloadDir string `koanf:"download_dir"`
	ExtractDir  string `koanf:"extract_dir"`
	StateDir    string `koanf:"state_dir"`
	ManifestDir string `koanf:"manifest_dir"`
	QuarantineD string `koanf:"quarantine_dir"`
	JournalDir  string `koanf:"journal_dir"`
}

// PipelineConfig tunes admission and scheduling.
type PipelineConfig struct {
	// AlbumSize is the media-group batch size, clamped to the
	// platform's limit of 10.
	AlbumSize int `koanf:"album_size" validate:"min=1"`

	MaxArchiveSize  int64   `koanf:"max_archive_size"`
	DiskSpaceFactor float64 `koanf:"disk_space_factor"`
	FreeSpaceFloor  int64   `koanf:"free_space_floor"`

	// Workers per stage. Download and upload default to 1 for strict
	// ordering; process may fan out.
	DownloadWorkers int `koanf:"download_workers" validate:"min=1"`
	ProcessWorkers  int `koanf:"process_workers" validate:"min=1"`
	UploadWorkers   int `koanf:"upload_workers" validate:"min=1"`

	RetryMaxAttempts int           `koanf:"retry_max_attempts" validate:"min=1"`
	RetryBaseDelay   time.Duration `koanf:"retry_base_delay"`
	RetryMaxDelay    time.Duration `koanf:"retry_max_delay"`

	InactivityTimeout time.Duration `koanf:"inactivity_timeout"`

	// MeteredMode holds downloads until UnmeteredCheckURL answers,
	// for hosts that should only pull large payloads on cheap links.
	MeteredMode       bool          `koanf:"metered_mode"`
	MeteredProbeURL   string        `koanf:"metered_probe_url"`
	MeteredPollPeriod time.Duration `koanf:"metered_poll_period"`
}

// ConversionConfig tunes video normalization.
type ConversionConfig struct {
	Enabled         bool          `koanf:"enabled"`
	FFmpegPath      string        `koanf:"ffmpeg_path"`
	FFprobePath     string        `koanf:"ffprobe_path"`
	InlineThreshold int64         `koanf:"inline_threshold"`
	Timeout         time.Duration `koanf:"timeout"`

	DeferredMaxRetries int           `koanf:"deferred_max_retries" validate:"min=1"`
	DeferredPoll       time.Duration `koanf:"deferred_poll"`
	CompletedTTL       time.Duration `koanf:"completed_ttl"`
}

// WebdavConfig enables the share crawler.
type WebdavConfig struct {
	Base     string `koanf:"base"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// JournalConfig tunes the durable queue store.
type JournalConfig struct {
	SyncWrites bool          `koanf:"sync_writes"`
	GCInterval time.Duration `koanf:"gc_interval"`
	GCRatio    float64       `koanf:"gc_ratio"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Listen  string `koanf:"listen"`
}

// LoggingConfig mirrors the logging package's options.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Validate checks field constraints and cross-field consistency.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if c.Pipeline.DiskSpaceFactor < 1 {
		return fmt.Errorf("config validation: disk_space_factor must be at least 1, got %g", c.Pipeline.DiskSpaceFactor)
	}
	if c.Webdav.Base == "" && (c.Webdav.Username != "" || c.Webdav.Password != "") {
		return fmt.Errorf("config validation: webdav credentials set without webdav.base")
	}
	return nil
}

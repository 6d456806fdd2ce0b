// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/telearc/telearc/internal/album"
	"github.com/telearc/telearc/internal/logging"
)

// DefaultConfigPaths lists where the config file is searched, in
// order. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/telearc/config.yaml",
	"/etc/telearc/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

func defaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			PollTimeout: 50 * time.Second,
		},
		Paths: PathsConfig{
			DataDir: "/data",
		},
		Pipeline: PipelineConfig{
			AlbumSize:         album.PlatformCap,
			MaxArchiveSize:    4 << 30,
			DiskSpaceFactor:   2.5,
			FreeSpaceFloor:    1 << 30,
			DownloadWorkers:   1,
			ProcessWorkers:    2,
			UploadWorkers:     1,
			RetryMaxAttempts:  5,
			RetryBaseDelay:    5 * time.Second,
			RetryMaxDelay:     300 * time.Second,
			InactivityTimeout: 90 * time.Second,
			MeteredMode:       false,
			MeteredPollPeriod: time.Minute,
		},
		Conversion: ConversionConfig{
			Enabled:            true,
			FFmpegPath:         "ffmpeg",
			FFprobePath:        "ffprobe",
			InlineThreshold:    100 << 20,
			Timeout:            5 * time.Minute,
			DeferredMaxRetries: 3,
			DeferredPoll:       15 * time.Second,
			CompletedTTL:       24 * time.Hour,
		},
		Journal: JournalConfig{
			SyncWrites: true,
			GCInterval: 10 * time.Minute,
			GCRatio:    0.5,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Caller: false,
		},
	}
}

// Load builds the configuration from layered sources: defaults, then
// an optional YAML file, then environment variables.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	applyDerivedPaths(&cfg.Paths)
	clampAlbumSize(&cfg.Pipeline)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDerivedPaths fills unset directories from DataDir.
func applyDerivedPaths(p *PathsConfig) {
	join := func(dst *string, sub string) {
		if *dst == "" {
			*dst = filepath.Join(p.DataDir, sub)
		}
	}
	join(&p.DownloadDir, "downloads")
	join(&p.ExtractDir, "extract")
	join(&p.StateDir, "state")
	join(&p.ManifestDir, "manifests")
	join(&p.QuarantineD, "quarantine")
	join(&p.JournalDir, "journal")
}

// clampAlbumSize enforces the platform's media-group ceiling rather
// than failing startup over an optimistic setting.
func clampAlbumSize(p *PipelineConfig) {
	if p.AlbumSize > album.PlatformCap {
		logging.Warn().Int("requested", p.AlbumSize).Int("cap", album.PlatformCap).
			Msg("album_size exceeds the platform limit, clamping")
		p.AlbumSize = album.PlatformCap
	}
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are parsed from comma-separated env strings.
var sliceConfigPaths = []string{
	"telegram.allowed_chats",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names onto koanf paths.
// Unmapped variables are dropped so unrelated environment noise never
// reaches the config.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		"bot_token":           "telegram.token",
		"telegram_token":      "telegram.token",
		"telegram_recipient":  "telegram.recipient",
		"telegram_allowed":    "telegram.allowed_chats",
		"telegram_poll":       "telegram.poll_timeout",

		"data_dir":       "paths.data_dir",
		"download_dir":   "paths.download_dir",
		"extract_dir":    "paths.extract_dir",
		"state_dir":      "paths.state_dir",
		"manifest_dir":   "paths.manifest_dir",
		"quarantine_dir": "paths.quarantine_dir",
		"journal_dir":    "paths.journal_dir",

		"album_size":          "pipeline.album_size",
		"max_archive_size":    "pipeline.max_archive_size",
		"disk_space_factor":   "pipeline.disk_space_factor",
		"free_space_floor":    "pipeline.free_space_floor",
		"download_workers":    "pipeline.download_workers",
		"process_workers":     "pipeline.process_workers",
		"upload_workers":      "pipeline.upload_workers",
		"retry_max_attempts":  "pipeline.retry_max_attempts",
		"retry_base_delay":    "pipeline.retry_base_delay",
		"retry_max_delay":     "pipeline.retry_max_delay",
		"inactivity_timeout":  "pipeline.inactivity_timeout",
		"metered_mode":        "pipeline.metered_mode",
		"metered_probe_url":   "pipeline.metered_probe_url",
		"metered_poll_period": "pipeline.metered_poll_period",

		"conversion_enabled":   "conversion.enabled",
		"ffmpeg_path":          "conversion.ffmpeg_path",
		"ffprobe_path":         "conversion.ffprobe_path",
		"inline_threshold":     "conversion.inline_threshold",
		"conversion_timeout":   "conversion.timeout",
		"deferred_max_retries": "conversion.deferred_max_retries",
		"deferred_poll":        "conversion.deferred_poll",
		"completed_ttl":        "conversion.completed_ttl",

		"webdav_base":     "webdav.base",
		"webdav_username": "webdav.username",
		"webdav_password": "webdav.password",

		"journal_sync_writes": "journal.sync_writes",
		"journal_gc_interval": "journal.gc_interval",
		"journal_gc_ratio":    "journal.gc_ratio",

		"metrics_enabled": "metrics.enabled",
		"metrics_listen":  "metrics.listen",

		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}

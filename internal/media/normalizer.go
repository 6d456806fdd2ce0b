// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

package media

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/telearc/telearc/internal/failure"
	"github.com/telearc/telearc/internal/logging"
)

// Outcome is the normalizer's decision for a video.
type Outcome int

const (
	// Passthrough: already acceptable, no work.
	Passthrough Outcome = iota
	// Inline: convert synchronously on the process stage.
	Inline
	// Defer: too expensive to block the pipeline; hand off to the
	// deferred conversion ledger.
	Defer
)

func (o Outcome) String() string {
	switch o {
	case Passthrough:
		return "passthrough"
	case Inline:
		return "inline"
	case Defer:
		return "defer"
	default:
		return "unknown"
	}
}

// Normalizer decides and executes video re-encoding.
type Normalizer struct {
	prober *Prober

	// FFmpeg is the encoder binary. Default "ffmpeg".
	FFmpeg string

	// Enabled mirrors the transcode.enabled toggle. When off, every
	// video passes through untouched.
	Enabled bool

	// InlineThreshold is the size above which conversion defers
	// instead of running inline. Default 100MB.
	InlineThreshold int64

	// Timeout bounds a single encoder run. Default 5 minutes.
	Timeout time.Duration
}

// NewNormalizer builds a Normalizer around a Prober.
func NewNormalizer(prober *Prober) *Normalizer {
	return &Normalizer{
		prober:          prober,
		InlineThreshold: 100 << 20,
		Timeout:         5 * time.Minute,
	}
}

func (n *Normalizer) ffmpeg() string {
	if n.FFmpeg != "" {
		return n.FFmpeg
	}
	return "ffmpeg"
}

// Decide returns the outcome for the video at path.
// MPEG-TS streams play directly on the platform, so ".ts" always
// passes through regardless of the toggle.
func (n *Normalizer) Decide(ctx context.Context, path string, size int64) Outcome {
	if strings.EqualFold(filepath.Ext(path), ".ts") {
		return Passthrough
	}
	if !n.Enabled {
		return Passthrough
	}
	info, err := n.prober.Probe(ctx, path)
	if err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("probe failed, passing through")
		return Passthrough
	}
	if info.Container == "mp4" && (info.Codec == "h264" || info.Codec == "avc1") {
		return Passthrough
	}
	if size > n.InlineThreshold {
		return Defer
	}
	return Inline
}

// Progress receives conversion percentage updates.
type Progress func(pct float64)

// Convert re-encodes input into a platform-compatible MP4: H.264 main
// profile, AAC audio, even dimensions, faststart moov placement. The
// output lands next to the input with a "_converted.mp4" suffix.
//
// On timeout the encoder is killed, partial output deleted, and a
// NORMALIZE_TIMEOUT error raised.
func (n *Normalizer) Convert(ctx context.Context, input string, onProgress Progress) (string, error) {
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output := strings.TrimSuffix(input, filepath.Ext(input)) + "_converted.mp4"

	var total time.Duration
	if info, err := n.prober.Probe(ctx, input); err == nil {
		total = info.Duration
	}

	//nolint:gosec // arguments are fixed flags plus controlled paths
	cmd := exec.CommandContext(runCtx, n.ffmpeg(),
		"-i", input,
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "23",
		"-c:a", "aac",
		"-b:a", "128k",
		"-ar", "48000",
		"-movflags", "+faststart+use_metadata_tags",
		"-pix_fmt", "yuv420p",
		"-profile:v", "main",
		"-level", "4.0",
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		"-map_metadata", "0",
		"-fflags", "+genpts+igndts",
		"-progress", "pipe:1",
		"-v", "error",
		"-y", output,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", failure.New(failure.ClassPermanent, err)
	}
	if err := cmd.Start(); err != nil {
		return "", failure.Newf(failure.ClassPermanent, "start ffmpeg: %v", err)
	}

	// ffmpeg -progress emits key=value lines; out_time_us tracks the
	// encode position.
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "out_time_us=") {
				continue
			}
			us, err := strconv.ParseInt(strings.TrimPrefix(line, "out_time_us="), 10, 64)
			if err != nil || total <= 0 || onProgress == nil {
				continue
			}
			pct := float64(us) * 100 / float64(total.Microseconds())
			if pct > 100 {
				pct = 100
			}
			onProgress(pct)
		}
	}()

	err = cmd.Wait()
	if err != nil {
		_ = os.Remove(output)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", failure.Newf(failure.ClassNormalizeTimeout,
				"encoder exceeded %s for %s", timeout, filepath.Base(input))
		}
		if ctx.Err() != nil {
			return "", failure.New(failure.ClassCanceled, ctx.Err())
		}
		return "", failure.Newf(failure.ClassPermanent, "ffmpeg failed: %v", err)
	}

	info, statErr := os.Stat(output)
	if statErr != nil || info.Size() == 0 {
		_ = os.Remove(output)
		return "", failure.Newf(failure.ClassPermanent,
			"ffmpeg reported success but output missing or empty: %s", output)
	}
	return output, nil
}

// Attributes probes a video and renders its thumbnail for the send.
func (n *Normalizer) Attributes(ctx context.Context, path string) (*VideoInfo, string) {
	info, err := n.prober.Probe(ctx, path)
	if err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("attribute probe failed")
		return &VideoInfo{}, ""
	}
	thumb := ""
	if info.Width > 0 && info.Height > 0 {
		thumb = n.prober.Thumbnail(ctx, path, n.ffmpeg())
	}
	return info, thumb
}

// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

// Package media decides whether a video needs normalization for the
// outbound platform, executes the re-encode with a bounded timeout,
// and shrinks oversize images. The heavy lifting is delegated to the
// ffmpeg/ffprobe binaries; this package owns the decision logic and
// the process lifecycle.
package media

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// VideoInfo is the probed metadata the uploader attaches to a send.
type VideoInfo struct {
	Container string
	Codec     string
	Duration  time.Duration
	Width     int
	Height    int
}

// Prober extracts metadata via ffprobe.
type Prober struct {
	// FFprobe is the binary name or path. Default "ffprobe".
	FFprobe string
}

func (p *Prober) binary() string {
	if p.FFprobe != "" {
		return p.FFprobe
	}
	return "ffprobe"
}

// Available reports whether ffprobe can be found.
func (p *Prober) Available() bool {
	_, err := exec.LookPath(p.binary())
	return err == nil
}

type ffprobeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Duration  string `json:"duration"`
	} `json:"streams"`
}

// Probe inspects a video file. Probing is bounded at 30s; a hung
// ffprobe must not wedge the process stage.
func (p *Prober) Probe(ctx context.Context, path string) (*VideoInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.binary(),
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("parse ffprobe output for %s: %w", path, err)
	}

	info := &VideoInfo{}
	// format_name is a comma list like "mov,mp4,m4a,3gp,3g2,mj2".
	for _, name := range strings.Split(parsed.Format.FormatName, ",") {
		if name == "mp4" {
			info.Container = "mp4"
			break
		}
	}
	if info.Container == "" {
		names := strings.Split(parsed.Format.FormatName, ",")
		if len(names) > 0 {
			info.Container = names[0]
		}
	}

	for _, s := range parsed.Streams {
		if s.CodecType != "video" {
			continue
		}
		info.Codec = strings.ToLower(s.CodecName)
		info.Width = s.Width
		info.Height = s.Height
		if d := parseSeconds(s.Duration); d > 0 {
			info.Duration = d
		}
		break
	}
	if info.Duration == 0 {
		info.Duration = parseSeconds(parsed.Format.Duration)
	}
	return info, nil
}

func parseSeconds(s string) time.Duration {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}

// Thumbnail renders a JPEG frame from one second into the video.
// Returns the thumbnail path, or empty when generation fails (a
// missing thumbnail degrades the send, it does not fail it).
func (p *Prober) Thumbnail(ctx context.Context, videoPath string, ffmpeg string) string {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	thumb := videoPath + ".thumb.jpg"
	cmd := exec.CommandContext(ctx, ffmpeg,
		"-i", videoPath,
		"-ss", "00:00:01",
		"-vframes", "1",
		"-f", "mjpeg",
		"-y", thumb,
	)
	if err := cmd.Run(); err != nil {
		return ""
	}
	return thumb
}

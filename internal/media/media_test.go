// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeFFprobe writes an executable that prints fixed JSON, standing in
// for a real ffprobe binary.
func fakeFFprobe(t *testing.T, output string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffprobe")
	script := "#!/bin/sh\ncat <<'EOF'\n" + output + "\nEOF\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func failingFFprobe(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffprobe")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 1\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

const mp4H264Probe = `{
  "format": {"format_name": "mov,mp4,m4a,3gp,3g2,mj2", "duration": "12.500000"},
  "streams": [
    {"codec_type": "audio", "codec_name": "aac"},
    {"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080, "duration": "12.480000"}
  ]
}`

const mkvHevcProbe = `{
  "format": {"format_name": "matroska,webm", "duration": "90.0"},
  "streams": [{"codec_type": "video", "codec_name": "hevc", "width": 1280, "height": 720}]
}`

func TestProbeParsesOutput(t *testing.T) {
	t.Parallel()
	p := &Prober{FFprobe: fakeFFprobe(t, mp4H264Probe)}
	info, err := p.Probe(context.Background(), "/v/clip.mp4")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if info.Container != "mp4" {
		t.Errorf("Container = %q, want mp4", info.Container)
	}
	if info.Codec != "h264" {
		t.Errorf("Codec = %q, want h264", info.Codec)
	}
	if info.Width != 1920 || info.Height != 1080 {
		t.Errorf("dimensions = %dx%d, want 1920x1080", info.Width, info.Height)
	}
	if want := 12480 * time.Millisecond; info.Duration != want {
		t.Errorf("Duration = %v, want %v (stream duration preferred)", info.Duration, want)
	}
}

func TestProbeNonMP4Container(t *testing.T) {
	t.Parallel()
	p := &Prober{FFprobe: fakeFFprobe(t, mkvHevcProbe)}
	info, err := p.Probe(context.Background(), "/v/clip.mkv")
	if err != nil {
		t.Fatal(err)
	}
	if info.Container != "matroska" {
		t.Errorf("Container = %q, want first name of the comma list", info.Container)
	}
	if want := 90 * time.Second; info.Duration != want {
		t.Errorf("Duration = %v, want format duration fallback %v", info.Duration, want)
	}
}

func TestParseSeconds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"12.5", 12500 * time.Millisecond},
		{"0", 0},
		{"-3", 0},
		{"N/A", 0},
	}
	for _, tt := range tests {
		if got := parseSeconds(tt.in); got != tt.want {
			t.Errorf("parseSeconds(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDecide(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		path    string
		size    int64
		enabled bool
		probe   string
		probeOK bool
		want    Outcome
	}{
		{name: "mpegts always passes", path: "/v/stream.ts", size: 1 << 30, enabled: true, probe: mkvHevcProbe, probeOK: true, want: Passthrough},
		{name: "disabled passes everything", path: "/v/clip.mkv", size: 50, enabled: false, probe: mkvHevcProbe, probeOK: true, want: Passthrough},
		{name: "compatible mp4 passes", path: "/v/clip.mp4", size: 50, enabled: true, probe: mp4H264Probe, probeOK: true, want: Passthrough},
		{name: "small incompatible converts inline", path: "/v/clip.mkv", size: 50, enabled: true, probe: mkvHevcProbe, probeOK: true, want: Inline},
		{name: "large incompatible defers", path: "/v/clip.mkv", size: 500, enabled: true, probe: mkvHevcProbe, probeOK: true, want: Defer},
		{name: "probe failure passes through", path: "/v/clip.mkv", size: 50, enabled: true, probeOK: false, want: Passthrough},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var p *Prober
			if tt.probeOK {
				p = &Prober{FFprobe: fakeFFprobe(t, tt.probe)}
			} else {
				p = &Prober{FFprobe: failingFFprobe(t)}
			}
			n := NewNormalizer(p)
			n.Enabled = tt.enabled
			n.InlineThreshold = 100
			if got := n.Decide(context.Background(), tt.path, tt.size); got != tt.want {
				t.Errorf("Decide() = %s, want %s", got, tt.want)
			}
		})
	}
}

func writeTestPNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// Left half opaque color gradient, right half transparent.
			if x < w/2 {
				img.Set(x, y, color.NRGBA{R: uint8(x * 7), G: uint8(y * 5), B: 90, A: 255})
			} else {
				img.Set(x, y, color.NRGBA{})
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestShrinkImage(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := filepath.Join(dir, "photo.png")
	writeTestPNG(t, src, 120, 80)

	origInfo, err := os.Stat(src)
	if err != nil {
		t.Fatal(err)
	}

	out, err := ShrinkImage(src, 1<<20)
	if err != nil {
		t.Fatalf("ShrinkImage() error = %v", err)
	}
	if out != filepath.Join(dir, "photo_shrunk.jpg") {
		t.Errorf("output path = %s", out)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	decoded, err := jpeg.Decode(f)
	if err != nil {
		t.Fatalf("output is not a decodable JPEG: %v", err)
	}
	if decoded.Bounds().Dx() != 120 || decoded.Bounds().Dy() != 80 {
		t.Errorf("dimensions changed under a generous target: %v", decoded.Bounds())
	}

	// Transparent pixels flatten to white.
	r, g, b, _ := decoded.At(110, 40).RGBA()
	if r>>8 < 240 || g>>8 < 240 || b>>8 < 240 {
		t.Errorf("transparent region = rgb(%d,%d,%d), want near white", r>>8, g>>8, b>>8)
	}

	// Original untouched.
	after, err := os.Stat(src)
	if err != nil {
		t.Fatal(err)
	}
	if after.Size() != origInfo.Size() {
		t.Error("source image modified by shrink")
	}
}

func TestShrinkImageHonorsTarget(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := filepath.Join(dir, "big.png")
	writeTestPNG(t, src, 400, 300)

	const target = 6000
	out, err := ShrinkImage(src, target)
	if err != nil {
		t.Fatalf("ShrinkImage() error = %v", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() > target {
		t.Errorf("shrunk size = %d, want <= %d", info.Size(), target)
	}
	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := jpeg.Decode(f); err != nil {
		t.Fatalf("output is not a decodable JPEG: %v", err)
	}
}

func TestShrinkImageImpossibleTarget(t *testing.T) {
	t.Parallel()
	src := filepath.Join(t.TempDir(), "photo.png")
	writeTestPNG(t, src, 64, 64)
	if _, err := ShrinkImage(src, 10); err == nil {
		t.Error("ShrinkImage(10 bytes) = nil error, want failure")
	}
}

func TestShrinkImageMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := ShrinkImage(filepath.Join(t.TempDir(), "nope.png"), 1<<20); err == nil {
		t.Error("ShrinkImage(missing) = nil error, want failure")
	}
}

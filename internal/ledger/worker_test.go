// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

package ledger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/telearc/telearc/internal/failure"
	"github.com/telearc/telearc/internal/media"
)

// stubFFmpeg writes the converted marker to whatever output path it is
// handed as the final argument.
func stubFFmpeg(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func workingFFmpeg(t *testing.T) string {
	return stubFFmpeg(t, `for a; do out="$a"; done
echo converted > "$out"
`)
}

func newDeferredWorker(t *testing.T, ffmpeg string) (*Worker, *Ledger, string) {
	t.Helper()
	dir := t.TempDir()
	l := Load(filepath.Join(dir, "deferred.json"))

	input := filepath.Join(dir, "clip.mkv")
	if err := os.WriteFile(input, []byte("source video"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := l.Defer(Entry{InputPath: input, ArchiveName: "trip.zip", ExtractionRoot: "/x/root"}); err != nil {
		t.Fatal(err)
	}

	n := media.NewNormalizer(&media.Prober{FFprobe: "/nonexistent/ffprobe"})
	n.FFmpeg = ffmpeg
	n.Enabled = true
	return NewWorker(l, n), l, input
}

func TestConvertOneCompletes(t *testing.T) {
	t.Parallel()
	w, l, input := newDeferredWorker(t, workingFFmpeg(t))

	var gotEntry Entry
	var gotOutput string
	w.OnConverted = func(e Entry, output string) error {
		gotEntry, gotOutput = e, output
		return nil
	}

	entry := l.NextPending()
	if entry == nil {
		t.Fatal("NextPending() = nil")
	}
	w.convertOne(context.Background(), entry)

	wantOut := strings.TrimSuffix(input, ".mkv") + "_converted.mp4"
	if gotOutput != wantOut {
		t.Errorf("OnConverted output = %q, want %q", gotOutput, wantOut)
	}
	if gotEntry.ExtractionRoot != "/x/root" {
		t.Errorf("OnConverted entry = %+v", gotEntry)
	}
	if data, err := os.ReadFile(wantOut); err != nil || string(data) != "converted\n" {
		t.Errorf("output file = %q, %v", data, err)
	}

	final := l.Snapshot()[0]
	if final.Status != StatusCompleted || final.OutputPath != wantOut {
		t.Errorf("entry after conversion = %+v", final)
	}
}

func TestConvertOneRetriesThenAbandons(t *testing.T) {
	t.Parallel()
	w, l, input := newDeferredWorker(t, stubFFmpeg(t, "exit 1\n"))
	w.MaxRetries = 2

	var quarantined string
	w.Quarantine = func(path string) error {
		quarantined = path
		return nil
	}
	var abandoned []Entry
	w.OnAbandoned = func(e Entry) { abandoned = append(abandoned, e) }

	w.convertOne(context.Background(), l.NextPending())
	mid := l.Snapshot()[0]
	if mid.Status != StatusPending || mid.RetryCount != 1 {
		t.Fatalf("after first failure = %+v, want pending retry 1", mid)
	}
	if quarantined != "" || len(abandoned) != 0 {
		t.Fatal("escalated before retries were exhausted")
	}

	w.convertOne(context.Background(), l.NextPending())
	final := l.Snapshot()[0]
	if final.Status != StatusFailed {
		t.Errorf("Status = %s, want failed", final.Status)
	}
	if final.LastError == "" {
		t.Error("LastError empty after permanent failure")
	}
	if quarantined != input {
		t.Errorf("Quarantine path = %q, want %q", quarantined, input)
	}
	if len(abandoned) != 1 || abandoned[0].ExtractionRoot != "/x/root" {
		t.Errorf("abandoned = %+v, want the entry with its root", abandoned)
	}
}

func TestConvertOneFailureBacksOff(t *testing.T) {
	t.Parallel()
	w, l, _ := newDeferredWorker(t, stubFFmpeg(t, "exit 1\n"))
	w.MaxRetries = 3
	w.Policy = failure.Policy{BaseDelay: time.Hour, MaxDelay: 2 * time.Hour}

	w.convertOne(context.Background(), l.NextPending())
	if w.retryAt.IsZero() {
		t.Fatal("retryAt not set after a failed conversion")
	}
	if wait := time.Until(w.retryAt); wait < 30*time.Minute {
		t.Errorf("backoff = %v, want at least half the base delay", wait)
	}
	// The sequence keeps holding the loop off on the next failure too.
	w.convertOne(context.Background(), l.NextPending())
	if wait := time.Until(w.retryAt); wait < 30*time.Minute {
		t.Errorf("second backoff = %v, want at least half the base delay", wait)
	}
}

func TestConvertOneSuccessResetsBackoff(t *testing.T) {
	t.Parallel()
	w, l, _ := newDeferredWorker(t, workingFFmpeg(t))
	w.Policy = failure.Policy{BaseDelay: time.Hour}
	w.retryAt = time.Now().Add(time.Hour)
	w.retry = w.Policy.NewBackOff()

	w.convertOne(context.Background(), l.NextPending())
	if !w.retryAt.IsZero() {
		t.Errorf("retryAt = %v, want cleared after success", w.retryAt)
	}
	if w.retry != nil {
		t.Error("backoff sequence not reset after success")
	}
}

func TestConvertOneShutdownLeavesInProgress(t *testing.T) {
	t.Parallel()
	w, l, _ := newDeferredWorker(t, stubFFmpeg(t, "sleep 30\n"))
	w.Quarantine = func(string) error {
		t.Error("Quarantine called on shutdown")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	w.convertOne(ctx, l.NextPending())

	// Left for startup recovery to requeue.
	e := l.Snapshot()[0]
	if e.Status != StatusInProgress {
		t.Errorf("Status = %s, want in_progress after shutdown", e.Status)
	}
	if e.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", e.RetryCount)
	}
}

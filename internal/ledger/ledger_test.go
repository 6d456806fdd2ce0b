// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDeferThenReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "deferred.json")

	l := Load(path)
	if err := l.Defer(Entry{InputPath: "/in/a.avi", ArchiveName: "trip.zip", ExtractionRoot: "/x/root"}); err != nil {
		t.Fatalf("Defer() error = %v", err)
	}

	l2 := Load(path)
	e := l2.NextPending()
	if e == nil {
		t.Fatal("NextPending() = nil after reload")
	}
	if e.InputPath != "/in/a.avi" || e.Status != StatusPending {
		t.Errorf("reloaded entry = %+v", e)
	}
	if e.ArchiveName != "trip.zip" || e.ExtractionRoot != "/x/root" {
		t.Errorf("upload routing lost on reload: %+v", e)
	}
}

func TestNextPendingOrdersByAge(t *testing.T) {
	t.Parallel()
	l := Load(filepath.Join(t.TempDir(), "deferred.json"))

	if err := l.Defer(Entry{InputPath: "/in/old.avi"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := l.Defer(Entry{InputPath: "/in/new.avi"}); err != nil {
		t.Fatal(err)
	}

	if e := l.NextPending(); e == nil || e.InputPath != "/in/old.avi" {
		t.Errorf("NextPending() = %+v, want the oldest entry", e)
	}

	if err := l.MarkInProgress("/in/old.avi"); err != nil {
		t.Fatal(err)
	}
	if e := l.NextPending(); e == nil || e.InputPath != "/in/new.avi" {
		t.Errorf("NextPending() after MarkInProgress = %+v, want the next pending", e)
	}
}

func TestNextPendingReturnsCopy(t *testing.T) {
	t.Parallel()
	l := Load(filepath.Join(t.TempDir(), "deferred.json"))
	if err := l.Defer(Entry{InputPath: "/in/a.avi"}); err != nil {
		t.Fatal(err)
	}
	e := l.NextPending()
	e.Status = StatusFailed
	if got := l.NextPending(); got == nil || got.Status != StatusPending {
		t.Errorf("mutation of returned entry leaked into the ledger: %+v", got)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "deferred.json")
	l := Load(path)
	if err := l.Defer(Entry{InputPath: "/in/a.avi"}); err != nil {
		t.Fatal(err)
	}

	if err := l.MarkInProgress("/in/a.avi"); err != nil {
		t.Fatal(err)
	}
	if err := l.UpdateProgress("/in/a.avi", 42.5); err != nil {
		t.Fatal(err)
	}
	if err := l.Requeue("/in/a.avi", "encoder crashed"); err != nil {
		t.Fatal(err)
	}
	if got := l.RetryCount("/in/a.avi"); got != 1 {
		t.Errorf("RetryCount() = %d, want 1", got)
	}

	if err := l.MarkCompleted("/in/a.avi", "/out/a.mp4"); err != nil {
		t.Fatal(err)
	}
	snap := Load(path).Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot len = %d, want 1", len(snap))
	}
	e := snap[0]
	if e.Status != StatusCompleted || e.OutputPath != "/out/a.mp4" || e.ProgressPct != 100 {
		t.Errorf("completed entry = %+v", e)
	}
	if e.LastError != "encoder crashed" {
		t.Errorf("LastError = %q, want the requeue reason retained", e.LastError)
	}
}

func TestUpdateUnknownEntry(t *testing.T) {
	t.Parallel()
	l := Load(filepath.Join(t.TempDir(), "deferred.json"))
	if err := l.MarkCompleted("/in/ghost.avi", "/out/x.mp4"); err == nil {
		t.Error("MarkCompleted(unknown) = nil, want error")
	}
	if got := l.RetryCount("/in/ghost.avi"); got != -1 {
		t.Errorf("RetryCount(unknown) = %d, want -1", got)
	}
}

func TestRecoverStartup(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "deferred.json")
	present := filepath.Join(dir, "present.avi")
	if err := os.WriteFile(present, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := Load(path)
	for _, in := range []string{present, filepath.Join(dir, "vanished.avi")} {
		if err := l.Defer(Entry{InputPath: in}); err != nil {
			t.Fatal(err)
		}
		if err := l.MarkInProgress(in); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Defer(Entry{InputPath: "/in/untouched.avi"}); err != nil {
		t.Fatal(err)
	}

	l2 := Load(path)
	requeued, failed := l2.RecoverStartup()
	if requeued != 1 || failed != 1 {
		t.Errorf("RecoverStartup() = (%d, %d), want (1, 1)", requeued, failed)
	}

	byPath := make(map[string]Entry)
	for _, e := range l2.Snapshot() {
		byPath[e.InputPath] = e
	}
	if byPath[present].Status != StatusPending || byPath[present].ProgressPct != 0 {
		t.Errorf("surviving entry = %+v, want requeued from scratch", byPath[present])
	}
	if byPath[filepath.Join(dir, "vanished.avi")].Status != StatusFailed {
		t.Errorf("vanished entry = %+v, want failed", byPath[filepath.Join(dir, "vanished.avi")])
	}
	if byPath["/in/untouched.avi"].Status != StatusPending {
		t.Errorf("pending entry touched by recovery: %+v", byPath["/in/untouched.avi"])
	}
}

func TestSweepCompleted(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "deferred.json")
	l := Load(path)
	for _, in := range []string{"/in/a.avi", "/in/b.avi"} {
		if err := l.Defer(Entry{InputPath: in}); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.MarkCompleted("/in/a.avi", "/out/a.mp4"); err != nil {
		t.Fatal(err)
	}

	if swept := l.SweepCompleted(time.Hour); swept != 0 {
		t.Errorf("SweepCompleted(1h) = %d, want 0 for a fresh entry", swept)
	}
	if swept := l.SweepCompleted(-time.Second); swept != 1 {
		t.Errorf("SweepCompleted(-1s) = %d, want 1", swept)
	}
	if len(Load(path).Snapshot()) != 1 {
		t.Error("sweep not persisted")
	}
}

func TestLoadCorruptStartsEmpty(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "deferred.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	l := Load(path)
	if e := l.NextPending(); e != nil {
		t.Errorf("NextPending() on corrupt file = %+v, want nil", e)
	}
	// Still writable after starting empty.
	if err := l.Defer(Entry{InputPath: "/in/a.avi"}); err != nil {
		t.Errorf("Defer() after corrupt load error = %v", err)
	}
}

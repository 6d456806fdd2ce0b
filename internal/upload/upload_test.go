// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

package upload

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/telearc/telearc/internal/cache"
	"github.com/telearc/telearc/internal/failure"
	"github.com/telearc/telearc/internal/media"
	"github.com/telearc/telearc/internal/registry"
	"github.com/telearc/telearc/internal/task"
)

// fakeSender scripts per-call outcomes and records what was sent.
type fakeSender struct {
	albumErrs []error
	fileErrs  []error
	albums    [][]Item
	captions  []string
	files     []Item
}

func (s *fakeSender) SendAlbum(ctx context.Context, items []Item, caption string) error {
	s.albums = append(s.albums, append([]Item(nil), items...))
	s.captions = append(s.captions, caption)
	if len(s.albumErrs) == 0 {
		return nil
	}
	err := s.albumErrs[0]
	s.albumErrs = s.albumErrs[1:]
	return err
}

func (s *fakeSender) SendFile(ctx context.Context, item Item, caption string) error {
	s.files = append(s.files, item)
	if len(s.fileErrs) == 0 {
		return nil
	}
	err := s.fileErrs[0]
	s.fileErrs = s.fileErrs[1:]
	return err
}

func writeFiles(t *testing.T, dir string, names ...string) []string {
	t.Helper()
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = filepath.Join(dir, n)
		if err := os.WriteFile(out[i], []byte("payload-"+n), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return out
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 120, A: 255})
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

func TestHandleAlbumSendsAndSettles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	files := writeFiles(t, dir, "a.jpg", "b.jpg")
	scratch := writeFiles(t, dir, "scratch.tmp")

	sender := &fakeSender{}
	var completedRoot string
	reg := registry.New()
	reg.Acquire(dir)
	u := &Uploader{
		Sender:         sender,
		Registry:       reg,
		OnRootComplete: func(root string) { completedRoot = root },
	}

	tk := &task.Task{
		ID: 1, Type: task.TypeAlbumDispatch, Kind: task.KindImage,
		Archive:     &task.ArchiveContext{ArchiveName: "trip.zip", ExtractionRoot: dir},
		Files:       files,
		Caption:     "trip.zip – Images (Batch 1/1: 2 files)",
		CleanupRefs: append(append([]string(nil), files...), scratch...),
	}
	followups, err := u.HandleAlbum(context.Background(), tk)
	if err != nil {
		t.Fatalf("HandleAlbum() error = %v", err)
	}
	if len(followups) != 0 {
		t.Errorf("followups = %v, want none", followups)
	}

	if len(sender.albums) != 1 || len(sender.albums[0]) != 2 {
		t.Fatalf("sent %d albums, want one album of 2", len(sender.albums))
	}
	if sender.captions[0] != tk.Caption {
		t.Errorf("caption = %q", sender.captions[0])
	}
	for _, f := range append(files, scratch...) {
		if _, err := os.Stat(f); !os.IsNotExist(err) {
			t.Errorf("cleanup ref %s survived settle", f)
		}
	}
	if completedRoot != dir {
		t.Errorf("OnRootComplete root = %q, want %q", completedRoot, dir)
	}
}

func TestHandleAlbumPrunesMissingFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	files := writeFiles(t, dir, "a.jpg")
	sender := &fakeSender{}
	u := &Uploader{Sender: sender}

	tk := &task.Task{
		ID: 1, Type: task.TypeAlbumDispatch, Kind: task.KindImage,
		Files: append([]string{filepath.Join(dir, "gone.jpg")}, files...),
	}
	if _, err := u.HandleAlbum(context.Background(), tk); err != nil {
		t.Fatalf("HandleAlbum() error = %v", err)
	}
	if len(sender.albums) != 1 || len(sender.albums[0]) != 1 {
		t.Fatalf("albums = %+v, want one album with the surviving file", sender.albums)
	}
	if sender.albums[0][0].Path != files[0] {
		t.Errorf("sent %s, want %s", sender.albums[0][0].Path, files[0])
	}
}

func TestHandleAlbumEmptyAfterPruneSettlesWithoutSend(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	u := &Uploader{Sender: sender}
	tk := &task.Task{ID: 1, Type: task.TypeAlbumDispatch, Kind: task.KindImage,
		Files: []string{"/nope/a.jpg"}}
	if _, err := u.HandleAlbum(context.Background(), tk); err != nil {
		t.Fatalf("HandleAlbum() error = %v", err)
	}
	if len(sender.albums) != 0 {
		t.Errorf("empty batch was sent anyway")
	}
}

func TestHandleAlbumShrinksRejectedPhotoAndRetries(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	big := filepath.Join(dir, "big.png")
	writePNG(t, big, 64, 64)
	small := writeFiles(t, dir, "small.jpg")

	sender := &fakeSender{albumErrs: []error{
		failure.PhotoTooLarge([]string{big}, errors.New("photo too big")),
	}}
	u := &Uploader{Sender: sender, PhotoSizeLimit: 1 << 20}

	tk := &task.Task{ID: 1, Type: task.TypeAlbumDispatch, Kind: task.KindImage,
		Files: []string{big, small[0]}}
	if _, err := u.HandleAlbum(context.Background(), tk); err != nil {
		t.Fatalf("HandleAlbum() error = %v", err)
	}
	if len(sender.albums) != 2 {
		t.Fatalf("send attempts = %d, want rejection then retry", len(sender.albums))
	}
	retry := sender.albums[1]
	if retry[0].Path == big {
		t.Errorf("first member still the oversized original")
	}
	if filepath.Ext(retry[0].Path) != ".jpg" {
		t.Errorf("replacement not a jpeg: %s", retry[0].Path)
	}
	if retry[1].Path != small[0] {
		t.Errorf("album order changed: %+v", retry)
	}
}

func TestHandleAlbumDivertsInvalidMembers(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	files := writeFiles(t, dir, "ok.mp4", "bad.mp4")

	sender := &fakeSender{albumErrs: []error{
		failure.MediaInvalid([]string{files[1]}, errors.New("unsupported codec")),
	}}
	var diverted []string
	u := &Uploader{
		Sender:    sender,
		OnInvalid: func(path string, _ *task.ArchiveContext) { diverted = append(diverted, path) },
	}

	tk := &task.Task{ID: 1, Type: task.TypeAlbumDispatch, Kind: task.KindVideo, Files: files}
	if _, err := u.HandleAlbum(context.Background(), tk); err != nil {
		t.Fatalf("HandleAlbum() error = %v", err)
	}
	if len(diverted) != 1 || diverted[0] != files[1] {
		t.Errorf("diverted = %v, want the rejected member", diverted)
	}
	if len(sender.albums) != 2 || len(sender.albums[1]) != 1 || sender.albums[1][0].Path != files[0] {
		t.Errorf("retry album = %+v, want only the accepted member", sender.albums)
	}
}

func TestHandleAlbumWholeBatchDiverted(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	files := writeFiles(t, dir, "bad.mp4")
	sender := &fakeSender{albumErrs: []error{
		failure.MediaInvalid([]string{files[0]}, errors.New("unsupported")),
	}}
	diverted := 0
	u := &Uploader{Sender: sender, OnInvalid: func(string, *task.ArchiveContext) { diverted++ }}

	tk := &task.Task{ID: 1, Type: task.TypeAlbumDispatch, Kind: task.KindVideo, Files: files}
	if _, err := u.HandleAlbum(context.Background(), tk); err != nil {
		t.Fatalf("HandleAlbum() error = %v", err)
	}
	if diverted != 1 {
		t.Errorf("diverted = %d, want 1", diverted)
	}
	if len(sender.albums) != 1 {
		t.Errorf("send attempts = %d, want no retry after everything diverted", len(sender.albums))
	}
}

func TestHandleAlbumTransportErrorPropagates(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	files := writeFiles(t, dir, "a.jpg")
	sender := &fakeSender{albumErrs: []error{
		failure.RateLimit(42 * time.Second),
	}}
	u := &Uploader{Sender: sender}

	tk := &task.Task{ID: 1, Type: task.TypeAlbumDispatch, Kind: task.KindImage, Files: files}
	_, err := u.HandleAlbum(context.Background(), tk)
	ferr, ok := failure.AsError(err)
	if !ok || ferr.Class != failure.ClassRateLimit {
		t.Fatalf("error = %v, want the rate-limit classified error", err)
	}
	if ferr.Wait != 42*time.Second {
		t.Errorf("Wait = %v, want 42s", ferr.Wait)
	}
	// Files stay for the queue retry.
	if _, serr := os.Stat(files[0]); serr != nil {
		t.Errorf("member deleted on transport failure: %v", serr)
	}
}

func TestHandleDirectSendsVideoAttributes(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	files := writeFiles(t, dir, "clip.mp4")
	sender := &fakeSender{}
	u := &Uploader{
		Sender: sender,
		Attrs: func(ctx context.Context, path string) (*media.VideoInfo, string) {
			return &media.VideoInfo{Width: 1280, Height: 720, Duration: 90 * time.Second}, path + ".thumb.jpg"
		},
	}

	tk := &task.Task{ID: 1, Type: task.TypeDirectUpload, Kind: task.KindVideo,
		Path: files[0], Caption: "clip.mp4"}
	if _, err := u.HandleDirect(context.Background(), tk); err != nil {
		t.Fatalf("HandleDirect() error = %v", err)
	}
	if len(sender.files) != 1 {
		t.Fatalf("sent %d files, want 1", len(sender.files))
	}
	it := sender.files[0]
	if it.Width != 1280 || it.Height != 720 || it.Duration != 90*time.Second {
		t.Errorf("attributes = %+v", it)
	}
	if it.Thumbnail != files[0]+".thumb.jpg" {
		t.Errorf("thumbnail = %q", it.Thumbnail)
	}
}

func TestHandleDirectShrinksPhotoForRetry(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	big := filepath.Join(dir, "big.png")
	writePNG(t, big, 64, 64)

	sender := &fakeSender{fileErrs: []error{
		failure.PhotoTooLarge([]string{big}, errors.New("photo too big")),
	}}
	u := &Uploader{Sender: sender, PhotoSizeLimit: 1 << 20}

	tk := &task.Task{ID: 1, Type: task.TypeDirectUpload, Kind: task.KindImage, Path: big}
	_, err := u.HandleDirect(context.Background(), tk)
	ferr, ok := failure.AsError(err)
	if !ok || ferr.Class != failure.ClassPhotoTooLarge {
		t.Fatalf("error = %v, want the classified rejection for the queue retry", err)
	}
	if tk.Path == big {
		t.Error("task path not swapped to the shrunken copy")
	}
	if _, serr := os.Stat(tk.Path); serr != nil {
		t.Errorf("shrunken copy missing: %v", serr)
	}
}

func TestHandleAlbumRecordsDeliveredFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	files := writeFiles(t, dir, "a.jpg", "b.jpg")

	fps := make([]string, len(files))
	sizes := make([]int64, len(files))
	for i, f := range files {
		fp, err := cache.Fingerprint(f)
		if err != nil {
			t.Fatal(err)
		}
		fps[i] = fp
		info, err := os.Stat(f)
		if err != nil {
			t.Fatal(err)
		}
		sizes[i] = info.Size()
	}

	processed := cache.Load(filepath.Join(t.TempDir(), "processed.json"))
	u := &Uploader{
		Sender: &fakeSender{},
		Cache:  processed,
	}
	tk := &task.Task{
		ID: 1, Type: task.TypeAlbumDispatch, Kind: task.KindImage,
		Files:       files,
		CleanupRefs: append([]string(nil), files...),
	}
	if _, err := u.HandleAlbum(context.Background(), tk); err != nil {
		t.Fatalf("HandleAlbum() error = %v", err)
	}

	// Fingerprints land before settle deletes the files, so a later
	// intake of the same media is a duplicate hit.
	for i, fp := range fps {
		if !processed.Has(fp) {
			t.Errorf("fingerprint of %s not recorded", filepath.Base(files[i]))
		}
		if !processed.SeenNameSize(filepath.Base(files[i]), sizes[i]) {
			t.Errorf("name+size of %s not recorded", filepath.Base(files[i]))
		}
	}
	for _, f := range files {
		if _, err := os.Stat(f); !os.IsNotExist(err) {
			t.Errorf("cleanup ref %s not deleted", f)
		}
	}
}

func TestHandleDirectRecordsDeliveredFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	files := writeFiles(t, dir, "clip.mp4")
	fp, err := cache.Fingerprint(files[0])
	if err != nil {
		t.Fatal(err)
	}

	processed := cache.Load(filepath.Join(t.TempDir(), "processed.json"))
	u := &Uploader{Sender: &fakeSender{}, Cache: processed}
	tk := &task.Task{ID: 1, Type: task.TypeDirectUpload, Kind: task.KindVideo, Path: files[0]}
	if _, err := u.HandleDirect(context.Background(), tk); err != nil {
		t.Fatalf("HandleDirect() error = %v", err)
	}
	if !processed.Has(fp) {
		t.Error("fingerprint of delivered file not recorded")
	}
}

func TestHandleDirectMissingSourceSettles(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	u := &Uploader{Sender: sender}
	tk := &task.Task{ID: 1, Type: task.TypeDirectUpload, Kind: task.KindDocument,
		Path: filepath.Join(t.TempDir(), "gone.bin")}
	if _, err := u.HandleDirect(context.Background(), tk); err != nil {
		t.Fatalf("HandleDirect() error = %v", err)
	}
	if len(sender.files) != 0 {
		t.Error("missing source was sent")
	}
}

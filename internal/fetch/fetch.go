// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

// Package fetch downloads URLs to disk with resume support.
//
// Bytes stream chunk-by-chunk into a ".part" file that is atomically
// renamed on completion. A partial file left by a previous attempt is
// resumed with a Range request; the server's answer decides whether we
// append (206), restart (200 to a ranged request), or conclude the
// file was already complete (416 with a matching size). An inactivity
// watchdog tears the transfer down when the stream goes quiet.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/telearc/telearc/internal/failure"
	"github.com/telearc/telearc/internal/fsutil"
	"github.com/telearc/telearc/internal/logging"
)

// PartSuffix marks in-progress downloads.
const PartSuffix = ".part"

// Progress receives throttled transfer updates.
type Progress func(written, total int64)

// Options controls a single fetch.
type Options struct {
	URL         string
	Destination string

	// Headers are added to every request (auth tokens and the like).
	Headers http.Header

	// ChunkSize is the read size per iteration. Default 1MB.
	ChunkSize int

	// InactivityTimeout raises STALL when no bytes arrive for this
	// long. Default 90s.
	InactivityTimeout time.Duration

	// ExpectedSize, when positive, is verified against the final file.
	ExpectedSize int64

	// OnProgress, when set, is called on a throttle of at least
	// ProgressMinStep percent and ProgressMinInterval apart.
	OnProgress Progress
}

// Progress throttle: at least this much percent movement and this much
// wall time between callbacks.
const (
	ProgressMinStep     = 5
	ProgressMinInterval = 7 * time.Second
)

// Fetcher performs resumable HTTP(S) downloads.
type Fetcher struct {
	client *http.Client
}

// New returns a Fetcher over the given client. A nil client gets a
// dedicated one with no overall timeout (the watchdog bounds stalls,
// not total duration: big archives legitimately take hours).
func New(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{client: client}
}

// Fetch downloads opts.URL to opts.Destination. On failure the .part
// file is retained for the next attempt, except when the server
// ignored our Range request, which invalidates the partial bytes.
func (f *Fetcher) Fetch(ctx context.Context, opts Options) error {
	if opts.URL == "" || opts.Destination == "" {
		return failure.Newf(failure.ClassPermanent, "fetch: url and destination are required")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1 << 20
	}
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = 90 * time.Second
	}

	part := opts.Destination + PartSuffix

	// A zero-byte partial carries no information; start clean.
	offset := fsutil.FileSize(part)
	if offset == 0 {
		_ = os.Remove(part)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return failure.Newf(failure.ClassPermanent, "fetch: build request: %v", err)
	}
	for k, vs := range opts.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return failure.Classify(err)
	}
	defer resp.Body.Close()

	appendMode := false
	total := int64(-1)

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		appendMode = true
		total = totalFromContentRange(resp.Header.Get("Content-Range"))

	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// The server has nothing past our offset. When the known size
		// matches what we already hold, the download was complete.
		total = totalFromContentRange(resp.Header.Get("Content-Range"))
		if total > 0 && total == offset {
			if err := fsutil.AtomicRename(part, opts.Destination); err != nil {
				return failure.New(failure.ClassPermanent, err)
			}
			return nil
		}
		// Partial bytes don't line up with the server's file; discard.
		_ = os.Remove(part)
		return failure.HTTPStatus(resp.StatusCode)

	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			// Range ignored. The stream is the whole file; the partial
			// bytes are now meaningless.
			logging.Warn().Str("url", opts.URL).Int64("offset", offset).
				Msg("server ignored range request, restarting from zero")
			if err := os.Remove(part); err != nil && !os.IsNotExist(err) {
				return failure.New(failure.ClassPermanent, err)
			}
			offset = 0
		}
		if resp.ContentLength > 0 {
			total = resp.ContentLength
		}

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if resp.ContentLength > 0 {
			total = resp.ContentLength
		}

	default:
		return failure.HTTPStatus(resp.StatusCode)
	}

	if total < 0 && opts.ExpectedSize > 0 {
		total = opts.ExpectedSize
	}

	written, err := f.stream(reqCtx, cancel, resp.Body, part, appendMode, offset, total, opts)
	if err != nil {
		return err
	}

	if total > 0 && written != total {
		return failure.Newf(failure.ClassIncomplete,
			"fetch: got %d bytes, expected %d", written, total)
	}
	if opts.ExpectedSize > 0 && written != opts.ExpectedSize {
		return failure.Newf(failure.ClassIncomplete,
			"fetch: got %d bytes, declared size %d", written, opts.ExpectedSize)
	}
	if err := fsutil.AtomicRename(part, opts.Destination); err != nil {
		return failure.New(failure.ClassPermanent, err)
	}
	return nil
}

// stream copies the body to the part file chunk by chunk, feeding the
// inactivity watchdog after every successful read. Returns the total
// size of the part file on success.
func (f *Fetcher) stream(ctx context.Context, cancel context.CancelFunc, body io.Reader,
	part string, appendMode bool, offset, total int64, opts Options) (int64, error) {

	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(part, flags, 0o640)
	if err != nil {
		return 0, failure.New(failure.ClassPermanent, err)
	}
	defer out.Close()

	stalled := make(chan struct{})
	watchdog := time.AfterFunc(opts.InactivityTimeout, func() {
		close(stalled)
		cancel()
		// Force any pooled connection for this host to die with the
		// request; a wedged connection must not be reused.
		f.client.CloseIdleConnections()
	})
	defer watchdog.Stop()

	limiter := rate.NewLimiter(rate.Every(ProgressMinInterval), 1)
	written := offset
	lastReportedPct := int64(-1)
	buf := make([]byte, opts.ChunkSize)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			watchdog.Reset(opts.InactivityTimeout)
			if _, werr := out.Write(buf[:n]); werr != nil {
				return written, failure.New(failure.ClassPermanent, werr)
			}
			written += int64(n)
			if opts.OnProgress != nil && total > 0 {
				pct := written * 100 / total
				if pct-lastReportedPct >= ProgressMinStep && limiter.Allow() {
					lastReportedPct = pct
					opts.OnProgress(written, total)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			select {
			case <-stalled:
				return written, failure.Newf(failure.ClassStall,
					"fetch: no bytes for %s", opts.InactivityTimeout)
			default:
			}
			if ctx.Err() != nil {
				return written, failure.New(failure.ClassCanceled, ctx.Err())
			}
			return written, failure.Classify(readErr)
		}
	}

	if err := out.Sync(); err != nil {
		return written, failure.New(failure.ClassPermanent, err)
	}
	if opts.OnProgress != nil && total > 0 {
		opts.OnProgress(written, total)
	}
	return written, nil
}

// totalFromContentRange parses the total size out of a Content-Range
// header ("bytes 0-499/1234" or "bytes */1234"). Returns -1 when
// unknown.
func totalFromContentRange(header string) int64 {
	if header == "" {
		return -1
	}
	idx := strings.LastIndexByte(header, '/')
	if idx < 0 {
		return -1
	}
	totalStr := strings.TrimSpace(header[idx+1:])
	if totalStr == "*" {
		return -1
	}
	total, err := strconv.ParseInt(totalStr, 10, 64)
	if err != nil {
		return -1
	}
	return total
}

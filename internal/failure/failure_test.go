// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil passes through", nil, ""},
		{"classified error unchanged", RateLimit(30 * time.Second), ClassRateLimit},
		{"wrapped classified error unchanged", fmt.Errorf("send: %w", HTTPStatus(502)), ClassHTTPStatus},
		{"context canceled", context.Canceled, ClassCanceled},
		{"dns error", &net.DNSError{Err: "no such host", Name: "example.invalid"}, ClassDNS},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, ClassNetwork},
		{"deadline exceeded", context.DeadlineExceeded, ClassStall},
		{"unknown error", errors.New("something odd"), ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if tt.want == "" {
				if got != nil {
					t.Errorf("Classify(nil) = %v, want nil", got)
				}
				return
			}
			if got.Class != tt.want {
				t.Errorf("Classify(%v).Class = %v, want %v", tt.err, got.Class, tt.want)
			}
		})
	}
}

func TestDelay(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	tests := []struct {
		name    string
		err     *Error
		attempt int
		want    time.Duration
	}{
		{"rate limit honors server wait exactly", RateLimit(47 * time.Second), 1, 47 * time.Second},
		{"rate limit long wait uncapped", RateLimit(20 * time.Minute), 3, 20 * time.Minute},
		{"network first attempt", New(ClassNetwork, errors.New("reset")), 1, 10 * time.Second},
		{"network second attempt", New(ClassNetwork, errors.New("reset")), 2, 20 * time.Second},
		{"network capped at max", New(ClassNetwork, errors.New("reset")), 10, 300 * time.Second},
		{"stall first attempt retries promptly", New(ClassStall, errors.New("quiet")), 1, 5 * time.Second},
		{"stall second attempt", New(ClassStall, errors.New("quiet")), 2, 10 * time.Second},
		{"integrity retries immediately", New(ClassIntegrity, errors.New("short")), 1, 0},
		{"photo too large retries immediately", PhotoTooLarge([]string{"a.jpg"}, nil), 1, 0},
		{"zero attempt clamps to one", New(ClassStall, errors.New("quiet")), 0, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Delay(tt.err, tt.attempt); got != tt.want {
				t.Errorf("Delay(%v, %d) = %v, want %v", tt.err.Class, tt.attempt, got, tt.want)
			}
		})
	}
}

func TestExhausted(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 3}
	tests := []struct {
		name       string
		class      Class
		retryCount int
		want       bool
	}{
		{"under budget", ClassNetwork, 2, false},
		{"at budget", ClassNetwork, 3, true},
		{"rate limit never exhausts", ClassRateLimit, 100, false},
		{"integrity retries once", ClassIntegrity, 0, false},
		{"integrity second mismatch exhausted", ClassIntegrity, 1, true},
		{"auth never exhausts", ClassAuth, 100, false},
		{"permanent always exhausted", ClassPermanent, 0, true},
		{"media invalid never retried directly", ClassMediaInvalid, 0, true},
		{"canceled not retried by budget", ClassCanceled, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Exhausted(tt.class, tt.retryCount); got != tt.want {
				t.Errorf("Exhausted(%v, %d) = %v, want %v", tt.class, tt.retryCount, got, tt.want)
			}
		})
	}
}

func TestNewBackOffIntervals(t *testing.T) {
	t.Parallel()

	// A zero-value policy still produces real waits.
	if d := (Policy{}).NewBackOff().NextBackOff(); d <= 0 {
		t.Errorf("zero-value NextBackOff() = %v, want positive", d)
	}

	b := Policy{BaseDelay: time.Hour, MaxDelay: 2 * time.Hour}.NewBackOff()
	if d := b.NextBackOff(); d < 30*time.Minute {
		t.Errorf("NextBackOff() = %v, want at least half the base delay", d)
	}
}

func TestErrorUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("root cause")
	err := New(ClassIntegrity, cause)
	if !errors.Is(err, cause) {
		t.Error("classified error must unwrap to its cause")
	}

	var ce *Error
	wrapped := fmt.Errorf("stage: %w", err)
	if !errors.As(wrapped, &ce) || ce.Class != ClassIntegrity {
		t.Errorf("errors.As through wrapping = %v, want ClassIntegrity", ce)
	}
}

func TestClassOf(t *testing.T) {
	t.Parallel()

	if got := ClassOf(nil); got != "" {
		t.Errorf("ClassOf(nil) = %q, want empty", got)
	}
	if got := ClassOf(errors.New("raw")); got != ClassPermanent {
		t.Errorf("ClassOf(raw) = %v, want ClassPermanent", got)
	}
	if got := ClassOf(fmt.Errorf("x: %w", RateLimit(time.Second))); got != ClassRateLimit {
		t.Errorf("ClassOf(wrapped rate limit) = %v, want ClassRateLimit", got)
	}
}

func TestMediaInvalidCarriesFiles(t *testing.T) {
	t.Parallel()

	err := MediaInvalid([]string{"bad.webm"}, errors.New("VIDEO_CONTENT_TYPE_INVALID"))
	ce, ok := AsError(err)
	if !ok {
		t.Fatal("AsError() = false")
	}
	if len(ce.InvalidFiles) != 1 || ce.InvalidFiles[0] != "bad.webm" {
		t.Errorf("InvalidFiles = %v, want [bad.webm]", ce.InvalidFiles)
	}
}

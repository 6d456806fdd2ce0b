// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

package failure

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy decides whether and when a classified failure is retried.
type Policy struct {
	// MaxAttempts is the generic retry budget. ClassRateLimit does not
	// consume it.
	MaxAttempts int

	// BaseDelay is the base for exponential backoff. Default 5s.
	BaseDelay time.Duration

	// MaxDelay caps exponential backoff. Default 300s.
	MaxDelay time.Duration
}

// DefaultPolicy mirrors the retry settings the pipeline shipped with.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   5 * time.Second,
		MaxDelay:    300 * time.Second,
	}
}

// Retryable reports whether the class may be retried at all.
func Retryable(class Class) bool {
	switch class {
	case ClassRateLimit, ClassDNS, ClassNetwork, ClassStall,
		ClassHTTPStatus, ClassIncomplete, ClassIntegrity,
		ClassNormalizeTimeout, ClassPhotoTooLarge, ClassAuth:
		return true
	default:
		return false
	}
}

// ConsumesBudget reports whether a retry of the class decrements the
// retry budget. Rate-limit waits are free: the server told us when to
// come back. Auth is operator-gated rather than budgeted.
func ConsumesBudget(class Class) bool {
	switch class {
	case ClassRateLimit, ClassAuth:
		return false
	default:
		return true
	}
}

// Delay returns the wait before retry attempt n (1-based) of err.
// Rate-limit errors are honored exactly as the server reported.
func (p Policy) Delay(err *Error, attempt int) time.Duration {
	if err == nil {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = 5 * time.Second
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 300 * time.Second
	}

	switch err.Class {
	case ClassRateLimit:
		return err.Wait
	case ClassStall:
		// 5·2^(n-1): first stall retries promptly, later ones back off.
		return capDelay(base<<uint(attempt-1), maxDelay)
	case ClassIntegrity, ClassPhotoTooLarge:
		return 0
	case ClassDNS, ClassNetwork, ClassHTTPStatus, ClassIncomplete, ClassNormalizeTimeout:
		return capDelay(base<<uint(attempt), maxDelay)
	default:
		return capDelay(base<<uint(attempt), maxDelay)
	}
}

// Exhausted reports whether attempt n of class has run out of budget.
func (p Policy) Exhausted(class Class, retryCount int) bool {
	if !Retryable(class) {
		return true
	}
	if !ConsumesBudget(class) {
		return false
	}
	// A corrupt download gets exactly one fresh attempt. A second
	// mismatch means the source itself is bad.
	if class == ClassIntegrity {
		return retryCount >= 1
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return retryCount >= maxAttempts
}

// NewBackOff returns a jittered exponential backoff for loops that poll
// an unreliable resource (deferred conversions, journal compaction).
func (p Policy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.BaseDelay > 0 {
		b.InitialInterval = p.BaseDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.MaxElapsedTime = 0
	return b
}

func capDelay(d, maxDelay time.Duration) time.Duration {
	if d > maxDelay {
		return maxDelay
	}
	return d
}

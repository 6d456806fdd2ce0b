// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

// Package failure defines the error taxonomy for the pipeline.
//
// Workers may terminate a task non-successfully only with one of the
// classes defined here. Unknown errors are wrapped into ClassPermanent
// after one sanity retry (see the retry policy in Policy).
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Class identifies a failure category. Classes, not raw errors, drive
// retry scheduling, budget accounting, and operator-facing reporting.
type Class string

const (
	// ClassRateLimit is a server-dictated wait (Telegram flood-wait).
	// Honored exactly; never consumes retry budget.
	ClassRateLimit Class = "RATE_LIMIT"

	// ClassDNS is a hostname resolution failure.
	ClassDNS Class = "DNS"

	// ClassNetwork is a transport failure: refused, reset, unreachable.
	ClassNetwork Class = "NETWORK"

	// ClassStall is a fetcher inactivity timeout.
	ClassStall Class = "STALL"

	// ClassHTTPStatus is a non-success HTTP response.
	ClassHTTPStatus Class = "HTTP_STATUS"

	// ClassIncomplete is a size mismatch after a download finished.
	ClassIncomplete Class = "INCOMPLETE"

	// ClassCanceled is a shutdown- or operator-initiated cancellation.
	ClassCanceled Class = "CANCELED"

	// ClassNormalizeTimeout is an encoder that exceeded its runtime bound.
	ClassNormalizeTimeout Class = "NORMALIZE_TIMEOUT"

	// ClassIntegrity is a hash or size mismatch on verification.
	ClassIntegrity Class = "INTEGRITY"

	// ClassMediaInvalid is the outbound adapter rejecting a media object.
	// Never retried directly; the batch is split and the item deferred.
	ClassMediaInvalid Class = "MEDIA_INVALID"

	// ClassPhotoTooLarge is the outbound size limit for photos.
	ClassPhotoTooLarge Class = "PHOTO_TOO_LARGE"

	// ClassAuth is an expired or revoked adapter authorization.
	ClassAuth Class = "AUTH"

	// ClassPermanent is terminal. Inputs move to quarantine.
	ClassPermanent Class = "PERMANENT"
)

// Error is a classified error. All worker failures are reported as
// *Error so the scheduler can apply the right policy.
type Error struct {
	Class Class

	// Wait is the server-reported wait for ClassRateLimit.
	Wait time.Duration

	// Status is the response code for ClassHTTPStatus.
	Status int

	// InvalidFiles names the offending items for ClassMediaInvalid and
	// ClassPhotoTooLarge, when the adapter identified them.
	InvalidFiles []string

	cause error
}

func (e *Error) Error() string {
	switch {
	case e.Class == ClassRateLimit:
		return fmt.Sprintf("%s: wait %s", e.Class, e.Wait)
	case e.Class == ClassHTTPStatus:
		return fmt.Sprintf("%s(%d)", e.Class, e.Status)
	case e.cause != nil:
		return fmt.Sprintf("%s: %v", e.Class, e.cause)
	default:
		return string(e.Class)
	}
}

func (e *Error) Unwrap() error { return e.cause }

// New wraps cause with a class.
func New(class Class, cause error) *Error {
	return &Error{Class: class, cause: cause}
}

// Newf creates a classified error from a format string.
func Newf(class Class, format string, args ...any) *Error {
	return &Error{Class: class, cause: fmt.Errorf(format, args...)}
}

// RateLimit builds a ClassRateLimit error carrying the exact wait.
func RateLimit(wait time.Duration) *Error {
	return &Error{Class: ClassRateLimit, Wait: wait}
}

// HTTPStatus builds a ClassHTTPStatus error for a response code.
func HTTPStatus(status int) *Error {
	return &Error{Class: ClassHTTPStatus, Status: status}
}

// MediaInvalid builds a ClassMediaInvalid error naming the rejected files.
func MediaInvalid(files []string, cause error) *Error {
	return &Error{Class: ClassMediaInvalid, InvalidFiles: files, cause: cause}
}

// PhotoTooLarge builds a ClassPhotoTooLarge error naming the oversize files.
func PhotoTooLarge(files []string, cause error) *Error {
	return &Error{Class: ClassPhotoTooLarge, InvalidFiles: files, cause: cause}
}

// ClassOf extracts the class from err, or ClassPermanent for an error
// that carries no classification. A nil err has no class.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassPermanent
}

// AsError extracts the *Error from err's chain, if any.
func AsError(err error) (*Error, bool) {
	var ce *Error
	ok := errors.As(err, &ce)
	return ce, ok
}

// Classify maps a raw transport error into a classified one. Errors
// that already carry a class pass through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.Canceled) {
		return New(ClassCanceled, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return New(ClassDNS, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return New(ClassNetwork, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return New(ClassStall, err)
		}
		return New(ClassNetwork, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(ClassStall, err)
	}
	return New(ClassPermanent, err)
}

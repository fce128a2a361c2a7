package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can decide whether to retry.
type Kind int

const (
	// KindTransient covers network errors, rate limiting and 5xx-class
	// responses. Safe to retry with backoff.
	KindTransient Kind = iota
	// KindPermanent covers failures that will not go away on retry and
	// do not fit a more specific kind below.
	KindPermanent
	KindNotFound
	KindExists
	KindPermissionDenied
	// KindChecksumMismatch reports a digest disagreement between source
	// and destination after a transfer.
	KindChecksumMismatch
	// KindRemoteArchive reports a failure while building or extracting
	// an archive on the remote side.
	KindRemoteArchive
	// KindCapabilityUnavailable reports a failed capability probe.
	KindCapabilityUnavailable
	// KindCancelled reports that the caller's deadline or cancellation
	// signal was honored.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindNotFound:
		return "not found"
	case KindExists:
		return "already exists"
	case KindPermissionDenied:
		return "permission denied"
	case KindChecksumMismatch:
		return "checksum mismatch"
	case KindRemoteArchive:
		return "remote archive failure"
	case KindCapabilityUnavailable:
		return "capability unavailable"
	case KindCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Error is the failure type surfaced across the gateway boundary. Every
// error is attributable to a specific path or job ID and a specific Kind;
// bare generic failures are never returned.
type Error struct {
	Kind  Kind
	Path  string
	JobID string
	Err   error
}

func (e *Error) Error() string {
	subject := e.Path
	if subject == "" {
		subject = e.JobID
	}
	switch {
	case subject == "" && e.Err == nil:
		return e.Kind.String()
	case subject == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", subject, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", subject, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a path-scoped Error.
func NewError(kind Kind, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}

// NewJobError builds a job-scoped Error.
func NewJobError(kind Kind, jobID string, err error) *Error {
	return &Error{Kind: kind, JobID: jobID, Err: err}
}

// KindOf extracts the Kind from err. Context cancellation maps to
// KindCancelled; anything unclassified is treated as permanent, so an
// unknown failure is never retried blindly.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindPermanent
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsNotFound reports whether err is a missing-path failure.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsCancelled reports whether err is a honored cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

// Package siscomexerr defines the error kinds shared across the pipeline so
// callers can branch on failure category without string matching.
package siscomexerr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed. The orchestrator and pipelines
// use it to decide whether to abort the run or skip one DUE and continue.
type Kind int

const (
	// KindUnknown is the zero value; never intentionally returned.
	KindUnknown Kind = iota
	// KindConfiguration marks missing credentials or required settings.
	// Fatal at startup.
	KindConfiguration
	// KindAuthentication marks a refused credential refresh. Aborts the run.
	KindAuthentication
	// KindRateLocked marks an upstream PUCX-ER1001 lock-out response.
	// The call fails; the pipeline continues; the rate gate now blocks.
	KindRateLocked
	// KindTransient marks a 5xx/timeout/connection error. Retried a bounded
	// number of times before the DUE is skipped.
	KindTransient
	// KindPermanent marks a non-lockout 4xx. The DUE is skipped.
	KindPermanent
	// KindStore marks a database failure surviving retry-with-reconnect.
	// Fatal for the current run.
	KindStore
	// KindNormalizer marks a payload violating a required-field assumption.
	// The DUE is skipped.
	KindNormalizer
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindAuthentication:
		return "authentication"
	case KindRateLocked:
		return "rate_locked"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindStore:
		return "store"
	case KindNormalizer:
		return "normalizer"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so pipeline code can branch
// on classification while still propagating the original error via Unwrap.
type Error struct {
	Kind Kind
	Op   string // short operation label, e.g. "fetch-principal", "upsert-due"
	Due  string // DUE number, when known; empty otherwise
	Err  error
}

func (e *Error) Error() string {
	if e.Due != "" {
		return fmt.Sprintf("%s[%s due=%s]: %v", e.Kind, e.Op, e.Due, e.Err)
	}
	return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, op string, due string, err error) *Error {
	return &Error{Kind: kind, Op: op, Due: due, Err: err}
}

// KindOf extracts the Kind from err, or KindUnknown if err isn't (or doesn't
// wrap) a *Error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Aborts reports whether an error of this kind should abort the whole run
// rather than be recorded and skipped, per spec.md §7's propagation policy.
func (k Kind) Aborts() bool {
	switch k {
	case KindConfiguration, KindAuthentication, KindStore:
		return true
	default:
		return false
	}
}

package model

import (
	"context"
	"errors"
)

// Kind classifies failures surfaced to callers.
type Kind string

const (
	KindNotFound               Kind = "not_found"
	KindValidation             Kind = "validation_error"
	KindBackendUnavailable     Kind = "backend_unavailable"
	KindBackendTimeout         Kind = "backend_timeout"
	KindBackendRejected        Kind = "backend_rejected"
	KindStorage                Kind = "storage_error"
	KindBusy                   Kind = "busy"
	KindTranscodeSourceMissing Kind = "transcode_source_missing"
	KindInternal               Kind = "internal_error"
)

// Error is a classified failure. Msg is safe to show to users; Err keeps the
// low-level cause for logs.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

// E builds an *Error.
func E(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the outermost *Error in err's chain. Context
// deadline errors count as timeouts; anything else unclassified is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindBackendTimeout
	}
	return KindInternal
}

// Message returns the user-facing message for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	switch KindOf(err) {
	case KindBackendTimeout:
		return "operation timed out"
	default:
		return "internal error"
	}
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

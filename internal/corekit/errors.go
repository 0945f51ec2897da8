// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package corekit

import (
	"errors"
	"fmt"
)

// Kind names one of the error categories from the core's error taxonomy.
type Kind string

const (
	UnauthenticatedKind      Kind = "UNAUTHENTICATED"
	NotFoundKind             Kind = "NOT_FOUND"
	AccessDeniedKind         Kind = "ACCESS_DENIED"
	InvalidInputKind         Kind = "INVALID_INPUT"
	FileTooLargeKind         Kind = "FILE_TOO_LARGE"
	TimeoutKind              Kind = "TIMEOUT"
	EmbeddingUnavailableKind Kind = "EMBEDDING_UNAVAILABLE"
	WorkerCrashedKind        Kind = "WORKER_CRASHED"
	StoreErrorKind           Kind = "STORE_ERROR"
	UpstreamErrorKind        Kind = "UPSTREAM_ERROR"
)

// CoreError is a kind-tagged error. Callers compare kinds with errors.As,
// not string matching, so wrapping with extra context never breaks a check.
type CoreError struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *CoreError) Unwrap() error { return e.Err }

// New builds a CoreError carrying no wrapped cause.
func New(kind Kind, msg string) error {
	return &CoreError{Kind: kind, Msg: msg}
}

// Newf builds a CoreError with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &CoreError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &CoreError{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or "" if err isn't a CoreError.
func KindOf(err error) Kind {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

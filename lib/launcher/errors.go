// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"errors"
	"fmt"
)

// Kind classifies errors the launcher originates. Per-instance kinds
// (BrokenService, InvalidSpec, RunnerFault, Internal) are recorded on
// the instance and surfaced through status reports; surface kinds
// (InvalidArgument, NotFound, AlreadyExists, Shutdown) are returned
// from public operations.
type Kind int

const (
	// KindInvalidArgument means malformed input at the public
	// surface.
	KindInvalidArgument Kind = iota + 1

	// KindNotFound means no such instance, override, or service.
	KindNotFound

	// KindAlreadyExists means a duplicate registration where
	// uniqueness is required.
	KindAlreadyExists

	// KindBrokenService means the service artifact is unusable.
	KindBrokenService

	// KindInvalidSpec means the runtime spec could not be generated.
	KindInvalidSpec

	// KindInternal means a worker or pool fault.
	KindInternal

	// KindShutdown means the operation was attempted after Stop.
	KindShutdown

	// KindRunnerFault wraps an error passed through from the runner.
	KindRunnerFault
)

var kindNames = map[Kind]string{
	KindInvalidArgument: "invalid argument",
	KindNotFound:        "not found",
	KindAlreadyExists:   "already exists",
	KindBrokenService:   "broken service",
	KindInvalidSpec:     "invalid spec",
	KindInternal:        "internal",
	KindShutdown:        "shutdown",
	KindRunnerFault:     "runner",
}

// String returns the human-readable kind name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a launcher error: a kind plus a human-readable annotation,
// optionally wrapping a cause.
type Error struct {
	Kind Kind
	Err  error
}

// Error renders "kind: annotation".
func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Err.Error()
}

// Unwrap returns the annotated cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a launcher error of the given kind. The format string
// supports %w for wrapping a cause.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the launcher error kind from err, unwrapping as
// needed. Returns 0 when err carries no kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err carries the given launcher error kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

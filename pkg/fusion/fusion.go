// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fusion holds the status taxonomy shared by the graph fusion engine.
//
// The engine itself is split in sub-packages, following the order in which a fusion pass uses them:
//
//   - pattern: declares the template of node roles a pass wants to match.
//   - matcher: enumerates the Mappings (role -> node) of a pattern on a live ir.Graph.
//   - validate: pass-specific preconditions, returning one of the Status values below.
//   - constants: extracts and synthesizes constant tensors for the replacement nodes.
//   - rewrite: relinks the graph edges and removes the matched nodes, in one transaction.
//   - driver: runs passes over a graph, aggregating per-pass results.
//   - passes: the concrete fusion passes.
//
// # Error Handling
//
// Functions of the engine return plain Go errors. Errors created with NotChangedf, ParamInvalidf and
// Failedf carry a Status, which StatusOf extracts. A nil error is Success, and any error that doesn't
// carry a Status is considered Failed.
package fusion

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status is the outcome of validating or rewriting one Mapping.
type Status int

const (
	// Success means the Mapping qualifies (validation) or was rewritten (rewrite).
	Success Status = iota

	// NotChanged means the Mapping doesn't qualify, and the graph was left untouched.
	// The pass continues with the next Mapping.
	NotChanged

	// ParamInvalid means a caller contract was violated (a nil graph, a missing role).
	// It aborts the pass.
	ParamInvalid

	// Failed means an invariant assumed by the pass didn't hold. It aborts the pass.
	Failed
)

var statusNames = [...]string{"Success", "NotChanged", "ParamInvalid", "Failed"}

// String implements fmt.Stringer.
func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// IsAbort returns whether the status stops the enclosing pass.
func (s Status) IsAbort() bool {
	return s == ParamInvalid || s == Failed
}

// Error is an error annotated with a Status.
type Error struct {
	Status Status
	err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Status, e.err.Error())
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.err }

// Format implements fmt.Formatter, so "%+v" prints the stack-trace of the underlying error.
func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		_, _ = fmt.Fprintf(s, "%s: %+v", e.Status, e.err)
		return
	}
	_, _ = fmt.Fprint(s, e.Error())
}

// WithStatus annotates err with the given status. It returns nil if err is nil.
func WithStatus(status Status, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Status: status, err: err}
}

// NotChangedf returns an error with status NotChanged: the Mapping simply doesn't qualify.
func NotChangedf(format string, args ...any) error {
	return &Error{Status: NotChanged, err: errors.Errorf(format, args...)}
}

// ParamInvalidf returns an error with status ParamInvalid.
func ParamInvalidf(format string, args ...any) error {
	return &Error{Status: ParamInvalid, err: errors.Errorf(format, args...)}
}

// Failedf returns an error with status Failed.
func Failedf(format string, args ...any) error {
	return &Error{Status: Failed, err: errors.Errorf(format, args...)}
}

// StatusOf classifies err: nil is Success, errors without an annotated Status are Failed.
func StatusOf(err error) Status {
	if err == nil {
		return Success
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Status
	}
	return Failed
}

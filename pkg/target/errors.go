// SPDX-License-Identifier: Apache-2.0

package target

import "fmt"

// SchemaDriftFatalError covers a key-property change, a type split
// disallowed by decision-table rules 1 or 10, or an unrecognized tap-line
// message type (spec.md §7).
type SchemaDriftFatalError struct {
	Stream string
	Err    error
}

func (e *SchemaDriftFatalError) Error() string {
	return fmt.Sprintf("stream %q: schema drift: %s", e.Stream, e.Err)
}

func (e *SchemaDriftFatalError) Unwrap() error { return e.Err }

// InvalidRecordsExceededError fires once a stream's invalid-record
// threshold is breached (spec.md §7).
type InvalidRecordsExceededError struct {
	Stream string
	Err    error
}

func (e *InvalidRecordsExceededError) Error() string {
	return fmt.Sprintf("stream %q: %s", e.Stream, e.Err)
}

func (e *InvalidRecordsExceededError) Unwrap() error { return e.Err }

// BackendFailureError wraps a bulk-load, DDL, or SQL error from the
// backing store (spec.md §7).
type BackendFailureError struct {
	Stream string
	Table  string
	Err    error
}

func (e *BackendFailureError) Error() string {
	return fmt.Sprintf("stream %q: table %q: backend failure: %s", e.Stream, e.Table, e.Err)
}

func (e *BackendFailureError) Unwrap() error { return e.Err }

// ActivationFailureError fires when version activation aborts and its
// transaction is rolled back (spec.md §7).
type ActivationFailureError struct {
	Stream  string
	Version int
	Err     error
}

func (e *ActivationFailureError) Error() string {
	return fmt.Sprintf("stream %q: activating version %d: %s", e.Stream, e.Version, e.Err)
}

func (e *ActivationFailureError) Unwrap() error { return e.Err }

// UnknownLineTypeError is raised for a tap-line message whose "type" field
// is not one of SCHEMA, RECORD, STATE, or ACTIVATE_VERSION (spec.md §6).
type UnknownLineTypeError struct {
	Type string
}

func (e *UnknownLineTypeError) Error() string {
	return fmt.Sprintf("unknown line type %q", e.Type)
}

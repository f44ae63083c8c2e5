// SPDX-License-Identifier: Apache-2.0

// Package tapline decodes the newline-delimited JSON ingress protocol of
// spec.md §6: each line is a SCHEMA, RECORD, STATE, or ACTIVATE_VERSION
// message. Decoding here is deliberately permissive about unknown fields
// and strict about the type tag, mirroring the tap-ecosystem convention
// this target is a collaborator in rather than the owner of.
package tapline

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is the "type" discriminator of a tap line.
type Type string

const (
	TypeSchema          Type = "SCHEMA"
	TypeRecord          Type = "RECORD"
	TypeState           Type = "STATE"
	TypeActivateVersion Type = "ACTIVATE_VERSION"
)

// Envelope is the minimal shape every tap line shares: enough to dispatch
// on Type before unmarshaling the rest.
type Envelope struct {
	Type   Type   `json:"type"`
	Stream string `json:"stream"`
}

// Schema is a SCHEMA line: declares (or updates) a stream's JSON schema and
// key properties.
type Schema struct {
	Type          Type           `json:"type"`
	Stream        string         `json:"stream"`
	SchemaDoc     map[string]any `json:"schema"`
	KeyProperties []string       `json:"key_properties"`
}

// Record is a RECORD line: one data row for a stream, optionally carrying
// extraction time, table version, and an explicit ordering sequence.
type Record struct {
	Type          Type           `json:"type"`
	Stream        string         `json:"stream"`
	RecordDoc     map[string]any `json:"record"`
	TimeExtracted *time.Time     `json:"time_extracted"`
	Version       *int           `json:"version"`
	Sequence      *int64         `json:"sequence"`
}

// State is a STATE line: an opaque checkpoint value routed through the
// Stream Tracker for deferred release.
type State struct {
	Type  Type `json:"type"`
	Value any  `json:"value"`
}

// ActivateVersion is an ACTIVATE_VERSION line: flush then activate a
// stream's pending table version.
type ActivateVersion struct {
	Type    Type   `json:"type"`
	Stream  string `json:"stream"`
	Version int    `json:"version"`
}

// Decode inspects line's "type" field and unmarshals it into the matching
// concrete type, returned as `any` holding one of Schema, Record, State, or
// ActivateVersion. An unrecognized type is reported via its Type string so
// the caller can raise a fatal UnknownLineTypeError.
func Decode(line []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decoding tap line envelope: %w", err)
	}

	switch env.Type {
	case TypeSchema:
		var s Schema
		if err := json.Unmarshal(line, &s); err != nil {
			return nil, fmt.Errorf("decoding SCHEMA line for stream %q: %w", env.Stream, err)
		}
		return s, nil
	case TypeRecord:
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("decoding RECORD line for stream %q: %w", env.Stream, err)
		}
		return r, nil
	case TypeState:
		var s State
		if err := json.Unmarshal(line, &s); err != nil {
			return nil, fmt.Errorf("decoding STATE line: %w", err)
		}
		return s, nil
	case TypeActivateVersion:
		var a ActivateVersion
		if err := json.Unmarshal(line, &a); err != nil {
			return nil, fmt.Errorf("decoding ACTIVATE_VERSION line for stream %q: %w", env.Stream, err)
		}
		return a, nil
	default:
		return nil, &UnrecognizedTypeError{Type: string(env.Type)}
	}
}

// UnrecognizedTypeError is returned by Decode for a "type" value that is
// none of SCHEMA, RECORD, STATE, or ACTIVATE_VERSION.
type UnrecognizedTypeError struct {
	Type string
}

func (e *UnrecognizedTypeError) Error() string {
	return fmt.Sprintf("unrecognized tap line type %q", e.Type)
}

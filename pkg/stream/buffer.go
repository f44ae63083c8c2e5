// SPDX-License-Identifier: Apache-2.0

// Package stream holds the per-stream record accumulator (the Stream
// Buffer, spec.md §4.3) and the cross-stream STATE-acknowledgement
// coordinator (the Stream Tracker, spec.md §4.4).
package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tapstream/targetpg/pkg/denest"
	"github.com/tapstream/targetpg/pkg/jsonschema"
)

// Line is one ingested RECORD line, not yet denested or metadata-augmented.
type Line struct {
	Record        map[string]any
	TimeExtracted *time.Time
	Version       *int
	Sequence      *int64
}

// FlushFunc performs one flush of the buffer's accumulated lines. Buffer
// holds a FlushFunc rather than a reference back to whatever orchestrates
// it, resolving the Tracker/Buffer/Target cyclic-ownership concern (spec.md
// §9) with a one-way callback registered at construction.
type FlushFunc func(ctx context.Context) error

// InvalidRecordsExceededError is raised once the number of schema-invalid
// records in a buffer reaches its configured threshold (spec.md §7).
type InvalidRecordsExceededError struct {
	Stream string
	Errors []error
}

func (e *InvalidRecordsExceededError) Error() string {
	return fmt.Sprintf("stream %q: %d invalid records exceeded threshold", e.Stream, len(e.Errors))
}

// Buffer is the per-stream validated record accumulator of spec.md §4.3.
type Buffer struct {
	Name string

	rawSchema     jsonschema.Schema
	KeyProperties []string
	UseUUIDPK     bool
	validator     *jsonschema.Validator

	flush FlushFunc

	Lines               []Line
	Count               int
	Size                int
	LifetimeMaxVersion  *int
	InvalidRecords      []error

	MaxRows                 int
	MaxSize                 int
	InvalidRecordsDetect    bool
	InvalidRecordsThreshold int
}

// NewBuffer constructs an empty Buffer for stream name, with flush as its
// one-way callback for both buffer-full force-flushes and stale-version
// force-flushes.
func NewBuffer(name string, maxRows, maxSize int, invalidRecordsDetect bool, invalidRecordsThreshold int, flush FlushFunc) *Buffer {
	return &Buffer{
		Name:                    name,
		MaxRows:                 maxRows,
		MaxSize:                 maxSize,
		InvalidRecordsDetect:    invalidRecordsDetect,
		InvalidRecordsThreshold: invalidRecordsThreshold,
		flush:                   flush,
	}
}

// UpdateSchema re-simplifies schema, installs it along with keyProperties,
// and recompiles the validator (spec.md §4.3 update_schema). An empty
// keyProperties enables the synthetic UUID primary key: KeyProperties is
// then canonicalized to ["_sdc_primary_key"] so every downstream consumer
// (the Batch Writer's drift check, the Denester's source-key injection)
// sees the same effective key the stream is actually upserted on.
func (b *Buffer) UpdateSchema(schema jsonschema.Schema, keyProperties []string) error {
	simplified := jsonschema.Simplify(schema, schema)

	validator, err := jsonschema.CompileValidator(simplified)
	if err != nil {
		return fmt.Errorf("stream %q: failed to compile schema validator: %w", b.Name, err)
	}

	b.rawSchema = simplified
	b.UseUUIDPK = len(keyProperties) == 0
	if b.UseUUIDPK {
		b.KeyProperties = []string{denest.ColPrimaryKey}
	} else {
		b.KeyProperties = keyProperties
	}
	b.validator = validator

	return nil
}

// Schema returns the buffer's currently installed simplified schema.
func (b *Buffer) Schema() jsonschema.Schema {
	return b.rawSchema
}

// AddRecordMessage implements spec.md §4.3 add_record_message: version
// bookkeeping and forced flush on a version bump, validation against the
// installed schema, and invalid-record threshold enforcement.
//
// warn is called with human-readable warnings for stale-version drops and
// cross-version flushes; it may be nil.
func (b *Buffer) AddRecordMessage(ctx context.Context, line Line, warn func(string)) error {
	if line.Version != nil {
		switch {
		case b.LifetimeMaxVersion == nil || *line.Version > *b.LifetimeMaxVersion:
			if b.Count > 0 {
				if warn != nil {
					warn(fmt.Sprintf("stream %q: flushing %d records before switching to table version %d", b.Name, b.Count, *line.Version))
				}
				if err := b.flush(ctx); err != nil {
					return err
				}
			}
			v := *line.Version
			b.LifetimeMaxVersion = &v

		case *line.Version < *b.LifetimeMaxVersion:
			if warn != nil {
				warn(fmt.Sprintf("stream %q: dropping record from stale table version %d (current %d)", b.Name, *line.Version, *b.LifetimeMaxVersion))
			}
			return nil
		}
	}

	if b.validator != nil {
		if err := b.validator.Validate(line.Record); err != nil {
			b.InvalidRecords = append(b.InvalidRecords, fmt.Errorf("record %d of stream %q: %w", len(b.InvalidRecords)+1, b.Name, err))
			if b.InvalidRecordsDetect && len(b.InvalidRecords) >= b.InvalidRecordsThreshold {
				return &InvalidRecordsExceededError{Stream: b.Name, Errors: append([]error(nil), b.InvalidRecords...)}
			}
			return nil
		}
	}

	if b.UseUUIDPK {
		if _, ok := line.Record["_sdc_primary_key"]; !ok {
			line.Record["_sdc_primary_key"] = uuid.New().String()
		}
	}

	b.Lines = append(b.Lines, line)
	b.Count++
	b.Size += estimateSize(line.Record)

	return nil
}

// BufferFull implements spec.md §4.3 buffer_full.
func (b *Buffer) BufferFull() bool {
	return b.Count >= b.MaxRows || (b.Count > 0 && b.Size >= b.MaxSize)
}

// PeekBuffer returns the lines currently accumulated without clearing them.
func (b *Buffer) PeekBuffer() []Line {
	return b.Lines
}

// FlushBuffer clears the accumulated lines and zeroes the three counters
// (spec.md §4.3 flush_buffer). It does not itself perform I/O; callers
// invoke it only after a successful Batch Writer commit (spec.md §7).
func (b *Buffer) FlushBuffer() []Line {
	lines := b.Lines
	b.Lines = nil
	b.Count = 0
	b.Size = 0
	b.InvalidRecords = nil
	return lines
}

// ForceFlush runs the buffer's registered FlushFunc directly, used by the
// Stream Tracker on end-of-stream and ACTIVATE_VERSION force-flushes.
func (b *Buffer) ForceFlush(ctx context.Context) error {
	if b.Count == 0 {
		return nil
	}
	return b.flush(ctx)
}

// estimateSize approximates the in-memory footprint of a record for the
// byte-size buffer ceiling. It need not be exact, only monotonic and cheap.
func estimateSize(record map[string]any) int {
	size := 0
	for k, v := range record {
		size += len(k) + valueSize(v)
	}
	return size
}

func valueSize(v any) int {
	switch vv := v.(type) {
	case nil:
		return 4
	case string:
		return len(vv)
	case map[string]any:
		return estimateSize(vv)
	case []any:
		total := 0
		for _, item := range vv {
			total += valueSize(item)
		}
		return total
	default:
		return 8
	}
}

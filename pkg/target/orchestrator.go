// SPDX-License-Identifier: Apache-2.0

package target

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/tapstream/targetpg/pkg/stream"
	"github.com/tapstream/targetpg/pkg/tapline"
)

// Options configures an Orchestrator's buffer ceilings and invalid-record
// policy (spec.md §6 Configuration options).
type Options struct {
	MaxBatchRows            int
	MaxBatchSize            int
	BatchDetectionThreshold int
	InvalidRecordsDetect    bool
	InvalidRecordsThreshold int
	StateSupport            bool
}

// Orchestrator is the Target Orchestrator (C7): it decodes tap lines and
// dispatches them to the Stream Buffer/Tracker and Batch Writer, one line
// at a time (spec.md §5, "single-threaded at the ingress").
type Orchestrator struct {
	writer  *Writer
	tracker *stream.Tracker
	logger  Logger
	opts    Options

	linesSinceProbe int
}

// NewOrchestrator constructs an Orchestrator that writes through writer and
// emits deferred STATE lines (spec.md §6) to stateOut.
func NewOrchestrator(writer *Writer, logger Logger, stateOut io.Writer, opts Options) *Orchestrator {
	if logger == nil {
		logger = NewNoopLogger()
	}
	o := &Orchestrator{writer: writer, logger: logger, opts: opts}
	o.tracker = stream.NewTracker(func(value any) {
		if err := emitState(stateOut, value); err != nil {
			logger.Error("failed to emit state line", "error", err)
		}
	})
	return o
}

// ProcessLine decodes and dispatches a single tap line.
func (o *Orchestrator) ProcessLine(ctx context.Context, raw []byte) error {
	msg, err := tapline.Decode(raw)
	if err != nil {
		var unrec *tapline.UnrecognizedTypeError
		if errors.As(err, &unrec) {
			return &SchemaDriftFatalError{Err: &UnknownLineTypeError{Type: unrec.Type}}
		}
		return err
	}

	switch m := msg.(type) {
	case tapline.Schema:
		return o.handleSchema(m)
	case tapline.Record:
		return o.handleRecord(ctx, m)
	case tapline.State:
		return o.handleState(m)
	case tapline.ActivateVersion:
		return o.handleActivateVersion(ctx, m)
	default:
		return fmt.Errorf("unhandled decoded tap line type %T", msg)
	}
}

// Close force-flushes every registered stream and drains any still-pending
// STATE checkpoints, called at end-of-input (spec.md §5, Cancellation).
func (o *Orchestrator) Close(ctx context.Context) error {
	return o.tracker.ForceFlushAll(ctx)
}

func (o *Orchestrator) handleSchema(m tapline.Schema) error {
	buf := o.tracker.Buffer(m.Stream)
	if buf == nil {
		name := m.Stream
		var newBuf *stream.Buffer
		newBuf = stream.NewBuffer(name, o.opts.MaxBatchRows, o.opts.MaxBatchSize,
			o.opts.InvalidRecordsDetect, o.opts.InvalidRecordsThreshold,
			func(ctx context.Context) error {
				return o.writer.Flush(ctx, name, newBuf, o.tracker)
			})
		o.tracker.Register(name, newBuf)
		buf = newBuf
	}

	if err := buf.UpdateSchema(m.SchemaDoc, m.KeyProperties); err != nil {
		return &SchemaDriftFatalError{Stream: m.Stream, Err: err}
	}
	return nil
}

func (o *Orchestrator) handleRecord(ctx context.Context, m tapline.Record) error {
	buf := o.tracker.Buffer(m.Stream)
	if buf == nil {
		return &SchemaDriftFatalError{Stream: m.Stream, Err: fmt.Errorf("record received before any SCHEMA line")}
	}

	o.tracker.RecordIngested()

	line := stream.Line{Record: m.RecordDoc, TimeExtracted: m.TimeExtracted, Version: m.Version, Sequence: m.Sequence}
	if err := buf.AddRecordMessage(ctx, line, func(msg string) { o.logger.Warn(msg) }); err != nil {
		var invalid *stream.InvalidRecordsExceededError
		if errors.As(err, &invalid) {
			return &InvalidRecordsExceededError{Stream: m.Stream, Err: err}
		}
		return err
	}

	o.linesSinceProbe++
	if o.linesSinceProbe >= o.opts.BatchDetectionThreshold {
		o.linesSinceProbe = 0
		if buf.BufferFull() {
			if err := buf.ForceFlush(ctx); err != nil {
				return &BackendFailureError{Stream: m.Stream, Table: m.Stream, Err: err}
			}
		}
	}

	return nil
}

func (o *Orchestrator) handleState(m tapline.State) error {
	if !o.opts.StateSupport {
		return nil
	}
	o.tracker.Checkpoint(m.Value)
	return nil
}

func (o *Orchestrator) handleActivateVersion(ctx context.Context, m tapline.ActivateVersion) error {
	if buf := o.tracker.Buffer(m.Stream); buf != nil {
		if err := buf.ForceFlush(ctx); err != nil {
			return &BackendFailureError{Stream: m.Stream, Table: m.Stream, Err: err}
		}
	}
	return o.writer.ActivateVersion(ctx, m.Stream, m.Version)
}

func emitState(w io.Writer, value any) error {
	line := map[string]any{"type": "STATE", "value": value}
	raw, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encoding state line: %w", err)
	}
	raw = append(raw, '\n')
	_, err = w.Write(raw)
	return err
}

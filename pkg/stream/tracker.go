// SPDX-License-Identifier: Apache-2.0

package stream

import "context"

// StateSink receives an acknowledged STATE message's raw value once every
// record ingested before it has been durably committed (spec.md §4.4).
type StateSink func(value any)

// pendingState is one outstanding STATE checkpoint: the raw value to
// release once outstanding reaches zero.
type pendingState struct {
	value       any
	outstanding int
}

// Tracker is the Stream Tracker (C4, spec.md §4.4): it owns the set of
// active Buffers and an ordered queue of outstanding STATE checkpoints, and
// decides when a STATE may be released to the sink.
type Tracker struct {
	buffers map[string]*Buffer
	order   []string

	// pending counts records ingested but not yet committed.
	pending int

	queue []*pendingState
	sink  StateSink
}

// NewTracker constructs an empty Tracker that releases acknowledged STATE
// values to sink.
func NewTracker(sink StateSink) *Tracker {
	return &Tracker{
		buffers: map[string]*Buffer{},
		sink:    sink,
	}
}

// Buffer returns the buffer registered for name, or nil.
func (t *Tracker) Buffer(name string) *Buffer {
	return t.buffers[name]
}

// Register installs a buffer for stream name, created on first SCHEMA line
// for that stream (spec.md §3, Lifecycle).
func (t *Tracker) Register(name string, b *Buffer) {
	if _, exists := t.buffers[name]; !exists {
		t.order = append(t.order, name)
	}
	t.buffers[name] = b
}

// RecordIngested counts one more record as ingested but not yet committed,
// called once per ingested RECORD line. A checkpoint enqueued afterwards
// waits for that record to be committed.
func (t *Tracker) RecordIngested() {
	t.pending++
}

// RecordCommitted decrements the pending-count of every outstanding STATE
// checkpoint by n, called once per batch after a successful commit, then
// releases any checkpoints that have reached zero outstanding records, in
// queue order (spec.md §4.4).
func (t *Tracker) RecordCommitted(n int) {
	t.pending -= n
	if t.pending < 0 {
		t.pending = 0
	}
	for _, p := range t.queue {
		p.outstanding -= n
	}
	t.release()
}

// Checkpoint enqueues a STATE message's value. It is released to the sink
// once every record ingested before it has been committed.
func (t *Tracker) Checkpoint(value any) {
	t.queue = append(t.queue, &pendingState{value: value, outstanding: t.pending})
	t.release()
}

// release pops and emits every queued checkpoint, in order, that has zero
// outstanding records in front of it.
func (t *Tracker) release() {
	for len(t.queue) > 0 && t.queue[0].outstanding <= 0 {
		head := t.queue[0]
		t.queue = t.queue[1:]
		if t.sink != nil {
			t.sink(head.value)
		}
	}
}

// ForceFlushAll flushes every registered stream, in registration order, and
// then drains any still-pending STATE checkpoints regardless of
// outstanding count. Used at end-of-stream and before version activation
// (spec.md §4.4, §5 Cancellation). Every stream is attempted even if an
// earlier one fails; the first error is returned once all have run.
func (t *Tracker) ForceFlushAll(ctx context.Context) error {
	var firstErr error
	for _, name := range t.order {
		b := t.buffers[name]
		if b == nil {
			continue
		}
		// b.ForceFlush runs the registered FlushFunc (Writer.Flush), which
		// already calls t.RecordCommitted for this batch on success.
		if err := b.ForceFlush(ctx); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
	}

	t.drainAll()

	return firstErr
}

// drainAll releases every remaining queued checkpoint unconditionally, used
// once every buffer has been force-flushed and no further records can
// arrive to block them.
func (t *Tracker) drainAll() {
	for _, p := range t.queue {
		if t.sink != nil {
			t.sink(p.value)
		}
	}
	t.queue = nil
}

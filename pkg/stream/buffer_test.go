// SPDX-License-Identifier: Apache-2.0

package stream_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapstream/targetpg/pkg/jsonschema"
	"github.com/tapstream/targetpg/pkg/stream"
)

func intPtr(i int) *int { return &i }

func newTestBuffer(t *testing.T, maxRows, maxSize int, flush stream.FlushFunc) *stream.Buffer {
	t.Helper()

	b := stream.NewBuffer("users", maxRows, maxSize, true, 2, flush)
	err := b.UpdateSchema(jsonschema.Schema{
		"properties": map[string]any{
			"id":   map[string]any{"type": "integer"},
			"name": map[string]any{"type": "string"},
		},
		"required": []any{"id"},
	}, []string{"id"})
	require.NoError(t, err)
	return b
}

func TestAddRecordMessageAppendsValidRecord(t *testing.T) {
	t.Parallel()

	b := newTestBuffer(t, 100, 1<<20, func(ctx context.Context) error { return nil })

	err := b.AddRecordMessage(context.Background(), stream.Line{Record: map[string]any{"id": float64(1), "name": "alice"}}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, b.Count)
	assert.Len(t, b.PeekBuffer(), 1)
}

func TestAddRecordMessageInvalidRecordIsQuarantined(t *testing.T) {
	t.Parallel()

	b := newTestBuffer(t, 100, 1<<20, func(ctx context.Context) error { return nil })

	err := b.AddRecordMessage(context.Background(), stream.Line{Record: map[string]any{"name": "missing id"}}, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, b.Count)
	assert.Len(t, b.InvalidRecords, 1)
}

func TestAddRecordMessageExceedsInvalidThreshold(t *testing.T) {
	t.Parallel()

	b := newTestBuffer(t, 100, 1<<20, func(ctx context.Context) error { return nil })

	bad := stream.Line{Record: map[string]any{"name": "missing id"}}
	require.NoError(t, b.AddRecordMessage(context.Background(), bad, nil))

	err := b.AddRecordMessage(context.Background(), bad, nil)
	var exceeded *stream.InvalidRecordsExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Len(t, exceeded.Errors, 2)
}

func TestAddRecordMessageFlushesOnVersionBump(t *testing.T) {
	t.Parallel()

	flushed := false
	b := newTestBuffer(t, 100, 1<<20, func(ctx context.Context) error {
		flushed = true
		return nil
	})

	require.NoError(t, b.AddRecordMessage(context.Background(), stream.Line{Record: map[string]any{"id": float64(1)}, Version: intPtr(1)}, nil))
	require.False(t, flushed)

	require.NoError(t, b.AddRecordMessage(context.Background(), stream.Line{Record: map[string]any{"id": float64(2)}, Version: intPtr(2)}, func(string) {}))
	assert.True(t, flushed, "a version bump over a non-empty buffer must force a flush first")
}

func TestAddRecordMessageDropsStaleVersion(t *testing.T) {
	t.Parallel()

	b := newTestBuffer(t, 100, 1<<20, func(ctx context.Context) error { return nil })

	require.NoError(t, b.AddRecordMessage(context.Background(), stream.Line{Record: map[string]any{"id": float64(1)}, Version: intPtr(5)}, nil))
	sizeBefore, countBefore := b.Size, b.Count

	var warned string
	require.NoError(t, b.AddRecordMessage(context.Background(), stream.Line{Record: map[string]any{"id": float64(2)}, Version: intPtr(3)}, func(s string) { warned = s }))

	assert.Equal(t, sizeBefore, b.Size)
	assert.Equal(t, countBefore, b.Count)
	assert.NotEmpty(t, warned)
}

func TestBufferFull(t *testing.T) {
	t.Parallel()

	b := newTestBuffer(t, 2, 1<<20, func(ctx context.Context) error { return nil })
	assert.False(t, b.BufferFull())

	require.NoError(t, b.AddRecordMessage(context.Background(), stream.Line{Record: map[string]any{"id": float64(1)}}, nil))
	assert.False(t, b.BufferFull())

	require.NoError(t, b.AddRecordMessage(context.Background(), stream.Line{Record: map[string]any{"id": float64(2)}}, nil))
	assert.True(t, b.BufferFull())
}

func TestFlushBufferResetsCounters(t *testing.T) {
	t.Parallel()

	b := newTestBuffer(t, 100, 1<<20, func(ctx context.Context) error { return nil })
	require.NoError(t, b.AddRecordMessage(context.Background(), stream.Line{Record: map[string]any{"id": float64(1)}}, nil))

	lines := b.FlushBuffer()
	assert.Len(t, lines, 1)
	assert.Equal(t, 0, b.Count)
	assert.Equal(t, 0, b.Size)
}

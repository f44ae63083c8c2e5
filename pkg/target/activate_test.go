// SPDX-License-Identifier: Apache-2.0

package target_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapstream/targetpg/pkg/stream"
	"github.com/tapstream/targetpg/pkg/target"
	"github.com/tapstream/targetpg/pkg/testutils"
)

func TestActivateVersionSwapsShadowTableIntoPlace(t *testing.T) {
	t.Parallel()

	testutils.WithWriterAndConnectionToContainer(t, func(writer *target.Writer, conn *sql.DB) {
		tracker := stream.NewTracker(nil)
		schema := map[string]any{
			"properties": map[string]any{
				"id":   map[string]any{"type": "integer"},
				"name": map[string]any{"type": "string"},
			},
		}

		v10 := 10
		buf := newBuffer(t, writer, tracker, "orders", []string{"id"}, schema)
		seq1 := int64(1)
		require.NoError(t, buf.AddRecordMessage(context.Background(), stream.Line{
			Record: map[string]any{"id": float64(1), "name": "v10-row"}, Sequence: &seq1, Version: &v10,
		}, nil))
		require.NoError(t, buf.ForceFlush(context.Background()))

		v11 := 11
		buf2 := newBuffer(t, writer, tracker, "orders", []string{"id"}, schema)
		seq2 := int64(1)
		require.NoError(t, buf2.AddRecordMessage(context.Background(), stream.Line{
			Record: map[string]any{"id": float64(1), "name": "v11-row"}, Sequence: &seq2, Version: &v11,
		}, nil))
		require.NoError(t, buf2.ForceFlush(context.Background()))

		var shadowExists bool
		err := conn.QueryRow(`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'orders__11')`).Scan(&shadowExists)
		require.NoError(t, err)
		require.True(t, shadowExists, "flush at a higher version must create a shadow table")

		require.NoError(t, writer.ActivateVersion(context.Background(), "orders", 11))

		var name string
		require.NoError(t, conn.QueryRow(`SELECT name FROM orders WHERE id = 1`).Scan(&name))
		assert.Equal(t, "v11-row", name)

		var oldExists, shadowStillExists bool
		require.NoError(t, conn.QueryRow(`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'orders__old')`).Scan(&oldExists))
		require.NoError(t, conn.QueryRow(`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'orders__11')`).Scan(&shadowStillExists))
		assert.False(t, oldExists)
		assert.False(t, shadowStillExists)
	})
}

func TestActivateVersionIsNoOpWhenAlreadyActive(t *testing.T) {
	t.Parallel()

	testutils.WithWriterAndConnectionToContainer(t, func(writer *target.Writer, conn *sql.DB) {
		tracker := stream.NewTracker(nil)
		schema := map[string]any{"properties": map[string]any{"id": map[string]any{"type": "integer"}}}

		v1 := 1
		buf := newBuffer(t, writer, tracker, "accounts", []string{"id"}, schema)
		seq := int64(1)
		require.NoError(t, buf.AddRecordMessage(context.Background(), stream.Line{
			Record: map[string]any{"id": float64(1)}, Sequence: &seq, Version: &v1,
		}, nil))
		require.NoError(t, buf.ForceFlush(context.Background()))

		require.NoError(t, writer.ActivateVersion(context.Background(), "accounts", 1))
	})
}

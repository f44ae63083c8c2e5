// SPDX-License-Identifier: Apache-2.0

package denest_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapstream/targetpg/pkg/denest"
	"github.com/tapstream/targetpg/pkg/jsonschema"
)

func columnNames(t *denest.TableSchema) []string {
	names := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

func TestDenestSchemaNestedArray(t *testing.T) {
	t.Parallel()

	rootSchema := jsonschema.Schema{
		"properties": map[string]any{
			"id":   map[string]any{"type": "integer"},
			"tags": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
	}

	keyPropSchemas := map[string]jsonschema.Schema{"id": {"type": []any{"integer"}}}
	root, subtables := denest.DenestSchema("users", rootSchema, []string{"id"}, keyPropSchemas)

	assert.Contains(t, columnNames(root), "id")
	assert.NotContains(t, columnNames(root), "tags")

	require.Len(t, subtables, 1)
	sub := subtables[0]
	assert.Equal(t, "users__tags", sub.Name)
	require.NotNil(t, sub.Level)
	assert.Equal(t, 0, *sub.Level)
	assert.Contains(t, columnNames(sub), "_sdc_source_key_id")
	assert.Contains(t, columnNames(sub), "_sdc_level_0_id")
	assert.Contains(t, columnNames(sub), "_sdc_value")
	assert.Equal(t, []string{"_sdc_source_key_id", "_sdc_level_0_id"}, sub.KeyProperties)
}

func TestDenestSchemaNestedObjectNullability(t *testing.T) {
	t.Parallel()

	rootSchema := jsonschema.Schema{
		"properties": map[string]any{
			"address": map[string]any{
				"type": []any{"object", "null"},
				"properties": map[string]any{
					"city": map[string]any{"type": "string"},
				},
			},
		},
	}

	root, _ := denest.DenestSchema("users", rootSchema, nil, nil)
	city := root.GetColumn("address__city")
	require.NotNil(t, city)
	assert.True(t, city.Nullable, "leaf under a nullable ancestor object must be forced nullable")
}

func TestDenestSchemaEmptyKeyPropertiesInjectsUUIDPK(t *testing.T) {
	t.Parallel()

	rootSchema := jsonschema.Schema{"properties": map[string]any{"name": map[string]any{"type": "string"}}}

	root, _ := denest.DenestSchema("events", rootSchema, nil, nil)
	assert.Equal(t, []string{denest.ColPrimaryKey}, root.KeyProperties)
	assert.NotNil(t, root.GetColumn(denest.ColPrimaryKey))
}

func TestDenestRecordsNestedArray(t *testing.T) {
	t.Parallel()

	records := []denest.Row{
		{"id": 7, "tags": []any{"x", "y"}},
	}

	rowsByTable := denest.DenestRecords("users", records, []string{"id"})

	require.Len(t, rowsByTable["users"], 1)
	assert.Equal(t, 7, rowsByTable["users"][0]["id"])
	assert.NotContains(t, rowsByTable["users"][0], "tags")

	tagRows := rowsByTable["users__tags"]
	require.Len(t, tagRows, 2)

	seen := map[any]bool{}
	for i, row := range tagRows {
		assert.Equal(t, 7, row["_sdc_source_key_id"])
		assert.Equal(t, i, row["_sdc_level_0_id"])
		seen[row["_sdc_value"]] = true
	}
	assert.True(t, seen["x"])
	assert.True(t, seen["y"])
}

func TestDenestRecordsOmitsNullScalars(t *testing.T) {
	t.Parallel()

	records := []denest.Row{
		{"id": 1, "name": nil},
	}

	rowsByTable := denest.DenestRecords("users", records, []string{"id"})
	assert.NotContains(t, rowsByTable["users"][0], "name")
}

func TestDenestRecordsDoublyNestedArrayCarriesAncestorLevels(t *testing.T) {
	t.Parallel()

	records := []denest.Row{
		{
			"id": 1,
			"groups": []any{
				map[string]any{"members": []any{"a", "b"}},
			},
		},
	}

	rowsByTable := denest.DenestRecords("teams", records, []string{"id"})

	memberRows := rowsByTable["teams__groups__members"]
	require.Len(t, memberRows, 2)
	for i, row := range memberRows {
		assert.Equal(t, 1, row["_sdc_source_key_id"])
		assert.Equal(t, 0, row["_sdc_level_0_id"])
		assert.Equal(t, i, row["_sdc_level_1_id"])
	}
}

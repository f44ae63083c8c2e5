// SPDX-License-Identifier: Apache-2.0

package jsonschema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapstream/targetpg/pkg/jsonschema"
)

func TestSimplifyResolvesRef(t *testing.T) {
	t.Parallel()

	root := jsonschema.Schema{
		"definitions": map[string]any{
			"id": map[string]any{"type": "integer"},
		},
		"properties": map[string]any{
			"id": map[string]any{"$ref": "#/definitions/id"},
		},
	}

	props := root["properties"].(map[string]any)
	simplified := jsonschema.Simplify(root, jsonschema.Schema(props["id"].(map[string]any)))

	assert.Equal(t, []any{"integer"}, simplified["type"])
}

func TestSimplifyCollapsesAllOf(t *testing.T) {
	t.Parallel()

	node := jsonschema.Schema{
		"allOf": []any{
			map[string]any{"type": "object", "properties": map[string]any{"a": map[string]any{"type": "string"}}},
			map[string]any{"properties": map[string]any{"b": map[string]any{"type": "integer"}}},
		},
	}

	simplified := jsonschema.Simplify(node, node)
	props, ok := simplified["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "a")
	assert.Contains(t, props, "b")
}

func TestSimplifyLiftsNullableFromOneOf(t *testing.T) {
	t.Parallel()

	node := jsonschema.Schema{
		"oneOf": []any{
			map[string]any{"type": "string"},
			map[string]any{"type": "null"},
		},
	}

	simplified := jsonschema.Simplify(node, node)
	assert.True(t, jsonschema.IsNullable(simplified))
	assert.True(t, containsAny(simplified["type"].([]any), "string"))
}

func TestSimplifyIsDeterministic(t *testing.T) {
	t.Parallel()

	node := jsonschema.Schema{"type": "string", "format": "date-time"}

	first := jsonschema.Simplify(node, node)
	second := jsonschema.Simplify(first, first)

	assert.Equal(t, first, second)
}

func TestShorthandIsInjectiveOverSQLType(t *testing.T) {
	t.Parallel()

	cases := []jsonschema.Schema{
		{"type": []any{"string"}},
		{"type": []any{"integer"}},
		{"type": []any{"number"}},
		{"type": []any{"boolean"}},
		{"type": []any{"string"}, "format": "date-time"},
	}

	seen := map[string]string{}
	for _, c := range cases {
		short := jsonschema.Shorthand(c)
		sql := jsonschema.ToSQL(c)
		if prev, ok := seen[short]; ok {
			assert.Equal(t, prev, sql, "shorthand %q must map to a stable SQL type", short)
		}
		seen[short] = sql
	}
}

func TestMakeNullableIsIdempotent(t *testing.T) {
	t.Parallel()

	s := jsonschema.Schema{"type": []any{"string"}}
	once := jsonschema.MakeNullable(s)
	twice := jsonschema.MakeNullable(once)

	assert.Equal(t, once, twice)
	assert.True(t, jsonschema.IsNullable(twice))
}

func TestIsIterableAndIsObject(t *testing.T) {
	t.Parallel()

	arr := jsonschema.Schema{"type": "array", "items": map[string]any{"type": "string"}}
	obj := jsonschema.Schema{"type": "object", "properties": map[string]any{}}
	scalar := jsonschema.Schema{"type": "integer"}

	assert.True(t, jsonschema.IsIterable(arr))
	assert.False(t, jsonschema.IsObject(arr))

	assert.True(t, jsonschema.IsObject(obj))
	assert.False(t, jsonschema.IsIterable(obj))

	assert.False(t, jsonschema.IsObject(scalar))
	assert.False(t, jsonschema.IsIterable(scalar))
}

func TestFromSQLRoundTripsShorthand(t *testing.T) {
	t.Parallel()

	for _, sqlType := range []string{"bigint", "character varying", "boolean", "double precision", "timestamp with time zone"} {
		schema := jsonschema.FromSQL(sqlType, false)
		assert.Equal(t, sqlType, jsonschema.ToSQL(schema))
	}
}

func containsAny(haystack []any, want string) bool {
	for _, h := range haystack {
		if h == want {
			return true
		}
	}
	return false
}

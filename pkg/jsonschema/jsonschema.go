// SPDX-License-Identifier: Apache-2.0

// Package jsonschema provides the JSON-Schema utilities used by the rest of
// targetpg to reason about the shape of a tap stream's schema: simplifying
// $ref/allOf/oneOf documents down to a canonical form, classifying nodes as
// object/array/scalar, and mapping scalar schemas to and from their Postgres
// column type.
package jsonschema

import (
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a simplified schema node.
type Kind int

const (
	KindScalar Kind = iota
	KindObject
	KindArray
)

// Schema is a JSON-Schema document, represented as the same loosely-typed
// map that encoding/json produces. Record values are validated against it
// with the compiled form returned by CompileValidator.
type Schema map[string]any

// Shorthand tags used to disambiguate type-split columns (spec.md §4.1,
// §4.5). These are stable, vendor-independent, and never change once
// assigned - they are persisted as part of column names in Postgres.
const (
	ShorthandString   = "s"
	ShorthandInteger  = "i"
	ShorthandFloat    = "f"
	ShorthandBoolean  = "b"
	ShorthandDatetime = "t"
	ShorthandJSON     = "j"
)

// Simplify resolves $ref, collapses allOf, and lifts nullability out of
// oneOf/anyOf, returning a new schema whose "type" is always normalized to a
// string slice that may contain "null". Simplify is deterministic: calling
// it twice on the same input, or on its own output, returns an equivalent
// schema.
func Simplify(root, node Schema) Schema {
	node = resolveRef(root, node)

	// Work on a shallow copy so the caller's map is never modified.
	copied := make(Schema, len(node)+1)
	for k, v := range node {
		copied[k] = v
	}
	node = copied

	if allOf, ok := node["allOf"].([]any); ok {
		merged := Schema{}
		for k, v := range node {
			if k != "allOf" {
				merged[k] = v
			}
		}
		for _, sub := range allOf {
			subSchema, ok := sub.(map[string]any)
			if !ok {
				continue
			}
			merged = mergeSchemas(merged, Simplify(root, Schema(subSchema)))
		}
		node = merged
	}

	nullable := false
	for _, key := range []string{"oneOf", "anyOf"} {
		alts, ok := node[key].([]any)
		if !ok {
			continue
		}
		var nonNull []any
		for _, alt := range alts {
			altSchema, ok := alt.(map[string]any)
			if !ok {
				continue
			}
			simplified := Simplify(root, Schema(altSchema))
			if hasNullType(simplified) && len(simplified) == 1 {
				nullable = true
				continue
			}
			nonNull = append(nonNull, map[string]any(simplified))
		}
		delete(node, key)
		if len(nonNull) == 1 {
			if sub, ok := nonNull[0].(map[string]any); ok {
				node = mergeSchemas(node, Schema(sub))
			}
		}
	}

	node["type"] = normalizeTypes(node["type"])

	if nullable {
		node = MakeNullable(node)
	}

	return node
}

// resolveRef follows a single-level local "$ref" pointer of the form
// "#/definitions/Foo" or "#/$defs/Foo" against root. Refs that cannot be
// resolved locally are left untouched - targetpg never fetches remote
// schemas.
func resolveRef(root, node Schema) Schema {
	ref, ok := node["$ref"].(string)
	if !ok {
		return node
	}

	path := strings.TrimPrefix(ref, "#/")
	parts := strings.Split(path, "/")

	cur := map[string]any(root)
	for _, part := range parts {
		next, ok := cur[part]
		if !ok {
			return node
		}
		nextMap, ok := next.(map[string]any)
		if !ok {
			return node
		}
		cur = nextMap
	}

	resolved := Schema{}
	for k, v := range cur {
		resolved[k] = v
	}
	for k, v := range node {
		if k != "$ref" {
			resolved[k] = v
		}
	}
	return resolved
}

// mergeSchemas combines two simplified schemas, as required when collapsing
// allOf. Properties are unioned; required lists are unioned; "type" of b
// wins when both declare one.
func mergeSchemas(a, b Schema) Schema {
	out := Schema{}
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		switch k {
		case "properties":
			aProps, _ := out["properties"].(map[string]any)
			bProps, _ := v.(map[string]any)
			merged := map[string]any{}
			for pk, pv := range aProps {
				merged[pk] = pv
			}
			for pk, pv := range bProps {
				merged[pk] = pv
			}
			out["properties"] = merged
		case "required":
			aReq, _ := out["required"].([]any)
			bReq, _ := v.([]any)
			out["required"] = append(append([]any{}, aReq...), bReq...)
		default:
			out[k] = v
		}
	}
	return out
}

func normalizeTypes(t any) []any {
	switch v := t.(type) {
	case nil:
		return []any{}
	case string:
		return []any{v}
	case []any:
		return v
	default:
		return []any{}
	}
}

func hasNullType(s Schema) bool {
	for _, t := range normalizeTypes(s["type"]) {
		if t == "null" {
			return true
		}
	}
	return false
}

// IsObject returns true if the simplified schema describes a JSON object
// with known properties.
func IsObject(s Schema) bool {
	if _, ok := s["properties"]; ok {
		return true
	}
	for _, t := range normalizeTypes(s["type"]) {
		if t == "object" {
			return true
		}
	}
	return false
}

// IsIterable returns true if the simplified schema describes a JSON array.
func IsIterable(s Schema) bool {
	for _, t := range normalizeTypes(s["type"]) {
		if t == "array" {
			return true
		}
	}
	_, ok := s["items"]
	return ok
}

// IsNullable returns true if "null" is one of the schema's declared types.
func IsNullable(s Schema) bool {
	return hasNullType(s)
}

// MakeNullable returns a copy of s with "null" added to its declared types,
// if not already present.
func MakeNullable(s Schema) Schema {
	if IsNullable(s) {
		return s
	}
	out := Schema{}
	for k, v := range s {
		out[k] = v
	}
	out["type"] = append(append([]any{}, normalizeTypes(s["type"])...), "null")
	return out
}

// classify returns the Kind of a simplified scalar/object/array schema.
func classify(s Schema) Kind {
	switch {
	case IsIterable(s):
		return KindArray
	case IsObject(s):
		return KindObject
	default:
		return KindScalar
	}
}

// Shorthand computes the stable type-family tag for a simplified scalar
// schema, used to disambiguate columns created by a type split (spec.md
// §4.5 rule 4). Shorthand is only meaningful for scalar schemas; calling it
// on an object or array schema returns ShorthandJSON.
func Shorthand(s Schema) string {
	if classify(s) != KindScalar {
		return ShorthandJSON
	}

	types := nonNullTypes(s)
	if len(types) == 0 {
		return ShorthandJSON
	}

	if format, _ := s["format"].(string); format == "date-time" && containsType(types, "string") {
		return ShorthandDatetime
	}

	// A scalar with more than one non-null type (e.g. ["string","integer"])
	// has no single SQL type family of its own; treat it as opaque JSON.
	if len(types) > 1 {
		return ShorthandJSON
	}

	switch types[0] {
	case "string":
		return ShorthandString
	case "integer":
		return ShorthandInteger
	case "number":
		return ShorthandFloat
	case "boolean":
		return ShorthandBoolean
	default:
		return ShorthandJSON
	}
}

func nonNullTypes(s Schema) []string {
	var out []string
	for _, t := range normalizeTypes(s["type"]) {
		if str, ok := t.(string); ok && str != "null" {
			out = append(out, str)
		}
	}
	sort.Strings(out)
	return out
}

func containsType(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}

// ToSQL renders the concrete Postgres column type for a simplified scalar
// schema. ToSQL is injective over Shorthand: any two schemas sharing a
// shorthand always produce the same SQL type family, which is what lets the
// Schema Upserter treat "same shorthand" and "same SQL type family"
// interchangeably.
func ToSQL(s Schema) string {
	switch Shorthand(s) {
	case ShorthandDatetime:
		return "timestamp with time zone"
	case ShorthandString:
		return "character varying"
	case ShorthandInteger:
		return "bigint"
	case ShorthandFloat:
		return "double precision"
	case ShorthandBoolean:
		return "boolean"
	default:
		return "jsonb"
	}
}

// FromSQL reconstructs a simplified scalar schema from a Postgres type name
// and nullability, the inverse operation used when the upserter needs to
// reason about a remote column's declared type in schema terms.
func FromSQL(sqlType string, nullable bool) Schema {
	var s Schema
	switch normalizeSQLType(sqlType) {
	case "timestamp with time zone", "timestamp without time zone", "timestamptz", "timestamp", "date":
		s = Schema{"type": []any{"string"}, "format": "date-time"}
	case "character varying", "text", "varchar", "char", "character":
		s = Schema{"type": []any{"string"}}
	case "bigint", "integer", "smallint", "int", "int4", "int8", "int2":
		s = Schema{"type": []any{"integer"}}
	case "double precision", "real", "numeric", "decimal", "float4", "float8":
		s = Schema{"type": []any{"number"}}
	case "boolean", "bool":
		s = Schema{"type": []any{"boolean"}}
	default:
		s = Schema{"type": []any{"object"}}
	}
	if nullable {
		s = MakeNullable(s)
	}
	return s
}

func normalizeSQLType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if idx := strings.Index(t, "("); idx != -1 {
		t = t[:idx]
	}
	return strings.TrimSpace(t)
}

// String renders a short diagnostic description of a schema, used in error
// messages.
func (s Schema) String() string {
	types := normalizeTypes(s["type"])
	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, fmt.Sprintf("%v", t))
	}
	return strings.Join(parts, "|")
}

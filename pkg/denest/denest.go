// SPDX-License-Identifier: Apache-2.0

// Package denest flattens arbitrarily nested JSON-schema-typed documents
// into a family of relational tables (the root table plus one subtable per
// array-valued path), and flattens records in lockstep with the same tree
// shape. See spec.md §4.2.
package denest

import (
	"fmt"
	"sort"

	"github.com/tapstream/targetpg/pkg/jsonschema"
)

// Separator is the literal token used between nesting levels in both
// column names and table names (spec.md §9, "Separator collisions").
const Separator = "__"

// Injected metadata column names (spec.md §3).
const (
	ColReceivedAt   = "_sdc_received_at"
	ColBatchedAt    = "_sdc_batched_at"
	ColSequence     = "_sdc_sequence"
	ColTableVersion = "_sdc_table_version"
	ColPrimaryKey   = "_sdc_primary_key"
)

// SourceKeyColumn returns the name of the injected foreign-key column that
// carries a root key property down into a subtable.
func SourceKeyColumn(rootKey string) string {
	return "_sdc_source_key_" + rootKey
}

// LevelColumn returns the name of the injected positional-index column for
// ancestor nesting level i.
func LevelColumn(level int) string {
	return fmt.Sprintf("_sdc_level_%d_id", level)
}

// Column is a single flattened column: its SQL-facing name, its simplified
// JSON schema, and whether it is nullable.
type Column struct {
	Name     string
	Schema   jsonschema.Schema
	Nullable bool
}

// TableSchema is the flattened shape of one table: the root table (Level ==
// nil) or a subtable (Level != nil), spec.md §3.
type TableSchema struct {
	Name          string
	Level         *int
	KeyProperties []string
	// Mappings records renames from a raw field name to the column name(s)
	// it is currently stored under, populated by the Schema Upserter
	// (spec.md §4.5) rather than by the denester itself, but carried here
	// since it travels with the table schema through the Batch Writer.
	Mappings map[string][]string
	Columns  []Column
}

// AddColumn appends a column to the table, or replaces it in place if a
// column of the same name already exists (possible when the same path is
// revisited from sibling object branches).
func (t *TableSchema) AddColumn(c Column) {
	for i := range t.Columns {
		if t.Columns[i].Name == c.Name {
			t.Columns[i] = c
			return
		}
	}
	t.Columns = append(t.Columns, c)
}

// GetColumn returns the column with the given name, or nil.
func (t *TableSchema) GetColumn(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// DenestSchema flattens a root JSON-schema document into a root TableSchema
// plus one TableSchema per array-valued path (spec.md §4.2).
//
// keyPropSchemas supplies the (already-simplified) schema for each root key
// property, so that subtables can declare correctly-typed
// _sdc_source_key_<k> columns.
func DenestSchema(rootName string, rootSchema jsonschema.Schema, keyProperties []string, keyPropSchemas map[string]jsonschema.Schema) (root *TableSchema, subtables []*TableSchema) {
	// A stream declares the synthetic UUID primary key either by leaving
	// key_properties empty or, once a caller has canonicalized it (the
	// Stream Buffer does, so every downstream consumer agrees on the
	// stream's effective key), by declaring it as [ColPrimaryKey]. Either
	// spelling is accepted here so both a bare stream schema and an
	// already-canonicalized one denest identically.
	useUUIDPK := len(keyProperties) == 0 || (len(keyProperties) == 1 && keyProperties[0] == ColPrimaryKey)

	effectiveKeyProperties := keyProperties
	if useUUIDPK {
		effectiveKeyProperties = []string{ColPrimaryKey}
		schemas := make(map[string]jsonschema.Schema, len(keyPropSchemas)+1)
		for k, v := range keyPropSchemas {
			schemas[k] = v
		}
		schemas[ColPrimaryKey] = jsonschema.Schema{"type": []any{"string"}}
		keyPropSchemas = schemas
	}

	root = &TableSchema{
		Name:          rootName,
		Level:         nil,
		KeyProperties: effectiveKeyProperties,
		Mappings:      map[string][]string{},
	}

	denestObjectSchema(rootSchema, rootName, "", root, &subtables, rootName, effectiveKeyProperties, keyPropSchemas, -1, false)

	root.AddColumn(Column{Name: ColReceivedAt, Schema: jsonschema.Schema{"type": []any{"string"}, "format": "date-time"}, Nullable: true})
	root.AddColumn(Column{Name: ColBatchedAt, Schema: jsonschema.Schema{"type": []any{"string"}, "format": "date-time"}, Nullable: true})
	root.AddColumn(Column{Name: ColSequence, Schema: jsonschema.Schema{"type": []any{"integer"}}, Nullable: false})
	root.AddColumn(Column{Name: ColTableVersion, Schema: jsonschema.Schema{"type": []any{"integer", "null"}}, Nullable: true})

	if useUUIDPK {
		root.AddColumn(Column{Name: ColPrimaryKey, Schema: jsonschema.Schema{"type": []any{"string"}}, Nullable: false})
	}

	return root, subtables
}

// denestObjectSchema walks the properties of an object schema, writing
// columns into table (for scalar leaves), recursing into helper flattening
// for nested objects under the parentNullable rule (spec.md §4.2), and
// registering a new subtable for every array-valued property.
func denestObjectSchema(
	objSchema jsonschema.Schema,
	rootTableName, pathPrefix string,
	table *TableSchema,
	subtables *[]*TableSchema,
	ancestorTablePath string,
	keyProperties []string,
	keyPropSchemas map[string]jsonschema.Schema,
	level int,
	parentNullable bool,
) {
	props, _ := objSchema["properties"].(map[string]any)
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rawChild, _ := props[name].(map[string]any)
		child := jsonschema.Simplify(objSchema, jsonschema.Schema(rawChild))

		colName := name
		if pathPrefix != "" {
			colName = pathPrefix + Separator + name
		}

		switch {
		case jsonschema.IsIterable(child):
			itemsRaw, _ := child["items"].(map[string]any)
			itemSchema := jsonschema.Simplify(child, jsonschema.Schema(itemsRaw))

			subtableName := ancestorTablePath + Separator + name
			nextLevel := level + 1
			sub := &TableSchema{
				Name:          subtableName,
				Level:         &nextLevel,
				KeyProperties: nil,
				Mappings:      map[string][]string{},
			}

			for _, k := range keyProperties {
				sub.AddColumn(Column{Name: SourceKeyColumn(k), Schema: keyPropSchemas[k], Nullable: false})
			}
			sub.AddColumn(Column{Name: ColSequence, Schema: jsonschema.Schema{"type": []any{"integer"}}, Nullable: true})
			for i := 0; i <= nextLevel; i++ {
				sub.AddColumn(Column{Name: LevelColumn(i), Schema: jsonschema.Schema{"type": []any{"integer"}}, Nullable: false})
			}

			sub.KeyProperties = subtableKey(keyProperties, nextLevel)

			if jsonschema.IsObject(itemSchema) {
				denestObjectSchema(itemSchema, rootTableName, "", sub, subtables, subtableName, keyProperties, keyPropSchemas, nextLevel, false)
			} else {
				valueNullable := jsonschema.IsNullable(itemSchema)
				sub.AddColumn(Column{Name: "_sdc_value", Schema: itemSchema, Nullable: valueNullable})
			}

			*subtables = append(*subtables, sub)

		case jsonschema.IsObject(child):
			denestObjectSchema(child, rootTableName, colName, table, subtables, ancestorTablePath, keyProperties, keyPropSchemas, level, parentNullable || jsonschema.IsNullable(child))

		default:
			nullable := jsonschema.IsNullable(child)
			if parentNullable {
				nullable = true
			}
			table.AddColumn(Column{Name: colName, Schema: child, Nullable: nullable})
		}
	}
}

// subtableKey returns the composite key column names for a subtable at the
// given level: every injected source-key column plus every level column up
// to and including level (spec.md §3).
func subtableKey(keyProperties []string, level int) []string {
	key := make([]string, 0, len(keyProperties)+level+1)
	for _, k := range keyProperties {
		key = append(key, SourceKeyColumn(k))
	}
	for i := 0; i <= level; i++ {
		key = append(key, LevelColumn(i))
	}
	return key
}

// SPDX-License-Identifier: Apache-2.0

// Package upsert reconciles a stream's local (denested) table schema
// against the physical Postgres table, evolving the remote schema one
// column at a time by the decision table of spec.md §4.5.
package upsert

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/tapstream/targetpg/pkg/denest"
	"github.com/tapstream/targetpg/pkg/jsonschema"
	"github.com/tapstream/targetpg/pkg/pgschema"
)

// Executor runs DDL against the backing store. *db.RDB and *db.FakeDB both
// satisfy it without either package importing the other.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Column is one column of a stream's local (denested) schema, ready to be
// reconciled against the remote table.
type Column struct {
	// Raw is the field path as produced by the denester, e.g. "age" or
	// "address__city".
	Raw      string
	SQLType  string
	Shorthand string
	Nullable bool
}

// ColumnFromDenest converts a denest.Column into the shape the decision
// table operates on.
func ColumnFromDenest(c denest.Column) Column {
	return Column{
		Raw:       c.Name,
		SQLType:   jsonschema.ToSQL(c.Schema),
		Shorthand: jsonschema.Shorthand(c.Schema),
		Nullable:  c.Nullable,
	}
}

// Table runs the full decision table of spec.md §4.5 for every column of a
// table's local schema against table, issuing whatever DDL is required,
// mutating table in place to reflect the post-reconciliation remote state,
// and returning the physical column name each raw column resolved to in
// this reconciliation (the Batch Writer needs this to serialize rows,
// since a mapped raw column may carry several historical physical names in
// table.Mappings but only one is current for this flush's schema).
func Table(ctx context.Context, exec Executor, table *pgschema.Table, columns []Column) (map[string]string, error) {
	physical := make(map[string]string, len(columns))
	for _, col := range columns {
		name, err := column(ctx, exec, table, col)
		if err != nil {
			return nil, err
		}
		physical[col.Raw] = name
	}
	return physical, nil
}

func column(ctx context.Context, exec Executor, table *pgschema.Table, col Column) (string, error) {
	canonical := Canonicalize(col.Raw)
	typed := canonical + denest.Separator + col.Shorthand
	mapped := table.MappedNames(col.Raw)

	// Rule 1: NAME COLLISION.
	if col.Raw != canonical && len(mapped) == 0 {
		if table.GetColumn(canonical) != nil || table.GetColumn(typed) != nil {
			return "", &NameCollisionError{Table: table.Name, Raw: col.Raw, Canonical: canonical}
		}
	}

	// Rules 2 & 3: look for an existing column under canonical or typed.
	existingName := canonical
	existing := table.GetColumn(canonical)
	if existing == nil {
		existingName = typed
		existing = table.GetColumn(typed)
	}
	if existing != nil {
		switch {
		case existing.SQLType == col.SQLType && (existing.Nullable == col.Nullable || existing.Nullable):
			// Rule 2: EXISTS, EXACT OR NULLABLE-EXACT.
			return existingName, nil
		case existing.SQLType == col.SQLType && !existing.Nullable && col.Nullable:
			// Rule 3: NULL COMPATIBILITY.
			if err := makeColumnNullable(ctx, exec, table, existing); err != nil {
				return "", err
			}
			return existingName, nil
		}
	}

	// Rule 4: FIRST TYPE SPLIT. Only fires against the literal canonical
	// column: after a split it no longer exists, so a later split for a
	// third type falls through to rule 5 instead.
	if canonicalCol := table.GetColumn(canonical); canonicalCol != nil && canonicalCol.SQLType != col.SQLType {
		return firstTypeSplit(ctx, exec, table, col, canonical, canonicalCol)
	}

	// Rule 5: MULTI TYPE SPLIT.
	if len(mapped) > 0 {
		if err := addColumn(ctx, exec, table, typed, col.SQLType, true, col.Raw); err != nil {
			return "", err
		}
		return typed, nil
	}

	// Rules 6-9: brand new column.
	var nullable bool
	var mapRaw string
	switch {
	case col.Raw == canonical && table.Empty:
		nullable = col.Nullable
	case col.Raw == canonical && !table.Empty:
		nullable = true
	case col.Raw != canonical && table.Empty:
		nullable = col.Nullable
		mapRaw = col.Raw
	case col.Raw != canonical && !table.Empty:
		nullable = true
		mapRaw = col.Raw
	default:
		return "", &UnknownDecisionError{Table: table.Name, Raw: col.Raw}
	}
	if err := addColumn(ctx, exec, table, canonical, col.SQLType, nullable, mapRaw); err != nil {
		return "", err
	}
	return canonical, nil
}

// firstTypeSplit implements rule 4: the canonical column's type family no
// longer matches the local column, so it is split into two nullable,
// shorthand-tagged columns and its data migrated. It returns the physical
// name the *new* (local) column resolved to.
func firstTypeSplit(ctx context.Context, exec Executor, table *pgschema.Table, col Column, canonical string, existingCol *pgschema.Column) (string, error) {
	oldShorthand := jsonschema.Shorthand(jsonschema.FromSQL(existingCol.SQLType, existingCol.Nullable))
	oldTyped := canonical + denest.Separator + oldShorthand
	newTyped := canonical + denest.Separator + col.Shorthand

	table.ClearMapping(col.Raw)

	if err := addColumnDDL(ctx, exec, table.Name, oldTyped, existingCol.SQLType, true); err != nil {
		return "", fmt.Errorf("failed to add split column %q: %w", oldTyped, err)
	}
	table.AddColumn(&pgschema.Column{Name: oldTyped, SQLType: existingCol.SQLType, Nullable: true})
	table.AddMapping(col.Raw, oldTyped)

	if err := addColumnDDL(ctx, exec, table.Name, newTyped, col.SQLType, true); err != nil {
		return "", fmt.Errorf("failed to add split column %q: %w", newTyped, err)
	}
	table.AddColumn(&pgschema.Column{Name: newTyped, SQLType: col.SQLType, Nullable: true})
	table.AddMapping(col.Raw, newTyped)

	migrateSQL := fmt.Sprintf("UPDATE %s SET %s = %s", pq.QuoteIdentifier(table.Name), pq.QuoteIdentifier(oldTyped), pq.QuoteIdentifier(canonical))
	if _, err := exec.ExecContext(ctx, migrateSQL); err != nil {
		return "", fmt.Errorf("failed to migrate data out of column %q: %w", canonical, err)
	}

	dropSQL := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", pq.QuoteIdentifier(table.Name), pq.QuoteIdentifier(canonical))
	if _, err := exec.ExecContext(ctx, dropSQL); err != nil {
		return "", fmt.Errorf("failed to drop split column %q: %w", canonical, err)
	}
	delete(table.Columns, canonical)

	return newTyped, nil
}

// addColumn issues ADD COLUMN DDL, registers the new column in the table
// cache, and (if raw != "") records the mapping from raw to physical.
func addColumn(ctx context.Context, exec Executor, table *pgschema.Table, physical, sqlType string, nullable bool, raw string) error {
	if err := addColumnDDL(ctx, exec, table.Name, physical, sqlType, nullable); err != nil {
		return fmt.Errorf("failed to add column %q: %w", physical, err)
	}
	table.AddColumn(&pgschema.Column{Name: physical, SQLType: sqlType, Nullable: nullable})
	if raw != "" {
		table.AddMapping(raw, physical)
	}
	return nil
}

func addColumnDDL(ctx context.Context, exec Executor, tableName, column, sqlType string, nullable bool) error {
	nullClause := "NOT NULL"
	if nullable {
		nullClause = "NULL"
	}
	ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s %s",
		pq.QuoteIdentifier(tableName), pq.QuoteIdentifier(column), sqlType, nullClause)
	_, err := exec.ExecContext(ctx, ddl)
	return err
}

func makeColumnNullable(ctx context.Context, exec Executor, table *pgschema.Table, existing *pgschema.Column) error {
	ddl := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP NOT NULL",
		pq.QuoteIdentifier(table.Name), pq.QuoteIdentifier(existing.Name))
	if _, err := exec.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to relax not-null constraint on column %q: %w", existing.Name, err)
	}
	existing.Nullable = true
	return nil
}

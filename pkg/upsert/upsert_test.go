// SPDX-License-Identifier: Apache-2.0

package upsert_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapstream/targetpg/pkg/pgschema"
	"github.com/tapstream/targetpg/pkg/upsert"
)

// fakeExecutor records every DDL statement issued against it instead of
// running it, so the decision table can be tested without a live database.
type fakeExecutor struct {
	statements []string
}

func (f *fakeExecutor) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	f.statements = append(f.statements, query)
	return nil, nil
}

func TestCanonicalizeIsIdempotent(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"Full Name", "user-id", "already_fine", "Über"} {
		once := upsert.Canonicalize(raw)
		twice := upsert.Canonicalize(once)
		assert.Equal(t, once, twice)
	}
}

func TestNewColumnEmptyTableKeepsDeclaredNullability(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{}
	table := pgschema.NewTable("users")
	table.Exists, table.Empty = true, true

	_, err := upsert.Table(context.Background(), exec, table, []upsert.Column{
		{Raw: "id", SQLType: "bigint", Shorthand: "i", Nullable: false},
	})
	require.NoError(t, err)

	col := table.GetColumn("id")
	require.NotNil(t, col)
	assert.False(t, col.Nullable)
	require.Len(t, exec.statements, 1)
}

func TestNewColumnNonEmptyTableForcedNullable(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{}
	table := pgschema.NewTable("users")
	table.Exists, table.Empty = true, false

	_, err := upsert.Table(context.Background(), exec, table, []upsert.Column{
		{Raw: "id", SQLType: "bigint", Shorthand: "i", Nullable: false},
	})
	require.NoError(t, err)

	col := table.GetColumn("id")
	require.NotNil(t, col)
	assert.True(t, col.Nullable, "rule 7: non-empty table forces new columns nullable")
}

func TestExistingColumnExactMatchIsNoOp(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{}
	table := pgschema.NewTable("users")
	table.Exists = true
	table.AddColumn(&pgschema.Column{Name: "id", SQLType: "bigint", Nullable: false})

	_, err := upsert.Table(context.Background(), exec, table, []upsert.Column{
		{Raw: "id", SQLType: "bigint", Shorthand: "i", Nullable: false},
	})
	require.NoError(t, err)
	assert.Empty(t, exec.statements)
}

func TestNullCompatibilityRelaxesConstraint(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{}
	table := pgschema.NewTable("users")
	table.Exists = true
	table.AddColumn(&pgschema.Column{Name: "name", SQLType: "character varying", Nullable: false})

	_, err := upsert.Table(context.Background(), exec, table, []upsert.Column{
		{Raw: "name", SQLType: "character varying", Shorthand: "s", Nullable: true},
	})
	require.NoError(t, err)

	require.Len(t, exec.statements, 1)
	assert.Contains(t, exec.statements[0], "DROP NOT NULL")
	assert.True(t, table.GetColumn("name").Nullable)
}

func TestNameCollisionIsFatal(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{}
	table := pgschema.NewTable("users")
	table.Exists = true
	table.AddColumn(&pgschema.Column{Name: "user_name", SQLType: "character varying", Nullable: true})

	_, err := upsert.Table(context.Background(), exec, table, []upsert.Column{
		{Raw: "User Name", SQLType: "character varying", Shorthand: "s", Nullable: true},
	})

	var collision *upsert.NameCollisionError
	require.ErrorAs(t, err, &collision)
	assert.Equal(t, "user_name", collision.Canonical)
}

func TestFirstTypeSplitDropsCanonicalAndAddsShorthandColumns(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{}
	table := pgschema.NewTable("events")
	table.Exists = true
	table.AddColumn(&pgschema.Column{Name: "age", SQLType: "bigint", Nullable: false})

	_, err := upsert.Table(context.Background(), exec, table, []upsert.Column{
		{Raw: "age", SQLType: "character varying", Shorthand: "s", Nullable: false},
	})
	require.NoError(t, err)

	assert.Nil(t, table.GetColumn("age"))

	intCol := table.GetColumn("age__i")
	require.NotNil(t, intCol)
	assert.True(t, intCol.Nullable)
	assert.Equal(t, "bigint", intCol.SQLType)

	strCol := table.GetColumn("age__s")
	require.NotNil(t, strCol)
	assert.True(t, strCol.Nullable)
	assert.Equal(t, "character varying", strCol.SQLType)

	assert.ElementsMatch(t, []string{"age__i", "age__s"}, table.MappedNames("age"))
}

func TestMultiTypeSplitAddsThirdShorthandColumn(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{}
	table := pgschema.NewTable("events")
	table.Exists = true
	table.AddColumn(&pgschema.Column{Name: "age__i", SQLType: "bigint", Nullable: true})
	table.AddColumn(&pgschema.Column{Name: "age__s", SQLType: "character varying", Nullable: true})
	table.AddMapping("age", "age__i")
	table.AddMapping("age", "age__s")

	_, err := upsert.Table(context.Background(), exec, table, []upsert.Column{
		{Raw: "age", SQLType: "boolean", Shorthand: "b", Nullable: true},
	})
	require.NoError(t, err)

	boolCol := table.GetColumn("age__b")
	require.NotNil(t, boolCol)
	assert.True(t, boolCol.Nullable)
	assert.ElementsMatch(t, []string{"age__i", "age__s", "age__b"}, table.MappedNames("age"))
}

func TestRepeatedTypeSplitColumnIsNoOp(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{}
	table := pgschema.NewTable("events")
	table.Exists = true
	table.AddColumn(&pgschema.Column{Name: "age__i", SQLType: "bigint", Nullable: true})
	table.AddMapping("age", "age__i")

	_, err := upsert.Table(context.Background(), exec, table, []upsert.Column{
		{Raw: "age", SQLType: "bigint", Shorthand: "i", Nullable: true},
	})
	require.NoError(t, err)
	assert.Empty(t, exec.statements)
}

// SPDX-License-Identifier: Apache-2.0

package upsert

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/tapstream/targetpg/pkg/pgschema"
)

// CreateTableIfNotExists issues the bare CREATE TABLE that the Batch Writer
// fetch-or-create step (spec.md §4.6 step 7) needs before the decision
// table can add columns one at a time. A zero-column table is legal in
// Postgres; every column is then grown in by Table/column via plain ALTER
// TABLE ADD COLUMN, so schema evolution has exactly one code path whether
// the table is brand new or not.
func CreateTableIfNotExists(ctx context.Context, exec Executor, table *pgschema.Table) error {
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s ()", pq.QuoteIdentifier(table.Name))
	if _, err := exec.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %q: %w", table.Name, err)
	}
	if !table.Exists {
		table.Exists = true
		table.Empty = true
	}
	return nil
}

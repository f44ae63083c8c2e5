// SPDX-License-Identifier: Apache-2.0

package target

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/tapstream/targetpg/pkg/db"
	"github.com/tapstream/targetpg/pkg/pgschema"
)

// QueryExecer is satisfied by both db.DB and *sql.Tx, so metadata reads and
// writes can run either against the plain connection or inside the same
// transaction as the batch they describe.
type QueryExecer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// FetchTableMeta reads the remote-table metadata side-channel (spec.md §3)
// from a table's comment. It returns (nil, nil) if the table has no
// comment yet (first write) or does not exist.
func FetchTableMeta(ctx context.Context, conn QueryExecer, schemaName, table string) (*pgschema.Meta, error) {
	qualified := pq.QuoteLiteral(schemaName + "." + table)
	query := fmt.Sprintf("SELECT obj_description(%s::regclass, 'pg_class')", qualified)

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, nil //nolint:nilerr // table does not exist yet: treat as "no metadata"
	}

	var comment sql.NullString
	if err := db.ScanFirstValue(rows, &comment); err != nil {
		return nil, fmt.Errorf("reading table metadata for %q: %w", table, err)
	}
	if !comment.Valid || comment.String == "" {
		return nil, nil
	}

	var m pgschema.Meta
	if err := json.Unmarshal([]byte(comment.String), &m); err != nil {
		return nil, fmt.Errorf("decoding table metadata for %q: %w", table, err)
	}
	return &m, nil
}

// StoreTableMeta persists m as the JSON-encoded comment of schemaName.table
// (spec.md §3, Remote-table metadata).
func StoreTableMeta(ctx context.Context, conn QueryExecer, schemaName, table string, m pgschema.Meta) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding table metadata for %q: %w", table, err)
	}

	qualified := pq.QuoteIdentifier(schemaName) + "." + pq.QuoteIdentifier(table)
	ddl := fmt.Sprintf("COMMENT ON TABLE %s IS %s", qualified, pq.QuoteLiteral(string(raw)))

	if _, err := conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("storing table metadata for %q: %w", table, err)
	}
	return nil
}

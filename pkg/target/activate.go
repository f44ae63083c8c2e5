// SPDX-License-Identifier: Apache-2.0

package target

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// ActivateVersion implements spec.md §4.6's version-activation sequence for
// an ACTIVATE_VERSION(v) tap line: every shadow table whose name starts
// with stream__<v> (the root plus every subtable) is swapped into place by
// a rename/rename/drop, atomically.
func (w *Writer) ActivateVersion(ctx context.Context, streamName string, v int) error {
	meta, err := FetchTableMeta(ctx, w.conn, w.schemaName, streamName)
	if err != nil {
		return &ActivationFailureError{Stream: streamName, Version: v, Err: err}
	}
	if meta == nil {
		w.logger.Error("cannot activate version: no metadata recorded for stream", "stream", streamName, "version", v)
		return &ActivationFailureError{Stream: streamName, Version: v, Err: fmt.Errorf("no remote metadata for stream %q", streamName)}
	}
	if meta.Version == v {
		w.logger.Warn("table version already active", "stream", streamName, "version", v)
		return nil
	}

	w.logger.LogVersionActivation(streamName, v)

	prefix := fmt.Sprintf("%s__%d", streamName, v)
	shadowTables, err := w.listTablesWithPrefix(ctx, prefix)
	if err != nil {
		return &ActivationFailureError{Stream: streamName, Version: v, Err: err}
	}

	err = w.conn.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, shadow := range shadowTables {
			suffix := strings.TrimPrefix(shadow, prefix)
			plain := streamName + suffix
			old := plain + "__old"

			if err := renameTableIfExists(ctx, tx, plain, old); err != nil {
				return err
			}
			if err := renameTable(ctx, tx, shadow, plain); err != nil {
				return err
			}
			if err := dropTableIfExists(ctx, tx, old); err != nil {
				return err
			}

			w.store.Invalidate(plain)
			w.store.Invalidate(shadow)
		}
		return nil
	})
	if err != nil {
		return &ActivationFailureError{Stream: streamName, Version: v, Err: err}
	}

	w.logger.LogVersionActivationComplete(streamName, v)
	return nil
}

func (w *Writer) listTablesWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	query := `SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_name LIKE $2`
	rows, err := w.conn.QueryContext(ctx, query, w.schemaName, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("listing shadow tables for prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning shadow table name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func renameTableIfExists(ctx context.Context, tx *sql.Tx, from, to string) error {
	exists, err := tableExists(ctx, tx, from)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	return renameTable(ctx, tx, from, to)
}

func renameTable(ctx context.Context, tx *sql.Tx, from, to string) error {
	ddl := fmt.Sprintf("ALTER TABLE %s RENAME TO %s", pq.QuoteIdentifier(from), pq.QuoteIdentifier(to))
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("renaming table %q to %q: %w", from, to, err)
	}
	return nil
}

func dropTableIfExists(ctx context.Context, tx *sql.Tx, name string) error {
	ddl := fmt.Sprintf("DROP TABLE IF EXISTS %s", pq.QuoteIdentifier(name))
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("dropping table %q: %w", name, err)
	}
	return nil
}

func tableExists(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	rows, err := tx.QueryContext(ctx, "SELECT to_regclass($1) IS NOT NULL", name)
	if err != nil {
		return false, fmt.Errorf("checking existence of table %q: %w", name, err)
	}
	defer rows.Close()

	var exists sql.NullBool
	if rows.Next() {
		if err := rows.Scan(&exists); err != nil {
			return false, err
		}
	}
	return exists.Bool, rows.Err()
}

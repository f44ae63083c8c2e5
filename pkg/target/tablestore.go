// SPDX-License-Identifier: Apache-2.0

package target

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/lib/pq"

	"github.com/tapstream/targetpg/pkg/db"
	"github.com/tapstream/targetpg/pkg/pgschema"
)

// TableStore is the read-through, DDL-invalidated cache of remote-table
// schema described in spec.md §5: one in-memory *pgschema.Table per stream
// table, refreshed from information_schema and the metadata side-channel on
// first use or after an invalidation, and serialized per table so that
// concurrent flushes of the same stream never race on schema evolution.
type TableStore struct {
	conn       db.DB
	schemaName string

	mu     sync.Mutex
	tables map[string]*pgschema.Table
	locks  map[string]*sync.Mutex
}

// NewTableStore returns an empty TableStore backed by conn, scoped to the
// given Postgres schema (spec.md §6 postgres_schema option).
func NewTableStore(conn db.DB, schemaName string) *TableStore {
	return &TableStore{
		conn:       conn,
		schemaName: schemaName,
		tables:     map[string]*pgschema.Table{},
		locks:      map[string]*sync.Mutex{},
	}
}

// Lock serializes access to a single table's schema across concurrent
// flushes of the same stream and returns the unlock function. Callers must
// defer the returned function.
func (s *TableStore) Lock(table string) func() {
	s.mu.Lock()
	l, ok := s.locks[table]
	if !ok {
		l = &sync.Mutex{}
		s.locks[table] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Load returns the cached schema for table, fetching it from Postgres on
// first access. Callers must hold the table's lock (via Lock) before
// calling Load when the result will be mutated and written back.
func (s *TableStore) Load(ctx context.Context, table string) (*pgschema.Table, error) {
	s.mu.Lock()
	cached, ok := s.tables[table]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	fetched, err := s.fetch(ctx, table)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.tables[table] = fetched
	s.mu.Unlock()
	return fetched, nil
}

// Invalidate drops the cached schema for table, forcing the next Load to
// re-fetch it from Postgres. Used after every schema reconciliation and
// metadata write in the Batch Writer, and after version activation's
// rename swap.
func (s *TableStore) Invalidate(table string) {
	s.mu.Lock()
	delete(s.tables, table)
	s.mu.Unlock()
}

func (s *TableStore) fetch(ctx context.Context, table string) (*pgschema.Table, error) {
	t := pgschema.NewTable(table)

	query := `SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2`
	rows, err := s.conn.QueryContext(ctx, query, s.schemaName, table)
	if err != nil {
		return nil, fmt.Errorf("loading columns for table %q: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, sqlType, isNullable string
		if err := rows.Scan(&name, &sqlType, &isNullable); err != nil {
			return nil, fmt.Errorf("scanning column for table %q: %w", table, err)
		}
		t.Exists = true
		t.AddColumn(&pgschema.Column{
			Name:     name,
			SQLType:  sqlType,
			Nullable: isNullable == "YES",
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading columns for table %q: %w", table, err)
	}

	if !t.Exists {
		return t, nil
	}

	empty, err := s.isEmpty(ctx, table)
	if err != nil {
		return nil, err
	}
	t.Empty = empty

	meta, err := FetchTableMeta(ctx, s.conn, s.schemaName, table)
	if err != nil {
		return nil, err
	}
	if meta != nil {
		t.ApplyMeta(*meta)
	}

	return t, nil
}

func (s *TableStore) isEmpty(ctx context.Context, table string) (bool, error) {
	query := fmt.Sprintf("SELECT NOT EXISTS (SELECT 1 FROM %s.%s LIMIT 1)",
		pq.QuoteIdentifier(s.schemaName), pq.QuoteIdentifier(table))
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return false, fmt.Errorf("checking emptiness of table %q: %w", table, err)
	}
	defer rows.Close()

	var empty sql.NullBool
	if err := db.ScanFirstValue(rows, &empty); err != nil {
		return false, fmt.Errorf("scanning emptiness of table %q: %w", table, err)
	}
	return empty.Bool, nil
}

// SPDX-License-Identifier: Apache-2.0

package target

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tapstream/targetpg/pkg/db"
	"github.com/tapstream/targetpg/pkg/denest"
	"github.com/tapstream/targetpg/pkg/jsonschema"
	"github.com/tapstream/targetpg/pkg/stream"
	"github.com/tapstream/targetpg/pkg/upsert"
)

// Writer is the Batch Writer (C6, spec.md §4.6): it owns one flush of one
// stream's buffer, from metadata augmentation through the atomic
// create/reconcile/bulk-load/upsert-merge sequence.
type Writer struct {
	conn       db.DB
	store      *TableStore
	schemaName string
	logger     Logger
}

// NewWriter constructs a Writer that writes through conn, scoped to
// schemaName, reconciling schema via store.
func NewWriter(conn db.DB, store *TableStore, schemaName string, logger Logger) *Writer {
	if logger == nil {
		logger = NewNoopLogger()
	}
	return &Writer{conn: conn, store: store, schemaName: schemaName, logger: logger}
}

// Flush runs spec.md §4.6's full sequence for the lines currently buffered
// for stream. It is the stream.FlushFunc the orchestrator registers on
// that stream's Buffer, and is responsible for clearing the buffer and
// notifying tracker of the records committed once (and only once) the
// write transaction commits successfully.
func (w *Writer) Flush(ctx context.Context, streamName string, buf *stream.Buffer, tracker *stream.Tracker) error {
	lines := buf.PeekBuffer()
	if len(lines) == 0 {
		return nil
	}
	n := len(lines)

	maxVersion, anyVersioned := 0, false
	for _, l := range lines {
		if l.Version != nil {
			anyVersioned = true
			if *l.Version > maxVersion {
				maxVersion = *l.Version
			}
		}
	}

	active, err := w.store.Load(ctx, streamName)
	if err != nil {
		return &BackendFailureError{Stream: streamName, Table: streamName, Err: err}
	}

	if active.Exists && len(active.KeyProperties) > 0 && !equalStrings(active.KeyProperties, buf.KeyProperties) {
		return &SchemaDriftFatalError{Stream: streamName, Err: &upsert.KeyPropertiesChangedError{
			Table: streamName, Remote: active.KeyProperties, Declared: buf.KeyProperties,
		}}
	}

	rootName := streamName
	if anyVersioned && active.Exists && maxVersion > active.Version {
		rootName = fmt.Sprintf("%s%s%d", streamName, denest.Separator, maxVersion)
	}

	records := make([]denest.Row, 0, n)
	for _, l := range lines {
		if anyVersioned && l.Version != nil && *l.Version != maxVersion {
			w.logger.Warn("dropping record from non-current table version during flush",
				"stream", streamName, "record_version", *l.Version, "flush_version", maxVersion)
			continue
		}

		row := denest.Row{}
		for k, v := range l.Record {
			row[k] = v
		}
		if l.TimeExtracted != nil {
			row[denest.ColReceivedAt] = l.TimeExtracted.Format(time.RFC3339Nano)
		}
		row[denest.ColBatchedAt] = time.Now().Format(time.RFC3339Nano)
		if l.Sequence != nil {
			row[denest.ColSequence] = *l.Sequence
		} else {
			row[denest.ColSequence] = time.Now().UnixNano()
		}
		if l.Version != nil {
			row[denest.ColTableVersion] = *l.Version
		}
		records = append(records, row)
	}

	keyPropSchemas := keyPropertySchemas(buf.Schema(), buf.KeyProperties)
	root, subtables := denest.DenestSchema(rootName, buf.Schema(), buf.KeyProperties, keyPropSchemas)
	tables := append([]*denest.TableSchema{root}, subtables...)

	rowsByTable := denest.DenestRecords(rootName, records, buf.KeyProperties)

	var tableVersion *int
	if anyVersioned {
		v := maxVersion
		tableVersion = &v
	}

	err = w.conn.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, ts := range tables {
			if err := w.writeTable(ctx, tx, ts, rowsByTable[ts.Name], tableVersion); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var collision *upsert.NameCollisionError
		var unknown *upsert.UnknownDecisionError
		if errors.As(err, &collision) || errors.As(err, &unknown) {
			return &SchemaDriftFatalError{Stream: streamName, Err: err}
		}
		return &BackendFailureError{Stream: streamName, Table: rootName, Err: err}
	}

	w.logger.LogFlushComplete(streamName, rootName, len(records))

	buf.FlushBuffer()
	tracker.RecordCommitted(n)

	return nil
}

// writeTable runs steps 7 and 9 of spec.md §4.6 for a single table (root or
// subtable): fetch/create, reconcile via the Schema Upserter, bulk-load
// into a temp table, run the upsert merge, and drop the temp table.
func (w *Writer) writeTable(ctx context.Context, tx *sql.Tx, ts *denest.TableSchema, rows []denest.Row, version *int) error {
	unlock := w.store.Lock(ts.Name)
	defer unlock()

	remote, err := w.store.Load(ctx, ts.Name)
	if err != nil {
		return fmt.Errorf("loading schema for table %q: %w", ts.Name, err)
	}

	if err := upsert.CreateTableIfNotExists(ctx, tx, remote); err != nil {
		return err
	}
	if len(remote.KeyProperties) == 0 {
		remote.KeyProperties = ts.KeyProperties
	}
	if version != nil {
		remote.Version = *version
	}

	cols := make([]upsert.Column, len(ts.Columns))
	for i, c := range ts.Columns {
		cols[i] = upsert.ColumnFromDenest(c)
	}

	physicalByRaw, err := upsert.Table(ctx, tx, remote, cols)
	if err != nil {
		return err
	}
	ts.Mappings = remote.Mappings

	if err := StoreTableMeta(ctx, tx, w.schemaName, ts.Name, remote.ToMeta()); err != nil {
		return fmt.Errorf("storing metadata for table %q: %w", ts.Name, err)
	}
	w.store.Invalidate(ts.Name)

	tempName := ts.Name + denest.Separator + strings.ReplaceAll(uuid.NewString(), "-", "")
	createTemp := fmt.Sprintf("CREATE TABLE %s (LIKE %s INCLUDING ALL)",
		pq.QuoteIdentifier(tempName), pq.QuoteIdentifier(ts.Name))
	if _, err := tx.ExecContext(ctx, createTemp); err != nil {
		return fmt.Errorf("creating staging table for %q: %w", ts.Name, err)
	}

	if len(rows) > 0 {
		columns := make([]string, len(ts.Columns))
		for i, c := range ts.Columns {
			columns[i] = physicalByRaw[c.Name]
		}

		values := make([][]any, len(rows))
		for i, row := range rows {
			vals := make([]any, len(ts.Columns))
			for j, c := range ts.Columns {
				vals[j] = row[c.Name]
			}
			values[i] = vals
		}

		if err := w.conn.BulkLoad(ctx, tx, tempName, columns, values); err != nil {
			return fmt.Errorf("bulk loading table %q: %w", ts.Name, err)
		}
	}

	pkPhysical := make([]string, len(ts.KeyProperties))
	for i, k := range ts.KeyProperties {
		if p, ok := physicalByRaw[k]; ok {
			pkPhysical[i] = p
		} else {
			pkPhysical[i] = k
		}
	}

	if _, err := tx.ExecContext(ctx, upsertMergeSQL(ts.Name, tempName, pkPhysical)); err != nil {
		return fmt.Errorf("running upsert merge for table %q: %w", ts.Name, err)
	}

	return nil
}

// upsertMergeSQL builds the last-writer-wins merge statement of spec.md
// §4.6: pks newer in temp than in target are deleted from target, then
// every temp row whose key is absent from target is inserted, keeping only
// the highest-sequence row per key. For subtables, pk already includes
// every injected _sdc_level_<n>_id column, so the INSERT's DISTINCT ON
// widening by SUB described in spec.md §4.6 is already subsumed by pk. Every
// predicate ANDs across all of pk, not just its first column, so a
// composite key only ever matches the target row sharing every key column.
func upsertMergeSQL(target, temp string, pk []string) string {
	quotedPK := make([]string, len(pk))
	for i, k := range pk {
		quotedPK[i] = pq.QuoteIdentifier(k)
	}
	usingList := strings.Join(quotedPK, ", ")
	targetQ := pq.QuoteIdentifier(target)
	tempQ := pq.QuoteIdentifier(temp)
	seqQ := pq.QuoteIdentifier(denest.ColSequence)

	deleteCond := make([]string, len(quotedPK))
	nullCond := make([]string, len(quotedPK))
	for i, k := range quotedPK {
		deleteCond[i] = fmt.Sprintf("%s.%s = pks.%s", targetQ, k, k)
		nullCond[i] = fmt.Sprintf("tgt.%s IS NULL", k)
	}
	deleteWhere := strings.Join(deleteCond, " AND ")
	nullWhere := strings.Join(nullCond, " AND ")

	return fmt.Sprintf(`
WITH pks AS (
  SELECT DISTINCT ON (%[1]s) %[1]s
  FROM %[2]s tmp
  JOIN %[3]s tgt USING (%[1]s)
  WHERE tmp.%[4]s >= tgt.%[4]s
  ORDER BY %[1]s, tmp.%[4]s DESC
)
DELETE FROM %[3]s USING pks WHERE %[5]s;
INSERT INTO %[3]s
  SELECT DISTINCT ON (%[1]s) tmp.*
  FROM %[2]s tmp
  LEFT JOIN %[3]s tgt USING (%[1]s)
  WHERE %[6]s
  ORDER BY %[1]s, tmp.%[4]s DESC;
DROP TABLE %[2]s;`, usingList, tempQ, targetQ, seqQ, deleteWhere, nullWhere)
}

func keyPropertySchemas(schema jsonschema.Schema, keyProperties []string) map[string]jsonschema.Schema {
	props, _ := schema["properties"].(map[string]any)
	out := make(map[string]jsonschema.Schema, len(keyProperties))
	for _, k := range keyProperties {
		if raw, ok := props[k].(map[string]any); ok {
			out[k] = jsonschema.Simplify(schema, jsonschema.Schema(raw))
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		seen[s]--
	}
	for _, c := range seen {
		if c != 0 {
			return false
		}
	}
	return true
}

// SPDX-License-Identifier: Apache-2.0

package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cloudflare/backoff"
	"github.com/lib/pq"

	"github.com/tapstream/targetpg/internal/connstr"
)

const (
	lockNotAvailableErrorCode pq.ErrorCode = "55P03"
	serializationFailureCode  pq.ErrorCode = "40001"
	maxBackoffDuration                     = 1 * time.Minute
	backoffInterval                        = 1 * time.Second
)

// DB is the backing-store wire driver: the thin collaborator that executes
// parameterized statements and bulk loads against Postgres. targetpg's own
// code never talks to database/sql directly outside this package.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	WithRetryableTransaction(ctx context.Context, f func(context.Context, *sql.Tx) error) error
	// BulkLoad streams rows into table(columns...) using the Postgres COPY
	// protocol (pq.CopyIn), the fast path for loading a batch into a
	// staging table ahead of the upsert merge (spec.md §4.6 step 9b).
	BulkLoad(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]any) error
	Close() error
}

// RDB wraps a *sql.DB and retries queries using an exponential backoff (with
// jitter) on lock_timeout errors.
type RDB struct {
	DB *sql.DB
}

// Open connects to pgURL, scoping the session's search_path to schemaName,
// and verifies the connection with a ping.
func Open(ctx context.Context, pgURL, schemaName string) (*RDB, error) {
	dsn, err := connstr.AppendSearchPathOption(pgURL, schemaName)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		return nil, err
	}

	return &RDB{DB: conn}, nil
}

// ExecContext wraps sql.DB.ExecContext, retrying queries on lock_timeout and
// serialization-failure errors.
func (db *RDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	b := backoff.New(maxBackoffDuration, backoffInterval)

	for {
		res, err := db.DB.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}

		if isRetryable(err) {
			if err := sleepCtx(ctx, b.Duration()); err != nil {
				return nil, err
			}
			continue
		}

		return nil, err
	}
}

// QueryContext wraps sql.DB.QueryContext, retrying queries on lock_timeout and
// serialization-failure errors.
func (db *RDB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	b := backoff.New(maxBackoffDuration, backoffInterval)

	for {
		rows, err := db.DB.QueryContext(ctx, query, args...)
		if err == nil {
			return rows, nil
		}

		if isRetryable(err) {
			if err := sleepCtx(ctx, b.Duration()); err != nil {
				return nil, err
			}
			continue
		}

		return nil, err
	}
}

// WithRetryableTransaction runs `f` in a transaction, retrying the whole
// transaction on lock_timeout or serialization-failure errors.
func (db *RDB) WithRetryableTransaction(ctx context.Context, f func(context.Context, *sql.Tx) error) error {
	b := backoff.New(maxBackoffDuration, backoffInterval)

	for {
		tx, err := db.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}

		err = f(ctx, tx)
		if err == nil {
			return tx.Commit()
		}

		if errRollback := tx.Rollback(); errRollback != nil {
			return errRollback
		}

		if isRetryable(err) {
			if err := sleepCtx(ctx, b.Duration()); err != nil {
				return err
			}
			continue
		}

		return err
	}
}

// BulkLoad streams rows into table(columns...) inside tx using the
// Postgres COPY protocol, the Batch Writer's staging-table load step
// (spec.md §4.6 step 9b).
func (db *RDB) BulkLoad(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]any) error {
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(table, columns...))
	if err != nil {
		return err
	}

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			stmt.Close()
			return err
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return err
	}

	return stmt.Close()
}

func (db *RDB) Close() error {
	return db.DB.Close()
}

func isRetryable(err error) bool {
	pqErr := &pq.Error{}
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == lockNotAvailableErrorCode || pqErr.Code == serializationFailureCode
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// ScanFirstValue is a helper function to scan the first value with the assumption that Rows contains
// a single row with a single value.
func ScanFirstValue[T any](rows *sql.Rows, dest *T) error {
	if rows.Next() {
		if err := rows.Scan(dest); err != nil {
			return err
		}
	}
	return rows.Err()
}

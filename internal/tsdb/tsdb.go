// Package tsdb defines the TSDB adapter contract from spec.md §4.8: the
// boundary between the ingestion fleet and whatever time-series store
// backs it. internal/tsdb/clickhouse is the sole in-scope adapter.
package tsdb

import (
	"context"
	"errors"
	"time"

	"chomp/internal/model"
)

// ErrTableNotFound is returned by Insert/Fetch when the target table
// does not exist. Insert's caller auto-creates the table and retries
// once; Fetch surfaces the error.
var ErrTableNotFound = errors.New("tsdb: table not found")

// ErrAdapter wraps any other adapter-level failure.
var ErrAdapter = errors.New("tsdb: adapter error")

// Column describes one column of a table as reported by GetColumns.
type Column struct {
	Name string
	Type model.FieldType
}

// Row is one persisted record: a timestamp plus column values.
type Row struct {
	Time   time.Time
	Values map[string]any
}

// ConnectOptions configures Connect.
type ConnectOptions struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// CreateDBOptions configures CreateDB.
type CreateDBOptions struct {
	Engine string // e.g. "Atomic"; adapter-specific, empty means adapter default
	Force  bool   // drop and recreate if the database already exists
}

// Adapter is the TSDB adapter contract every store-path caller programs
// against.
type Adapter interface {
	// Connect establishes the underlying connection. Idempotent.
	Connect(ctx context.Context, opts ConnectOptions) error

	// EnsureConnected reconnects if the underlying connection was lost.
	EnsureConnected(ctx context.Context) error

	// CreateDB creates database name if absent (or drops+recreates when
	// opts.Force is set).
	CreateDB(ctx context.Context, name string, opts CreateDBOptions) error

	// UseDB switches the adapter's active database.
	UseDB(ctx context.Context, name string) error

	// CreateTable creates the table named name with one column per
	// persisted field of ing (model.Ingester.PersistedFields), keyed by
	// an ingestion-time column.
	CreateTable(ctx context.Context, ing model.Ingester, name string) error

	// Insert appends one row built from ing's current field values to
	// table, keyed by ing.IngestionTime. On ErrTableNotFound the caller
	// is expected to CreateTable and retry once.
	Insert(ctx context.Context, ing model.Ingester, table string) error

	// InsertMany appends a batch of pre-built rows to table.
	InsertMany(ctx context.Context, table string, rows []Row) error

	// Fetch returns last-value-per-bucket aggregated rows with forward
	// fill, bucketed at aggInterval, restricted to columns (nil means
	// all columns).
	Fetch(ctx context.Context, table string, from, to time.Time, aggInterval string, columns []string) ([]Row, error)

	// FetchBatch runs Fetch across multiple tables, returning a result
	// per table in the same order.
	FetchBatch(ctx context.Context, tables []string, from, to time.Time, aggInterval string, columns []string) (map[string][]Row, error)

	// ListTables returns every table name in the active database.
	ListTables(ctx context.Context) ([]string, error)

	// GetColumns returns table's column definitions.
	GetColumns(ctx context.Context, table string) ([]Column, error)

	// Commit flushes any buffered writes.
	Commit(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}

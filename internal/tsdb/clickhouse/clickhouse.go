// Package clickhouse implements tsdb.Adapter over
// github.com/ClickHouse/clickhouse-go/v2, the sole in-scope TSDB backend.
package clickhouse

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chomp/internal/interval"
	"chomp/internal/logging"
	"chomp/internal/model"
	"chomp/internal/tsdb"

	"github.com/ClickHouse/clickhouse-go/v2"
)

var _ tsdb.Adapter = (*Adapter)(nil)

// timeColumn is the fixed name of every table's ingestion-time column.
const timeColumn = "ingestion_time"

// Adapter is a tsdb.Adapter backed by a single ClickHouse connection.
type Adapter struct {
	mu     sync.Mutex
	conn   clickhouse.Conn
	opts   tsdb.ConnectOptions
	db     string
	logger *slog.Logger
}

// New returns an unconnected Adapter; call Connect before use.
func New(logger *slog.Logger) *Adapter {
	return &Adapter{logger: logging.Default(logger).With("component", "tsdb", "backend", "clickhouse")}
}

func (a *Adapter) Connect(ctx context.Context, opts tsdb.ConnectOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", opts.Host, opts.Port)},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.User,
			Password: opts.Password,
		},
	})
	if err != nil {
		return fmt.Errorf("%w: connect: %w", tsdb.ErrAdapter, err)
	}
	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", tsdb.ErrAdapter, err)
	}

	a.conn = conn
	a.opts = opts
	a.db = opts.Database
	return nil
}

func (a *Adapter) EnsureConnected(ctx context.Context) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()

	if conn != nil {
		if err := conn.Ping(ctx); err == nil {
			return nil
		}
	}
	return a.Connect(ctx, a.opts)
}

func (a *Adapter) CreateDB(ctx context.Context, name string, opts tsdb.CreateDBOptions) error {
	if opts.Force {
		if err := a.conn.Exec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s", quoteIdent(name))); err != nil {
			return fmt.Errorf("%w: drop database %s: %w", tsdb.ErrAdapter, name, err)
		}
	}
	engine := opts.Engine
	if engine == "" {
		engine = "Atomic"
	}
	stmt := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s ENGINE = %s", quoteIdent(name), engine)
	if err := a.conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("%w: create database %s: %w", tsdb.ErrAdapter, name, err)
	}
	return nil
}

func (a *Adapter) UseDB(ctx context.Context, name string) error {
	a.mu.Lock()
	a.db = name
	a.mu.Unlock()
	return nil
}

// CreateTable builds a MergeTree table with one column per persisted
// field of ing plus the fixed ingestion_time column used as the sort
// key.
func (a *Adapter) CreateTable(ctx context.Context, ing model.Ingester, name string) error {
	fields := ing.PersistedFields()
	cols := make([]string, 0, len(fields)+1)
	cols = append(cols, fmt.Sprintf("%s DateTime", timeColumn))
	for _, f := range fields {
		cols = append(cols, fmt.Sprintf("%s %s", quoteIdent(f.Name), clickhouseType(f.ResolvedType(ing.DefaultType))))
	}

	stmt := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (%s) ENGINE = MergeTree ORDER BY %s",
		a.qualifiedTable(name), strings.Join(cols, ", "), timeColumn,
	)
	if err := a.conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("%w: create table %s: %w", tsdb.ErrAdapter, name, err)
	}
	return nil
}

func (a *Adapter) Insert(ctx context.Context, ing model.Ingester, table string) error {
	row := tsdb.Row{Time: ing.IngestionTime, Values: map[string]any{}}
	for _, f := range ing.PersistedFields() {
		row.Values[f.Name] = f.Value
	}
	err := a.InsertMany(ctx, table, []tsdb.Row{row})
	if err != nil && isUnknownTable(err) {
		return fmt.Errorf("%w: %s: %w", tsdb.ErrTableNotFound, table, err)
	}
	return err
}

func (a *Adapter) InsertMany(ctx context.Context, table string, rows []tsdb.Row) error {
	if len(rows) == 0 {
		return nil
	}

	cols := columnUnion(rows)
	colNames := make([]string, 0, len(cols)+1)
	colNames = append(colNames, timeColumn)
	colNames = append(colNames, cols...)

	batch, err := a.conn.PrepareBatch(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s)", a.qualifiedTable(table), strings.Join(quoteAll(colNames), ", "),
	))
	if err != nil {
		if isUnknownTable(err) {
			return fmt.Errorf("%w: %s: %w", tsdb.ErrTableNotFound, table, err)
		}
		return fmt.Errorf("%w: prepare batch for %s: %w", tsdb.ErrAdapter, table, err)
	}

	for _, row := range rows {
		args := make([]any, 0, len(colNames))
		args = append(args, row.Time)
		for _, c := range cols {
			args = append(args, row.Values[c])
		}
		if err := batch.Append(args...); err != nil {
			return fmt.Errorf("%w: append row for %s: %w", tsdb.ErrAdapter, table, err)
		}
	}

	if err := batch.Send(); err != nil {
		if isUnknownTable(err) {
			return fmt.Errorf("%w: %s: %w", tsdb.ErrTableNotFound, table, err)
		}
		return fmt.Errorf("%w: send batch for %s: %w", tsdb.ErrAdapter, table, err)
	}
	return nil
}

// Fetch returns last-value-per-bucket rows over [from, to], bucketed by
// aggInterval's seconds count, with ClickHouse's gap-fill providing
// forward fill between buckets that saw no write.
func (a *Adapter) Fetch(ctx context.Context, table string, from, to time.Time, aggInterval string, columns []string) ([]tsdb.Row, error) {
	secs, err := interval.ToSeconds(aggInterval)
	if err != nil {
		return nil, err
	}

	cols, err := a.resolveColumns(ctx, table, columns)
	if err != nil {
		return nil, err
	}

	selectCols := make([]string, len(cols))
	fillCols := make([]string, len(cols))
	for i, c := range cols {
		selectCols[i] = fmt.Sprintf("argMax(%s, %s) AS %s", quoteIdent(c), timeColumn, quoteIdent(c))
		fillCols[i] = quoteIdent(c)
	}
	interpolate := ""
	if len(fillCols) > 0 {
		interpolate = " INTERPOLATE (" + strings.Join(fillCols, ", ") + ")"
	}

	query := fmt.Sprintf(
		`SELECT toStartOfInterval(%s, INTERVAL %d second) AS bucket, %s
		 FROM %s
		 WHERE %s >= @from AND %s <= @to
		 GROUP BY bucket
		 ORDER BY bucket
		 WITH FILL STEP %d%s`,
		timeColumn, secs, strings.Join(selectCols, ", "), a.qualifiedTable(table), timeColumn, timeColumn, secs, interpolate,
	)

	rows, err := a.conn.Query(ctx, query, clickhouse.Named("from", from), clickhouse.Named("to", to))
	if err != nil {
		if isUnknownTable(err) {
			return nil, fmt.Errorf("%w: %s: %w", tsdb.ErrTableNotFound, table, err)
		}
		return nil, fmt.Errorf("%w: fetch %s: %w", tsdb.ErrAdapter, table, err)
	}
	defer rows.Close()

	return scanRows(rows, cols)
}

func (a *Adapter) FetchBatch(ctx context.Context, tables []string, from, to time.Time, aggInterval string, columns []string) (map[string][]tsdb.Row, error) {
	out := make(map[string][]tsdb.Row, len(tables))
	for _, table := range tables {
		rows, err := a.Fetch(ctx, table, from, to, aggInterval, columns)
		if err != nil {
			return nil, err
		}
		out[table] = rows
	}
	return out, nil
}

func (a *Adapter) ListTables(ctx context.Context) ([]string, error) {
	rows, err := a.conn.Query(ctx, "SELECT name FROM system.tables WHERE database = @db", clickhouse.Named("db", a.db))
	if err != nil {
		return nil, fmt.Errorf("%w: list_tables: %w", tsdb.ErrAdapter, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("%w: list_tables scan: %w", tsdb.ErrAdapter, err)
		}
		names = append(names, name)
	}
	return names, nil
}

func (a *Adapter) GetColumns(ctx context.Context, table string) ([]tsdb.Column, error) {
	rows, err := a.conn.Query(ctx,
		"SELECT name, type FROM system.columns WHERE database = @db AND table = @table",
		clickhouse.Named("db", a.db), clickhouse.Named("table", table))
	if err != nil {
		return nil, fmt.Errorf("%w: get_columns %s: %w", tsdb.ErrAdapter, table, err)
	}
	defer rows.Close()

	var cols []tsdb.Column
	for rows.Next() {
		var name, chType string
		if err := rows.Scan(&name, &chType); err != nil {
			return nil, fmt.Errorf("%w: get_columns scan: %w", tsdb.ErrAdapter, err)
		}
		if name == timeColumn {
			continue
		}
		cols = append(cols, tsdb.Column{Name: name, Type: fieldTypeFromClickhouse(chType)})
	}
	return cols, nil
}

func (a *Adapter) Commit(ctx context.Context) error {
	// ClickHouse writes via PrepareBatch/Send are committed on Send;
	// Commit exists only to satisfy the adapter contract for backends
	// that buffer across statements.
	return nil
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	return a.conn.Close()
}

func (a *Adapter) qualifiedTable(name string) string {
	if a.db == "" {
		return quoteIdent(name)
	}
	return quoteIdent(a.db) + "." + quoteIdent(name)
}

func (a *Adapter) resolveColumns(ctx context.Context, table string, requested []string) ([]string, error) {
	if len(requested) > 0 {
		return requested, nil
	}
	cols, err := a.GetColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names, nil
}

func columnUnion(rows []tsdb.Row) []string {
	seen := map[string]bool{}
	var cols []string
	for _, r := range rows {
		for c := range r.Values {
			if !seen[c] {
				seen[c] = true
				cols = append(cols, c)
			}
		}
	}
	return cols
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quoteIdent(n)
	}
	return out
}

func isUnknownTable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown table") || strings.Contains(msg, "unknown_table") || strings.Contains(msg, "code: 60,")
}

func clickhouseType(ft model.FieldType) string {
	switch ft {
	case model.TypeInt8:
		return "Int8"
	case model.TypeInt16:
		return "Int16"
	case model.TypeInt32:
		return "Int32"
	case model.TypeInt64:
		return "Int64"
	case model.TypeUint8:
		return "UInt8"
	case model.TypeUint16:
		return "UInt16"
	case model.TypeUint32:
		return "UInt32"
	case model.TypeUint64:
		return "UInt64"
	case model.TypeFloat32:
		return "Float32"
	case model.TypeFloat64:
		return "Float64"
	case model.TypeBool:
		return "Bool"
	case model.TypeTime:
		return "DateTime"
	case model.TypeBinary, model.TypeVarbin:
		return "String"
	default:
		return "String"
	}
}

func fieldTypeFromClickhouse(chType string) model.FieldType {
	switch {
	case strings.HasPrefix(chType, "Int8"):
		return model.TypeInt8
	case strings.HasPrefix(chType, "Int16"):
		return model.TypeInt16
	case strings.HasPrefix(chType, "Int32"):
		return model.TypeInt32
	case strings.HasPrefix(chType, "Int64"):
		return model.TypeInt64
	case strings.HasPrefix(chType, "UInt8"):
		return model.TypeUint8
	case strings.HasPrefix(chType, "UInt16"):
		return model.TypeUint16
	case strings.HasPrefix(chType, "UInt32"):
		return model.TypeUint32
	case strings.HasPrefix(chType, "UInt64"):
		return model.TypeUint64
	case strings.HasPrefix(chType, "Float32"):
		return model.TypeFloat32
	case strings.HasPrefix(chType, "Float64"):
		return model.TypeFloat64
	case strings.HasPrefix(chType, "Bool"):
		return model.TypeBool
	case strings.HasPrefix(chType, "DateTime"):
		return model.TypeTime
	default:
		return model.TypeString
	}
}

func scanRows(rows clickhouse.Rows, cols []string) ([]tsdb.Row, error) {
	var out []tsdb.Row
	for rows.Next() {
		var bucket time.Time
		dest := make([]any, 0, len(cols)+1)
		dest = append(dest, &bucket)
		values := make([]any, len(cols))
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("%w: scan row: %w", tsdb.ErrAdapter, err)
		}
		row := tsdb.Row{Time: bucket, Values: map[string]any{}}
		for i, c := range cols {
			row.Values[c] = values[i]
		}
		out = append(out, row)
	}
	return out, nil
}

package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"semgate/internal/domain"
)

// Compile-time checks.
var (
	_ domain.Executor = (*DuckDBExecutor)(nil)
	_ domain.Executor = (*PostgresExecutor)(nil)
)

// DuckDBExecutor runs compiled SQL against a DuckDB database through
// database/sql.
type DuckDBExecutor struct {
	db *sql.DB
}

// NewDuckDBExecutor creates a DuckDBExecutor over an open database.
func NewDuckDBExecutor(db *sql.DB) *DuckDBExecutor {
	return &DuckDBExecutor{db: db}
}

// Execute implements domain.Executor.
func (e *DuckDBExecutor) Execute(ctx context.Context, query string) (domain.Rows, error) {
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &domain.ExecutionError{SQL: query, Err: err}
	}
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, &domain.ExecutionError{SQL: query, Err: err}
	}
	return &sqlRows{rows: rows, sql: query, cols: cols, vals: make([]any, len(cols)), ptrs: make([]any, len(cols))}, nil
}

// sqlRows adapts *sql.Rows to domain.Rows.
type sqlRows struct {
	rows *sql.Rows
	sql  string
	cols []string
	vals []any
	ptrs []any
	err  error
}

func (r *sqlRows) Columns() []string { return r.cols }

func (r *sqlRows) Next() bool {
	if r.err != nil {
		return false
	}
	return r.rows.Next()
}

func (r *sqlRows) Values() ([]any, error) {
	for i := range r.vals {
		r.vals[i] = nil
		r.ptrs[i] = &r.vals[i]
	}
	if err := r.rows.Scan(r.ptrs...); err != nil {
		r.err = &domain.ExecutionError{SQL: r.sql, Err: fmt.Errorf("scan row: %w", err)}
		return nil, r.err
	}
	return r.vals, nil
}

func (r *sqlRows) Err() error {
	if r.err != nil {
		return r.err
	}
	if err := r.rows.Err(); err != nil {
		return &domain.ExecutionError{SQL: r.sql, Err: err}
	}
	return nil
}

func (r *sqlRows) Close() error { return r.rows.Close() }

// PostgresExecutor runs compiled SQL against a PostgreSQL warehouse through
// a pgx connection pool.
type PostgresExecutor struct {
	pool *pgxpool.Pool
}

// NewPostgresExecutor connects a pool to dsn and verifies it with a ping.
func NewPostgresExecutor(ctx context.Context, dsn string) (*PostgresExecutor, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse warehouse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect warehouse: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping warehouse: %w", err)
	}
	return &PostgresExecutor{pool: pool}, nil
}

// Execute implements domain.Executor. Statements run with the simple
// protocol and read-only access mode is left to the warehouse role.
func (e *PostgresExecutor) Execute(ctx context.Context, query string) (domain.Rows, error) {
	rows, err := e.pool.Query(ctx, query, pgx.QueryExecModeSimpleProtocol)
	if err != nil {
		return nil, &domain.ExecutionError{SQL: query, Err: err}
	}
	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}
	return &pgxRows{rows: rows, sql: query, cols: cols}, nil
}

// Close releases the pool.
func (e *PostgresExecutor) Close() {
	e.pool.Close()
}

type pgxRows struct {
	rows pgx.Rows
	sql  string
	cols []string
}

func (r *pgxRows) Columns() []string { return r.cols }
func (r *pgxRows) Next() bool        { return r.rows.Next() }

func (r *pgxRows) Values() ([]any, error) {
	vals, err := r.rows.Values()
	if err != nil {
		return nil, &domain.ExecutionError{SQL: r.sql, Err: err}
	}
	return vals, nil
}

func (r *pgxRows) Err() error {
	if err := r.rows.Err(); err != nil {
		return &domain.ExecutionError{SQL: r.sql, Err: err}
	}
	return nil
}

func (r *pgxRows) Close() error {
	r.rows.Close()
	return nil
}

// memRows is an in-memory result, used for introspection answers.
type memRows struct {
	cols []string
	data [][]any
	pos  int
}

// NewRows returns a domain.Rows over materialized rows.
func NewRows(cols []string, data [][]any) domain.Rows {
	return &memRows{cols: cols, data: data}
}

func (r *memRows) Columns() []string { return r.cols }

func (r *memRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *memRows) Values() ([]any, error) {
	if r.pos == 0 || r.pos > len(r.data) {
		return nil, errors.New("no current row")
	}
	return r.data[r.pos-1], nil
}

func (r *memRows) Err() error   { return nil }
func (r *memRows) Close() error { return nil }

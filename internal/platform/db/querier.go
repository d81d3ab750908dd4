package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Rows is the subset of pgx.Rows the record layer iterates over.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Querier executes parameterized statements. *Pool satisfies it in
// production; tests substitute in-memory fakes.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	Exec(ctx context.Context, sql string, args ...any) error
}

// Pool adapts *pgxpool.Pool to the Querier contract.
type Pool struct {
	pool *pgxpool.Pool
}

// Wrap builds a Querier around a pgx pool.
func Wrap(pool *pgxpool.Pool) *Pool {
	return &Pool{pool: pool}
}

// Query runs a query returning rows.
func (p *Pool) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Exec runs a statement, discarding the command tag.
func (p *Pool) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := p.pool.Exec(ctx, sql, args...)
	return err
}

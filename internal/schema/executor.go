package schema

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Executor выполняет SQL для Reconciler
type Executor interface {
	Exec(ctx context.Context, query string, args ...any) error
	QueryBool(ctx context.Context, query string, args ...any) (bool, error)
}

// PoolExecutor выполняет запросы через пул pgx
type PoolExecutor struct {
	pool *pgxpool.Pool
}

// NewPoolExecutor создает Executor поверх пула pgx
func NewPoolExecutor(pool *pgxpool.Pool) *PoolExecutor {
	return &PoolExecutor{pool: pool}
}

func (e *PoolExecutor) Exec(ctx context.Context, query string, args ...any) error {
	_, err := e.pool.Exec(ctx, query, args...)
	return err
}

func (e *PoolExecutor) QueryBool(ctx context.Context, query string, args ...any) (bool, error) {
	var v bool
	err := e.pool.QueryRow(ctx, query, args...).Scan(&v)
	return v, err
}

// TxExecutor выполняет запросы внутри транзакции database/sql (миграции goose)
type TxExecutor struct {
	tx *sql.Tx
}

// NewTxExecutor создает Executor поверх транзакции database/sql
func NewTxExecutor(tx *sql.Tx) *TxExecutor {
	return &TxExecutor{tx: tx}
}

func (e *TxExecutor) Exec(ctx context.Context, query string, args ...any) error {
	_, err := e.tx.ExecContext(ctx, query, args...)
	return err
}

func (e *TxExecutor) QueryBool(ctx context.Context, query string, args ...any) (bool, error) {
	var v bool
	err := e.tx.QueryRowContext(ctx, query, args...).Scan(&v)
	return v, err
}

// DBExecutor выполняет запросы через пул database/sql (вариант gorm)
type DBExecutor struct {
	db *sql.DB
}

// NewDBExecutor создает Executor поверх *sql.DB
func NewDBExecutor(db *sql.DB) *DBExecutor {
	return &DBExecutor{db: db}
}

func (e *DBExecutor) Exec(ctx context.Context, query string, args ...any) error {
	_, err := e.db.ExecContext(ctx, query, args...)
	return err
}

func (e *DBExecutor) QueryBool(ctx context.Context, query string, args ...any) (bool, error) {
	var v bool
	err := e.db.QueryRowContext(ctx, query, args...).Scan(&v)
	return v, err
}

// Package database provides Postgres persistence for jobs, crawl runs, and
// crawl targets. Every operation runs inside a short-lived transaction owned
// by the Executor, so a multi-minute job never holds one connection for its
// full duration.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// TxBeginner is the slice of pgxpool.Pool the executor needs; pgxmock
// satisfies it in tests.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Executor runs units of work as short transactions: acquire, begin, run,
// commit, release. On a stale-transaction class of error the unit is retried
// exactly once on a freshly acquired connection.
type Executor struct {
	pool   TxBeginner
	logger *zap.Logger
}

// NewExecutor connects a pgx pool using the provided config.
func NewExecutor(ctx context.Context, cfg Config, logger *zap.Logger) (*Executor, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewExecutorWithPool(pool, logger), nil
}

// NewExecutorWithPool wraps an existing pool (primarily for testing).
func NewExecutorWithPool(pool TxBeginner, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{pool: pool, logger: logger}
}

// Close releases every pooled connection. Call it unconditionally when the
// owning process ends, including on the error path.
func (e *Executor) Close() {
	if e == nil || e.pool == nil {
		return
	}
	e.pool.Close()
}

// WithTx opens a short transaction, runs fn, and commits. When the first
// attempt dies to a stale connection or closed transaction, the unit runs
// once more on a fresh connection.
func (e *Executor) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	err := e.attempt(ctx, fn)
	if err == nil {
		return nil
	}
	if !retryable(err) {
		return err
	}
	e.logger.Debug("retrying unit on fresh connection", zap.Error(err))
	return e.attempt(ctx, fn)
}

func (e *Executor) attempt(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			e.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// retryable reports whether an error belongs to the "invalid transaction"
// class worth one retry on a fresh connection.
func retryable(err error) bool {
	if errors.Is(err, pgx.ErrTxClosed) || errors.Is(err, pgx.ErrTxCommitRollback) {
		return true
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}

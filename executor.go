package signupdb

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// PoolSource hands out the pool a statement runs on.
type PoolSource interface {
	Acquire(ctx context.Context) (*Pool, error)
}

// Scanner reads the current row.
type Scanner interface {
	Scan(dest ...any) error
}

// Result is the outcome of a statement that returns no rows.
type Result struct {
	RowsAffected int64
}

// StatementObserver is told how long each statement took and whether it
// failed.
type StatementObserver interface {
	Statement(op string, elapsed time.Duration, err error)
}

// ExecutorOption configures an Executor.
type ExecutorOption func(e *Executor)

// WithRequestTimeout bounds each statement. Zero leaves the caller's
// deadline alone.
func WithRequestTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithStatementObserver registers a statement hook.
func WithStatementObserver(o StatementObserver) ExecutorOption {
	return func(e *Executor) { e.observer = o }
}

// Executor runs parameterized statements on the shared pool. It never
// retries: a failure is returned to the caller as is.
type Executor struct {
	pools    PoolSource
	timeout  time.Duration
	logger   *zap.Logger
	observer StatementObserver
}

// NewExecutor returns an Executor over pools.
func NewExecutor(pools PoolSource, opts ...ExecutorOption) *Executor {
	e := &Executor{pools: pools, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "executor"))
	return e
}

// Exec runs a statement that returns no rows.
func (e *Executor) Exec(ctx context.Context, stmt string, fn BindFunc) (res Result, err error) {
	start := time.Now()
	defer func() { e.done("exec", start, err) }()

	pool, args, err := e.prepare(ctx, fn)
	if err != nil {
		return Result{}, err
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	r, err := pool.DB().ExecContext(ctx, stmt, args...)
	if err != nil {
		pool.observe(err)
		return Result{}, &StatementError{Op: "exec", Err: err}
	}
	n, err := r.RowsAffected()
	if err != nil {
		return Result{}, &StatementError{Op: "exec", Err: err}
	}
	return Result{RowsAffected: n}, nil
}

// Query runs a statement and calls scan once per row. Rows are closed before
// Query returns.
func (e *Executor) Query(ctx context.Context, stmt string, fn BindFunc, scan func(Scanner) error) (err error) {
	start := time.Now()
	defer func() { e.done("query", start, err) }()

	pool, args, err := e.prepare(ctx, fn)
	if err != nil {
		return err
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	rows, err := pool.DB().QueryContext(ctx, stmt, args...)
	if err != nil {
		pool.observe(err)
		return &StatementError{Op: "query", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return &StatementError{Op: "scan", Err: err}
		}
	}
	if err := rows.Err(); err != nil {
		pool.observe(err)
		return &StatementError{Op: "query", Err: err}
	}
	return nil
}

// QueryRow runs a statement and scans its first row. It reports false when
// the statement returned no rows.
func (e *Executor) QueryRow(ctx context.Context, stmt string, fn BindFunc, dest ...any) (bool, error) {
	found := false
	err := e.Query(ctx, stmt, fn, func(s Scanner) error {
		if found {
			return nil
		}
		found = true
		return s.Scan(dest...)
	})
	return found, err
}

// prepare acquires the pool before binding so that a connection failure is
// reported ahead of a binding mistake.
func (e *Executor) prepare(ctx context.Context, fn BindFunc) (*Pool, []any, error) {
	pool, err := e.pools.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	args, err := bind(fn)
	if err != nil {
		return nil, nil, err
	}
	return pool, args, nil
}

func (e *Executor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.timeout)
}

func (e *Executor) done(op string, start time.Time, err error) {
	elapsed := time.Since(start)
	if e.observer != nil {
		e.observer.Statement(op, elapsed, err)
	}
	if err != nil {
		e.logger.Debug("statement failed", zap.String("op", op), zap.Duration("elapsed", elapsed), zap.Error(err))
	}
}

var _ Scanner = (*sql.Rows)(nil)

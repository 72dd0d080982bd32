package signupdb

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Pool is the shared set of physical connections. Only a Provider creates
// and replaces the Pool it hands out.
type Pool struct {
	db     *sql.DB
	id     string
	opened time.Time

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
	broken    atomic.Bool
}

// NewPool wraps an open database handle.
func NewPool(db *sql.DB) *Pool {
	return &Pool{db: db, id: uuid.NewString(), opened: time.Now()}
}

// DB returns the underlying handle.
func (p *Pool) DB() *sql.DB { return p.db }

// ID identifies the pool in logs.
func (p *Pool) ID() string { return p.id }

// Opened is when the pool was established.
func (p *Pool) Opened() time.Time { return p.opened }

// Healthy reports whether the pool may still be handed out.
func (p *Pool) Healthy() bool {
	return !p.closed.Load() && !p.broken.Load()
}

// Invalidate marks the pool as disconnected. The next acquisition replaces it.
func (p *Pool) Invalidate() { p.broken.Store(true) }

// Stats returns database/sql's pool counters.
func (p *Pool) Stats() sql.DBStats { return p.db.Stats() }

// Close closes every connection. It is safe to call more than once.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.closeErr = p.db.Close()
	})
	return p.closeErr
}

// observe invalidates the pool when err shows the connection is gone.
func (p *Pool) observe(err error) {
	if isDisconnect(err) {
		p.Invalidate()
	}
}

func isDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	return strings.Contains(err.Error(), "sql: database is closed")
}

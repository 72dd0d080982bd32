package signupdb

import (
	"context"
	"database/sql"
	"time"
)

// Health is the result of a connectivity check.
type Health struct {
	State   State
	Latency time.Duration
	Stats   sql.DBStats
}

// Identity is the principal the pool authenticated as.
type Identity struct {
	Principal string
	Database  string
	Server    string
}

// Executor returns an Executor that acquires from p and applies the
// configured request timeout.
func (p *Provider) Executor(opts ...ExecutorOption) *Executor {
	base := []ExecutorOption{
		WithRequestTimeout(p.cfg.RequestTimeout),
		WithExecutorLogger(p.logger),
	}
	return NewExecutor(p, append(base, opts...)...)
}

// HealthProbe runs SELECT 1 through the pool, connecting first if needed.
func (p *Provider) HealthProbe(ctx context.Context) (Health, error) {
	start := time.Now()
	var one int
	_, err := p.Executor().QueryRow(ctx, "SELECT 1", nil, &one)
	h := Health{State: p.State(), Latency: time.Since(start)}
	if err != nil {
		return h, err
	}
	if pool := p.current(); pool != nil {
		h.Stats = pool.Stats()
	}
	return h, nil
}

// IdentityProbe reports the authenticated principal, database and server.
func (p *Provider) IdentityProbe(ctx context.Context) (Identity, error) {
	var (
		id            Identity
		name, db, srv sql.NullString
	)
	_, err := p.Executor().QueryRow(ctx, "SELECT SUSER_SNAME(), DB_NAME(), @@SERVERNAME", nil, &name, &db, &srv)
	if err != nil {
		return Identity{}, err
	}
	id.Principal, id.Database, id.Server = name.String, db.String, srv.String
	return id, nil
}

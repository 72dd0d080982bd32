package signupdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/volunteerhub/signupdb/azauth"
	"github.com/volunteerhub/signupdb/sqlcfg"
)

// pendingKey is the single slot for the in-flight connection attempt.
const pendingKey = "pool"

// CredentialResolver picks the authentication for the next attempt.
type CredentialResolver interface {
	Resolve(ctx context.Context) (azauth.Descriptor, error)
}

// Attempt outcomes reported to an Observer.
const (
	OutcomeConnected    = "connected"
	OutcomeTransient    = "transient"
	OutcomeNonTransient = "non_transient"
)

// Observer receives pool lifecycle events, typically for metrics.
type Observer interface {
	PoolStateChanged(from, to State)
	ConnectAttempt(outcome string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) PoolStateChanged(State, State) {}
func (nopObserver) ConnectAttempt(string, time.Duration) {}

// Option configures a Provider.
type Option func(p *Provider)

// WithConnector replaces the go-mssqldb connector.
func WithConnector(c Connector) Option {
	return func(p *Provider) { p.connector = c }
}

// WithRetryPolicy sets the attempt budget and backoff.
func WithRetryPolicy(r RetryPolicy) Option {
	return func(p *Provider) { p.policy = r.normalize() }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithObserver registers lifecycle hooks.
func WithObserver(o Observer) Option {
	return func(p *Provider) {
		if o != nil {
			p.observer = o
		}
	}
}

// Provider owns the process's shared connection pool. It connects lazily,
// retries transient failures, and guarantees that at most one connection
// attempt is in flight: concurrent Acquire calls share its outcome.
type Provider struct {
	cfg       sqlcfg.Config
	creds     CredentialResolver
	connector Connector
	policy    RetryPolicy
	logger    *zap.Logger
	observer  Observer

	pending  singleflight.Group
	attempts atomic.Int64

	mu            sync.Mutex
	state         State
	pool          *Pool
	gen           uint64
	cancelAttempt context.CancelFunc
}

// NewProvider validates cfg and returns an Unconnected provider.
func NewProvider(cfg sqlcfg.Config, creds CredentialResolver, opts ...Option) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, errors.New("signupdb: no credential resolver")
	}
	p := &Provider{
		cfg:      cfg,
		creds:    creds,
		policy:   DefaultRetryPolicy(),
		logger:   zap.NewNop(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", "sqlpool"), zap.Stringer("target", cfg))
	if p.connector == nil {
		p.connector = SQLServerConnector{Logger: p.logger}
	}
	return p, nil
}

// State returns the current lifecycle state.
func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Attempts is the number of physical connection attempts made so far.
func (p *Provider) Attempts() int64 { return p.attempts.Load() }

// Config returns the pool configuration.
func (p *Provider) Config() sqlcfg.Config { return p.cfg }

// Acquire returns the shared pool, connecting first if there is none or the
// stored one is no longer healthy. If ctx ends while an attempt is in flight
// the caller stops waiting; the attempt continues for the other callers.
// A caller that arrives after Close, while the abandoned attempt is still
// unwinding, waits for it and then starts a new one.
func (p *Provider) Acquire(ctx context.Context) (*Pool, error) {
	for {
		if pool := p.current(); pool != nil {
			return pool, nil
		}
		gen := p.generation()
		ch := p.pending.DoChan(pendingKey, func() (any, error) {
			return p.connect(ctx)
		})
		select {
		case res := <-ch:
			if errors.Is(res.Err, ErrShutdown) && p.generation() == gen {
				// Shut down by a Close that returned before this call.
				continue
			}
			if res.Err != nil {
				return nil, res.Err
			}
			return res.Val.(*Pool), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Provider) generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}

// current returns the stored pool when it is healthy. An unhealthy pool is
// discarded and closed.
func (p *Provider) current() *Pool {
	p.mu.Lock()
	pool := p.pool
	if pool == nil || pool.Healthy() {
		p.mu.Unlock()
		return pool
	}
	p.pool = nil
	p.mu.Unlock()

	p.logger.Warn("discarding unhealthy pool", zap.String("pool_id", pool.ID()))
	if err := pool.Close(); err != nil {
		p.logger.Warn("error closing unhealthy pool", zap.String("pool_id", pool.ID()), zap.Error(err))
	}
	return nil
}

// connect runs one acquisition attempt with retries. It executes inside the
// pending slot, so only one runs at a time.
func (p *Provider) connect(callerCtx context.Context) (*Pool, error) {
	p.mu.Lock()
	if p.pool != nil && p.pool.Healthy() {
		pool := p.pool
		p.mu.Unlock()
		return pool, nil
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(callerCtx))
	defer cancel()
	gen := p.gen
	p.cancelAttempt = cancel
	p.setStateLocked(StateConnecting)
	p.mu.Unlock()

	logger := p.logger.With(zap.String("attempt_id", uuid.NewString()))
	n := 0
	op := func() (*Pool, error) {
		n++
		p.attempts.Add(1)
		start := time.Now()
		pool, err := p.tryOnce(ctx, logger)
		elapsed := time.Since(start)
		switch {
		case err == nil:
			p.observer.ConnectAttempt(OutcomeConnected, elapsed)
			logger.Info("connected to database",
				zap.Int("attempt", n),
				zap.String("pool_id", pool.ID()),
				zap.Duration("elapsed", elapsed))
			return pool, nil
		case IsTransient(err):
			p.observer.ConnectAttempt(OutcomeTransient, elapsed)
			logger.Warn("transient connection failure",
				zap.Int("attempt", n),
				zap.Int("max_attempts", p.policy.MaxAttempts),
				zap.Error(err))
			return nil, &TransientConnectionError{Attempt: n, Err: err}
		default:
			p.observer.ConnectAttempt(OutcomeNonTransient, elapsed)
			logger.Error("connection rejected", zap.Int("attempt", n), zap.Error(err))
			return nil, backoff.Permanent(&NonTransientConnectionError{Attempt: n, Err: err})
		}
	}
	pool, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(p.policy.backOff()),
		backoff.WithMaxTries(uint(p.policy.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Info("retrying connection", zap.Duration("wait", next))
		}),
	)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen {
		if pool != nil {
			_ = pool.Close()
		}
		return nil, ErrShutdown
	}
	p.cancelAttempt = nil
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		p.setStateLocked(StateFailed)
		logger.Error("giving up on database connection", zap.Int("attempts", n), zap.Error(err))
		return nil, err
	}
	p.pool = pool
	p.setStateLocked(StateConnected)
	return pool, nil
}

// tryOnce resolves fresh credentials and opens a pool.
func (p *Provider) tryOnce(ctx context.Context, logger *zap.Logger) (*Pool, error) {
	auth, err := p.creds.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	logger.Debug("connecting", zap.Stringer("auth", auth.Kind()))
	return p.connector.Connect(ctx, p.cfg, auth)
}

func (p *Provider) setStateLocked(to State) {
	from := p.state
	if from == to {
		return
	}
	p.state = to
	p.observer.PoolStateChanged(from, to)
	p.logger.Debug("pool state changed", zap.Stringer("from", from), zap.Stringer("to", to))
}

// Close shuts the pool down and resets the provider to Unconnected,
// whatever the outcome. An attempt still in flight is abandoned and its
// waiters receive ErrShutdown. A later Acquire starts afresh.
func (p *Provider) Close() error {
	p.mu.Lock()
	pool := p.pool
	p.pool = nil
	p.gen++
	if p.cancelAttempt != nil {
		p.cancelAttempt()
		p.cancelAttempt = nil
	}
	p.setStateLocked(StateUnconnected)
	p.mu.Unlock()

	if pool == nil {
		return nil
	}
	if err := pool.Close(); err != nil {
		p.logger.Warn("error closing pool", zap.String("pool_id", pool.ID()), zap.Error(err))
		return fmt.Errorf("signupdb: close pool: %w", err)
	}
	p.logger.Info("pool closed", zap.String("pool_id", pool.ID()))
	return nil
}

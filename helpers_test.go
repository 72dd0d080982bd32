package signupdb

import (
	"context"
	"database/sql/driver"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/volunteerhub/signupdb/azauth"
	"github.com/volunteerhub/signupdb/sqlcfg"
)

// passthrough hands parameter values to sqlmock as bound, so the typed
// wrappers from Params reach the expectations unchanged.
type passthrough struct{}

func (passthrough) ConvertValue(v any) (driver.Value, error) { return v, nil }

func testConfig() sqlcfg.Config {
	cfg := sqlcfg.Default()
	cfg.Server = "signup-test.database.windows.net"
	cfg.Database = "volunteers"
	return cfg
}

func newMockPool(t *testing.T) (*Pool, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(passthrough{}))
	require.NoError(t, err)
	return NewPool(db), mock
}

type staticResolver struct {
	calls atomic.Int32
	err   error
}

func (r *staticResolver) Resolve(context.Context) (azauth.Descriptor, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return azauth.ExplicitAccessToken{AccessToken: azauth.AccessToken{Token: "token"}}, nil
}

// fakeConnector fails the first len(errs) attempts with the given errors
// (nil entries succeed) and then hands out fresh mock pools.
type fakeConnector struct {
	errs []error
	// gate, when set, holds every attempt until it is closed.
	gate    chan struct{}
	entered chan struct{}
	// stubborn makes the gate ignore cancellation, like a dial that only
	// notices a cancelled context once it returns.
	stubborn bool

	calls atomic.Int32
	mu    sync.Mutex
	pools []*Pool
}

func (f *fakeConnector) Connect(ctx context.Context, _ sqlcfg.Config, _ azauth.Descriptor) (*Pool, error) {
	n := int(f.calls.Add(1))
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.gate != nil && f.stubborn {
		<-f.gate
	} else if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= len(f.errs) && f.errs[n-1] != nil {
		return nil, f.errs[n-1]
	}
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(passthrough{}))
	if err != nil {
		return nil, err
	}
	mock.ExpectClose()
	pool := NewPool(db)
	f.mu.Lock()
	f.pools = append(f.pools, pool)
	f.mu.Unlock()
	return pool, nil
}

func (f *fakeConnector) opened() []*Pool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Pool(nil), f.pools...)
}

func fastRetries(n int) RetryPolicy {
	return RetryPolicy{MaxAttempts: n, Step: time.Millisecond, Max: 2 * time.Millisecond}
}

// recorder is an Observer that keeps every event.
type recorder struct {
	mu          sync.Mutex
	transitions []State
	outcomes    []string
}

func (r *recorder) PoolStateChanged(_, to State) {
	r.mu.Lock()
	r.transitions = append(r.transitions, to)
	r.mu.Unlock()
}

func (r *recorder) ConnectAttempt(outcome string, _ time.Duration) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, outcome)
	r.mu.Unlock()
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.transitions...)
}

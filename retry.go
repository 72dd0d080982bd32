package signupdb

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/cenkalti/backoff/v5"
	mssql "github.com/microsoft/go-mssqldb"

	"github.com/volunteerhub/signupdb/sqlcfg"
)

// RetryPolicy bounds the connection attempts made for one acquisition.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt.
	MaxAttempts int `yaml:"max_attempts"`
	// Step is multiplied by the retry number to get the wait before it.
	Step time.Duration `yaml:"step"`
	// Max caps the wait between attempts.
	Max time.Duration `yaml:"max"`
}

// DefaultRetryPolicy waits 5s, 10s, then 15s between four attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, Step: 5 * time.Second, Max: 15 * time.Second}
}

func (r RetryPolicy) normalize() RetryPolicy {
	d := DefaultRetryPolicy()
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = d.MaxAttempts
	}
	if r.Step < 0 {
		r.Step = 0
	}
	if r.Max < r.Step {
		r.Max = r.Step
	}
	return r
}

// Delay is the wait before retry n (n >= 1).
func (r RetryPolicy) Delay(n int) time.Duration {
	d := time.Duration(n) * r.Step
	if d > r.Max {
		return r.Max
	}
	return d
}

func (r RetryPolicy) backOff() backoff.BackOff {
	return &linearBackOff{policy: r}
}

// linearBackOff grows the wait by Step per retry up to Max.
type linearBackOff struct {
	policy RetryPolicy
	n      int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return b.policy.Delay(b.n)
}

func (b *linearBackOff) Reset() { b.n = 0 }

// Azure SQL error numbers documented as transient, plus the network-level
// numbers SQL Server reports for dropped sessions.
var transientNumbers = map[int32]bool{
	20:    true,
	64:    true,
	233:   true,
	4060:  true,
	4221:  true,
	10053: true,
	10054: true,
	10060: true,
	10928: true,
	10929: true,
	40143: true,
	40197: true,
	40501: true,
	40540: true,
	40613: true,
	42108: true,
	42109: true,
	49918: true,
	49919: true,
	49920: true,
}

var transientErrnos = []error{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.EPIPE,
	syscall.ETIMEDOUT,
}

var transientMessages = []string{
	"socket hang up",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"unable to open tcp connection",
}

// IsTransient reports whether a connection failure is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientConnectionError
	if errors.As(err, &te) {
		return true
	}
	var nte *NonTransientConnectionError
	if errors.As(err, &nte) {
		return false
	}
	var cfgErr *sqlcfg.ConfigError
	if errors.As(err, &cfgErr) {
		return false
	}
	var authErr *azidentity.AuthenticationFailedError
	if errors.As(err, &authErr) {
		return false
	}
	var sqlErr mssql.Error
	if errors.As(err, &sqlErr) {
		return transientNumbers[sqlErr.Number]
	}
	var sqlErrPtr *mssql.Error
	if errors.As(err, &sqlErrPtr) {
		return transientNumbers[sqlErrPtr.Number]
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

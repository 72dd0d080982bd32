package signupdb

import (
	"errors"
	"fmt"

	"github.com/volunteerhub/signupdb/azauth"
	"github.com/volunteerhub/signupdb/sqlcfg"
)

// ConfigError is an invalid or missing server, database or port.
type ConfigError = sqlcfg.ConfigError

// TokenAcquisitionError is a credential provider failing to supply a token.
type TokenAcquisitionError = azauth.TokenAcquisitionError

// ErrShutdown is returned to callers whose connection attempt was overtaken
// by Provider.Close.
var ErrShutdown = errors.New("signupdb: provider shut down during connect")

// TransientConnectionError is a failed connection attempt that is expected
// to succeed on retry.
type TransientConnectionError struct {
	Attempt int
	Err     error
}

func (e *TransientConnectionError) Error() string {
	return fmt.Sprintf("signupdb: connection attempt %d failed (transient): %v", e.Attempt, e.Err)
}

func (e *TransientConnectionError) Unwrap() error { return e.Err }

// NonTransientConnectionError is a connection attempt rejected for a reason
// retrying cannot fix, such as a login or permission failure.
type NonTransientConnectionError struct {
	Attempt int
	Err     error
}

func (e *NonTransientConnectionError) Error() string {
	return fmt.Sprintf("signupdb: connection attempt %d failed: %v", e.Attempt, e.Err)
}

func (e *NonTransientConnectionError) Unwrap() error { return e.Err }

// StatementError is a parameter binding or execution failure. Err is the
// driver's error, untouched.
type StatementError struct {
	Op  string // bind, exec, query or scan
	Err error
}

func (e *StatementError) Error() string {
	return "signupdb: " + e.Op + ": " + e.Err.Error()
}

func (e *StatementError) Unwrap() error { return e.Err }

package azauth

import "fmt"

// TokenAcquisitionError is returned when the credential provider yields no
// usable token. Err, when set, is the provider's own error and is kept in the
// chain so callers can tell network failures from rejected credentials.
type TokenAcquisitionError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *TokenAcquisitionError) Error() string {
	msg := "azauth: token acquisition failed"
	if e.Kind != 0 {
		msg = fmt.Sprintf("azauth: %s token acquisition failed", e.Kind)
	}
	switch {
	case e.Err != nil:
		return msg + ": " + e.Err.Error()
	case e.Reason != "":
		return msg + ": " + e.Reason
	}
	return msg
}

func (e *TokenAcquisitionError) Unwrap() error { return e.Err }

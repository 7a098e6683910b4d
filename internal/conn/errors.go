package conn

import (
	"errors"
	"fmt"
)

// ErrAuthRejected means the server refused the bearer credential. The
// channel will not retry until a new credential is supplied.
var ErrAuthRejected = errors.New("credential rejected by server")

// ErrNotConnected is returned by Send when no transport is up. Callers
// are expected to check the connection state first.
var ErrNotConnected = errors.New("not connected")

// TransportError wraps a retryable transport failure; it drives the
// backoff path rather than surfacing to the user.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

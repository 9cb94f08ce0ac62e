package realtime

import (
	"errors"
	"fmt"
)

var (
	ErrNoToken = errors.New("no auth token available")
	ErrClosed  = errors.New("realtime channel closed")
)

// AuthError is returned by Connect when the channel cannot obtain
// credentials, and delivered as a terminal error event when the server
// refuses them. It is never retried.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("realtime auth: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// ConnectError carries a transport failure. It is delivered through the
// error event; Terminal is set once reconnect attempts are exhausted.
// Attempt 0 is the initial connection, later values count reconnects.
type ConnectError struct {
	Attempt  int
	Terminal bool
	Err      error
}

func (e *ConnectError) Error() string {
	if e.Terminal {
		return fmt.Sprintf("realtime connect failed after %d reconnect attempts: %v", e.Attempt, e.Err)
	}
	return fmt.Sprintf("realtime connect failed (attempt %d): %v", e.Attempt, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

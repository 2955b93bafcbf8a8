package connection

import (
	"errors"
	"fmt"
)

// Common errors for the connection manager.
var (
	// ErrNotConnected indicates a send was attempted while the socket
	// is not in the Connected state.
	ErrNotConnected = errors.New("not connected")

	// ErrShutdown indicates the manager has been shut down and will
	// not accept further operations.
	ErrShutdown = errors.New("connection manager shut down")

	// ErrHeartbeatTimeout indicates no liveness signal was observed
	// within the pong timeout.
	ErrHeartbeatTimeout = errors.New("heartbeat timed out")
)

// AuthError indicates the server rejected the session credentials.
// Unlike connectivity failures it is never retried automatically; the
// caller must obtain fresh credentials and call Connect again.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected: %s", e.Reason)
}

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// ConnError wraps a transport-level failure with the operation that
// produced it.
type ConnError struct {
	Op  string // operation that caused the error
	Err error  // underlying error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

func newConnError(op string, err error) *ConnError {
	return &ConnError{Op: op, Err: err}
}

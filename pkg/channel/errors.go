package channel

import (
	"errors"
	"fmt"
)

// Sentinel errors for the channel package.
var (
	// ErrNotConnected indicates Send was called while the channel is not open.
	ErrNotConnected = errors.New("channel: not connected")

	// ErrConnectInProgress indicates Connect was called while a connection
	// attempt or shutdown is already under way.
	ErrConnectInProgress = errors.New("channel: connect already in progress")

	// ErrDisconnected indicates Disconnect was called while connecting.
	ErrDisconnected = errors.New("channel: disconnected while connecting")
)

// ConnectionError is a transport failure on the channel.
type ConnectionError struct {
	// Reason names the failed operation: "dial", "read", "write", "encode".
	Reason string

	// Cause is the underlying error.
	Cause error

	// Retryable indicates the channel will try again on its own.
	Retryable bool
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("channel: %s failed", e.Reason)
	}
	return fmt.Sprintf("channel: %s failed: %v", e.Reason, e.Cause)
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// IsNotConnected reports whether err means the channel was not open.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

// IsConnectionError reports whether err is a transport failure.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

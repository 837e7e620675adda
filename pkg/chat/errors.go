package chat

import "errors"

// Sentinel errors for the chat package.
var (
	// ErrExchangeInProgress indicates SendAndAwait was called while another
	// exchange on the same correlator is still pending.
	ErrExchangeInProgress = errors.New("chat: exchange already in progress")

	// ErrResponseTimeout indicates no terminal or error frame arrived in time.
	ErrResponseTimeout = errors.New("chat: timed out waiting for response")
)

// defaultRemoteMessage is used when the backend sends an empty error frame.
const defaultRemoteMessage = "chat API error"

// RemoteError is a failure reported by the backend in an error frame.
// Its message is exactly the frame's error text.
type RemoteError struct {
	Message string

	// Partial holds any text accumulated before the error arrived.
	Partial string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.Message == "" {
		return defaultRemoteMessage
	}
	return e.Message
}

// IsTimeout reports whether err is a response timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrResponseTimeout)
}

// IsRemote reports whether err came from a backend error frame.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

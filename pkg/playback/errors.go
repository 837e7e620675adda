package playback

import (
	"errors"
	"fmt"
)

// Sentinel errors for the playback package.
var (
	// ErrStopped settles a handle that was stopped before its natural end.
	// It is not delivered to OnError.
	ErrStopped = errors.New("playback: stopped")

	// ErrEmptyAudio is returned when Play is given no bytes.
	ErrEmptyAudio = errors.New("playback: empty audio")

	// ErrUnsupportedFormat is returned for MIME types no decoder handles.
	ErrUnsupportedFormat = errors.New("playback: unsupported audio format")

	// ErrTruncatedPCM is returned for raw PCM that ends mid-frame.
	ErrTruncatedPCM = errors.New("playback: truncated PCM payload")

	// ErrClosed is returned by Play after Close.
	ErrClosed = errors.New("playback: player closed")
)

// Error is a decode or playback fault.
type Error struct {
	// Op is "decode" or "play".
	Op  string
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("playback: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsStopped reports whether err means playback was stopped on request.
func IsStopped(err error) bool {
	return errors.Is(err, ErrStopped)
}

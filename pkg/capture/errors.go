package capture

import "errors"

// Sentinel errors for the capture package.
var (
	// ErrDeviceUnavailable indicates the microphone could not be acquired,
	// either because no device exists or access was denied.
	ErrDeviceUnavailable = errors.New("capture: audio device unavailable")

	// ErrNoActiveSession indicates StopRecording was called without a
	// prior successful StartRecording.
	ErrNoActiveSession = errors.New("capture: no active recording session")
)

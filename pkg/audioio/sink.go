package audioio

import (
	"context"
	"fmt"
	"io"
)

// Sink plays audio to a speaker.
type Sink interface {
	// Start prepares the device for playback.
	Start(ctx context.Context) error

	// Stop halts playback. It is safe to call Stop multiple times.
	Stop() error

	// Write queues a chunk for playback and may block while the device
	// buffer is full. Device faults are reported as *DeviceError.
	Write(ctx context.Context, chunk AudioChunk) error

	// Flush waits for all queued audio to be played.
	Flush(ctx context.Context) error

	// Clear discards queued audio immediately.
	Clear() error

	// Config returns the output profile.
	Config() Config

	// Name returns the backend name ("command", "mock").
	Name() string

	// Close releases the device.
	io.Closer
}

// SinkStats contains statistics about the audio sink.
type SinkStats struct {
	ChunksWritten   int64  `json:"chunks_written"`
	SamplesWritten  int64  `json:"samples_written"`
	Underruns       int64  `json:"underruns"`
	Running         bool   `json:"running"`
	Backend         string `json:"backend"`
	BufferedSamples int64  `json:"buffered_samples"`
}

// SinkWithStats extends Sink with statistics.
type SinkWithStats interface {
	Sink
	Stats() SinkStats
}

// DeviceError is a fault reported by an audio device.
// Err carries the detail; a DeviceError without Err means the device
// signalled a fault but gave no reason.
type DeviceError struct {
	Backend string
	Op      string
	Err     error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("audioio: %s %s: device fault", e.Backend, e.Op)
	}
	return fmt.Sprintf("audioio: %s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// HasDetail reports whether the fault carries an underlying cause.
func (e *DeviceError) HasDetail() bool {
	return e.Err != nil
}

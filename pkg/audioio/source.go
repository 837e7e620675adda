package audioio

import (
	"context"
	"io"
	"time"
)

// AudioChunk is a block of interleaved PCM16 samples.
type AudioChunk struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Bytes returns the chunk as little-endian PCM16.
func (c *AudioChunk) Bytes() []byte {
	return SamplesToBytes(c.Samples)
}

// FromBytes populates the chunk from little-endian PCM16.
func (c *AudioChunk) FromBytes(data []byte, sampleRate, channels int) {
	c.SampleRate = sampleRate
	c.Channels = channels
	c.Samples = BytesToSamples(data)
}

// Duration returns the playing time of the chunk.
func (c *AudioChunk) Duration() time.Duration {
	if c.SampleRate == 0 || c.Channels == 0 {
		return 0
	}
	frames := len(c.Samples) / c.Channels
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// Source captures audio from a microphone.
//
// A Source represents an acquired device: it is opened by a factory,
// started once, and must be closed to release the device.
type Source interface {
	// Start begins audio capture.
	Start(ctx context.Context) error

	// Stop halts capture. Chunks already captured remain readable;
	// once they are drained Read returns io.EOF.
	// It is safe to call Stop multiple times.
	Stop() error

	// Read returns the next chunk, blocking until one is available.
	// Returns io.EOF after Stop once all chunks are drained.
	Read(ctx context.Context) (AudioChunk, error)

	// Config returns the sample profile.
	Config() Config

	// Name returns the backend name ("command", "mock").
	Name() string

	// Close releases the device. Close is idempotent.
	io.Closer
}

// SourceStats contains statistics about the audio source.
type SourceStats struct {
	ChunksRead  int64  `json:"chunks_read"`
	SamplesRead int64  `json:"samples_read"`
	Overruns    int64  `json:"overruns"`
	Running     bool   `json:"running"`
	Backend     string `json:"backend"`
}

// SourceWithStats extends Source with statistics.
type SourceWithStats interface {
	Source
	Stats() SourceStats
}

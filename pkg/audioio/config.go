// Package audioio provides audio capture and playback devices.
//
// Two backends are available:
//   - Command - pipes raw PCM through arecord/aplay (Linux) or sox (macOS)
//   - Mock - scripted devices for tests and headless runs
//
// The backend is selected by probing for the command-line tools,
// or can be explicitly specified via configuration.
package audioio

import (
	"fmt"
	"time"
)

// Backend represents the audio backend type.
type Backend string

const (
	// BackendAuto selects the command backend when its tools are installed.
	BackendAuto Backend = "auto"
	// BackendCommand shells out to arecord/aplay or sox.
	BackendCommand Backend = "command"
	// BackendMock uses a mock implementation for testing.
	BackendMock Backend = "mock"
)

// Config holds the sample profile and device selection.
type Config struct {
	// Backend specifies which audio backend to use.
	Backend Backend `json:"backend"`

	// SampleRate is the audio sample rate in Hz.
	// Default: 16000 (speech recognition)
	SampleRate int `json:"sample_rate"`

	// Channels is the number of interleaved channels.
	// Default: 1 (mono)
	Channels int `json:"channels"`

	// BufferDuration is the length of each chunk.
	// Default: 20ms
	BufferDuration time.Duration `json:"buffer_duration"`

	// Device is passed to the underlying tool, empty for the system default.
	// Examples: "plughw:1,0" (arecord), "coreaudio" (sox)
	Device string `json:"device"`
}

// DefaultConfig returns the capture profile used for speech input.
func DefaultConfig() Config {
	return Config{
		Backend:        BackendAuto,
		SampleRate:     16000,
		Channels:       1,
		BufferDuration: 20 * time.Millisecond,
	}
}

// PlaybackConfig returns the profile used for speech output.
// 24kHz matches the PCM rate of the common TTS providers.
func PlaybackConfig() Config {
	cfg := DefaultConfig()
	cfg.SampleRate = 24000
	return cfg
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	}
	if c.BufferDuration <= 0 {
		return fmt.Errorf("buffer_duration must be positive, got %v", c.BufferDuration)
	}
	return nil
}

// BufferSize returns the number of frames per chunk.
func (c *Config) BufferSize() int {
	return int(float64(c.SampleRate) * c.BufferDuration.Seconds())
}

// BufferBytes returns the size of a chunk in bytes (int16 samples).
func (c *Config) BufferBytes() int {
	return c.BufferSize() * c.Channels * 2
}

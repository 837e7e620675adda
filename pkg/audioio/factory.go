package audioio

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrNoBackend is returned when no audio backend is usable.
var ErrNoBackend = errors.New("audioio: no audio backend available")

// NewSource opens a capture device with the given configuration.
// If cfg.Backend is BackendAuto, the best available backend is selected.
func NewSource(cfg Config, logger *slog.Logger) (Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	backend, err := resolveBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}

	logger.Debug("opening audio source",
		"backend", backend,
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
	)

	switch backend {
	case BackendMock:
		return NewMockSource(cfg, logger), nil
	case BackendCommand:
		return newCommandSource(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}

// NewSink opens a playback device with the given configuration.
// If cfg.Backend is BackendAuto, the best available backend is selected.
func NewSink(cfg Config, logger *slog.Logger) (Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	backend, err := resolveBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}

	logger.Info("opening audio sink",
		"backend", backend,
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
	)

	switch backend {
	case BackendMock:
		return NewMockSink(cfg, logger), nil
	case BackendCommand:
		return newCommandSink(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}

func resolveBackend(b Backend) (Backend, error) {
	if b != BackendAuto && b != "" {
		return b, nil
	}
	if commandsAvailable() {
		return BackendCommand, nil
	}
	return "", fmt.Errorf("%w: install alsa-utils (Linux) or sox (macOS), or use the mock backend", ErrNoBackend)
}

// AvailableBackends returns the backends usable on this machine.
func AvailableBackends() []Backend {
	backends := []Backend{BackendMock}
	if commandsAvailable() {
		backends = append(backends, BackendCommand)
	}
	return backends
}

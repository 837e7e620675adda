// Package capture records finite utterances from a microphone.
//
// A Recorder owns at most one recording session at a time. Each session
// acquires the device when it starts and releases it exactly once, whether
// the session is stopped, cancelled or replaced by a new one.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/voxchat/pkg/audioio"
)

// MIMEType is the content type of every Blob.
const MIMEType = "audio/wav"

// SourceOpener acquires a capture device for the given sample profile.
type SourceOpener func(ctx context.Context, cfg audioio.Config) (audioio.Source, error)

// DeviceOpener opens sources through the audioio backend factory.
func DeviceOpener(logger *slog.Logger) SourceOpener {
	return func(ctx context.Context, cfg audioio.Config) (audioio.Source, error) {
		return audioio.NewSource(cfg, logger)
	}
}

// Blob is a finished recording.
type Blob struct {
	Data       []byte
	MIMEType   string
	SampleRate int
	Channels   int
	Duration   time.Duration
}

// Filename returns the name used when uploading the blob.
func (b *Blob) Filename() string {
	return "recording.wav"
}

// Stats reports device usage over the recorder's lifetime.
type Stats struct {
	Acquired int64 `json:"acquired"`
	Released int64 `json:"released"`
	Active   bool  `json:"active"`
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithConfig sets the capture sample profile.
func WithConfig(cfg audioio.Config) Option {
	return func(r *Recorder) {
		r.cfg = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// Recorder is the audio capture unit.
type Recorder struct {
	open   SourceOpener
	cfg    audioio.Config
	logger *slog.Logger

	mu      sync.Mutex
	session *session

	acquired atomic.Int64
	released atomic.Int64
}

// NewRecorder creates a recorder that acquires devices through open.
func NewRecorder(open SourceOpener, opts ...Option) *Recorder {
	r := &Recorder{
		open:   open,
		cfg:    audioio.DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "capture.recorder")
	return r
}

type session struct {
	src     audioio.Source
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time

	// written by the collector goroutine, read after done is closed
	samples []int16
	err     error

	release sync.Once
}

// StartRecording acquires the device and begins capturing.
// An active session is torn down first, so at most one device hold exists.
func (r *Recorder) StartRecording(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev := r.session; prev != nil {
		r.logger.Warn("starting over an active session, discarding it")
		r.session = nil
		r.discard(prev)
	}

	src, err := r.open(ctx, r.cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	r.acquired.Add(1)

	runCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		src:     src,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
	}

	if err := src.Start(runCtx); err != nil {
		cancel()
		close(s.done)
		r.releaseDevice(s)
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	go r.collect(runCtx, s)
	r.session = s

	r.logger.Debug("recording started", "backend", src.Name(), "sample_rate", r.cfg.SampleRate)
	return nil
}

func (r *Recorder) collect(ctx context.Context, s *session) {
	defer close(s.done)
	for {
		chunk, err := s.src.Read(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				s.err = err
			}
			return
		}
		s.samples = append(s.samples, chunk.Samples...)
	}
}

// StopRecording ends the session and returns the captured audio.
// It returns only after the device has flushed its final chunk and
// has been released.
func (r *Recorder) StopRecording(ctx context.Context) (*Blob, error) {
	r.mu.Lock()
	s := r.session
	r.session = nil
	r.mu.Unlock()

	if s == nil {
		return nil, ErrNoActiveSession
	}
	defer r.releaseDevice(s)

	if err := s.src.Stop(); err != nil {
		r.logger.Warn("stop source failed", "error", err)
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		s.cancel()
		<-s.done
		return nil, ctx.Err()
	}
	s.cancel()

	if s.err != nil && len(s.samples) == 0 {
		return nil, fmt.Errorf("capture: read: %w", s.err)
	}
	if s.err != nil {
		r.logger.Warn("capture ended with error, keeping partial audio", "error", s.err)
	}

	cfg := s.src.Config()
	chunk := audioio.AudioChunk{Samples: s.samples, SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	blob := &Blob{
		Data:       audioio.EncodeWAV(s.samples, cfg.SampleRate, cfg.Channels),
		MIMEType:   MIMEType,
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		Duration:   chunk.Duration(),
	}

	r.logger.Debug("recording stopped",
		"duration", blob.Duration,
		"bytes", len(blob.Data),
		"wall", time.Since(s.started),
	)
	return blob, nil
}

// CancelRecording discards the active session, if any, and releases the
// device without producing a blob. It is idempotent.
func (r *Recorder) CancelRecording() {
	r.mu.Lock()
	s := r.session
	r.session = nil
	r.mu.Unlock()

	if s != nil {
		r.discard(s)
		r.logger.Debug("recording cancelled")
	}
}

// Active reports whether a session is in progress.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session != nil
}

// Stats returns device acquisition counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		Acquired: r.acquired.Load(),
		Released: r.released.Load(),
		Active:   r.Active(),
	}
}

func (r *Recorder) discard(s *session) {
	s.cancel()
	_ = s.src.Stop()
	<-s.done
	r.releaseDevice(s)
}

func (r *Recorder) releaseDevice(s *session) {
	s.release.Do(func() {
		if err := s.src.Close(); err != nil {
			r.logger.Warn("release device failed", "error", err)
		}
		r.released.Add(1)
	})
}

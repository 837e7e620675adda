// Package playback plays synthesized speech through an audio sink.
//
// Play decodes a payload (WAV, raw PCM, MP3 or Ogg/Opus) and streams it to
// the sink from a background goroutine, returning a Handle. Each handle
// settles exactly once: at natural end, on a playback fault, or when
// stopped. The decoded buffer is released when the handle settles.
//
// A Player holds at most one playback at a time. Starting a new one stops
// the previous handle first.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/voxchat/pkg/audioio"
)

// DefaultChunkDuration is the amount of audio written to the sink per Write.
const DefaultChunkDuration = 40 * time.Millisecond

// Stats contains playback counters.
type Stats struct {
	Played   int64 `json:"played"`
	Stopped  int64 `json:"stopped"`
	Failed   int64 `json:"failed"`
	Released int64 `json:"released"`
	Spurious int64 `json:"spurious_faults"`
	Playing  bool  `json:"playing"`
}

// Option configures a Player.
type Option func(*Player)

// WithChunkDuration sets how much audio each sink write carries.
func WithChunkDuration(d time.Duration) Option {
	return func(p *Player) {
		if d > 0 {
			p.chunk = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Player) {
		p.logger = logger
	}
}

// PlayOption sets a per-call notification.
type PlayOption func(*callbacks)

type callbacks struct {
	onStart func()
	onEnd   func()
	onError func(error)
}

// OnStart is called once, just before the first audio reaches the sink.
func OnStart(fn func()) PlayOption {
	return func(c *callbacks) { c.onStart = fn }
}

// OnEnd is called once when playback finishes naturally.
func OnEnd(fn func()) PlayOption {
	return func(c *callbacks) { c.onEnd = fn }
}

// OnError is called once with a *Error when playback fails.
// It is not called for Stop.
func OnError(fn func(error)) PlayOption {
	return func(c *callbacks) { c.onError = fn }
}

// Player is the audio playback unit.
type Player struct {
	sink   audioio.Sink
	chunk  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	current *Handle
	closed  bool

	played   atomic.Int64
	stopped  atomic.Int64
	failed   atomic.Int64
	released atomic.Int64
	spurious atomic.Int64
}

// NewPlayer creates a player writing to sink.
func NewPlayer(sink audioio.Sink, opts ...Option) *Player {
	p := &Player{
		sink:   sink,
		chunk:  DefaultChunkDuration,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "playback.player")
	return p
}

// Play decodes audio and starts playing it. Decode failures are returned
// as *Error with Op "decode" and do not invoke callbacks.
func (p *Player) Play(ctx context.Context, audio []byte, mimeType string, opts ...PlayOption) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	prev := p.current
	p.current = nil
	p.mu.Unlock()

	if prev != nil {
		p.logger.Debug("stopping previous playback")
		_ = prev.Stop()
	}

	decoded, err := decode(audio, mimeType)
	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("decode failed", "mime", mimeType, "bytes", len(audio), "error", err)
		return nil, &Error{Op: "decode", Err: err}
	}

	cfg := p.sink.Config()
	samples := toSink(decoded, cfg)

	if err := p.sink.Start(ctx); err != nil {
		p.failed.Add(1)
		return nil, &Error{Op: "play", Err: err}
	}

	var cb callbacks
	for _, opt := range opts {
		opt(&cb)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		player:   p,
		samples:  samples,
		cfg:      cfg,
		cb:       cb,
		cancel:   cancel,
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
		duration: durationOf(len(samples), cfg),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		h.release()
		return nil, ErrClosed
	}
	p.current = h
	p.mu.Unlock()

	p.logger.Debug("playback starting",
		"mime", mimeType,
		"source_rate", decoded.rate,
		"sink_rate", cfg.SampleRate,
		"duration", h.duration,
	)

	go h.run(runCtx)
	return h, nil
}

// Stop stops the current playback, if any.
func (p *Player) Stop() {
	p.mu.Lock()
	h := p.current
	p.current = nil
	p.mu.Unlock()

	if h != nil {
		_ = h.Stop()
	}
}

// Playing reports whether a playback is in progress.
func (p *Player) Playing() bool {
	p.mu.Lock()
	h := p.current
	p.mu.Unlock()
	return h != nil && !h.settled()
}

// Close stops playback and releases the sink.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	h := p.current
	p.current = nil
	p.mu.Unlock()

	if h != nil {
		_ = h.Stop()
	}
	return p.sink.Close()
}

// Stats returns playback counters.
func (p *Player) Stats() Stats {
	return Stats{
		Played:   p.played.Load(),
		Stopped:  p.stopped.Load(),
		Failed:   p.failed.Load(),
		Released: p.released.Load(),
		Spurious: p.spurious.Load(),
		Playing:  p.Playing(),
	}
}

func (p *Player) forget(h *Handle) {
	p.mu.Lock()
	if p.current == h {
		p.current = nil
	}
	p.mu.Unlock()
}

func durationOf(samples int, cfg audioio.Config) time.Duration {
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return 0
	}
	frames := samples / cfg.Channels
	return time.Duration(frames) * time.Second / time.Duration(cfg.SampleRate)
}

// Handle controls one playback.
type Handle struct {
	player   *Player
	cfg      audioio.Config
	cb       callbacks
	cancel   context.CancelFunc
	duration time.Duration

	mu      sync.Mutex
	samples []int16
	err     error

	done        chan struct{}
	exited      chan struct{}
	settleOnce  sync.Once
	releaseOnce sync.Once
	releasedB   atomic.Bool
	inCallback  atomic.Bool
}

// Done is closed when the handle settles.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns nil after a natural end, ErrStopped after Stop, or the *Error
// that ended playback. It returns nil while playback is in progress.
func (h *Handle) Err() error {
	select {
	case <-h.done:
	default:
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the handle settles or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Duration returns the length of the decoded audio.
func (h *Handle) Duration() time.Duration {
	return h.duration
}

// Released reports whether the decoded buffer has been released.
func (h *Handle) Released() bool {
	return h.releasedB.Load()
}

// Stop halts playback, clears the sink and releases the buffer.
// It is idempotent and a no-op once the handle has settled.
func (h *Handle) Stop() error {
	if h.settled() {
		return nil
	}

	h.cancel()
	// the writer exits within one chunk; waiting keeps it from writing
	// after the sink is cleared
	if !h.inCallback.Load() {
		<-h.exited
	}
	if err := h.player.sink.Clear(); err != nil {
		h.player.logger.Warn("sink clear failed", "error", err)
	}

	if h.settle(ErrStopped) {
		h.player.stopped.Add(1)
		h.player.logger.Debug("playback stopped")
	}
	h.player.forget(h)
	return nil
}

func (h *Handle) settled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// settle records the outcome, releases the buffer and fires the matching
// callback. Only the first call has any effect; it reports whether this
// call was the one that settled.
func (h *Handle) settle(err error) bool {
	first := false
	h.settleOnce.Do(func() {
		first = true

		h.mu.Lock()
		h.err = err
		h.mu.Unlock()

		h.release()
		close(h.done)

		switch {
		case err == nil:
			if h.cb.onEnd != nil {
				h.callback(h.cb.onEnd)
			}
		case errors.Is(err, ErrStopped):
		default:
			if h.cb.onError != nil {
				h.callback(func() { h.cb.onError(err) })
			}
		}
	})
	return first
}

func (h *Handle) callback(fn func()) {
	h.inCallback.Store(true)
	defer h.inCallback.Store(false)
	fn()
}

func (h *Handle) release() {
	h.releaseOnce.Do(func() {
		h.mu.Lock()
		h.samples = nil
		h.mu.Unlock()
		h.releasedB.Store(true)
		h.player.released.Add(1)
	})
}

func (h *Handle) run(ctx context.Context) {
	defer close(h.exited)

	h.mu.Lock()
	samples := h.samples
	h.mu.Unlock()

	logger := h.player.logger
	sink := h.player.sink

	per := int(float64(h.cfg.SampleRate)*h.player.chunk.Seconds()) * max(h.cfg.Channels, 1)
	if per <= 0 {
		per = len(samples)
	}

	started := false
	for off := 0; off < len(samples); off += per {
		if ctx.Err() != nil {
			return
		}

		end := min(off+per, len(samples))
		chunk := audioio.AudioChunk{
			Samples:    samples[off:end],
			SampleRate: h.cfg.SampleRate,
			Channels:   h.cfg.Channels,
		}

		if !started {
			started = true
			if h.cb.onStart != nil {
				h.callback(h.cb.onStart)
			}
			if ctx.Err() != nil {
				return
			}
		}

		if err := sink.Write(ctx, chunk); err != nil {
			if ctx.Err() != nil {
				return
			}
			if spuriousFault(err) {
				h.player.spurious.Add(1)
				logger.Debug("ignoring device fault without detail", "error", err)
				continue
			}
			h.fail(err)
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := sink.Flush(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		if !spuriousFault(err) {
			h.fail(err)
			return
		}
		h.player.spurious.Add(1)
	}

	if h.settle(nil) {
		h.player.played.Add(1)
		logger.Debug("playback ended", "duration", h.duration)
	}
	h.player.forget(h)
}

func (h *Handle) fail(err error) {
	if h.settle(&Error{Op: "play", Err: err}) {
		h.player.failed.Add(1)
		h.player.logger.Warn("playback failed", "error", err)
	}
	h.player.forget(h)
}

// spuriousFault reports whether err is a device fault that carries no
// detail. Such faults are reported by some backends without an actual
// failure and must not abort playback.
func spuriousFault(err error) bool {
	var de *audioio.DeviceError
	return errors.As(err, &de) && !de.HasDetail()
}

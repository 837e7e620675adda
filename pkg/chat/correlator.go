// Package chat layers request/response exchanges over the streaming channel.
//
// The backend's chunk and error frames carry no correlation identifier, so a
// Correlator allows a single outstanding exchange at a time. A second
// concurrent SendAndAwait fails with ErrExchangeInProgress instead of
// sharing the accumulation buffer.
//
// An exchange abandoned by timeout or cancellation keeps streaming on the
// backend. Its remaining frames are drained, up to and including its
// terminal or error frame, before any frame is attributed to a later
// exchange. Draining ends early when the channel closes or after the drain
// timeout.
package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/voxchat/pkg/channel"
	"github.com/teslashibe/voxchat/pkg/protocol"
)

const (
	// DefaultTimeout bounds one exchange when the caller passes no timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultDrainTimeout bounds how long frames of abandoned exchanges
	// are discarded when their terminal frame never arrives.
	DefaultDrainTimeout = 30 * time.Second
)

// Sender is the part of *channel.Channel a Correlator uses.
type Sender interface {
	Send(v any) error
	Subscribe(pred channel.Predicate, h channel.Handler) channel.Subscription
	Unsubscribe(s channel.Subscription)
	State() channel.State
	Connect(ctx context.Context) error
}

// closeNotifier is implemented by senders that report connection loss.
type closeNotifier interface {
	OnClose(fn func(err error)) channel.Subscription
}

// Metadata is the optional part of an outbound chat request.
type Metadata struct {
	SessionID    string
	PersonaID    *int
	SystemPrompt string
	FileIDs      []string
	Provider     string
	Model        string
	Temperature  *float64
	MaxTokens    *int
}

func (m Metadata) options() []protocol.RequestOption {
	var opts []protocol.RequestOption
	if m.SessionID != "" {
		opts = append(opts, protocol.WithSessionID(m.SessionID))
	}
	if m.PersonaID != nil {
		opts = append(opts, protocol.WithPersonaID(*m.PersonaID))
	}
	if m.SystemPrompt != "" {
		opts = append(opts, protocol.WithSystemPrompt(m.SystemPrompt))
	}
	if len(m.FileIDs) > 0 {
		opts = append(opts, protocol.WithFileIDs(m.FileIDs...))
	}
	if m.Provider != "" || m.Model != "" {
		opts = append(opts, protocol.WithModel(m.Provider, m.Model))
	}
	if m.Temperature != nil {
		opts = append(opts, protocol.WithTemperature(*m.Temperature))
	}
	if m.MaxTokens != nil {
		opts = append(opts, protocol.WithMaxTokens(*m.MaxTokens))
	}
	return opts
}

// Reply is the settled result of one exchange.
type Reply struct {
	Text       string
	MessageID  string
	TokensUsed int
	Chunks     int
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithAutoConnect makes SendAndAwait connect the channel when it is not open.
func WithAutoConnect(enabled bool) Option {
	return func(c *Correlator) {
		c.autoConnect = enabled
	}
}

// WithDefaultTimeout sets the timeout used when SendAndAwait gets none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

// WithDrainTimeout sets how long frames of an abandoned exchange are
// discarded before giving up on its terminal frame.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.drainTimeout = d
		}
	}
}

// OnChunk observes each non-empty content delta as it arrives.
// fn runs on the channel's read goroutine.
func OnChunk(fn func(delta string)) Option {
	return func(c *Correlator) {
		c.onChunk = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Correlator) {
		c.logger = logger
	}
}

// Correlator turns a chat request and its streamed answer into one call.
type Correlator struct {
	ch             Sender
	autoConnect    bool
	defaultTimeout time.Duration
	drainTimeout   time.Duration
	onChunk        func(string)
	logger         *slog.Logger

	busy atomic.Bool

	mu         sync.Mutex
	current    *exchange
	orphans    int
	discarded  int64
	sub        channel.Subscription
	subscribed bool
	drainTimer *time.Timer
	drainGen   uint64
}

// NewCorrelator creates a correlator over ch.
func NewCorrelator(ch Sender, opts ...Option) *Correlator {
	c := &Correlator{
		ch:             ch,
		defaultTimeout: DefaultTimeout,
		drainTimeout:   DefaultDrainTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "chat.correlator")

	// answers of a closed connection never arrive
	if n, ok := ch.(closeNotifier); ok {
		n.OnClose(func(error) { c.connectionLost() })
	}
	return c
}

// Busy reports whether an exchange is pending.
func (c *Correlator) Busy() bool {
	return c.busy.Load()
}

// Draining reports the number of abandoned exchanges whose frames are
// still being discarded.
func (c *Correlator) Draining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orphans
}

// Discarded returns how many frames of abandoned exchanges were dropped.
func (c *Correlator) Discarded() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discarded
}

// exchange accumulates one streamed answer.
type exchange struct {
	logger *slog.Logger

	mu      sync.Mutex
	settled bool
	ended   bool // terminal or error frame seen, or connection lost
	text    strings.Builder
	chunks  int
	result  chan outcome
}

// finished reports whether the backend is done with this exchange.
func (x *exchange) finished() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.ended
}

type outcome struct {
	reply *Reply
	err   error
}

// settle records the first outcome. Later calls are ignored.
func (x *exchange) settle(o outcome) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.settled {
		return
	}
	x.settled = true
	x.result <- o
}

// SendAndAwait sends content and waits for the complete streamed answer.
//
// It fails with channel.ErrNotConnected when the channel is not open and
// auto-connect is off, with ErrExchangeInProgress when another exchange is
// pending, with *RemoteError on an error frame, with ErrResponseTimeout when
// no terminal frame arrives within timeout, and with ctx.Err() when ctx ends
// first. A timeout of zero or less uses the default. After a timeout or
// cancellation the rest of that answer is drained.
func (c *Correlator) SendAndAwait(ctx context.Context, content string, meta Metadata, timeout time.Duration) (*Reply, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrExchangeInProgress
	}
	defer c.busy.Store(false)

	if c.ch.State() != channel.StateOpen {
		if !c.autoConnect {
			return nil, channel.ErrNotConnected
		}
		if err := c.ch.Connect(ctx); err != nil {
			return nil, err
		}
	}

	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	id := uuid.NewString()
	x := &exchange{
		logger: c.logger.With("exchange", id),
		result: make(chan outcome, 1),
	}

	c.mu.Lock()
	c.subscribeLocked()
	c.current = x
	c.mu.Unlock()

	if err := c.ch.Send(protocol.NewChatRequest(content, meta.options()...)); err != nil {
		c.detach(x, false)
		x.logger.Warn("send failed", "error", err)
		return nil, err
	}
	x.logger.Debug("request sent", "chars", len(content), "timeout", timeout, "draining", c.Draining())

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// whichever settles first wins; the loser's settle is a no-op
	var o outcome
	select {
	case o = <-x.result:
	case <-timer.C:
		x.settle(outcome{err: ErrResponseTimeout})
		o = <-x.result
	case <-ctx.Done():
		x.settle(outcome{err: ctx.Err()})
		o = <-x.result
	}
	c.detach(x, true)

	if o.err != nil {
		x.logger.Warn("exchange failed", "error", o.err)
		return nil, o.err
	}
	x.logger.Debug("exchange complete", "chunks", o.reply.Chunks, "message_id", o.reply.MessageID)
	return o.reply, nil
}

// detach stops routing frames to x. When sent and the backend is not done
// with it, its remaining frames are drained.
func (c *Correlator) detach(x *exchange, sent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == x {
		c.current = nil
	}
	if sent && !x.finished() {
		c.orphans++
		c.armDrainLocked()
		x.logger.Debug("draining abandoned exchange", "orphans", c.orphans)
	}
	c.releaseLocked()
}

func (c *Correlator) subscribeLocked() {
	if c.subscribed {
		return
	}
	c.sub = c.ch.Subscribe(channel.MatchType(protocol.TypeChunk, protocol.TypeError), c.dispatch)
	c.subscribed = true
}

// releaseLocked unsubscribes once no exchange needs frames.
func (c *Correlator) releaseLocked() {
	if !c.subscribed || c.current != nil || c.orphans > 0 {
		return
	}
	c.ch.Unsubscribe(c.sub)
	c.subscribed = false
}

func (c *Correlator) armDrainLocked() {
	if c.drainTimer != nil {
		c.drainTimer.Stop()
	}
	c.drainGen++
	gen := c.drainGen
	c.drainTimer = time.AfterFunc(c.drainTimeout, func() { c.drainExpired(gen) })
}

func (c *Correlator) stopDrainLocked() {
	if c.drainTimer != nil {
		c.drainTimer.Stop()
		c.drainTimer = nil
	}
	c.drainGen++
}

func (c *Correlator) drainExpired(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.drainGen || c.orphans == 0 {
		return
	}
	c.logger.Warn("abandoned answer never finished", "orphans", c.orphans, "timeout", c.drainTimeout)
	c.orphans = 0
	c.drainTimer = nil
	c.releaseLocked()
}

func (c *Correlator) connectionLost() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.orphans > 0 {
		c.logger.Debug("connection lost, stop draining", "orphans", c.orphans)
		c.orphans = 0
		c.stopDrainLocked()
	}
	if x := c.current; x != nil {
		x.mu.Lock()
		x.ended = true
		x.mu.Unlock()
	}
	c.releaseLocked()
}

// dispatch routes one inbound frame. The backend answers requests in order,
// so frames belong to abandoned exchanges until their final frames arrive.
func (c *Correlator) dispatch(f *protocol.Frame) {
	c.mu.Lock()
	if c.orphans > 0 {
		c.discarded++
		if isFinal(f) {
			c.orphans--
			if c.orphans == 0 {
				c.stopDrainLocked()
			}
		}
		left := c.orphans
		c.releaseLocked()
		c.mu.Unlock()
		c.logger.Debug("discarded frame of abandoned exchange", "type", f.Type, "orphans", left)
		return
	}

	x := c.current
	var (
		delta string
		done  *outcome
	)
	if x != nil {
		delta, done = handle(x, f)
	}
	c.mu.Unlock()

	if delta != "" && c.onChunk != nil {
		c.onChunk(delta)
	}
	if done != nil {
		x.settle(*done)
	}
}

// isFinal reports whether f ends an answer.
func isFinal(f *protocol.Frame) bool {
	if f.Is(protocol.TypeError) {
		return true
	}
	chunk, err := f.Chunk()
	return err == nil && chunk.Done
}

// handle applies f to x. It returns the content delta to report and, for
// a final frame, the outcome to settle with.
func handle(x *exchange, f *protocol.Frame) (string, *outcome) {
	x.mu.Lock()
	defer x.mu.Unlock()

	switch f.Type {
	case protocol.TypeError:
		x.ended = true
		ef, err := f.Err()
		if err != nil {
			x.logger.Warn("undecodable error frame", "error", err)
			return "", &outcome{err: &RemoteError{}}
		}
		return "", &outcome{err: &RemoteError{Message: ef.Error, Partial: x.text.String()}}

	case protocol.TypeChunk:
		chunk, err := f.Chunk()
		if err != nil {
			x.logger.Warn("undecodable chunk", "error", err)
			return "", nil
		}
		if chunk.Done {
			x.ended = true
		}
		if x.settled {
			return "", nil
		}
		x.chunks++
		x.text.WriteString(chunk.Content)
		if !chunk.Done {
			return chunk.Content, nil
		}
		return chunk.Content, &outcome{reply: &Reply{
			Text:       x.text.String(),
			MessageID:  chunk.MessageID,
			TokensUsed: chunk.TokensUsed,
			Chunks:     x.chunks,
		}}
	}
	return "", nil
}

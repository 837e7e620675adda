// Package channel implements a persistent, auto-reconnecting duplex
// message channel to the chat backend.
//
// The channel is a small state machine:
//
//	disconnected → connecting → open → closing → disconnected
//
// An unintended closure (or a failed dial) schedules one reconnect after a
// fixed delay, up to a bounded number of consecutive attempts. Disconnect
// disables reconnection until the next explicit Connect.
//
// Inbound frames are parsed and delivered, in arrival order, to every
// subscriber whose predicate matches. Malformed frames are logged and
// dropped.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/voxchat/pkg/protocol"
)

// State is the lifecycle state of a Channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stats contains channel counters.
type Stats struct {
	State          string `json:"state"`
	FramesSent     int64  `json:"frames_sent"`
	FramesReceived int64  `json:"frames_received"`
	FramesDropped  int64  `json:"frames_dropped"`
	Reconnects     int64  `json:"reconnects"`
	Subscribers    int    `json:"subscribers"`
}

// Channel is a duplex JSON frame channel over a websocket.
type Channel struct {
	url    string
	cfg    *Config
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	conn        Conn
	connGen     uint64 // bumped per established connection
	dialSeq     uint64 // bumped per connection attempt
	attempts    int    // consecutive reconnects since the last open
	intentional bool
	timer       *time.Timer
	timerSeq    uint64

	writeMu sync.Mutex

	subs    listeners[subscriber]
	onOpen  listeners[func()]
	onClose listeners[func(error)]

	framesSent     atomic.Int64
	framesReceived atomic.Int64
	framesDropped  atomic.Int64
	reconnects     atomic.Int64
}

// New creates a channel for the given websocket URL.
// No connection is made until Connect is called.
func New(url string, opts ...Option) *Channel {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	return &Channel{
		url:    url,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "channel", "url", url),
	}
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectScheduled reports whether a reconnect timer is pending.
func (c *Channel) ReconnectScheduled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

// Connect opens the channel. It is a no-op when already open and fails
// with ErrConnectInProgress while another attempt or a shutdown is under way.
// A failed dial returns a *ConnectionError and schedules a reconnect.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateOpen:
		c.mu.Unlock()
		return nil
	case StateConnecting, StateClosing:
		c.mu.Unlock()
		return ErrConnectInProgress
	}

	c.intentional = false
	c.stopTimerLocked()
	c.attempts = 0
	seq := c.beginConnectLocked()
	c.mu.Unlock()

	return c.dial(ctx, seq)
}

func (c *Channel) beginConnectLocked() uint64 {
	c.state = StateConnecting
	c.dialSeq++
	return c.dialSeq
}

func (c *Channel) dial(ctx context.Context, seq uint64) error {
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}

	conn, err := c.cfg.Dialer.DialContext(ctx, c.url, c.cfg.Header)

	c.mu.Lock()
	if c.state != StateConnecting || c.dialSeq != seq {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrDisconnected
	}

	if err != nil {
		c.state = StateDisconnected
		retry := c.scheduleReconnectLocked()
		c.mu.Unlock()

		c.logger.Warn("connect failed", "error", err, "retry", retry)
		return &ConnectionError{Reason: "dial", Cause: err, Retryable: retry}
	}

	c.state = StateOpen
	c.conn = conn
	c.attempts = 0
	c.connGen++
	gen := c.connGen
	c.mu.Unlock()

	c.logger.Info("connected")
	go c.readLoop(conn, gen)

	c.onOpen.each(func(fn func()) { fn() })
	return nil
}

// scheduleReconnectLocked arms the reconnect timer unless reconnection is
// disabled, exhausted or already pending. It reports whether a timer is armed.
func (c *Channel) scheduleReconnectLocked() bool {
	if c.intentional {
		return false
	}
	if c.timer != nil {
		return true
	}
	if c.attempts >= c.cfg.ReconnectAttempts {
		c.logger.Warn("giving up reconnecting", "attempts", c.attempts)
		return false
	}

	c.attempts++
	attempt := c.attempts
	c.logger.Info("reconnect scheduled", "attempt", attempt, "max", c.cfg.ReconnectAttempts, "delay", c.cfg.ReconnectDelay)

	c.timerSeq++
	seq := c.timerSeq
	c.timer = time.AfterFunc(c.cfg.ReconnectDelay, func() { c.reconnect(seq) })
	return true
}

func (c *Channel) reconnect(timerSeq uint64) {
	c.mu.Lock()
	if c.timer == nil || c.timerSeq != timerSeq {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	if c.intentional || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	seq := c.beginConnectLocked()
	attempt := c.attempts
	c.mu.Unlock()

	c.reconnects.Add(1)
	c.logger.Info("reconnecting", "attempt", attempt)
	_ = c.dial(context.Background(), seq)
}

func (c *Channel) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Channel) readLoop(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClosure(gen, err)
			return
		}
		c.framesReceived.Add(1)

		frame, err := protocol.ParseFrame(data)
		if err != nil {
			c.framesDropped.Add(1)
			c.logger.Warn("dropping malformed frame", "error", err, "bytes", len(data))
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Channel) dispatch(f *protocol.Frame) {
	c.subs.each(func(s subscriber) {
		if s.pred != nil && !s.pred(f) {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("subscriber panicked", "type", f.Type, "panic", r)
			}
		}()
		s.handler(f)
	})
}

// handleClosure processes the end of a connection's read loop. Closures
// caused by Disconnect or belonging to a superseded connection are ignored.
func (c *Channel) handleClosure(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.connGen || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	retry := c.scheduleReconnectLocked()
	c.mu.Unlock()

	_ = conn.Close()
	c.logger.Warn("connection lost", "error", cause, "retry", retry)

	err := &ConnectionError{Reason: "read", Cause: cause, Retryable: retry}
	c.onClose.each(func(fn func(error)) { fn(err) })
}

// Disconnect closes the channel and disables reconnection.
// It is safe to call in any state.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	c.intentional = true
	c.stopTimerLocked()

	switch c.state {
	case StateConnecting:
		// the pending dial sees the state change and discards its result
		c.state = StateDisconnected
		c.mu.Unlock()
		return nil
	case StateOpen:
	default:
		c.mu.Unlock()
		return nil
	}

	c.state = StateClosing
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := conn.Close()

	c.mu.Lock()
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.logger.Info("disconnected")
	c.onClose.each(func(fn func(error)) { fn(nil) })
	return err
}

// Send encodes v as JSON and writes it as one text frame.
// It fails with ErrNotConnected, without writing, unless the channel is open.
func (c *Channel) Send(v any) error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return &ConnectionError{Reason: "encode", Cause: err}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &ConnectionError{Reason: "write", Cause: err, Retryable: true}
	}
	c.framesSent.Add(1)
	return nil
}

// Subscribe registers h for every inbound frame matching pred.
// Handlers are invoked in registration order.
func (c *Channel) Subscribe(pred Predicate, h Handler) Subscription {
	return c.subs.add(subscriber{pred: pred, handler: h})
}

// Unsubscribe removes a subscription. Equivalent to s.Cancel().
func (c *Channel) Unsubscribe(s Subscription) {
	s.Cancel()
}

// OnOpen registers fn to run each time the channel opens.
func (c *Channel) OnOpen(fn func()) Subscription {
	return c.onOpen.add(fn)
}

// OnClose registers fn to run each time an open channel closes.
// err is nil for Disconnect and a *ConnectionError otherwise.
func (c *Channel) OnClose(fn func(err error)) Subscription {
	return c.onClose.add(fn)
}

// Stats returns channel counters.
func (c *Channel) Stats() Stats {
	return Stats{
		State:          c.State().String(),
		FramesSent:     c.framesSent.Load(),
		FramesReceived: c.framesReceived.Load(),
		FramesDropped:  c.framesDropped.Load(),
		Reconnects:     c.reconnects.Load(),
		Subscribers:    c.subs.count(),
	}
}

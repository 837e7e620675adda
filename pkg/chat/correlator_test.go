package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/voxchat/pkg/channel"
	"github.com/teslashibe/voxchat/pkg/protocol"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// pipeConn is an in-memory transport: tests push inbound frames on in and
// read outbound frames from sent.
type pipeConn struct {
	in       chan []byte
	sent     chan []byte
	writeErr error

	closeOnce sync.Once
	closed    chan struct{}
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan []byte, 16),
		sent:   make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (p *pipeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-p.in:
		return websocket.TextMessage, data, nil
	case <-p.closed:
		return 0, nil, errors.New("pipe closed")
	}
}

func (p *pipeConn) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return nil
	}
	if p.writeErr != nil {
		return p.writeErr
	}
	p.sent <- append([]byte(nil), data...)
	return nil
}

func (p *pipeConn) SetWriteDeadline(time.Time) error { return nil }

func (p *pipeConn) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeConn) push(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	p.in <- data
}

func (p *pipeConn) nextRequest(t *testing.T) *protocol.ChatRequest {
	t.Helper()
	select {
	case data := <-p.sent:
		f, err := protocol.ParseFrame(data)
		require.NoError(t, err)
		req, err := f.ChatRequest()
		require.NoError(t, err)
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no request sent")
		return nil
	}
}

type pipeDialer struct {
	conn *pipeConn
}

func (d *pipeDialer) DialContext(context.Context, string, http.Header) (channel.Conn, error) {
	return d.conn, nil
}

func newChannel(t *testing.T, conn *pipeConn) *channel.Channel {
	t.Helper()
	ch := channel.New("ws://test/chat",
		channel.WithDialer(&pipeDialer{conn: conn}),
		channel.WithReconnect(0, 0),
		channel.WithLogger(quiet),
	)
	t.Cleanup(func() { _ = ch.Disconnect() })
	return ch
}

func openChannel(t *testing.T, conn *pipeConn) *channel.Channel {
	t.Helper()
	ch := newChannel(t, conn)
	require.NoError(t, ch.Connect(context.Background()))
	return ch
}

func terminal(messageID string, tokens int) *protocol.Chunk {
	return &protocol.Chunk{Type: protocol.TypeChunk, Done: true, MessageID: messageID, TokensUsed: tokens}
}

type result struct {
	reply *Reply
	err   error
}

func sendAsync(c *Correlator, content string, timeout time.Duration) <-chan result {
	out := make(chan result, 1)
	go func() {
		r, err := c.SendAndAwait(context.Background(), content, Metadata{}, timeout)
		out <- result{r, err}
	}()
	return out
}

func await(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("exchange did not settle")
		return result{}
	}
}

func TestSendAndAwaitAccumulatesChunks(t *testing.T) {
	conn := newPipeConn()
	ch := openChannel(t, conn)

	var mu sync.Mutex
	var deltas []string
	c := NewCorrelator(ch, WithLogger(quiet), OnChunk(func(d string) {
		mu.Lock()
		deltas = append(deltas, d)
		mu.Unlock()
	}))

	pending := sendAsync(c, "hi", time.Second)

	req := conn.nextRequest(t)
	assert.Equal(t, protocol.TypeMessage, req.Type)
	assert.Equal(t, "hi", req.Content)

	conn.push(t, protocol.NewChunk("Hel", false))
	conn.push(t, protocol.NewChunk("lo", false))
	conn.push(t, terminal("m1", 7))

	r := await(t, pending)
	require.NoError(t, r.err)
	assert.Equal(t, "Hello", r.reply.Text)
	assert.Equal(t, "m1", r.reply.MessageID)
	assert.Equal(t, 7, r.reply.TokensUsed)
	assert.Equal(t, 3, r.reply.Chunks)

	mu.Lock()
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	mu.Unlock()

	assert.Equal(t, 0, ch.Stats().Subscribers)
	assert.False(t, c.Busy())
}

func TestSendAndAwaitCarriesMetadata(t *testing.T) {
	conn := newPipeConn()
	ch := openChannel(t, conn)
	c := NewCorrelator(ch, WithLogger(quiet))

	persona := 3
	temp := 0.2
	meta := Metadata{
		SessionID:    "s-1",
		PersonaID:    &persona,
		SystemPrompt: "be brief",
		Provider:     "openai",
		Model:        "gpt-4o-mini",
		Temperature:  &temp,
	}

	out := make(chan result, 1)
	go func() {
		r, err := c.SendAndAwait(context.Background(), "hi", meta, time.Second)
		out <- result{r, err}
	}()

	req := conn.nextRequest(t)
	assert.Equal(t, "s-1", req.SessionID)
	require.NotNil(t, req.PersonaID)
	assert.Equal(t, 3, *req.PersonaID)
	assert.Equal(t, "be brief", req.SystemPrompt)
	assert.Equal(t, "openai", req.Provider)
	assert.Equal(t, "gpt-4o-mini", req.Model)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.2, *req.Temperature, 1e-9)
	assert.Nil(t, req.MaxTokens)
	assert.Empty(t, req.FileIDs)

	conn.push(t, &protocol.Chunk{Type: protocol.TypeChunk, Content: "ok", Done: true})
	r := await(t, out)
	require.NoError(t, r.err)
	assert.Equal(t, "ok", r.reply.Text)
}

func TestSendAndAwaitErrorFrame(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want string
	}{
		{"with message", "boom", "boom"},
		{"empty message", "", "chat API error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newPipeConn()
			ch := openChannel(t, conn)
			c := NewCorrelator(ch, WithLogger(quiet))

			pending := sendAsync(c, "hi", time.Second)
			conn.nextRequest(t)

			conn.push(t, protocol.NewChunk("partial ", false))
			conn.push(t, protocol.NewErrorFrame(tt.msg))

			r := await(t, pending)
			require.Error(t, r.err)
			assert.Equal(t, tt.want, r.err.Error())
			assert.True(t, IsRemote(r.err))

			var re *RemoteError
			require.True(t, errors.As(r.err, &re))
			assert.Equal(t, "partial ", re.Partial)
			assert.Equal(t, 0, ch.Stats().Subscribers)
		})
	}
}

func TestSendAndAwaitTimeoutIgnoresLateFrames(t *testing.T) {
	conn := newPipeConn()
	ch := openChannel(t, conn)
	c := NewCorrelator(ch, WithLogger(quiet))

	pending := sendAsync(c, "first", 50*time.Millisecond)
	conn.nextRequest(t)
	conn.push(t, protocol.NewChunk("stale", false))

	r := await(t, pending)
	assert.ErrorIs(t, r.err, ErrResponseTimeout)
	assert.True(t, IsTimeout(r.err))
	assert.Nil(t, r.reply)
	assert.False(t, c.Busy())
	assert.Equal(t, 1, c.Draining())
	assert.Equal(t, 1, ch.Stats().Subscribers)

	// the terminal frame for the timed-out request arrives late
	conn.push(t, terminal("late", 0))
	require.Eventually(t, func() bool {
		return c.Draining() == 0 && ch.Stats().Subscribers == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), c.Discarded())

	pending = sendAsync(c, "second", time.Second)
	conn.nextRequest(t)
	conn.push(t, protocol.NewChunk("fresh", false))
	conn.push(t, terminal("m2", 0))

	r = await(t, pending)
	require.NoError(t, r.err)
	assert.Equal(t, "fresh", r.reply.Text)
	assert.Equal(t, "m2", r.reply.MessageID)
}

func TestLateAnswerAfterNextRequestIsDiscarded(t *testing.T) {
	tests := []struct {
		name  string
		final any
	}{
		{"terminal chunk", terminal("late-m1", 0)},
		{"error frame", protocol.NewErrorFrame("too slow")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newPipeConn()
			ch := openChannel(t, conn)

			var mu sync.Mutex
			var deltas []string
			c := NewCorrelator(ch, WithLogger(quiet), OnChunk(func(d string) {
				mu.Lock()
				deltas = append(deltas, d)
				mu.Unlock()
			}))

			first := sendAsync(c, "first", 50*time.Millisecond)
			conn.nextRequest(t)
			conn.push(t, protocol.NewChunk("stale-", false))
			r := await(t, first)
			require.ErrorIs(t, r.err, ErrResponseTimeout)

			// the next request goes out before the old answer finishes
			second := sendAsync(c, "second", 2*time.Second)
			conn.nextRequest(t)
			conn.push(t, protocol.NewChunk("answer-to-first", false))
			conn.push(t, tt.final)
			conn.push(t, protocol.NewChunk("fresh", false))
			conn.push(t, terminal("m2", 4))

			r = await(t, second)
			require.NoError(t, r.err)
			assert.Equal(t, "fresh", r.reply.Text)
			assert.Equal(t, "m2", r.reply.MessageID)
			assert.Equal(t, 4, r.reply.TokensUsed)
			assert.Equal(t, 2, r.reply.Chunks)
			assert.Equal(t, int64(2), c.Discarded())
			assert.Equal(t, 0, c.Draining())
			assert.Equal(t, 0, ch.Stats().Subscribers)

			mu.Lock()
			assert.Equal(t, []string{"stale-", "fresh"}, deltas)
			mu.Unlock()
		})
	}
}

func TestCompletedExchangeDoesNotDrain(t *testing.T) {
	conn := newPipeConn()
	ch := openChannel(t, conn)
	c := NewCorrelator(ch, WithLogger(quiet))

	// answer finishes before the caller gives up
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan result, 1)
	go func() {
		r, err := c.SendAndAwait(ctx, "hi", Metadata{}, time.Second)
		out <- result{r, err}
	}()
	conn.nextRequest(t)
	conn.push(t, &protocol.Chunk{Type: protocol.TypeChunk, Content: "ok", Done: true})
	r := await(t, out)
	cancel()

	require.NoError(t, r.err)
	assert.Equal(t, 0, c.Draining())
	assert.Equal(t, 0, ch.Stats().Subscribers)
}

func TestDrainGivesUpAfterTimeout(t *testing.T) {
	conn := newPipeConn()
	ch := openChannel(t, conn)
	c := NewCorrelator(ch, WithLogger(quiet), WithDrainTimeout(200*time.Millisecond))

	r := await(t, sendAsync(c, "first", 20*time.Millisecond))
	require.ErrorIs(t, r.err, ErrResponseTimeout)
	conn.nextRequest(t)
	require.Equal(t, 1, c.Draining())

	require.Eventually(t, func() bool {
		return c.Draining() == 0 && ch.Stats().Subscribers == 0
	}, time.Second, 5*time.Millisecond)

	pending := sendAsync(c, "second", time.Second)
	conn.nextRequest(t)
	conn.push(t, &protocol.Chunk{Type: protocol.TypeChunk, Content: "fresh", Done: true, MessageID: "m2"})

	r = await(t, pending)
	require.NoError(t, r.err)
	assert.Equal(t, "fresh", r.reply.Text)
}

func TestConnectionLossStopsDraining(t *testing.T) {
	conn := newPipeConn()
	ch := openChannel(t, conn)
	c := NewCorrelator(ch, WithLogger(quiet))

	r := await(t, sendAsync(c, "first", 20*time.Millisecond))
	require.ErrorIs(t, r.err, ErrResponseTimeout)
	require.Equal(t, 1, c.Draining())

	// the old answer dies with the connection
	_ = conn.Close()
	require.Eventually(t, func() bool {
		return ch.State() == channel.StateDisconnected && c.Draining() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, ch.Stats().Subscribers)
}

func TestSendAndAwaitSingleOutstandingExchange(t *testing.T) {
	conn := newPipeConn()
	ch := openChannel(t, conn)
	c := NewCorrelator(ch, WithLogger(quiet))

	first := sendAsync(c, "first", 2*time.Second)
	conn.nextRequest(t)
	require.True(t, c.Busy())

	conn.push(t, protocol.NewChunk("Hel", false))

	_, err := c.SendAndAwait(context.Background(), "second", Metadata{}, time.Second)
	assert.ErrorIs(t, err, ErrExchangeInProgress)

	select {
	case <-conn.sent:
		t.Fatal("second exchange must not send")
	default:
	}

	conn.push(t, protocol.NewChunk("lo", false))
	conn.push(t, terminal("m1", 0))

	r := await(t, first)
	require.NoError(t, r.err)
	assert.Equal(t, "Hello", r.reply.Text)
	assert.False(t, c.Busy())
}

func TestSendAndAwaitNotConnected(t *testing.T) {
	conn := newPipeConn()
	ch := newChannel(t, conn)
	c := NewCorrelator(ch, WithLogger(quiet))

	_, err := c.SendAndAwait(context.Background(), "hi", Metadata{}, time.Second)
	assert.ErrorIs(t, err, channel.ErrNotConnected)
	assert.True(t, channel.IsNotConnected(err))
	assert.False(t, c.Busy())
	assert.Equal(t, 0, ch.Stats().Subscribers)
}

func TestSendAndAwaitAutoConnect(t *testing.T) {
	conn := newPipeConn()
	ch := newChannel(t, conn)
	c := NewCorrelator(ch, WithLogger(quiet), WithAutoConnect(true))

	pending := sendAsync(c, "hi", time.Second)
	conn.nextRequest(t)
	assert.Equal(t, channel.StateOpen, ch.State())

	conn.push(t, &protocol.Chunk{Type: protocol.TypeChunk, Content: "hey", Done: true})
	r := await(t, pending)
	require.NoError(t, r.err)
	assert.Equal(t, "hey", r.reply.Text)
}

func TestSendAndAwaitSendFailure(t *testing.T) {
	conn := newPipeConn()
	conn.writeErr = errors.New("broken pipe")
	ch := openChannel(t, conn)
	c := NewCorrelator(ch, WithLogger(quiet))

	_, err := c.SendAndAwait(context.Background(), "hi", Metadata{}, time.Second)
	require.Error(t, err)
	assert.True(t, channel.IsConnectionError(err))
	assert.Equal(t, 0, ch.Stats().Subscribers)
	assert.False(t, c.Busy())
}

func TestSendAndAwaitContextCancel(t *testing.T) {
	conn := newPipeConn()
	ch := openChannel(t, conn)
	c := NewCorrelator(ch, WithLogger(quiet))

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan result, 1)
	go func() {
		r, err := c.SendAndAwait(ctx, "hi", Metadata{}, 5*time.Second)
		out <- result{r, err}
	}()

	conn.nextRequest(t)
	cancel()

	r := await(t, out)
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Equal(t, 1, c.Draining())

	conn.push(t, terminal("m1", 0))
	require.Eventually(t, func() bool {
		return c.Draining() == 0 && ch.Stats().Subscribers == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDefaultTimeoutApplies(t *testing.T) {
	conn := newPipeConn()
	ch := openChannel(t, conn)
	c := NewCorrelator(ch, WithLogger(quiet), WithDefaultTimeout(30*time.Millisecond))

	pending := sendAsync(c, "hi", 0)
	conn.nextRequest(t)

	r := await(t, pending)
	assert.ErrorIs(t, r.err, ErrResponseTimeout)
}

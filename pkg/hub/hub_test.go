package hub

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeConn records writes and blocks reads until closed.
type fakeConn struct {
	mu      sync.Mutex
	written []Message
	types   []int
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (f *fakeConn) SetReadLimit(int64)                 {}
func (f *fakeConn) SetReadDeadline(time.Time) error    { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error   { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	<-f.closed
	return 0, nil, errors.New("closed")
}

func (f *fakeConn) WriteMessage(t int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("closed")
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, t)
	if t == websocket.TextMessage {
		f.written = append(f.written, Message(data))
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.written...)
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := New("test", quiet)
	go h.Run()
	t.Cleanup(h.Stop)
	require.Eventually(t, h.IsRunning, time.Second, time.Millisecond)
	return h
}

func TestBroadcastReachesClients(t *testing.T) {
	h := startHub(t)

	a, b := newFakeConn(), newFakeConn()
	go NewClient(h, a, Message(`{"hello":1}`)).Run()
	go NewClient(h, b).Run()
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, time.Second, time.Millisecond)

	require.NoError(t, h.BroadcastJSON(map[string]string{"state": "idle"}))
	require.Error(t, h.BroadcastJSON(func() {}))

	require.Eventually(t, func() bool { return len(a.messages()) == 2 && len(b.messages()) == 1 }, time.Second, time.Millisecond)

	msgs := a.messages()
	assert.Equal(t, `{"hello":1}`, string(msgs[0]))
	assert.JSONEq(t, `{"state":"idle"}`, string(msgs[1]))
	assert.JSONEq(t, `{"state":"idle"}`, string(b.messages()[0]))
}

func TestClientDisconnectUnregisters(t *testing.T) {
	h := startHub(t)

	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		NewClient(h, conn).Run()
		close(done)
	}()
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, time.Millisecond)

	conn.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, time.Millisecond)
}

func TestStopClosesClients(t *testing.T) {
	h := New("test", quiet)
	go h.Run()
	require.Eventually(t, h.IsRunning, time.Second, time.Millisecond)

	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		NewClient(h, conn).Run()
		close(done)
	}()
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, time.Millisecond)

	h.Stop()
	h.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("client did not shut down")
	}
	require.Eventually(t, func() bool { return !h.IsRunning() }, time.Second, time.Millisecond)

	// registering after stop does not block
	late := newFakeConn()
	NewClient(h, late)
}

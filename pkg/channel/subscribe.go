package channel

import (
	"sync"
	"sync/atomic"

	"github.com/teslashibe/voxchat/pkg/protocol"
)

// Predicate selects the inbound frames a handler receives.
// A nil Predicate matches every frame.
type Predicate func(f *protocol.Frame) bool

// Handler receives an inbound frame. Handlers run on the channel's read
// goroutine and must not block.
type Handler func(f *protocol.Frame)

// MatchType matches frames with any of the given types.
func MatchType(types ...protocol.FrameType) Predicate {
	return func(f *protocol.Frame) bool {
		return f.Is(types...)
	}
}

// Subscription identifies a registered handler or listener.
// The zero value is valid and cancelling it does nothing.
type Subscription struct {
	cancel func()
}

// Cancel removes the registration. It is safe to call more than once.
func (s Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// listeners is an ordered registry whose entries can be removed
// individually, including from inside a callback.
type listeners[F any] struct {
	mu    sync.Mutex
	next  uint64
	items []*listener[F]
}

type listener[F any] struct {
	id      uint64
	fn      F
	removed atomic.Bool
}

func (l *listeners[F]) add(fn F) Subscription {
	l.mu.Lock()
	l.next++
	e := &listener[F]{id: l.next, fn: fn}
	l.items = append(l.items, e)
	l.mu.Unlock()

	return Subscription{cancel: func() { l.remove(e) }}
}

func (l *listeners[F]) remove(e *listener[F]) {
	// an entry removed mid-dispatch must not see later frames of that dispatch
	if e.removed.Swap(true) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i, it := range l.items {
		if it.id == e.id {
			l.items = append(l.items[:i:i], l.items[i+1:]...)
			return
		}
	}
}

// each calls fn for every live entry, in registration order, over a
// snapshot taken at call time.
func (l *listeners[F]) each(fn func(F)) {
	l.mu.Lock()
	snapshot := make([]*listener[F], len(l.items))
	copy(snapshot, l.items)
	l.mu.Unlock()

	for _, e := range snapshot {
		if e.removed.Load() {
			continue
		}
		fn(e.fn)
	}
}

func (l *listeners[F]) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

type subscriber struct {
	pred    Predicate
	handler Handler
}

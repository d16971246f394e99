package parser

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dgnsrekt/plugin_bridge/internal/types"
)

// StateChange is emitted when a send or receive state changes.
type StateChange struct {
	Current  types.ParserState
	Previous types.ParserState
}

// Message is a payload travelling to the client or the server.
type Message struct {
	Data   []byte
	Binary bool
}

type listener[T any] struct {
	id int64
	fn func(T)
}

// hub fans an event out to its listeners synchronously, in subscription
// order. A panicking listener is logged and skipped.
type hub[T any] struct {
	name      string
	mu        sync.RWMutex
	listeners []listener[T]
	nextID    atomic.Int64
}

func (h *hub[T]) subscribe(fn func(T)) func() {
	id := h.nextID.Add(1)
	h.mu.Lock()
	h.listeners = append(h.listeners, listener[T]{id: id, fn: fn})
	h.mu.Unlock()
	return func() { h.unsubscribe(id) }
}

func (h *hub[T]) unsubscribe(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, l := range h.listeners {
		if l.id == id {
			h.listeners = append(h.listeners[:i:i], h.listeners[i+1:]...)
			return
		}
	}
}

func (h *hub[T]) publish(v T) {
	h.mu.RLock()
	snapshot := make([]listener[T], len(h.listeners))
	copy(snapshot, h.listeners)
	h.mu.RUnlock()

	for _, l := range snapshot {
		h.deliver(l.fn, v)
	}
}

func (h *hub[T]) deliver(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("parser listener panicked", "event", h.name, "panic", r)
		}
	}()
	fn(v)
}

// tracker holds the current and previous value of one direction's state.
type tracker struct {
	cur  types.ParserState
	prev types.ParserState
}

// apply sets the state and reports the transition when it changed.
func (t *tracker) apply(s types.ParserState) (StateChange, bool) {
	if s == t.cur {
		return StateChange{}, false
	}
	t.prev = t.cur
	t.cur = s
	return StateChange{Current: t.cur, Previous: t.prev}, true
}

// last returns the latest pair, ok only when either side is set.
func (t *tracker) last() (StateChange, bool) {
	return StateChange{Current: t.cur, Previous: t.prev}, t.cur != types.StateNone || t.prev != types.StateNone
}

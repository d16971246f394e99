package session

import (
	"log/slog"
	"sync"
)

// State is the resolver's per-request record: the cached session, the last
// frame id seen and whether the stream has closed.
type State struct {
	ID  string
	URL string

	mu          sync.Mutex
	session     *Session
	sessionSet  bool
	lastFrameID string
	closed      bool
}

// NewState creates the state for one intercepted request.
func NewState(id, url string) *State {
	return &State{ID: id, URL: url}
}

// Session returns the cached session. ok is false until a value, possibly
// nil, has been cached.
func (s *State) Session() (sess *Session, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, s.sessionSet
}

// SetSession caches sess on the state.
func (s *State) SetSession(sess *Session) {
	s.mu.Lock()
	s.session = sess
	s.sessionSet = true
	s.mu.Unlock()
}

func (s *State) LastFrameID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFrameID
}

func (s *State) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *State) setClosed(closed bool) {
	s.mu.Lock()
	s.closed = closed
	s.mu.Unlock()
}

func (s *State) advance(frameID string, closed bool) {
	s.mu.Lock()
	if frameID != "" {
		s.lastFrameID = frameID
	}
	s.closed = closed
	s.mu.Unlock()
}

// Waiter is a registered callback. The pointer is its identity: registering
// the same *Waiter twice for one request id stores it once.
type Waiter[T any] struct {
	fn func(T)
}

// NewWaiter wraps fn. A nil fn yields a nil waiter.
func NewWaiter[T any](fn func(T)) *Waiter[T] {
	if fn == nil {
		return nil
	}
	return &Waiter[T]{fn: fn}
}

func (w *Waiter[T]) call(v T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("session waiter panicked", "panic", r)
		}
	}()
	w.fn(v)
}

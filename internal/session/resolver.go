package session

import (
	"context"
	"sync"
	"time"

	"github.com/dgnsrekt/plugin_bridge/internal/controlplane"
	"github.com/dgnsrekt/plugin_bridge/internal/poller"
	"github.com/dgnsrekt/plugin_bridge/internal/types"
)

// DefaultBatchSize caps the ids sent per list in one get-session call.
const DefaultBatchSize = 100

// Backend is the part of the control plane the resolver polls.
type Backend interface {
	GetSessions(ctx context.Context, reqList, resList []string) ([]controlplane.SessionEntry, error)
	GetFrames(ctx context.Context, curReqID, lastFrameID string) (controlplane.FramesPage, error)
}

// Config tunes the resolver's polling.
type Config struct {
	BatchSize       int
	SuccessInterval time.Duration
	RetryInterval   time.Duration
	// MaxFrameRetries caps how often a failing frame waiter is re-queued
	// before it receives nil. Zero means unbounded.
	MaxFrameRetries int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.SuccessInterval <= 0 {
		c.SuccessInterval = poller.DefaultSuccessInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = poller.DefaultRetryInterval
	}
	return c
}

type sessionEntry struct {
	waiter *Waiter[*Session]
	state  *State
}

type frameEntry struct {
	waiter   *Waiter[[]*types.Frame]
	state    *State
	failures int
}

// Pending counts outstanding waiters.
type Pending struct {
	RequestSessions  int `json:"request_sessions"`
	ResponseSessions int `json:"response_sessions"`
	FrameWaiters     int `json:"frame_waiters"`
}

// Resolver answers session and frame queries by batching them into
// control-plane calls.
type Resolver struct {
	backend Backend
	cfg     Config

	mu     sync.Mutex
	req    *poller.Registry[sessionEntry]
	res    *poller.Registry[sessionEntry]
	frames []*frameEntry

	sessionPoller *poller.Poller
	framePoller   *poller.Poller
}

// NewResolver creates a resolver polling backend.
func NewResolver(backend Backend, cfg Config) *Resolver {
	cfg = cfg.withDefaults()
	same := func(a, b sessionEntry) bool { return a.waiter == b.waiter }
	r := &Resolver{
		backend: backend,
		cfg:     cfg,
		req:     poller.NewRegistry(same),
		res:     poller.NewRegistry(same),
	}
	r.sessionPoller = poller.New("session", cfg.RetryInterval, r.sessionCycle)
	r.framePoller = poller.New("frames", cfg.RetryInterval, r.frameCycle)
	return r
}

// GetSession calls w with the session of st. isReq selects the request
// phase, which accepts any cached value; the response phase waits until the
// session is empty or carries endTime. Invalid ids and nil waiters are
// ignored.
func (r *Resolver) GetSession(st *State, w *Waiter[*Session], isReq bool) {
	if st == nil || w == nil || !types.ValidRequestID(st.ID) {
		return
	}
	if sess, ok := st.Session(); ok && (isReq || sess == nil || sess.EndTime()) {
		w.call(sess)
		return
	}

	r.mu.Lock()
	reg := r.res
	if isReq {
		reg = r.req
	}
	reg.Add(st.ID, sessionEntry{waiter: w, state: st})
	r.mu.Unlock()

	r.sessionPoller.Schedule(r.cfg.SuccessInterval)
}

// GetFrames calls w with the next non-empty page of frames for st, or nil
// when the request is not a WebSocket or inspected tunnel, or its stream has
// ended.
func (r *Resolver) GetFrames(st *State, w *Waiter[[]*types.Frame]) {
	if st == nil || w == nil || !types.ValidRequestID(st.ID) {
		return
	}
	kind := types.URLKind(st.URL)
	tunnel := kind == types.KindTunnel && !st.Closed()
	if !tunnel && kind != types.KindWebSocket {
		w.call(nil)
		return
	}

	r.mu.Lock()
	r.frames = append(r.frames, &frameEntry{waiter: w, state: st})
	r.mu.Unlock()

	r.GetSession(st, NewWaiter(func(sess *Session) {
		if sess == nil || sess.ReqError() || sess.ResError() || (tunnel && !sess.Inspect()) {
			r.failFrames(st)
			return
		}
		r.framePoller.Fire()
	}), false)
}

// Pending returns waiter counts.
func (r *Resolver) Pending() Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Pending{
		RequestSessions:  r.req.Len(),
		ResponseSessions: r.res.Len(),
		FrameWaiters:     len(r.frames),
	}
}

// Stats returns the session and frame poller counters.
func (r *Resolver) Stats() (sessions, frames poller.Stats) {
	return r.sessionPoller.Stats(), r.framePoller.Stats()
}

// Close stops both pollers. Waiters still queued are never called.
func (r *Resolver) Close() {
	r.sessionPoller.Close()
	r.framePoller.Close()
}

func (r *Resolver) sessionCycle(ctx context.Context) (time.Duration, error) {
	r.mu.Lock()
	reqList := r.req.Keys(r.cfg.BatchSize)
	resList := r.res.Keys(r.cfg.BatchSize)
	r.mu.Unlock()
	if len(reqList) == 0 && len(resList) == 0 {
		return 0, poller.ErrIdle
	}

	entries, err := r.backend.GetSessions(ctx, reqList, resList)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		sess := Parse(entry.Raw)
		r.deliverSession(entry.ID, sess, true)
		r.deliverSession(entry.ID, sess, false)
	}
	return r.cfg.SuccessInterval, nil
}

func (r *Resolver) deliverSession(id string, sess *Session, isReq bool) {
	if !isReq && sess != nil && !sess.EndTime() {
		return
	}
	r.mu.Lock()
	reg := r.res
	if isReq {
		reg = r.req
	}
	list := reg.Take(id)
	r.mu.Unlock()

	for _, entry := range list {
		entry.state.SetSession(sess)
		entry.waiter.call(sess)
	}
}

// failFrames answers every queued frame waiter of st's request with nil and
// marks the stream closed.
func (r *Resolver) failFrames(st *State) {
	r.mu.Lock()
	var failed []*frameEntry
	kept := r.frames[:0]
	for _, entry := range r.frames {
		if entry.state.ID == st.ID {
			failed = append(failed, entry)
			continue
		}
		kept = append(kept, entry)
	}
	r.frames = kept
	r.mu.Unlock()

	st.setClosed(true)
	for _, entry := range failed {
		entry.state.setClosed(true)
		entry.waiter.call(nil)
	}
}

func (r *Resolver) frameCycle(ctx context.Context) (time.Duration, error) {
	r.mu.Lock()
	if len(r.frames) == 0 {
		r.mu.Unlock()
		return 0, poller.ErrIdle
	}
	entry := r.frames[0]
	r.frames[0] = nil
	r.frames = r.frames[1:]
	r.mu.Unlock()

	st := entry.state
	page, err := r.backend.GetFrames(ctx, st.ID, st.LastFrameID())
	if err != nil {
		entry.failures++
		if r.cfg.MaxFrameRetries > 0 && entry.failures > r.cfg.MaxFrameRetries {
			entry.waiter.call(nil)
		} else {
			r.requeue(entry)
		}
		return 0, err
	}

	if page.Closed {
		st.setClosed(true)
		entry.waiter.call(nil)
		return r.cfg.SuccessInterval, nil
	}
	if len(page.Frames) == 0 {
		st.setClosed(false)
		r.requeue(entry)
		return r.cfg.SuccessInterval, nil
	}

	if last := page.Frames[len(page.Frames)-1]; last != nil {
		st.advance(last.FrameID, last.FrameID != "" && last.Ends())
	}
	entry.waiter.call(page.Frames)
	return r.cfg.SuccessInterval, nil
}

func (r *Resolver) requeue(entry *frameEntry) {
	r.mu.Lock()
	r.frames = append(r.frames, entry)
	r.mu.Unlock()
}

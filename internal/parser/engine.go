// Package parser runs the custom frame-parser protocol: it captures frames
// of intercepted connections, exchanges them with the control plane and
// applies the pause, ignore and inject directives it gets back.
package parser

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/plugin_bridge/internal/capture"
	"github.com/dgnsrekt/plugin_bridge/internal/controlplane"
	"github.com/dgnsrekt/plugin_bridge/internal/poller"
	"github.com/dgnsrekt/plugin_bridge/internal/types"
)

// DefaultBatchFrames caps the frames posted per custom-frames call.
const DefaultBatchFrames = 10

// Backend is the control-plane endpoint the engine posts to.
type Backend interface {
	CustomFrames(ctx context.Context, idList []string, frames []*types.Frame) (map[string]*controlplane.Directive, error)
}

// Config tunes the engine's exchange cycle.
type Config struct {
	BatchFrames     int
	SuccessInterval time.Duration
	RetryInterval   time.Duration
	DrainInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchFrames <= 0 {
		c.BatchFrames = DefaultBatchFrames
	}
	if c.SuccessInterval <= 0 {
		c.SuccessInterval = poller.DefaultSuccessInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = poller.DefaultRetryInterval
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = poller.DefaultDrainInterval
	}
	return c
}

// Engine owns every live parser connection of one plugin.
type Engine struct {
	backend  Backend
	recorder *capture.Recorder
	cfg      Config

	mu    sync.Mutex
	conns map[string]*Conn
	order []string

	poller *poller.Poller
}

// NewEngine creates an engine capturing frames through recorder.
func NewEngine(backend Backend, recorder *capture.Recorder, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		backend:  backend,
		recorder: recorder,
		cfg:      cfg,
		conns:    make(map[string]*Conn),
	}
	e.poller = poller.New("custom-frames", cfg.RetryInterval, e.cycle)
	return e
}

// Open registers a parser connection for reqID with its initial states and
// schedules an exchange. An existing connection for the same id is replaced.
func (e *Engine) Open(reqID string, initial types.InitialStates) *Conn {
	c := newConn(reqID, e, initial)

	e.mu.Lock()
	if _, ok := e.conns[reqID]; !ok {
		e.order = append(e.order, reqID)
	}
	e.conns[reqID] = c
	e.mu.Unlock()

	slog.Debug("parser connection opened", "request_id", reqID, "send", initial.Send.String(), "receive", initial.Receive.String())
	e.poller.Schedule(e.cfg.RetryInterval)
	return c
}

// Conn returns the live connection for reqID, or nil.
func (e *Engine) Conn(reqID string) *Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[reqID]
}

// Conns returns the number of live connections.
func (e *Engine) Conns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// Buffered returns the number of frames awaiting submission.
func (e *Engine) Buffered() int {
	return e.recorder.Buffer().Len()
}

func (e *Engine) Stats() poller.Stats {
	return e.poller.Stats()
}

// Close stops the exchange cycle. Connections are left as they are.
func (e *Engine) Close() {
	e.poller.Close()
}

func (e *Engine) remove(c *Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conns[c.id] != c {
		return
	}
	delete(e.conns, c.id)
	for i, id := range e.order {
		if id == c.id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

func (e *Engine) cycle(ctx context.Context) (time.Duration, error) {
	e.mu.Lock()
	ids := make([]string, len(e.order))
	copy(ids, e.order)
	e.mu.Unlock()

	buffer := e.recorder.Buffer()
	frames := buffer.Take(e.cfg.BatchFrames)
	if len(ids) == 0 && len(frames) == 0 {
		return 0, poller.ErrIdle
	}

	directives, err := e.backend.CustomFrames(ctx, ids, frames)
	if err != nil {
		buffer.Requeue(frames)
		return 0, err
	}

	for _, id := range ids {
		c := e.Conn(id)
		if c == nil {
			continue
		}
		c.apply(directives[id])
	}

	if buffer.Len() > 0 {
		return e.cfg.DrainInterval, nil
	}
	return e.cfg.SuccessInterval, nil
}

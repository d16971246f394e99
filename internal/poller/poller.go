// Package poller coalesces many outstanding demands into single
// control-plane calls. A Poller runs at most one call at a time per channel,
// fires on a single-shot timer or on demand, and re-arms itself on fixed
// intervals after success or failure.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Default intervals.
const (
	DefaultSuccessInterval = 300 * time.Millisecond
	DefaultRetryInterval   = 1000 * time.Millisecond
	DefaultDrainInterval   = 20 * time.Millisecond
)

// ErrIdle is returned by a cycle that found nothing to send. The poller does
// not re-arm after an idle cycle.
var ErrIdle = errors.New("poller: nothing to send")

// CycleFunc performs one batched exchange. It returns the delay before the
// next cycle, ErrIdle when no call was made, or any other error to retry
// after the retry interval.
type CycleFunc func(ctx context.Context) (time.Duration, error)

// Stats counts completed cycles.
type Stats struct {
	Calls    int64 `json:"calls"`
	Failures int64 `json:"failures"`
}

// Poller drives a CycleFunc.
type Poller struct {
	name  string
	cycle CycleFunc
	retry time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	timer    *time.Timer
	inFlight bool
	rerun    bool
	closed   bool

	calls    atomic.Int64
	failures atomic.Int64
}

// New creates a poller. A non-positive retry uses DefaultRetryInterval.
func New(name string, retry time.Duration, cycle CycleFunc) *Poller {
	if retry <= 0 {
		retry = DefaultRetryInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		name:   name,
		cycle:  cycle,
		retry:  retry,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule arms the timer to fire after d unless a timer is already armed.
// A non-positive d uses the retry interval.
func (p *Poller) Schedule(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.timer != nil {
		return
	}
	if d <= 0 {
		d = p.retry
	}
	p.timer = time.AfterFunc(d, p.Fire)
}

// Fire clears any armed timer and starts a cycle unless one is in flight.
// The in-flight cycle re-arms on completion, so demands that arrive in the
// meantime are picked up by the next cycle. An in-flight cycle that turns
// out idle runs once more instead of stopping.
func (p *Poller) Fire() {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.inFlight {
		p.rerun = true
		p.mu.Unlock()
		return
	}
	p.inFlight = true
	p.mu.Unlock()

	go p.run()
}

func (p *Poller) run() {
	next, err := p.cycle(p.ctx)

	p.mu.Lock()
	p.inFlight = false
	rerun := p.rerun
	p.rerun = false
	p.mu.Unlock()

	switch {
	case errors.Is(err, ErrIdle):
		if rerun {
			p.Fire()
		}
	case err != nil:
		p.calls.Add(1)
		p.failures.Add(1)
		slog.Debug("control-plane poll failed, retrying", "channel", p.name, "retry_ms", p.retry.Milliseconds(), "error", err)
		p.Schedule(p.retry)
	default:
		p.calls.Add(1)
		p.Schedule(next)
	}
}

// InFlight reports whether a cycle is running.
func (p *Poller) InFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// Armed reports whether the timer is armed.
func (p *Poller) Armed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timer != nil
}

// Stats returns call counters.
func (p *Poller) Stats() Stats {
	return Stats{Calls: p.calls.Load(), Failures: p.failures.Load()}
}

// Close stops the timer and cancels any in-flight call. A closed poller
// never fires again.
func (p *Poller) Close() {
	p.mu.Lock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
	p.cancel()
}

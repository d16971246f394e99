package capture

import (
	"strconv"
	"sync"
	"time"
)

const (
	frameIndexStart = 1000
	frameIndexMax   = 9990
)

// FrameIDs generates frame ids of the form <unix-millis>-<counter>. The
// counter runs through [1000, 9990] and wraps, so ids are only unique within
// a short window.
type FrameIDs struct {
	mu    sync.Mutex
	index int
	now   func() time.Time
}

// NewFrameIDs creates a generator whose first id uses counter 1001.
func NewFrameIDs() *FrameIDs {
	return &FrameIDs{index: frameIndexStart, now: time.Now}
}

// Next returns the next frame id.
func (g *FrameIDs) Next() string {
	g.mu.Lock()
	g.index++
	if g.index > frameIndexMax {
		g.index = frameIndexStart
	}
	index := g.index
	g.mu.Unlock()
	return strconv.FormatInt(g.now().UnixMilli(), 10) + "-" + strconv.Itoa(index)
}

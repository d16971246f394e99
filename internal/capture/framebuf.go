package capture

import (
	"sync"

	"github.com/dgnsrekt/plugin_bridge/internal/types"
)

// Default ring limits. When a push takes the buffer past DefaultCapacity the
// oldest DefaultTrim frames are dropped in one go.
const (
	DefaultCapacity = 600
	DefaultTrim     = 80
)

// FrameBuffer is an append-only bounded queue of frames waiting to be posted
// to the control plane.
type FrameBuffer struct {
	mu       sync.Mutex
	frames   []*types.Frame
	capacity int
	trim     int
}

// NewFrameBuffer creates a buffer. Non-positive limits fall back to the
// defaults.
func NewFrameBuffer(capacity, trim int) *FrameBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if trim <= 0 {
		trim = DefaultTrim
	}
	return &FrameBuffer{capacity: capacity, trim: trim}
}

// Push appends a frame, evicting the oldest batch when over capacity.
func (b *FrameBuffer) Push(f *types.Frame) {
	if f == nil {
		return
	}
	b.mu.Lock()
	b.frames = append(b.frames, f)
	b.trimLocked()
	b.mu.Unlock()
}

// Take removes and returns up to n frames from the front, oldest first.
func (b *FrameBuffer) Take(n int) []*types.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > len(b.frames) {
		n = len(b.frames)
	}
	if n <= 0 {
		return nil
	}
	out := make([]*types.Frame, n)
	copy(out, b.frames[:n])
	b.frames = append(b.frames[:0], b.frames[n:]...)
	return out
}

// Requeue puts frames back at the front in their original order. Used when
// a post fails so the frames are not lost.
func (b *FrameBuffer) Requeue(frames []*types.Frame) {
	if len(frames) == 0 {
		return
	}
	b.mu.Lock()
	merged := make([]*types.Frame, 0, len(frames)+len(b.frames))
	merged = append(merged, frames...)
	merged = append(merged, b.frames...)
	b.frames = merged
	b.trimLocked()
	b.mu.Unlock()
}

// Len returns the number of buffered frames.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

func (b *FrameBuffer) trimLocked() {
	for len(b.frames) > b.capacity {
		n := b.trim
		if n > len(b.frames) {
			n = len(b.frames)
		}
		clear(b.frames[:n])
		b.frames = b.frames[n:]
	}
}

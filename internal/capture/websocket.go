package capture

import (
	"encoding/base64"
	"log/slog"

	"github.com/dgnsrekt/plugin_bridge/internal/types"
)

// Recorder turns raw WebSocket and tunnel payloads into frames and queues
// them for the custom parser.
type Recorder struct {
	buffer        *FrameBuffer
	ids           *FrameIDs
	maxFrameBytes int
	archive       Archiver
}

// Archiver receives a copy of every recorded frame.
type Archiver interface {
	Write(record any) error
}

// NewRecorder creates a recorder writing into buffer.
func NewRecorder(buffer *FrameBuffer, ids *FrameIDs, maxFrameBytes int) *Recorder {
	if maxFrameBytes <= 0 {
		maxFrameBytes = MaxFrameBytes
	}
	return &Recorder{buffer: buffer, ids: ids, maxFrameBytes: maxFrameBytes}
}

// Archive sends every frame recorded from now on to a as well. Call it
// before the recorder is shared.
func (r *Recorder) Archive(a Archiver) {
	r.archive = a
}

// Buffer returns the underlying frame buffer.
func (r *Recorder) Buffer() *FrameBuffer {
	return r.buffer
}

// Record captures one frame. Nil data is not recorded and yields nil.
func (r *Recorder) Record(reqID string, data []byte, opts types.FrameOptions, isClient bool) *types.Frame {
	if data == nil {
		return nil
	}
	opts = opts.Normalize()
	kept, truncated := truncateBytes(data, r.maxFrameBytes)
	if truncated {
		slog.Debug("frame payload truncated", "request_id", reqID, "original_size", len(data), "kept_size", len(kept))
	}
	f := &types.Frame{
		FrameID:    r.ids.Next(),
		ReqID:      reqID,
		IsClient:   isClient,
		Opcode:     opts.Opcode,
		Compressed: opts.Compressed,
		IsError:    opts.IsError,
		Ignore:     opts.Ignore,
		Charset:    opts.Charset,
		Length:     len(data),
		Base64:     base64.StdEncoding.EncodeToString(kept),
	}
	r.push(f)
	return f
}

// RecordClose queues the marker frame that ends a connection's stream. A nil
// err marks a clean close.
func (r *Recorder) RecordClose(reqID string, err error) *types.Frame {
	f := &types.Frame{
		FrameID: r.ids.Next(),
		ReqID:   reqID,
		Closed:  err == nil,
	}
	if err != nil {
		f.Err = err.Error()
	}
	r.push(f)
	return f
}

func (r *Recorder) push(f *types.Frame) {
	r.buffer.Push(f)
	if r.archive == nil {
		return
	}
	if err := r.archive.Write(f); err != nil {
		slog.Debug("frame archive write failed", "request_id", f.ReqID, "frame_id", f.FrameID, "error", err)
	}
}

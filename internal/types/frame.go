package types

import "github.com/dgnsrekt/plugin_bridge/internal/payload"

// Frame opcodes.
const (
	OpcodeText   = 1
	OpcodeBinary = 2
)

// Frame represents one captured WebSocket or tunnel frame as exchanged with
// the control plane.
type Frame struct {
	FrameID    string `json:"frameId"`
	ReqID      string `json:"reqId"`
	IsClient   bool   `json:"isClient,omitempty"`
	Opcode     int    `json:"opcode,omitempty"`
	Compressed bool   `json:"compressed,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
	Ignore     bool   `json:"ignore,omitempty"`
	Charset    string `json:"charset,omitempty"`
	Length     int    `json:"length"`
	Base64     string `json:"base64"`
	Closed     bool   `json:"closed,omitempty"`
	Err        string `json:"err,omitempty"`

	lazy payload.Lazy
}

// Body returns the frame payload as text.
func (f *Frame) Body() string {
	return f.lazy.Body(f.Base64)
}

// Buffer returns the decoded frame payload.
func (f *Frame) Buffer() []byte {
	return f.lazy.Buffer(f.Base64)
}

// Ends reports whether the frame marks the end of its stream.
func (f *Frame) Ends() bool {
	return f.Closed || f.Err != ""
}

// FrameOptions carries the per-frame flags supplied when a frame is captured.
type FrameOptions struct {
	Ignore     bool
	Compressed bool
	Opcode     int
	IsError    bool
	Charset    string
}

// Normalize returns a copy with the opcode folded onto text or binary.
func (o FrameOptions) Normalize() FrameOptions {
	out := FrameOptions{
		Ignore:     o.Ignore,
		Compressed: o.Compressed,
		IsError:    o.IsError,
		Charset:    o.Charset,
	}
	if o.Opcode > 0 {
		if o.Opcode == OpcodeText {
			out.Opcode = OpcodeText
		} else {
			out.Opcode = OpcodeBinary
		}
	}
	return out
}

// InjectedFrame is a synthetic frame the control plane asks the plugin to
// deliver to the client or the server.
type InjectedFrame struct {
	Base64 string `json:"base64"`
	Binary bool   `json:"binary,omitempty"`
}

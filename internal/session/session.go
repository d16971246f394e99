// Package session resolves control-plane sessions and frame pages on behalf
// of many concurrent plugin requests.
package session

import (
	"github.com/tidwall/gjson"

	"github.com/dgnsrekt/plugin_bridge/internal/payload"
)

// Session is an opaque session object returned by the control plane.
// A nil *Session is the "fetched but empty" value.
type Session struct {
	raw    []byte
	result gjson.Result
	req    *Snapshot
	res    *Snapshot
}

// Parse wraps a raw session value. Anything that is not a JSON object,
// including null and the empty string, yields nil.
func Parse(raw []byte) *Session {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return nil
	}
	result := gjson.ParseBytes(raw)
	if !result.IsObject() {
		return nil
	}
	return &Session{
		raw:    raw,
		result: result,
		req:    &Snapshot{result: result.Get("req")},
		res:    &Snapshot{result: result.Get("res")},
	}
}

// EndTime reports whether the response phase has completed.
func (s *Session) EndTime() bool {
	return s != nil && truthy(s.result.Get("endTime"))
}

func (s *Session) ReqError() bool {
	return s != nil && truthy(s.result.Get("reqError"))
}

func (s *Session) ResError() bool {
	return s != nil && truthy(s.result.Get("resError"))
}

// Inspect reports whether frame capture is enabled for a tunnel.
func (s *Session) Inspect() bool {
	return s != nil && truthy(s.result.Get("inspect"))
}

// Get returns the value at a gjson path.
func (s *Session) Get(path string) gjson.Result {
	if s == nil {
		return gjson.Result{}
	}
	return s.result.Get(path)
}

// Raw returns the session JSON as received.
func (s *Session) Raw() []byte {
	if s == nil {
		return nil
	}
	return s.raw
}

func (s *Session) Req() *Snapshot {
	if s == nil {
		return nil
	}
	return s.req
}

func (s *Session) Res() *Snapshot {
	if s == nil {
		return nil
	}
	return s.res
}

// Snapshot is the request or response half of a session with memoized
// payload views over its base64 field.
type Snapshot struct {
	result gjson.Result
	lazy   payload.Lazy
}

func (s *Snapshot) Get(path string) gjson.Result {
	if s == nil {
		return gjson.Result{}
	}
	return s.result.Get(path)
}

// Headers returns the snapshot headers as a flat map.
func (s *Snapshot) Headers() map[string]string {
	out := make(map[string]string)
	if s == nil {
		return out
	}
	s.result.Get("headers").ForEach(func(key, value gjson.Result) bool {
		out[key.String()] = value.String()
		return true
	})
	return out
}

// Buffer returns the decoded payload, or nil when it is absent or invalid.
func (s *Snapshot) Buffer() []byte {
	if s == nil {
		return nil
	}
	return s.lazy.Buffer(s.result.Get("base64").String())
}

// Body returns the payload as text.
func (s *Snapshot) Body() string {
	if s == nil {
		return ""
	}
	return s.lazy.Body(s.result.Get("base64").String())
}

func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.True, gjson.JSON:
		return true
	case gjson.Number:
		return r.Num != 0
	case gjson.String:
		return r.Str != ""
	default:
		return false
	}
}

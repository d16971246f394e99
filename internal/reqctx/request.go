// Package reqctx decorates requests arriving on plugin sub-servers with
// their proxy metadata and the session operations their role allows.
package reqctx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/dgnsrekt/plugin_bridge/internal/parser"
	"github.com/dgnsrekt/plugin_bridge/internal/session"
	"github.com/dgnsrekt/plugin_bridge/internal/types"
)

// OriginalReq is the immutable request metadata injected by the proxy.
type OriginalReq struct {
	ID           string
	URL          string
	FullURL      string
	RealURL      string
	Method       string
	ClientIP     string
	ClientPort   string
	RuleValue    string
	GlobalValue  string
	ProxyValue   string
	PACValue     string
	Headers      http.Header
	CustomParser bool
}

// OriginalRes is the immutable response metadata injected by the proxy.
type OriginalRes struct {
	ServerIP   string
	StatusCode string
}

// ErrNotSupported is returned by SendEstablished outside CONNECT handlers.
var ErrNotSupported = errors.New("reqctx: operation not available for this request")

// Request is the plugin's view of one intercepted request.
type Request struct {
	OriginalReq OriginalReq
	OriginalRes OriginalRes
	ClientIP    string
	Role        Role

	// State is the resolver state shared by every session query.
	State *session.State
	// Parser is set when the proxy asked for custom frame parsing.
	Parser *parser.Conn
	// PluginContext is the value returned by the plugin's Initial hook.
	PluginContext any

	caps      Capability
	resolver  *session.Resolver
	w         http.ResponseWriter
	shortName string

	establishOnce sync.Once
	conn          net.Conn
	rw            *bufio.ReadWriter
	establishErr  error
}

// Can reports whether the request exposes every operation in want.
func (r *Request) Can(want Capability) bool {
	return r.caps.Has(want)
}

// GetSession waits for the completed session.
func (r *Request) GetSession(w *session.Waiter[*session.Session]) {
	r.session(CapGetSession, w, false)
}

// GetReqSession returns the session as soon as the request phase is known.
func (r *Request) GetReqSession(w *session.Waiter[*session.Session]) {
	r.session(CapGetReqSession, w, true)
}

// GetFrames waits for the next page of captured frames.
func (r *Request) GetFrames(w *session.Waiter[[]*types.Frame]) {
	r.frames(CapGetFrames, w)
}

func (r *Request) UnsafeGetSession(w *session.Waiter[*session.Session]) {
	r.session(CapUnsafeGetSession, w, false)
}

func (r *Request) UnsafeGetReqSession(w *session.Waiter[*session.Session]) {
	r.session(CapUnsafeGetReqSession, w, true)
}

func (r *Request) UnsafeGetFrames(w *session.Waiter[[]*types.Frame]) {
	r.frames(CapUnsafeGetFrames, w)
}

func (r *Request) session(c Capability, w *session.Waiter[*session.Session], isReq bool) {
	if !r.caps.Has(c) || r.resolver == nil {
		return
	}
	r.resolver.GetSession(r.State, w, isReq)
}

func (r *Request) frames(c Capability, w *session.Waiter[[]*types.Frame]) {
	if !r.caps.Has(c) || r.resolver == nil {
		return
	}
	r.resolver.GetFrames(r.State, w)
}

// SendEstablished answers a CONNECT request exactly once, with 200 when err
// is nil and 502 carrying err's text otherwise, and returns the hijacked
// connection. Later calls return the same connection.
func (r *Request) SendEstablished(err error) (net.Conn, *bufio.ReadWriter, error) {
	if !r.caps.Has(CapSendEstablished) {
		return nil, nil, ErrNotSupported
	}
	r.establishOnce.Do(func() {
		r.conn, r.rw, r.establishErr = r.establish(err)
	})
	return r.conn, r.rw, r.establishErr
}

func (r *Request) establish(cause error) (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.w.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("reqctx: send established: %w", ErrNotSupported)
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		return nil, nil, fmt.Errorf("reqctx: hijack: %w", err)
	}
	if _, err := rw.WriteString(establishedResponse(cause, r.shortName)); err != nil {
		return conn, rw, fmt.Errorf("reqctx: send established: %w", err)
	}
	if err := rw.Flush(); err != nil {
		return conn, rw, fmt.Errorf("reqctx: send established: %w", err)
	}
	return conn, rw, nil
}

func establishedResponse(cause error, shortName string) string {
	status := "200 Connection Established"
	body := ""
	if cause != nil {
		status = "502 Bad Gateway"
		body = cause.Error()
	}
	return "HTTP/1.1 " + status + "\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n" +
		"Proxy-Agent: " + shortName + "\r\n" +
		"\r\n" + body
}

type ctxKey struct{}

// NewContext returns ctx carrying req.
func NewContext(ctx context.Context, req *Request) context.Context {
	return context.WithValue(ctx, ctxKey{}, req)
}

// FromContext returns the request stored by the adapter middleware, or nil.
func FromContext(ctx context.Context) *Request {
	req, _ := ctx.Value(ctxKey{}).(*Request)
	return req
}

package reqctx

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/dgnsrekt/plugin_bridge/internal/config"
	"github.com/dgnsrekt/plugin_bridge/internal/parser"
	"github.com/dgnsrekt/plugin_bridge/internal/session"
	"github.com/dgnsrekt/plugin_bridge/internal/types"
)

const defaultClientIP = "127.0.0.1"

// Options wires an Adapter to the plugin's shared components.
type Options struct {
	Headers       config.HeaderNames
	ShortName     string
	Resolver      *session.Resolver
	Engine        *parser.Engine
	PluginContext any
}

// Adapter builds Requests for one plugin.
type Adapter struct {
	opts    Options
	markers map[string]bool
}

// NewAdapter creates an adapter.
func NewAdapter(opts Options) *Adapter {
	return &Adapter{opts: opts, markers: opts.Headers.Markers()}
}

// Build decorates r for role. On server and tunnel roles a request carrying
// the frame-parser header opens a parser connection.
func (a *Adapter) Build(w http.ResponseWriter, r *http.Request, role Role) *Request {
	h := a.opts.Headers
	clientIP := headerValue(r.Header, h.ClientIP)
	if clientIP == "" {
		clientIP = defaultClientIP
	}
	req := &Request{
		ClientIP:      clientIP,
		Role:          role,
		PluginContext: a.opts.PluginContext,
		w:             w,
		shortName:     a.opts.ShortName,
	}
	req.OriginalReq.ClientIP = clientIP
	if role == RoleUI {
		return req
	}

	id := headerValue(r.Header, h.RequestID)
	method := headerValue(r.Header, h.Method)
	if method == "" {
		method = http.MethodGet
	}
	fullURL := headerValue(r.Header, h.FullURL)
	req.OriginalReq = OriginalReq{
		ID:          id,
		URL:         fullURL,
		FullURL:     fullURL,
		RealURL:     headerValue(r.Header, h.RealURL),
		Method:      method,
		ClientIP:    clientIP,
		ClientPort:  headerValue(r.Header, h.ClientPort),
		RuleValue:   headerValue(r.Header, h.RuleValue),
		GlobalValue: headerValue(r.Header, h.GlobalValue),
		ProxyValue:  headerValue(r.Header, h.ProxyValue),
		PACValue:    headerValue(r.Header, h.PACValue),
		Headers:     a.stripMarkers(r.Header),
	}
	req.OriginalRes = OriginalRes{
		ServerIP:   headerValue(r.Header, h.HostIP),
		StatusCode: headerValue(r.Header, h.StatusCode),
	}
	req.State = session.NewState(id, fullURL)
	req.caps = Capabilities(role, r.Method == http.MethodConnect)
	req.resolver = a.opts.Resolver

	if role.parses() && a.opts.Engine != nil && id != "" {
		if states := r.Header.Get(h.FrameParser); states != "" {
			req.Parser = a.opts.Engine.Open(id, types.ParseInitialStates(states))
			req.OriginalReq.CustomParser = true
		}
	}
	return req
}

// Middleware stores the decorated request in the request context. Stats
// roles answer 200 before the plugin handler runs. A parser connection that
// no transport attached to by the time the handler returns is disconnected.
func (a *Adapter) Middleware(role Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := a.Build(w, r, role)
			r = r.WithContext(NewContext(r.Context(), req))

			if role.Stats() {
				w.WriteHeader(http.StatusOK)
				if f, ok := w.(http.Flusher); ok {
					f.Flush()
				}
				next.ServeHTTP(discardWriter{header: make(http.Header)}, r)
				return
			}

			next.ServeHTTP(w, r)
			if req.Parser != nil && !req.Parser.Attached() {
				req.Parser.Disconnect(nil)
			}
		})
	}
}

func (a *Adapter) stripMarkers(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for k, v := range in {
		if a.markers[strings.ToLower(k)] {
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	return out
}

// headerValue returns the URL-decoded header value, or the raw value when
// it does not decode.
func headerValue(h http.Header, name string) string {
	if name == "" {
		return ""
	}
	raw := h.Get(name)
	if raw == "" {
		return ""
	}
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

// discardWriter swallows the plugin's output on stats roles, whose response
// has already been sent.
type discardWriter struct {
	header http.Header
}

func (d discardWriter) Header() http.Header         { return d.header }
func (d discardWriter) Write(p []byte) (int, error) { return len(p), nil }
func (d discardWriter) WriteHeader(int)             {}

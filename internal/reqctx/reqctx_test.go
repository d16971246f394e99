package reqctx

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/plugin_bridge/internal/capture"
	"github.com/dgnsrekt/plugin_bridge/internal/config"
	"github.com/dgnsrekt/plugin_bridge/internal/parser"
	"github.com/dgnsrekt/plugin_bridge/internal/session"
	"github.com/dgnsrekt/plugin_bridge/internal/types"
)

const reqID = "1700000000000-1"

func newAdapter(engine *parser.Engine) *Adapter {
	return NewAdapter(Options{
		Headers:       config.DefaultHeaders(),
		ShortName:     "whistle.bridge",
		Resolver:      session.NewResolver(nil, session.Config{}),
		Engine:        engine,
		PluginContext: "ctx-value",
	})
}

func newQuietEngine() *parser.Engine {
	recorder := capture.NewRecorder(capture.NewFrameBuffer(0, 0), capture.NewFrameIDs(), 0)
	return parser.NewEngine(nil, recorder, parser.Config{SuccessInterval: time.Hour, RetryInterval: time.Hour, DrainInterval: time.Hour})
}

func proxyRequest(method string) *http.Request {
	r := httptest.NewRequest(method, "http://127.0.0.1/", nil)
	r.Header.Set("x-whistle-req-id", reqID)
	r.Header.Set("x-whistle-full-url", "https%3A%2F%2Fexample.com%2Fa%20b")
	r.Header.Set("x-whistle-real-url", "%zz")
	r.Header.Set("x-whistle-rule-value", "hello%20world")
	r.Header.Set("x-whistle-host-ip", "10.0.0.1")
	r.Header.Set("x-whistle-status-code", "200")
	r.Header.Set("x-forwarded-for", "192.168.1.5")
	r.Header.Set("X-Custom", "keep")
	return r
}

func TestBuildDecodesMetadata(t *testing.T) {
	a := newAdapter(nil)
	req := a.Build(httptest.NewRecorder(), proxyRequest(http.MethodGet), RoleRules)

	o := req.OriginalReq
	if o.ID != reqID || o.URL != "https://example.com/a b" || o.FullURL != o.URL {
		t.Fatalf("OriginalReq = %+v; want decoded id and url", o)
	}
	if o.RealURL != "%zz" {
		t.Fatalf("RealURL = %q; want raw fallback", o.RealURL)
	}
	if o.RuleValue != "hello world" || o.Method != http.MethodGet || o.ClientIP != "192.168.1.5" {
		t.Fatalf("OriginalReq = %+v; want rule value, default method and client ip", o)
	}
	if req.OriginalRes.ServerIP != "10.0.0.1" || req.OriginalRes.StatusCode != "200" {
		t.Fatalf("OriginalRes = %+v", req.OriginalRes)
	}
	if req.State.ID != reqID || req.State.URL != "https://example.com/a b" {
		t.Fatalf("State = %s %s", req.State.ID, req.State.URL)
	}
	if req.PluginContext != "ctx-value" {
		t.Fatalf("PluginContext = %v; want ctx-value", req.PluginContext)
	}
}

func TestBuildStripsMarkerHeaders(t *testing.T) {
	a := newAdapter(nil)
	req := a.Build(httptest.NewRecorder(), proxyRequest(http.MethodGet), RoleServer)

	h := req.OriginalReq.Headers
	if h.Get("x-whistle-req-id") != "" || h.Get("x-whistle-full-url") != "" {
		t.Fatalf("Headers = %v; marker headers leaked", h)
	}
	if h.Get("X-Custom") != "keep" || h.Get("x-forwarded-for") != "192.168.1.5" {
		t.Fatalf("Headers = %v; want plain headers kept", h)
	}
}

func TestBuildDefaultsClientIP(t *testing.T) {
	a := newAdapter(nil)
	r := httptest.NewRequest(http.MethodGet, "http://127.0.0.1/", nil)
	req := a.Build(httptest.NewRecorder(), r, RoleUI)
	if req.ClientIP != "127.0.0.1" || req.State != nil || req.PluginContext != "ctx-value" {
		t.Fatalf("ui request = %+v; want client ip and context only", req)
	}
	called := false
	req.GetSession(session.NewWaiter(func(*session.Session) { called = true }))
	if called {
		t.Fatal("ui request exposed GetSession")
	}
}

func TestCapabilitiesGateSessionCalls(t *testing.T) {
	cached := session.Parse([]byte(`{"endTime":123,"reqError":false}`))
	tests := []struct {
		role Role
		safe bool
		uns  bool
	}{
		{role: RoleStats, safe: true},
		{role: RoleResStats, safe: true},
		{role: RoleServer, uns: true},
		{role: RoleRules, uns: true},
		{role: RoleTunnelRules, uns: true},
	}
	for _, tt := range tests {
		t.Run(tt.role.String(), func(t *testing.T) {
			req := newAdapter(nil).Build(httptest.NewRecorder(), proxyRequest(http.MethodGet), tt.role)
			req.State.SetSession(cached)

			var safe, uns int
			req.GetSession(session.NewWaiter(func(*session.Session) { safe++ }))
			req.GetReqSession(session.NewWaiter(func(*session.Session) { safe++ }))
			req.UnsafeGetSession(session.NewWaiter(func(*session.Session) { uns++ }))
			req.UnsafeGetReqSession(session.NewWaiter(func(*session.Session) { uns++ }))

			if (safe == 2) != tt.safe || (safe == 0) == tt.safe {
				t.Fatalf("safe calls = %d; want enabled=%v", safe, tt.safe)
			}
			if (uns == 2) != tt.uns || (uns == 0) == tt.uns {
				t.Fatalf("unsafe calls = %d; want enabled=%v", uns, tt.uns)
			}
		})
	}
}

func TestResRulesMixedCapabilities(t *testing.T) {
	req := newAdapter(nil).Build(httptest.NewRecorder(), proxyRequest(http.MethodGet), RoleResRules)
	req.State.SetSession(session.Parse([]byte(`{"endTime":1}`)))

	var got []string
	req.GetReqSession(session.NewWaiter(func(*session.Session) { got = append(got, "GetReqSession") }))
	req.GetSession(session.NewWaiter(func(*session.Session) { got = append(got, "GetSession") }))
	req.UnsafeGetSession(session.NewWaiter(func(*session.Session) { got = append(got, "UnsafeGetSession") }))
	req.UnsafeGetReqSession(session.NewWaiter(func(*session.Session) { got = append(got, "UnsafeGetReqSession") }))
	req.UnsafeGetFrames(session.NewWaiter(func([]*types.Frame) { got = append(got, "UnsafeGetFrames") }))

	want := []string{"GetReqSession", "UnsafeGetSession", "UnsafeGetFrames"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("calls = %v; want %v", got, want)
	}
}

func TestFrameParserHeaderOpensConnection(t *testing.T) {
	engine := newQuietEngine()
	defer engine.Close()
	a := newAdapter(engine)

	r := proxyRequest(http.MethodGet)
	r.Header.Set("x-whistle-frame-parser", "pauseSend, ignoreReceive")
	req := a.Build(httptest.NewRecorder(), r, RoleServer)
	if req.Parser == nil || !req.OriginalReq.CustomParser {
		t.Fatal("parser connection not opened")
	}
	if got := req.Parser.SendState().Current; got != types.StatePause {
		t.Fatalf("send state = %v; want pause", got)
	}
	if got := req.Parser.ReceiveState().Current; got != types.StateIgnore {
		t.Fatalf("receive state = %v; want ignore", got)
	}
	if req.OriginalReq.Headers.Get("x-whistle-frame-parser") != "" {
		t.Fatal("frame parser header leaked")
	}

	rules := a.Build(httptest.NewRecorder(), r, RoleRules)
	if rules.Parser != nil {
		t.Fatal("rules role opened a parser connection")
	}
}

func TestMiddlewareDisconnectsUnattachedParser(t *testing.T) {
	engine := newQuietEngine()
	defer engine.Close()
	a := newAdapter(engine)

	var seen *Request
	h := a.Middleware(RoleServer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	r := proxyRequest(http.MethodGet)
	r.Header.Set("x-whistle-frame-parser", "pauseSend")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if seen == nil || seen.Parser == nil {
		t.Fatal("handler did not see the decorated request")
	}
	if !seen.Parser.Disconnected() || engine.Conns() != 0 {
		t.Fatal("unattached parser left open")
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d; want 204", rec.Code)
	}
}

func TestStatsMiddlewareAnswersFirst(t *testing.T) {
	a := newAdapter(nil)
	ran := false
	h := a.Middleware(RoleStats)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ran = FromContext(r.Context()) != nil
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("ignored"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, proxyRequest(http.MethodPost))

	if !ran {
		t.Fatal("plugin handler did not run with request context")
	}
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Fatalf("response = %d %q; want 200 with empty body", rec.Code, rec.Body.String())
	}
}

func TestSendEstablished(t *testing.T) {
	tests := []struct {
		name   string
		cause  error
		status int
		body   string
	}{
		{name: "ok", status: http.StatusOK},
		{name: "bad_gateway", cause: errors.New("upstream down"), status: http.StatusBadGateway, body: "upstream down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAdapter(nil)
			handlerErr := make(chan error, 1)
			srv := httptest.NewServer(a.Middleware(RoleTunnel)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				req := FromContext(r.Context())
				conn, _, err := req.SendEstablished(tt.cause)
				if err != nil {
					handlerErr <- err
					return
				}
				again, _, err := req.SendEstablished(nil)
				if err != nil || again != conn {
					handlerErr <- errors.New("second SendEstablished returned a different connection")
					return
				}
				handlerErr <- nil
				_ = conn.Close()
			})))
			defer srv.Close()

			c, err := net.Dial("tcp", strings.TrimPrefix(srv.URL, "http://"))
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			defer c.Close()
			_ = c.SetDeadline(time.Now().Add(2 * time.Second))
			if _, err := io.WriteString(c, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\nx-whistle-req-id: "+reqID+"\r\n\r\n"); err != nil {
				t.Fatalf("write: %v", err)
			}

			resp, err := http.ReadResponse(bufio.NewReader(c), nil)
			if err != nil {
				t.Fatalf("ReadResponse() error = %v", err)
			}
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != tt.status || string(body) != tt.body {
				t.Fatalf("response = %d %q; want %d %q", resp.StatusCode, body, tt.status, tt.body)
			}
			if got := resp.Header.Get("Proxy-Agent"); got != "whistle.bridge" {
				t.Fatalf("Proxy-Agent = %q; want whistle.bridge", got)
			}
			if err := <-handlerErr; err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestSendEstablishedOutsideConnect(t *testing.T) {
	req := newAdapter(nil).Build(httptest.NewRecorder(), proxyRequest(http.MethodGet), RoleServer)
	if _, _, err := req.SendEstablished(nil); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("SendEstablished() error = %v; want ErrNotSupported", err)
	}
}

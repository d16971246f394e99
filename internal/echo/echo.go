// Package echo is a sample plugin. Its main server reports the proxied
// request and session back to the caller, mirrors custom-parser WebSocket
// messages, and echoes CONNECT tunnels; its stats server logs completed
// sessions.
package echo

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dgnsrekt/plugin_bridge/internal/parser"
	"github.com/dgnsrekt/plugin_bridge/internal/pluginserver"
	"github.com/dgnsrekt/plugin_bridge/internal/reqctx"
	"github.com/dgnsrekt/plugin_bridge/internal/session"
	"github.com/dgnsrekt/plugin_bridge/internal/types"
)

// Name is the plugin value the echo plugin registers under.
const Name = "echo"

const (
	sessionWait = 5 * time.Second
	tunnelChunk = 32 * 1024
)

// Register adds the echo plugin to the plugin registry.
func Register() {
	pluginserver.Register(Name, Handlers())
}

// Handlers returns the echo plugin hooks.
func Handlers() pluginserver.Handlers {
	return pluginserver.Handlers{
		Initial: func(opts *pluginserver.Options) any {
			slog.Info("echo plugin initialised", "plugin", opts.Name, "short_name", opts.ShortName)
			return time.Now()
		},
		Server:       mount,
		TunnelServer: mount,
		StatsServer:  mountStats,
	}
}

// Report is the main server's response body.
type Report struct {
	ID       string          `json:"id"`
	URL      string          `json:"url"`
	Method   string          `json:"method"`
	ClientIP string          `json:"clientIp"`
	Server   string          `json:"server"`
	Session  json.RawMessage `json:"session"`
}

func mount(r chi.Router, _ *pluginserver.Options) {
	r.HandleFunc("/*", func(w http.ResponseWriter, r *http.Request) {
		req := reqctx.FromContext(r.Context())
		if req == nil {
			http.Error(w, "missing request context", http.StatusInternalServerError)
			return
		}

		switch {
		case r.Method == http.MethodConnect:
			tunnel(req)
		case req.Parser != nil && isUpgrade(r):
			mirror(w, r, req.Parser)
		default:
			report(w, r, req)
		}
	})
}

func report(w http.ResponseWriter, r *http.Request, req *reqctx.Request) {
	out := Report{
		ID:       req.OriginalReq.ID,
		URL:      req.OriginalReq.URL,
		Method:   req.OriginalReq.Method,
		ClientIP: req.ClientIP,
		Server:   req.Role.String(),
		Session:  json.RawMessage("null"),
	}
	if sess := waitSession(r, req); sess != nil {
		out.Session = sess.Raw()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		slog.Debug("echo response write failed", "error", err)
	}
}

func waitSession(r *http.Request, req *reqctx.Request) *session.Session {
	if !types.ValidRequestID(req.OriginalReq.ID) {
		return nil
	}
	got := make(chan *session.Session, 1)
	req.UnsafeGetReqSession(session.NewWaiter(func(s *session.Session) {
		got <- s
	}))

	timer := time.NewTimer(sessionWait)
	defer timer.Stop()
	select {
	case s := <-got:
		return s
	case <-timer.C:
		slog.Debug("echo session wait timed out", "request_id", req.OriginalReq.ID)
	case <-r.Context().Done():
	}
	return nil
}

// mirror sends every client message back as if the server had answered
// with it.
func mirror(w http.ResponseWriter, r *http.Request, c *parser.Conn) {
	var sock *parser.Socket
	ready := make(chan struct{})
	cancel := c.OnSendToServer(func(m parser.Message) {
		<-ready
		sock.ServerMessage(m.Data, m.Binary)
	})

	var err error
	sock, err = parser.Upgrade(w, r, c)
	if err != nil {
		cancel()
		slog.Debug("echo upgrade failed", "request_id", c.ID(), "error", err)
		return
	}
	close(ready)
	c.OnDisconnect(func(err error) {
		slog.Debug("echo websocket closed", "request_id", c.ID(), "error", err)
	})
}

// tunnel accepts a CONNECT and writes every chunk back to the client,
// capturing both directions when a parser is attached.
func tunnel(req *reqctx.Request) {
	conn, rw, err := req.SendEstablished(nil)
	if err != nil {
		slog.Debug("echo tunnel establish failed", "request_id", req.OriginalReq.ID, "error", err)
		return
	}
	if req.Parser != nil {
		req.Parser.Attach(func() { _ = conn.Close() })
	}
	defer func() {
		_ = conn.Close()
		if req.Parser != nil {
			req.Parser.Disconnect(nil)
		}
	}()

	buf := make([]byte, tunnelChunk)
	for {
		n, err := rw.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if req.Parser != nil {
				req.Parser.ClientFrame(data, types.FrameOptions{})
				req.Parser.ServerFrame(data, types.FrameOptions{})
			}
			if _, werr := conn.Write(data); werr != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("echo tunnel read failed", "request_id", req.OriginalReq.ID, "error", err)
			}
			return
		}
	}
}

func mountStats(r chi.Router, _ *pluginserver.Options) {
	r.HandleFunc("/*", func(w http.ResponseWriter, r *http.Request) {
		req := reqctx.FromContext(r.Context())
		if req == nil {
			return
		}
		started, _ := req.PluginContext.(time.Time)
		req.GetSession(session.NewWaiter(func(s *session.Session) {
			if s == nil {
				return
			}
			slog.Info("echo session complete",
				"request_id", req.OriginalReq.ID,
				"url", s.Get("url").String(),
				"status", s.Get("res.statusCode").Int(),
				"uptime", time.Since(started).Round(time.Second),
			)
		}))
	})
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

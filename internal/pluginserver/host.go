// Package pluginserver starts the sub-servers a plugin asks for and wires
// each one to the request adapter, the session resolver and the custom
// parser engine.
package pluginserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/plugin_bridge/internal/capture"
	"github.com/dgnsrekt/plugin_bridge/internal/config"
	"github.com/dgnsrekt/plugin_bridge/internal/netutil"
	"github.com/dgnsrekt/plugin_bridge/internal/parser"
	"github.com/dgnsrekt/plugin_bridge/internal/poller"
	"github.com/dgnsrekt/plugin_bridge/internal/reqctx"
	"github.com/dgnsrekt/plugin_bridge/internal/session"
	"github.com/dgnsrekt/plugin_bridge/internal/storage"
	"github.com/dgnsrekt/plugin_bridge/internal/types"
)

// Backend is the control plane as used by the resolver and the parser
// engine.
type Backend interface {
	session.Backend
	parser.Backend
}

// Ports reports the port of every started sub-server; zero means not
// started.
type Ports struct {
	Port            int `json:"port"`
	StatsPort       int `json:"stats_port"`
	ResStatsPort    int `json:"res_stats_port"`
	UIPort          int `json:"ui_port"`
	RulesPort       int `json:"rules_port"`
	ResRulesPort    int `json:"res_rules_port"`
	TunnelRulesPort int `json:"tunnel_rules_port"`
	TunnelPort      int `json:"tunnel_port"`
}

// Status is a point-in-time view of the host.
type Status struct {
	Plugin        string          `json:"plugin"`
	Started       bool            `json:"started"`
	Ports         Ports           `json:"ports"`
	Pending       session.Pending `json:"pending"`
	ParserConns   int             `json:"parser_connections"`
	BufferedFrame int             `json:"buffered_frames"`
	SessionPolls  poller.Stats    `json:"session_polls"`
	FramePolls    poller.Stats    `json:"frame_polls"`
	ParserPolls   poller.Stats    `json:"parser_polls"`
}

const archiveQueue = 1024

// Errors returned by Connection.
var (
	ErrInvalidRequestID = errors.New("invalid request id")
	ErrNoConnection     = errors.New("no parser connection")
)

// Connection describes one open custom-parser connection.
type Connection struct {
	ID            string `json:"id"`
	SendState     string `json:"send_state"`
	PrevSendState string `json:"prev_send_state"`
	ReceiveState  string `json:"receive_state"`
	PrevRecvState string `json:"prev_receive_state"`
	Attached      bool   `json:"attached"`
	Disconnected  bool   `json:"disconnected"`
}

// Host runs one plugin.
type Host struct {
	cfg      *config.Config
	opts     *Options
	resolver *session.Resolver
	engine   *parser.Engine
	archive  *storage.JSONLWriter

	mu      sync.Mutex
	servers []*http.Server
	ports   Ports
	started bool
}

// New creates a host for the plugin named by cfg.PluginValue.
func New(cfg *config.Config, backend Backend) *Host {
	recorder := capture.NewRecorder(
		capture.NewFrameBuffer(cfg.FrameBufferCapacity, cfg.FrameBufferTrim),
		capture.NewFrameIDs(),
		cfg.MaxFrameBytes,
	)
	var archive *storage.JSONLWriter
	if cfg.FrameArchive {
		archive = storage.NewJSONLWriter(cfg.ArchiveDir(), "frames", cfg.ShortName(), archiveQueue, cfg.FrameArchiveMaxMB)
		recorder.Archive(archive)
	}
	return &Host{
		cfg:     cfg,
		archive: archive,
		opts: &Options{
			Name:      cfg.PluginName,
			ShortName: cfg.ShortName(),
			Value:     cfg.PluginValue,
			Config:    cfg,
		},
		resolver: session.NewResolver(backend, session.Config{
			BatchSize:       cfg.SessionBatchSize,
			SuccessInterval: cfg.SuccessInterval(),
			RetryInterval:   cfg.RetryInterval(),
			MaxFrameRetries: cfg.MaxFrameRetries,
		}),
		engine: parser.NewEngine(backend, recorder, parser.Config{
			BatchFrames:     cfg.ParserBatchFrames,
			SuccessInterval: cfg.SuccessInterval(),
			RetryInterval:   cfg.RetryInterval(),
			DrainInterval:   cfg.DrainInterval(),
		}),
	}
}

type subServer struct {
	role reqctx.Role
	hook HookFunc
	port *int
}

// Start resolves the plugin, runs its Initial hook and starts one
// loopback sub-server per provided hook. It returns once every sub-server
// is listening. An unknown plugin yields empty Ports and no error.
func (h *Host) Start(ctx context.Context) (Ports, error) {
	handlers, ok := Lookup(h.opts.Value)
	if !ok {
		slog.Warn("plugin not found", "plugin", h.opts.Value, "registered", strings.Join(Names(), ","))
		return Ports{}, nil
	}

	if handlers.Initial != nil {
		h.opts.PluginContext = handlers.Initial(h.opts)
	}
	adapter := reqctx.NewAdapter(reqctx.Options{
		Headers:       h.cfg.Headers,
		ShortName:     h.opts.ShortName,
		Resolver:      h.resolver,
		Engine:        h.engine,
		PluginContext: h.opts.PluginContext,
	})

	var ports Ports
	subs := []subServer{
		{role: reqctx.RoleServer, hook: firstHook(handlers.PluginServer, handlers.Server), port: &ports.Port},
		{role: reqctx.RoleStats, hook: firstHook(handlers.StatServer, handlers.StatsServer, handlers.ReqStatServer, handlers.ReqStatsServer), port: &ports.StatsPort},
		{role: reqctx.RoleResStats, hook: firstHook(handlers.ResStatServer, handlers.ResStatsServer), port: &ports.ResStatsPort},
		{role: reqctx.RoleUI, hook: firstHook(handlers.UIServer, handlers.InnerServer, handlers.InternalServer), port: &ports.UIPort},
		{role: reqctx.RoleRules, hook: firstHook(handlers.PluginRulesServer, handlers.RulesServer, handlers.ReqRulesServer), port: &ports.RulesPort},
		{role: reqctx.RoleResRules, hook: handlers.ResRulesServer, port: &ports.ResRulesPort},
		{role: reqctx.RoleTunnelRules, hook: firstHook(handlers.PluginRulesServer, handlers.TunnelRulesServer), port: &ports.TunnelRulesPort},
		{role: reqctx.RoleTunnel, hook: firstHook(handlers.PluginServer, handlers.TunnelServer, handlers.ConnectServer), port: &ports.TunnelPort},
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range subs {
		if sub.hook == nil {
			continue
		}
		port, err := h.serveLocked(adapter, sub)
		if err != nil {
			h.shutdownLocked(ctx)
			return Ports{}, fmt.Errorf("start %s server: %w", sub.role, err)
		}
		*sub.port = port
	}
	h.ports = ports
	h.started = true
	slog.Info("plugin started", "plugin", h.opts.Value, "servers", len(h.servers))
	return ports, nil
}

func (h *Host) serveLocked(adapter *reqctx.Adapter, sub subServer) (int, error) {
	ln, err := netutil.ListenLocal()
	if err != nil {
		return 0, err
	}

	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(sub.role))
	router.Use(middleware.Recoverer)
	router.Use(adapter.Middleware(sub.role))
	sub.hook(router, h.opts)

	srv := &http.Server{Handler: router, ReadHeaderTimeout: 30 * time.Second}
	h.servers = append(h.servers, srv)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("plugin server failed", "server", sub.role.String(), "error", err)
		}
	}()

	port := netutil.Port(ln)
	slog.Debug("plugin server listening", "server", sub.role.String(), "port", port)
	return port, nil
}

// Ports returns the ports reported by Start.
func (h *Host) Ports() Ports {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ports
}

// Status reports ports, pending waiters and poller counters.
func (h *Host) Status() Status {
	h.mu.Lock()
	ports, started := h.ports, h.started
	h.mu.Unlock()

	sessions, frames := h.resolver.Stats()
	return Status{
		Plugin:        h.opts.Value,
		Started:       started,
		Ports:         ports,
		Pending:       h.resolver.Pending(),
		ParserConns:   h.engine.Conns(),
		BufferedFrame: h.engine.Buffered(),
		SessionPolls:  sessions,
		FramePolls:    frames,
		ParserPolls:   h.engine.Stats(),
	}
}

// Connection reports the parser connection registered for reqID.
func (h *Host) Connection(reqID string) (Connection, error) {
	if !types.ValidRequestID(reqID) {
		return Connection{}, fmt.Errorf("%w: %q", ErrInvalidRequestID, reqID)
	}
	c := h.engine.Conn(reqID)
	if c == nil {
		return Connection{}, fmt.Errorf("%w: %s", ErrNoConnection, reqID)
	}
	send, recv := c.SendState(), c.ReceiveState()
	return Connection{
		ID:            c.ID(),
		SendState:     send.Current.String(),
		PrevSendState: send.Previous.String(),
		ReceiveState:  recv.Current.String(),
		PrevRecvState: recv.Previous.String(),
		Attached:      c.Attached(),
		Disconnected:  c.Disconnected(),
	}, nil
}

// Close shuts every sub-server down and stops polling.
func (h *Host) Close(ctx context.Context) {
	h.mu.Lock()
	h.shutdownLocked(ctx)
	h.mu.Unlock()
	h.resolver.Close()
	h.engine.Close()
	if h.archive != nil {
		if err := h.archive.Close(); err != nil {
			slog.Debug("frame archive close failed", "error", err)
		}
	}
}

func (h *Host) shutdownLocked(ctx context.Context) {
	for _, srv := range h.servers {
		if err := srv.Shutdown(ctx); err != nil {
			slog.Debug("plugin server shutdown failed", "error", err)
		}
	}
	h.servers = nil
	h.started = false
}

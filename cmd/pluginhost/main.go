package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/plugin_bridge/internal/api"
	"github.com/dgnsrekt/plugin_bridge/internal/config"
	"github.com/dgnsrekt/plugin_bridge/internal/controlplane"
	"github.com/dgnsrekt/plugin_bridge/internal/echo"
	"github.com/dgnsrekt/plugin_bridge/internal/netutil"
	"github.com/dgnsrekt/plugin_bridge/internal/pluginserver"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	flagSet := pflag.NewFlagSet("pluginhost", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.PluginValue, "plugin", cfg.PluginValue, "registered plugin to run")
	flagSet.StringVar(&cfg.PluginName, "name", cfg.PluginName, "plugin package name reported to the proxy")
	flagSet.IntVar(&cfg.UIPort, "ui-port", cfg.UIPort, "proxy UI port serving the control plane")
	flagSet.StringVar(&cfg.ControlPlaneURL, "control-plane", cfg.ControlPlaneURL, "control-plane base URL (overrides --ui-port)")
	flagSet.StringVar(&cfg.StatusBindAddr, "status-addr", cfg.StatusBindAddr, "status API bind address; empty disables it")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flagSet.BoolVar(&cfg.LogToFile, "log-to-file", cfg.LogToFile, "also write logs to the rotating log file")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile, cfg.LogToFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("pluginhost config loaded",
		"plugin", cfg.PluginValue,
		"name", cfg.PluginName,
		"control_plane", cfg.BaseURL(),
		"success_interval_ms", cfg.SuccessIntervalMS,
		"retry_interval_ms", cfg.RetryIntervalMS,
		"status_addr", cfg.StatusBindAddr,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	echo.Register()

	client := controlplane.NewClient(cfg.BaseURL(), cfg.AuthKey, nil)
	host := pluginserver.New(cfg, client)
	ports, err := host.Start(context.Background())
	if err != nil {
		slog.Error("failed to start plugin", "plugin", cfg.PluginValue, "error", err)
		os.Exit(1)
	}

	// The proxy reads the port report from stdout.
	if err := json.NewEncoder(os.Stdout).Encode(ports); err != nil {
		slog.Error("failed to report ports", "error", err)
	}

	var statusSrv *http.Server
	if cfg.StatusBindAddr != "" {
		bindAddr, err := netutil.SelectBindAddr(cfg.StatusBindAddr, cfg.StatusPortCandidates, cfg.StatusPortAutoFallback)
		if err != nil {
			slog.Error("failed to select status bind address", "preferred", cfg.StatusBindAddr, "error", err)
			os.Exit(1)
		}
		statusSrv = &http.Server{Addr: bindAddr, Handler: api.NewServer(host), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			slog.Info("status API listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
			if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("status API failed", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if statusSrv != nil {
		if err := statusSrv.Shutdown(ctx); err != nil {
			slog.Error("status API shutdown failed", "error", err)
		}
	}
	host.Close(ctx)
}

func setupLogger(level, filename string, toFile bool) error {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	// stdout carries the port report, so log lines go to stderr.
	var out io.Writer = os.Stderr
	if toFile {
		if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
			return err
		}
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   filename,
			MaxSize:    25,
			MaxBackups: 10,
			MaxAge:     14,
			Compress:   true,
		})
	}

	h := slog.NewTextHandler(out, &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/dgnsrekt/plugin_bridge/internal/cpmock"
)

func main() {
	var (
		addr     string
		authKey  string
		sessions []string
		verbose  bool
	)
	flagSet := pflag.NewFlagSet("mockcp", pflag.ContinueOnError)
	flagSet.StringVar(&addr, "addr", "127.0.0.1:8899", "listen address")
	flagSet.StringVar(&authKey, "auth-key", os.Getenv("WHISTLE_AUTH_KEY"), "required x-whistle-auth-key value; empty accepts any")
	flagSet.StringArrayVar(&sessions, "session", nil, "seed a session as id=json (repeatable)")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	mock := cpmock.New(authKey)
	for _, s := range sessions {
		id, raw, ok := strings.Cut(s, "=")
		if !ok || id == "" {
			slog.Error("invalid --session, want id=json", "value", s)
			os.Exit(2)
		}
		mock.PutSession(id, raw)
	}

	srv := &http.Server{Addr: addr, Handler: mock, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info("mock control plane listening", "addr", addr, "base_url", "http://"+addr+cpmock.Prefix+"/")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("mock control plane failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("mock control plane shutdown failed", "error", err)
	}
}

// Command clauthd is clauth's daemon entrypoint — thin glue (spec Section
// 1, "Out of scope") binding the core Runtime to a minimal HTTP surface.
// Signal handling and graceful shutdown follow the teacher's
// cmd/aibox-llm-proxy/main.go shape.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clauth/clauth/internal/config"
	"github.com/clauth/clauth/internal/logging"
	"github.com/clauth/clauth/internal/runtime"
)

func main() {
	os.Exit(run())
}

func run() int {
	logFormat := os.Getenv("CLAUTH_LOG_FORMAT")
	if logFormat == "" {
		logFormat = "text"
	}
	logging.Setup(logFormat, os.Getenv("CLAUTH_VERBOSE") == "1")

	cfg, err := config.Load(os.Getenv("CLAUTH_CONFIG"))
	if err != nil {
		slog.Error("loading config", "error", err)
		return 1
	}

	passphrase := os.Getenv("CLAUTH_VAULT_PASSPHRASE")
	if passphrase == "" {
		slog.Error("CLAUTH_VAULT_PASSPHRASE is required to unlock the vault")
		return 1
	}

	ctx := context.Background()
	rt, err := runtime.Boot(ctx, cfg, passphrase, buildDeps(cfg))
	if err != nil {
		slog.Error("booting runtime", "error", err)
		return 1
	}

	srv := NewServer(rt)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("clauthd listening", "transport", cfg.Transport, "host", cfg.Host, "port", cfg.Port, "socketPath", cfg.SocketPath)
		errCh <- srv.ListenAndServe(cfg)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-quit:
		slog.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			slog.Error("server error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	if err := rt.Shutdown(); err != nil {
		slog.Error("runtime shutdown error", "error", err)
		return 1
	}
	fmt.Fprintln(os.Stderr, "clauthd shut down cleanly")
	return 0
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"copilot-relay/internal/config"
	"copilot-relay/internal/launcher"
	"copilot-relay/internal/logging"
	"copilot-relay/internal/realtime"
	"copilot-relay/internal/relay"
	"copilot-relay/internal/session"
	"copilot-relay/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Optional token file, consulted after the credential env vars.
	var credentialFallback func() string
	if cfg.Copilot.CredentialFile != "" {
		credWatch, err := watcher.New(cfg.Copilot.CredentialFile, logger)
		if err != nil {
			return err
		}
		defer credWatch.Close()
		credentialFallback = credWatch.Value
	}

	spec := launcher.SpecFromConfig(cfg.Copilot, credentialFallback)
	if spec.Credential(os.Environ()) == "" {
		logger.Warn("no GitHub credential configured; copilot will ask to authenticate",
			zap.Strings("candidates", spec.CredentialEnv))
	}

	rl := relay.New(launcher.New(spec, cfg.Copilot.KillGrace), logger, relay.Options{
		EmptySuccess: cfg.Relay.EmptySuccess,
	})

	sessMgr := session.NewManager(cfg.MaxSessions, cfg.HistorySize)
	rtServer := realtime.New(sessMgr, rl, cfg.StaticDir, logger)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: rtServer.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		sessMgr.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("copilot web UI running",
		zap.Int("port", cfg.Port),
		zap.String("binary", spec.Binary),
		zap.String("static_dir", cfg.StaticDir))

	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

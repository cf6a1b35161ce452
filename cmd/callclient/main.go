package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/silviot/webchat_calls_go/pkg/call"
	"github.com/silviot/webchat_calls_go/pkg/chatapi"
	"github.com/silviot/webchat_calls_go/pkg/config"
	"github.com/silviot/webchat_calls_go/pkg/media"
	"github.com/silviot/webchat_calls_go/pkg/overlay"
	"github.com/silviot/webchat_calls_go/pkg/relay"
	"github.com/silviot/webchat_calls_go/pkg/webrtc"
)

func main() {
	cfg, err := config.Load(os.Getenv("ENV_FILE"), os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	logger := setupLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("call client stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting call client",
		"listen", cfg.ListenAddr,
		"backend_url", cfg.BackendURL,
		"relay_url", cfg.RelayURL)

	// Log in first: the relay handshake carries the session cookie
	api, err := chatapi.NewClient(chatapi.Config{BaseURL: cfg.BackendURL, Logger: logger})
	if err != nil {
		return err
	}
	loginCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	me, err := api.Login(loginCtx, cfg.Username, cfg.Password)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to log in: %w", err)
	}
	logger.Info("logged in", "userID", me.ID, "username", me.Username)

	relayClient := relay.NewClient(relay.Config{
		URL: cfg.RelayURL,
		Jar: api.Jar(),
		BeforeReconnect: func(ctx context.Context) error {
			return api.EnsureSession(ctx, cfg.Username, cfg.Password)
		},
		Logger: logger,
	})
	defer relayClient.Close()
	if err := relayClient.Connect(ctx); err != nil {
		return err
	}

	peers, err := webrtc.NewManager(cfg.ICE(), logger)
	if err != nil {
		return err
	}
	defer peers.Close()

	source, err := media.NewDefaultSource(logger)
	if err != nil {
		return fmt.Errorf("failed to create media source: %w", err)
	}

	view := overlay.New(logger)
	calls, err := call.NewManager(call.Config{
		Signaler:  relayClient,
		Directory: api,
		Identity:  api,
		Peers:     call.PeersFrom(peers),
		Media:     source,
		Overlay:   view,
		Logger:    logger,
		Options:   call.Options{RingTimeout: cfg.RingTimeout},
	})
	if err != nil {
		return err
	}

	go func() {
		if err := relayClient.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, relay.ErrClosed) {
			logger.Error("relay stopped", "error", err)
			stop()
		}
	}()
	go calls.Run(ctx, relayClient.Events())

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           call.NewAPI(calls, view, relayClient, peers, logger).Handler(cfg.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, gracefully shutting down")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := calls.Close(shutdownCtx); err != nil {
		logger.Error("failed to end active call", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("call client stopped")
	return nil
}

// setupLogger creates a structured logger
func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

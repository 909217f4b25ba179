package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/strandlabs/strand/config"
	"github.com/strandlabs/strand/relay/core"
	"github.com/strandlabs/strand/relay/pubsub"
	"github.com/strandlabs/strand/relay/store"
)

func main() {
	var configPath string
	var debug bool
	flag.StringVar(&configPath, "config", "relay.yaml", "path to the relay config file")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("Failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open event store", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}
	defer eventStore.Close()

	transport, err := buildTransport(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to connect publish transport", "transport", cfg.Transport, "error", err)
		os.Exit(1)
	}
	defer transport.Close()

	relay, err := core.New(ctx, logger.WithGroup("core"), cfg, eventStore, transport)
	if err != nil {
		logger.Error("Failed to start relay core", "error", err)
		os.Exit(1)
	}
	defer relay.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/", relay.ServeWS)
	mux.Handle("/metrics", relay.Metrics().Handler())

	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		logger.Info("Relay listening",
			"addr", cfg.Listen,
			"relay", cfg.Relay.Name,
			"store", cfg.Store.Backend,
			"transport", cfg.Transport,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
}

func buildStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.EventStore, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendBadger:
		return store.NewBadger(cfg.Store.Path, logger)
	default:
		return store.NewSQLite(ctx, cfg.Store.Path, logger)
	}
}

func buildTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (pubsub.Transport, error) {
	switch cfg.Transport {
	case config.TransportRedis:
		return pubsub.NewRedis(ctx, pubsub.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		}, logger)
	default:
		return pubsub.NewLoopback(cfg.Sessions.EventChannelSize), nil
	}
}

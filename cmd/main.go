// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fluxpush/auth"
	"github.com/absmach/fluxpush/broker/webhook"
	"github.com/absmach/fluxpush/config"
	"github.com/absmach/fluxpush/dst/agent"
	"github.com/absmach/fluxpush/dst/agent/middleware"
	"github.com/absmach/fluxpush/dst/broker"
	"github.com/absmach/fluxpush/internal/wiring"
	"github.com/absmach/fluxpush/ratelimit"
	"github.com/absmach/fluxpush/server/health"
	"github.com/absmach/fluxpush/server/otel"
	"github.com/absmach/fluxpush/server/tcp"
	"github.com/absmach/fluxpush/server/websocket"
	"github.com/absmach/fluxpush/storage"
	"github.com/absmach/fluxpush/storage/badger"
	"github.com/absmach/fluxpush/storage/memory"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	instanceID := uuid.NewString()
	slog.Info("Starting DST broker", "version", "0.1.0", "instance", instanceID)
	slog.Info("Configuration loaded",
		"tcp_listener", cfg.Server.TCPAddr,
		"ws_enabled", cfg.Server.WSEnabled,
		"ws_listener", cfg.Server.WSAddr,
		"health_listener", cfg.Server.HealthAddr,
		"default_level", cfg.Broker.DefaultLevel,
		"storage", cfg.Storage.Type,
		"log_level", cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics
	var tracer trace.Tracer

	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(ctx, cfg.Server, instanceID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.MetricsAddr)

		if cfg.Server.OtelMetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
		}
		if cfg.Server.OtelTracesEnabled {
			tracer = otel.Tracer()
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Server.OtelTraceSampleRate)
		}
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		slog.Error("Failed to open storage", "type", cfg.Storage.Type, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var notifier broker.Notifier
	var webhooks *webhook.Notifier
	if cfg.Webhook.Enabled {
		webhooks, err = webhook.NewNotifier(cfg.Webhook, instanceID, webhook.NewHTTPSender(), logger, metrics)
		if err != nil {
			slog.Error("Failed to create webhook notifier", "error", err)
			os.Exit(1)
		}
		notifier = webhooks
		slog.Info("Webhook notifications enabled",
			"endpoints", len(cfg.Webhook.Endpoints),
			"workers", cfg.Webhook.Workers)
	}

	hall := broker.NewHall(store.Retained(), broker.OptionsFromConfig(cfg.Broker), logger, metrics, tracer, notifier)

	limiter := ratelimit.NewManager(cfg.RateLimit)
	defer limiter.Stop()
	if cfg.RateLimit.Enabled {
		slog.Info("Rate limiting enabled",
			"connection_rate", cfg.RateLimit.Connection.Rate,
			"publish_rate", cfg.RateLimit.Publish.Rate,
			"subscribe_rate", cfg.RateLimit.Subscribe.Rate)
	}

	var policy agent.Policy = agent.NewBasePolicy(auth.NewEngine(auth.FromConfig(cfg.Auth), nil), logger)
	if cfg.Log.Level == "debug" {
		policy = middleware.NewLogging(policy, logger)
	}

	opts, err := wiring.OptionsFromConfig(*cfg)
	if err != nil {
		slog.Error("Invalid broker configuration", "error", err)
		os.Exit(1)
	}
	opts.Limiter = limiter
	handler := wiring.NewHandler(hall, policy, opts, logger, metrics, notifier)

	var wg sync.WaitGroup
	serverErr := make(chan error, 3)
	start := func(name string, listen func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listen(ctx); err != nil {
				slog.Error("Server error", "server", name, "error", err)
				serverErr <- err
			}
		}()
	}

	tcpServer := tcp.New(tcp.Config{
		Address:         cfg.Server.TCPAddr,
		Logger:          logger,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxConnections:  cfg.Server.MaxConnections,
	}, handler)
	start("tcp", tcpServer.Listen)
	slog.Info("TCP server started", "addr", cfg.Server.TCPAddr)

	if cfg.Server.WSEnabled {
		wsServer := websocket.New(websocket.Config{
			Address:         cfg.Server.WSAddr,
			Path:            cfg.Server.WSPath,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, handler, logger)
		start("websocket", wsServer.Listen)
		slog.Info("WebSocket server started", "addr", cfg.Server.WSAddr, "path", cfg.Server.WSPath)
	}

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, hall, handler, logger)
		start("health", healthServer.Listen)
		slog.Info("Health server started", "addr", cfg.Server.HealthAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed, shutting down", "error", err)
	}

	cancel()
	wg.Wait()

	if err := hall.Close(); err != nil {
		slog.Error("Error closing hall", "error", err)
	}
	if webhooks != nil {
		if err := webhooks.Close(); err != nil {
			slog.Error("Error closing webhook notifier", "error", err)
		}
	}

	if otelShutdown != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Error("Error shutting down OpenTelemetry", "error", err)
		}
		shutdownCancel()
	}

	slog.Info("Broker stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "badger":
		s, err := badger.New(badger.Config{CompressionThreshold: cfg.CompressionThreshold})
		if err != nil {
			return nil, err
		}
		slog.Info("Using BadgerDB retained store", "compression_threshold", cfg.CompressionThreshold)
		return s, nil
	default:
		slog.Info("Using in-memory retained store")
		return memory.New(), nil
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command ingress accepts chat messages over websocket and publishes them
// to the broker queue of their room.
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

	"github.com/absmach/fluxchat/broker"
	"github.com/absmach/fluxchat/config"
	"github.com/absmach/fluxchat/internal/wiring"
	"github.com/absmach/fluxchat/metrics"
	"github.com/absmach/fluxchat/pool"
	"github.com/absmach/fluxchat/ratelimit"
	"github.com/absmach/fluxchat/server/health"
	"github.com/absmach/fluxchat/server/ingress"
	"github.com/absmach/fluxchat/server/otel"
	"github.com/sony/gobreaker"
)

type status struct {
	ServerID string           `json:"server_id"`
	Breaker  string           `json:"circuit_breaker"`
	Ingress  ingress.Stats    `json:"ingress"`
	Channels pool.Stats       `json:"channels"`
	Metrics  metrics.Snapshot `json:"metrics"`
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := wiring.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	slog.Info("Starting chat ingress",
		slog.String("server_id", cfg.Ingress.ServerID),
		slog.String("broker", cfg.Broker.Type),
		slog.Int("rooms", cfg.Rooms))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelShutdown, err := otel.InitProvider(ctx, cfg.Telemetry, otel.Service{
		Role:       otel.RoleIngress,
		InstanceID: cfg.Ingress.ServerID,
		Broker:     cfg.Broker.Type,
		Rooms:      cfg.Rooms,
	})
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	if cfg.Broker.Type == wiring.BrokerMemory {
		slog.Warn("Memory broker is not shared between processes, run the consumer command for a single-process setup")
	}

	conn, err := wiring.DialBroker(ctx, cfg.Broker, wiring.RoomKeys(cfg.Rooms), wiring.Policy(cfg.Retry.Reconnect), m, logger)
	if err != nil {
		slog.Error("Failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	channels, err := broker.NewChannelPool(conn, "publisher-channels", cfg.Broker.ChannelPool, logger)
	if err != nil {
		slog.Error("Failed to create publisher channel pool", "error", err)
		os.Exit(1)
	}
	defer channels.Shutdown()

	publisher := broker.NewPublisher(channels, broker.PublisherConfig{
		Retry: wiring.Policy(cfg.Retry.Send),
		Breaker: broker.BreakerConfig{
			FailureThreshold: cfg.Broker.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Broker.Breaker.ResetTimeout,
		},
	}, m, logger)

	if cfg.Telemetry.Enabled && cfg.Telemetry.MetricsEnabled {
		otelMetrics, err := otel.NewMetrics(m, otel.Gauge{
			Name:        "chat.publisher.channels",
			Description: "Live broker channels in the publisher pool",
			Value:       func() int64 { return int64(channels.Stats().Live) },
		})
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
		defer otelMetrics.Unregister()
		slog.Info("OTel metrics enabled", "endpoint", cfg.Telemetry.Endpoint)
	}

	limiter := ratelimit.NewManager(cfg.RateLimit)
	defer limiter.Stop()
	if cfg.RateLimit.Enabled {
		slog.Info("Rate limiting enabled",
			slog.Bool("connection", cfg.RateLimit.Connection.Enabled),
			slog.Bool("message", cfg.RateLimit.Message.Enabled))
	}

	ingressServer := ingress.New(ingress.Config{
		Address:         cfg.Ingress.Addr,
		ServerID:        cfg.Ingress.ServerID,
		Rooms:           cfg.Rooms,
		WriteTimeout:    cfg.Broadcast.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, publisher, limiter, logger)

	var wg sync.WaitGroup
	serverErr := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Starting ingress server", "address", cfg.Ingress.Addr)
		if err := ingressServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.Health.Enabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Health.Addr,
			Service:         "chat-ingress",
			ShutdownTimeout: cfg.ShutdownTimeout,
		}, health.Funcs{
			ReadyFunc: func() bool {
				return publisher.BreakerState() != gobreaker.StateOpen.String()
			},
			StatusFunc: func() any {
				return status{
					ServerID: cfg.Ingress.ServerID,
					Breaker:  publisher.BreakerState(),
					Ingress:  ingressServer.Stats(),
					Channels: channels.Stats(),
					Metrics:  m.Snapshot(),
				}
			},
		}, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting health check server", "address", cfg.Health.Addr)
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Chat ingress started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	cancel()
	wg.Wait()

	otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer otelCancel()
	if err := otelShutdown(otelShutdownCtx); err != nil {
		slog.Error("Failed to shutdown OpenTelemetry", "error", err)
	}

	slog.Info("Chat ingress stopped")
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command consumer runs the partitioned consumer pool and the broadcast
// server that fans room messages out to websocket subscribers. With the
// memory broker it also serves ingress in the same process.
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
	"github.com/absmach/fluxchat/consumer"
	"github.com/absmach/fluxchat/internal/wiring"
	"github.com/absmach/fluxchat/metrics"
	"github.com/absmach/fluxchat/ratelimit"
	"github.com/absmach/fluxchat/room"
	"github.com/absmach/fluxchat/server/broadcast"
	"github.com/absmach/fluxchat/server/health"
	"github.com/absmach/fluxchat/server/ingress"
	"github.com/absmach/fluxchat/server/otel"
)

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

	slog.Info("Starting chat consumer",
		slog.String("broker", cfg.Broker.Type),
		slog.Int("rooms", cfg.Rooms),
		slog.Int("workers", cfg.Consumer.Workers),
		slog.Int("prefetch", cfg.Consumer.Prefetch))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	instanceID, _ := os.Hostname()
	otelShutdown, err := otel.InitProvider(ctx, cfg.Telemetry, otel.Service{
		Role:       otel.RoleConsumer,
		InstanceID: instanceID,
		Broker:     cfg.Broker.Type,
		Rooms:      cfg.Rooms,
	})
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	rooms := wiring.RoomKeys(cfg.Rooms)

	conn, err := wiring.DialBroker(ctx, cfg.Broker, rooms, wiring.Policy(cfg.Retry.Reconnect), m, logger)
	if err != nil {
		slog.Error("Failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	dedup, err := room.NewLRUDedup(cfg.Dedup.Capacity, cfg.Dedup.Shards)
	if err != nil {
		slog.Error("Failed to create dedup cache", "error", err)
		os.Exit(1)
	}
	manager := room.NewManager(dedup, m, logger)

	consumers, err := consumer.NewPool(consumer.Config{
		Rooms:          cfg.Rooms,
		Workers:        cfg.Consumer.Workers,
		Prefetch:       cfg.Consumer.Prefetch,
		ReportInterval: cfg.Consumer.ReportInterval,
		Reconnect:      wiring.Policy(cfg.Retry.Reconnect),
	}, conn, manager, m, logger)
	if err != nil {
		slog.Error("Failed to create consumer pool", "error", err)
		os.Exit(1)
	}

	if cfg.Telemetry.Enabled && cfg.Telemetry.MetricsEnabled {
		otelMetrics, err := otel.NewMetrics(m,
			otel.Gauge{
				Name:        "chat.rooms.active",
				Description: "Rooms with at least one subscriber",
				Value:       func() int64 { return int64(manager.Stats().Rooms) },
			},
			otel.Gauge{
				Name:        "chat.rooms.subscribers",
				Description: "Connected broadcast subscribers",
				Value:       func() int64 { return int64(manager.Stats().Subscribers) },
			},
			otel.Gauge{
				Name:        "chat.dedup.entries",
				Description: "Message ids held by the dedup cache",
				Value:       func() int64 { return int64(manager.Stats().DedupEntries) },
			},
		)
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
		defer otelMetrics.Unregister()
		slog.Info("OTel metrics enabled", "endpoint", cfg.Telemetry.Endpoint)
	}

	limiter := ratelimit.NewManager(cfg.RateLimit)
	defer limiter.Stop()

	var wg sync.WaitGroup
	serverErr := make(chan error, 4)

	if err := consumers.Start(ctx); err != nil {
		slog.Error("Failed to start consumer pool", "error", err)
		os.Exit(1)
	}

	broadcastServer := broadcast.New(broadcast.Config{
		Address:         cfg.Broadcast.Addr,
		Rooms:           cfg.Rooms,
		WriteTimeout:    cfg.Broadcast.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, manager, limiter, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Starting broadcast server", "address", cfg.Broadcast.Addr)
		if err := broadcastServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.Broker.Type == wiring.BrokerMemory {
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
		ingressServer := ingress.New(ingress.Config{
			Address:         cfg.Ingress.Addr,
			ServerID:        cfg.Ingress.ServerID,
			Rooms:           cfg.Rooms,
			WriteTimeout:    cfg.Broadcast.WriteTimeout,
			ShutdownTimeout: cfg.ShutdownTimeout,
		}, publisher, limiter, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting in-process ingress server", "address", cfg.Ingress.Addr)
			if err := ingressServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Health.Enabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Health.Addr,
			Service:         "chat-consumer",
			ShutdownTimeout: cfg.ShutdownTimeout,
		}, health.Funcs{
			ReadyFunc:  consumers.Ready,
			StatusFunc: func() any { return consumers.Status() },
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

	slog.Info("Chat consumer started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	case <-consumers.Done():
		slog.Error("All consumer workers stopped", "error", consumers.Err())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := consumers.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error during consumer shutdown", "error", err)
	}

	cancel()
	wg.Wait()

	otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer otelCancel()
	if err := otelShutdown(otelShutdownCtx); err != nil {
		slog.Error("Failed to shutdown OpenTelemetry", "error", err)
	}

	slog.Info("Chat consumer stopped")
}

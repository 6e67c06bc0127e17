// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wiring

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxchat/broker"
	"github.com/absmach/fluxchat/broker/memory"
	"github.com/absmach/fluxchat/broker/rabbitmq"
	"github.com/absmach/fluxchat/config"
	"github.com/absmach/fluxchat/retry"
)

// Broker types.
const (
	BrokerRabbitMQ = "rabbitmq"
	BrokerMemory   = "memory"
)

// DialBroker connects to the configured broker and declares one durable
// queue per room. RabbitMQ dials are retried with policy.
func DialBroker(ctx context.Context, cfg config.BrokerConfig, rooms []string, policy retry.Policy, rec retry.Recorder, logger *slog.Logger) (broker.Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Type {
	case BrokerMemory:
		logger.Warn("using in-memory broker, messages do not survive a restart")
		return memory.New(rooms...), nil
	case BrokerRabbitMQ, "":
	default:
		return nil, fmt.Errorf("unknown broker type %q", cfg.Type)
	}

	opts := rabbitmq.NewOptions().
		SetAddress(cfg.Address()).
		SetCredentials(cfg.Username, cfg.Password).
		SetVhost(cfg.Vhost).
		SetDialTimeout(cfg.DialTimeout).
		SetHeartbeat(cfg.Heartbeat).
		SetNaming(broker.Naming{Exchange: cfg.Exchange, QueuePrefix: cfg.QueuePrefix})

	var conn *rabbitmq.Connection
	err := policy.Do(ctx, func(ctx context.Context) error {
		c, err := rabbitmq.Dial(ctx, opts, logger)
		if err != nil {
			logger.Warn("rabbitmq dial failed", slog.String("address", cfg.Address()), slog.String("error", err.Error()))
			return err
		}
		conn = c
		return nil
	}, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	if err := conn.DeclareTopology(rooms); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare topology: %w", err)
	}

	logger.Info("rabbitmq connected",
		slog.String("address", cfg.Address()),
		slog.String("exchange", cfg.Exchange),
		slog.Int("queues", len(rooms)))
	return conn, nil
}

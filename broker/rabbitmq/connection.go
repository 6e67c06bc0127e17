// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package rabbitmq implements the broker boundary on RabbitMQ: one durable
// queue per room bound to a topic exchange, manual acknowledgements, and
// per-channel prefetch.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/absmach/fluxchat/broker"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

var _ broker.Connection = (*Connection)(nil)

// Connection is a RabbitMQ connection that opens broker channels.
type Connection struct {
	opts   *Options
	conn   *amqp091.Connection
	logger *slog.Logger
}

// Dial connects to RabbitMQ.
func Dial(ctx context.Context, opts *Options, logger *slog.Logger) (*Connection, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer := &net.Dialer{Timeout: opts.DialTimeout}
	cfg := amqp091.Config{
		TLSClientConfig: opts.TLSConfig,
		Heartbeat:       opts.Heartbeat,
		Dial: func(network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
	}

	conn, err := amqp091.DialConfig(opts.dialURL(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rabbitmq: %w", err)
	}

	c := &Connection{opts: opts, conn: conn, logger: logger}
	go c.watch()
	return c, nil
}

func (c *Connection) watch() {
	err, ok := <-c.conn.NotifyClose(make(chan *amqp091.Error, 1))
	if ok && err != nil {
		c.logger.Error("rabbitmq connection lost", slog.String("error", err.Error()))
		return
	}
	c.logger.Info("rabbitmq connection closed")
}

// DeclareTopology declares the topic exchange and one durable queue per
// partition bound by its routing key.
func (c *Connection) DeclareTopology(partitions []string) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	n := c.opts.Naming
	if err := ch.ExchangeDeclare(n.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", n.Exchange, err)
	}
	for _, p := range partitions {
		queue := n.Queue(p)
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
		if err := ch.QueueBind(queue, n.RoutingKey(p), n.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", queue, err)
		}
	}

	c.logger.Info("rabbitmq topology declared",
		slog.String("exchange", n.Exchange),
		slog.Int("queues", len(partitions)))
	return nil
}

// Channel opens a new broker channel.
func (c *Connection) Channel(ctx context.Context) (broker.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.conn.IsClosed() {
		return nil, broker.ErrConnectionClosed
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return newChannel(ch, c.opts.Naming, c.logger), nil
}

// IsClosed reports whether the underlying connection is closed.
func (c *Connection) IsClosed() bool {
	return c.conn.IsClosed()
}

// Close closes the connection and every channel on it.
func (c *Connection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

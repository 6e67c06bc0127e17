// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxchat/broker"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

var (
	_ broker.Channel  = (*Channel)(nil)
	_ broker.Delivery = (*delivery)(nil)
)

// amqpChannel is the subset of *amqp091.Channel the adapter uses.
type amqpChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(c chan *amqp091.Error) chan *amqp091.Error
	IsClosed() bool
	Close() error
}

// Channel wraps an AMQP channel. Publishes and acknowledgements are
// serialized on chMu.
type Channel struct {
	ch     amqpChannel
	naming broker.Naming
	logger *slog.Logger

	chMu   sync.Mutex
	closed atomic.Bool
}

func newChannel(ch amqpChannel, naming broker.Naming, logger *slog.Logger) *Channel {
	c := &Channel{ch: ch, naming: naming, logger: logger}

	notify := ch.NotifyClose(make(chan *amqp091.Error, 1))
	go func() {
		if err, ok := <-notify; ok && err != nil {
			c.logger.Warn("rabbitmq channel closed", slog.String("error", err.Error()))
		}
		c.closed.Store(true)
	}()

	return c
}

// Qos sets the prefetch count shared by every consumer on the channel, so
// a worker holds at most prefetch unacknowledged messages across its rooms.
func (c *Channel) Qos(prefetch int) error {
	return c.ch.Qos(prefetch, 0, true)
}

// Publish sends body to the partition's routing key as a persistent message.
func (c *Channel) Publish(ctx context.Context, partition string, body []byte) error {
	if !c.IsOpen() {
		return broker.ErrChannelClosed
	}

	c.chMu.Lock()
	defer c.chMu.Unlock()

	return c.ch.PublishWithContext(ctx, c.naming.Exchange, c.naming.RoutingKey(partition), false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// Consume subscribes to the partition's queue with manual acknowledgement.
// Once ctx is done, remaining deliveries are nacked with requeue until the
// subscription is cancelled.
func (c *Channel) Consume(ctx context.Context, partition, tag string) (<-chan broker.Delivery, error) {
	queue := c.naming.Queue(partition)
	deliveries, err := c.ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		for d := range deliveries {
			del := &delivery{d: d, partition: partition, ch: c}
			select {
			case out <- del:
			case <-ctx.Done():
				_ = del.Nack(true)
			}
		}
	}()

	return out, nil
}

// Cancel stops the subscription with the given consumer tag.
func (c *Channel) Cancel(tag string) error {
	if !c.IsOpen() {
		return nil
	}
	return c.ch.Cancel(tag, false)
}

// IsOpen reports whether the channel can still be used.
func (c *Channel) IsOpen() bool {
	return !c.closed.Load() && !c.ch.IsClosed()
}

// Close closes the channel.
func (c *Channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.ch.IsClosed() {
		return nil
	}
	return c.ch.Close()
}

type delivery struct {
	d         amqp091.Delivery
	partition string
	ch        *Channel
}

func (d *delivery) Partition() string { return d.partition }
func (d *delivery) Body() []byte      { return d.d.Body }
func (d *delivery) Redelivered() bool { return d.d.Redelivered }

func (d *delivery) Ack() error {
	d.ch.chMu.Lock()
	defer d.ch.chMu.Unlock()
	return d.d.Ack(false)
}

func (d *delivery) Nack(requeue bool) error {
	d.ch.chMu.Lock()
	defer d.ch.chMu.Unlock()
	return d.d.Nack(false, requeue)
}

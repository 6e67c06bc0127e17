// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker defines the boundary to the durable, partitioned,
// at-least-once message broker that sits between ingress and consumers.
package broker

import (
	"context"
	"errors"
)

// Default topology names.
const (
	DefaultExchange    = "chat.exchange"
	DefaultQueuePrefix = "room."
)

// Broker errors.
var (
	ErrChannelClosed    = errors.New("broker channel closed")
	ErrConnectionClosed = errors.New("broker connection closed")
	ErrUnknownPartition = errors.New("unknown partition")
)

// Delivery is one message pulled from a partition. Exactly one of Ack or
// Nack should be called.
type Delivery interface {
	Partition() string
	Body() []byte
	Redelivered() bool
	// Ack durably removes the message from the broker.
	Ack() error
	// Nack rejects the message; with requeue it becomes eligible for
	// redelivery to any consumer of the partition.
	Nack(requeue bool) error
}

// Channel is a lightweight session on a broker connection. Channels are
// pooled and handed to one user at a time.
type Channel interface {
	// Qos bounds the number of unacknowledged deliveries on the channel.
	Qos(prefetch int) error
	Publish(ctx context.Context, partition string, body []byte) error
	// Consume starts a pull subscription on a partition. The returned
	// stream closes when the subscription is cancelled or the channel dies.
	Consume(ctx context.Context, partition, tag string) (<-chan Delivery, error)
	Cancel(tag string) error
	IsOpen() bool
	Close() error
}

// Connection opens channels.
type Connection interface {
	Channel(ctx context.Context) (Channel, error)
	Close() error
}

// Naming maps partition keys to broker queue and routing key names.
type Naming struct {
	Exchange    string
	QueuePrefix string
}

// DefaultNaming returns the default naming: exchange "chat.exchange" and
// queues "room.<key>".
func DefaultNaming() Naming {
	return Naming{Exchange: DefaultExchange, QueuePrefix: DefaultQueuePrefix}
}

// Queue returns the queue name for a partition.
func (n Naming) Queue(partition string) string {
	return n.QueuePrefix + partition
}

// RoutingKey returns the routing key for a partition.
func (n Naming) RoutingKey(partition string) string {
	return n.QueuePrefix + partition
}

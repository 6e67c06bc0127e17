// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory is an in-process broker with at-least-once semantics. It
// backs local runs and tests: unacknowledged deliveries on a closed channel
// and nacked deliveries with requeue are redelivered.
package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/absmach/fluxchat/broker"
)

// ErrAlreadySettled is returned when a delivery is acked or nacked twice.
var ErrAlreadySettled = errors.New("delivery already settled")

var (
	_ broker.Connection = (*Broker)(nil)
	_ broker.Channel    = (*channel)(nil)
	_ broker.Delivery   = (*delivery)(nil)
)

type message struct {
	body        []byte
	redelivered bool
}

// partition is one durable queue.
type partition struct {
	mu    sync.Mutex
	queue []*message
	wake  chan struct{}
}

func newPartition() *partition {
	return &partition{wake: make(chan struct{})}
}

func (p *partition) push(m *message, front bool) {
	p.mu.Lock()
	if front {
		p.queue = append([]*message{m}, p.queue...)
	} else {
		p.queue = append(p.queue, m)
	}
	close(p.wake)
	p.wake = make(chan struct{})
	p.mu.Unlock()
}

// pop blocks until a message is available or one of the stop channels closes.
func (p *partition) pop(stop, done <-chan struct{}) (*message, bool) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			m := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return m, true
		}
		wake := p.wake
		p.mu.Unlock()

		select {
		case <-wake:
		case <-stop:
			return nil, false
		case <-done:
			return nil, false
		}
	}
}

func (p *partition) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Broker is an in-memory broker connection.
type Broker struct {
	mu         sync.Mutex
	partitions map[string]*partition
	channels   map[*channel]struct{}
	closed     bool
	published  atomic.Uint64
}

// New creates a broker with the given partitions declared.
func New(partitions ...string) *Broker {
	b := &Broker{
		partitions: make(map[string]*partition),
		channels:   make(map[*channel]struct{}),
	}
	b.Declare(partitions...)
	return b
}

// Declare creates partitions that do not exist yet.
func (b *Broker) Declare(keys ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		if _, ok := b.partitions[k]; !ok {
			b.partitions[k] = newPartition()
		}
	}
}

// Channel opens a new channel.
func (b *Broker) Channel(ctx context.Context) (broker.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, broker.ErrConnectionClosed
	}

	ch := &channel{
		broker:  b,
		subs:    make(map[string]chan struct{}),
		unacked: make(map[*delivery]struct{}),
		done:    make(chan struct{}),
	}
	b.channels[ch] = struct{}{}
	return ch, nil
}

// Close closes every channel and rejects new ones.
func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.CloseChannels()
	return nil
}

// CloseChannels force-closes all open channels, as a connection failure
// would. Their unacknowledged deliveries are requeued.
func (b *Broker) CloseChannels() {
	b.mu.Lock()
	chs := make([]*channel, 0, len(b.channels))
	for ch := range b.channels {
		chs = append(chs, ch)
	}
	b.mu.Unlock()

	for _, ch := range chs {
		_ = ch.Close()
	}
}

// Publish appends body to a partition. It is the broker-side equivalent of
// a channel publish.
func (b *Broker) Publish(key string, body []byte) error {
	p, err := b.partition(key)
	if err != nil {
		return err
	}
	p.push(&message{body: body}, false)
	b.published.Add(1)
	return nil
}

// Ready returns the number of messages waiting in a partition.
func (b *Broker) Ready(key string) int {
	p, err := b.partition(key)
	if err != nil {
		return 0
	}
	return p.len()
}

// Published returns the total number of published messages.
func (b *Broker) Published() uint64 {
	return b.published.Load()
}

func (b *Broker) partition(key string) (*partition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.partitions[key]
	if !ok {
		return nil, broker.ErrUnknownPartition
	}
	return p, nil
}

func (b *Broker) forget(ch *channel) {
	b.mu.Lock()
	delete(b.channels, ch)
	b.mu.Unlock()
}

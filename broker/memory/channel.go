// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/absmach/fluxchat/broker"
)

type channel struct {
	broker *Broker

	mu      sync.Mutex
	credit  chan struct{} // nil means unlimited prefetch
	subs    map[string]chan struct{}
	unacked map[*delivery]struct{}
	closed  bool
	done    chan struct{}
}

func (c *channel) Qos(prefetch int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return broker.ErrChannelClosed
	}
	if prefetch > 0 {
		c.credit = make(chan struct{}, prefetch)
	} else {
		c.credit = nil
	}
	return nil
}

func (c *channel) Publish(ctx context.Context, key string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.IsOpen() {
		return broker.ErrChannelClosed
	}
	return c.broker.Publish(key, body)
}

func (c *channel) Consume(ctx context.Context, key, tag string) (<-chan broker.Delivery, error) {
	p, err := c.broker.partition(key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, broker.ErrChannelClosed
	}
	stop := make(chan struct{})
	c.subs[tag] = stop
	credit := c.credit
	c.mu.Unlock()

	out := make(chan broker.Delivery)
	go c.pump(p, key, credit, stop, out)
	return out, nil
}

// pump moves messages from the partition to the subscriber while the
// channel has prefetch credit.
func (c *channel) pump(p *partition, key string, credit chan struct{}, stop chan struct{}, out chan broker.Delivery) {
	defer close(out)

	for {
		if credit != nil {
			select {
			case credit <- struct{}{}:
			case <-stop:
				return
			case <-c.done:
				return
			}
		}

		m, ok := p.pop(stop, c.done)
		if !ok {
			c.returnCredit(credit)
			return
		}

		d := &delivery{ch: c, part: p, key: key, msg: m, credit: credit}
		if !c.track(d) {
			p.push(&message{body: m.body, redelivered: true}, true)
			return
		}

		select {
		case out <- d:
		case <-stop:
			c.requeue(d)
			return
		case <-c.done:
			return
		}
	}
}

func (c *channel) track(d *delivery) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.unacked[d] = struct{}{}
	return true
}

// settle removes d from the unacked set. It returns false if the channel
// already closed and requeued it.
func (c *channel) settle(d *delivery) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.unacked[d]; !ok {
		return false
	}
	delete(c.unacked, d)
	return true
}

func (c *channel) requeue(d *delivery) {
	if c.settle(d) {
		d.part.push(&message{body: d.msg.body, redelivered: true}, true)
		c.returnCredit(d.credit)
	}
}

func (c *channel) returnCredit(credit chan struct{}) {
	if credit == nil {
		return
	}
	select {
	case <-credit:
	default:
	}
}

func (c *channel) Cancel(tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stop, ok := c.subs[tag]; ok {
		close(stop)
		delete(c.subs, tag)
	}
	return nil
}

func (c *channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close stops all subscriptions and requeues unacknowledged deliveries.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	for tag, stop := range c.subs {
		close(stop)
		delete(c.subs, tag)
	}
	pending := make([]*delivery, 0, len(c.unacked))
	for d := range c.unacked {
		pending = append(pending, d)
	}
	c.unacked = make(map[*delivery]struct{})
	c.mu.Unlock()

	for _, d := range pending {
		d.part.push(&message{body: d.msg.body, redelivered: true}, true)
	}
	c.broker.forget(c)
	return nil
}

type delivery struct {
	ch      *channel
	part    *partition
	key     string
	msg     *message
	credit  chan struct{}
	settled atomic.Bool
}

func (d *delivery) Partition() string { return d.key }
func (d *delivery) Body() []byte      { return d.msg.body }
func (d *delivery) Redelivered() bool { return d.msg.redelivered }

func (d *delivery) Ack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	if !d.ch.settle(d) {
		return broker.ErrChannelClosed
	}
	d.ch.returnCredit(d.credit)
	return nil
}

func (d *delivery) Nack(requeue bool) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	if !d.ch.settle(d) {
		return broker.ErrChannelClosed
	}
	if requeue {
		d.part.push(&message{body: d.msg.body, redelivered: true}, true)
	}
	d.ch.returnCredit(d.credit)
	return nil
}

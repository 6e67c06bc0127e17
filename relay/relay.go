// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay provides a bounded queue that hands work from a producer to
// a fixed set of dispatchers and tells them apart "empty for now" from
// "empty for good".
package relay

import (
	"context"
	"errors"
	"sync"
)

// Relay errors.
var (
	// ErrDrained is returned by Take once the producer is done and every
	// queued item has been taken.
	ErrDrained = errors.New("relay queue drained")
	// ErrProducerDone is returned by Put after MarkProducerDone.
	ErrProducerDone = errors.New("relay producer already finished")
)

// Queue is a bounded FIFO with an explicit producer-finished signal.
type Queue[T any] struct {
	items chan T
	done  chan struct{}
	once  sync.Once
}

// New creates a queue holding at most capacity items.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		items: make(chan T, capacity),
		done:  make(chan struct{}),
	}
}

// Put enqueues item, blocking while the queue is full.
func (q *Queue[T]) Put(ctx context.Context, item T) error {
	select {
	case <-q.done:
		return ErrProducerDone
	default:
	}

	select {
	case q.items <- item:
		return nil
	case <-q.done:
		return ErrProducerDone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Take dequeues the next item. It blocks while the queue is empty and the
// producer has not finished, and returns ErrDrained once both hold.
func (q *Queue[T]) Take(ctx context.Context) (T, error) {
	var zero T

	select {
	case item := <-q.items:
		return item, nil
	default:
	}

	select {
	case item := <-q.items:
		return item, nil
	case <-q.done:
		// Items put before the done signal may still be buffered.
		select {
		case item := <-q.items:
			return item, nil
		default:
			return zero, ErrDrained
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// MarkProducerDone signals that no more items will be put. Safe to call
// more than once.
func (q *Queue[T]) MarkProducerDone() {
	q.once.Do(func() { close(q.done) })
}

// ProducerDone reports whether MarkProducerDone has been called.
func (q *Queue[T]) ProducerDone() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// HasMore reports whether a dispatcher should keep polling: the queue holds
// items or the producer may still add some.
func (q *Queue[T]) HasMore() bool {
	return len(q.items) > 0 || !q.ProducerDone()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.items)
}

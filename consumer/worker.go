// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/fluxchat/broker"
	"github.com/absmach/fluxchat/chat"
	"github.com/absmach/fluxchat/metrics"
	"github.com/absmach/fluxchat/pool"
	"github.com/absmach/fluxchat/retry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultPrefetch bounds unacknowledged deliveries per worker channel.
const DefaultPrefetch = 10

// Worker errors.
var (
	ErrAlreadyStarted = errors.New("worker already started")
	errStopping       = errors.New("worker stopping")
)

// Broadcaster delivers a consumed message to subscribers.
type Broadcaster interface {
	Deliver(msg chat.Message) error
}

// WorkerConfig configures one consumer worker.
type WorkerConfig struct {
	Index      int
	Partitions []string
	Prefetch   int
	Reconnect  retry.Policy
}

// Worker consumes a fixed set of partitions on one pooled broker channel
// and turns broadcast outcomes into acks and nacks.
type Worker struct {
	name       string
	partitions []string
	prefetch   int
	reconnect  retry.Policy

	channels    *pool.Pool[broker.Channel]
	broadcaster Broadcaster
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	logger      *slog.Logger

	state    stateManager
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu     sync.Mutex
	handle *pool.Handle[broker.Channel]
	tags   []string
	cancel context.CancelFunc
}

// NewWorker creates a worker in the idle state.
func NewWorker(cfg WorkerConfig, channels *pool.Pool[broker.Channel], b Broadcaster, m *metrics.Metrics, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = DefaultPrefetch
	}
	name := WorkerName(cfg.Index)

	return &Worker{
		name:        name,
		partitions:  cfg.Partitions,
		prefetch:    cfg.Prefetch,
		reconnect:   cfg.Reconnect,
		channels:    channels,
		broadcaster: b,
		metrics:     m,
		tracer:      otel.Tracer("github.com/absmach/fluxchat/consumer"),
		logger:      logger.With(slog.String("worker", name)),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Name returns the worker name.
func (w *Worker) Name() string {
	return w.name
}

// Partitions returns the partitions the worker consumes.
func (w *Worker) Partitions() []string {
	return append([]string(nil), w.partitions...)
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return w.state.get()
}

// Done is closed after the worker has stopped and released its channel.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Stop asks the worker to finish. A delivery being processed is completed
// first.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.state.transitionFrom(StateStopping, StateIdle, StateConsuming)
		close(w.stopCh)
	})
}

// Run consumes until Stop is called, ctx is cancelled, or the channel
// cannot be re-established.
func (w *Worker) Run(ctx context.Context) error {
	if !w.state.transition(StateIdle, StateConsuming) {
		if w.state.get() == StateStopping {
			w.state.set(StateStopped)
			close(w.done)
			return nil
		}
		return ErrAlreadyStarted
	}
	defer close(w.done)
	defer w.cleanup()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	w.logger.Info("worker started", slog.Any("rooms", w.partitions), slog.Int("prefetch", w.prefetch))

	if len(w.partitions) == 0 {
		// More workers than rooms.
		w.logger.Info("worker has no rooms, idling")
		<-ctx.Done()
		return nil
	}

	for {
		deliveries, err := w.subscribeWithRetry(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, errStopping) {
				return nil
			}
			w.logger.Error("worker subscribe failed", slog.String("error", err.Error()))
			return err
		}

		if !w.consume(ctx, deliveries) {
			return nil
		}

		w.logger.Warn("worker channel lost")
		w.metrics.RecordReconnect()
		w.releaseChannel()
	}
}

// consume processes deliveries until the stream closes or ctx is done.
// It returns true if the stream was lost.
func (w *Worker) consume(ctx context.Context, deliveries <-chan broker.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case d, ok := <-deliveries:
			if !ok {
				return ctx.Err() == nil
			}
			w.process(ctx, d)
		}
	}
}

func (w *Worker) process(ctx context.Context, d broker.Delivery) {
	_, span := w.tracer.Start(ctx, "consumer.process", trace.WithAttributes(
		attribute.String("room", d.Partition()),
		attribute.String("worker", w.name),
		attribute.Bool("redelivered", d.Redelivered()),
	))
	defer span.End()

	w.metrics.IncrementProcessed(w.name)

	msg, err := chat.Decode(d.Body())
	if err == nil {
		span.SetAttributes(attribute.String("message_id", msg.ID))
		err = w.broadcaster.Deliver(msg)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "processing failed")
		w.metrics.IncrementFailed()
		if nerr := d.Nack(true); nerr != nil {
			w.logger.Error("nack failed", slog.String("room", d.Partition()), slog.String("error", nerr.Error()))
		} else {
			w.metrics.IncrementNacked()
		}
		w.logger.Warn("message processing failed",
			slog.String("room", d.Partition()),
			slog.Bool("redelivered", d.Redelivered()),
			slog.String("error", err.Error()))
		return
	}

	if err := d.Ack(); err != nil {
		// The broker will redeliver; dedup drops the second copy.
		w.logger.Warn("ack failed", slog.String("message_id", msg.ID), slog.String("error", err.Error()))
		return
	}
	w.metrics.IncrementAcked()
}

func (w *Worker) subscribeWithRetry(ctx context.Context) (<-chan broker.Delivery, error) {
	var deliveries <-chan broker.Delivery
	err := w.reconnect.Do(ctx, func(ctx context.Context) error {
		select {
		case <-w.stopCh:
			return retry.Permanent(errStopping)
		default:
		}

		d, err := w.subscribe(ctx)
		if err != nil {
			w.logger.Warn("worker subscribe attempt failed", slog.String("error", err.Error()))
			if errors.Is(err, pool.ErrClosed) {
				return retry.Permanent(err)
			}
			return err
		}
		deliveries = d
		return nil
	}, w.metrics)
	return deliveries, err
}

// subscribe acquires a channel, sets prefetch, and merges one pull
// subscription per partition into a single stream.
func (w *Worker) subscribe(ctx context.Context) (<-chan broker.Delivery, error) {
	h, err := w.channels.Acquire(ctx, w.name)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire channel: %w", err)
	}
	ch := h.Value()

	if err := ch.Qos(w.prefetch); err != nil {
		w.channels.Discard(h)
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	merged := make(chan broker.Delivery)
	tags := make([]string, 0, len(w.partitions))
	var wg sync.WaitGroup

	for _, p := range w.partitions {
		tag := fmt.Sprintf("%s.room.%s.%s", w.name, p, uuid.NewString()[:8])
		stream, err := ch.Consume(subCtx, p, tag)
		if err != nil {
			cancel()
			for _, t := range tags {
				_ = ch.Cancel(t)
			}
			w.channels.Discard(h)
			return nil, fmt.Errorf("failed to consume room %s: %w", p, err)
		}
		tags = append(tags, tag)

		wg.Add(1)
		go func(stream <-chan broker.Delivery) {
			defer wg.Done()
			for d := range stream {
				select {
				case merged <- d:
				case <-subCtx.Done():
					_ = d.Nack(true)
				}
			}
		}(stream)
	}

	go func() {
		wg.Wait()
		close(merged)
	}()

	w.mu.Lock()
	w.handle, w.tags, w.cancel = h, tags, cancel
	w.mu.Unlock()

	w.logger.Debug("worker subscribed", slog.Int("subscriptions", len(tags)))
	return merged, nil
}

// releaseChannel cancels subscriptions and returns the channel to the pool.
// A channel that is no longer open is discarded.
func (w *Worker) releaseChannel() {
	w.mu.Lock()
	h, tags, cancel := w.handle, w.tags, w.cancel
	w.handle, w.tags, w.cancel = nil, nil, nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if h == nil {
		return
	}

	ch := h.Value()
	for _, tag := range tags {
		if err := ch.Cancel(tag); err != nil {
			w.logger.Debug("consumer cancel failed", slog.String("tag", tag), slog.String("error", err.Error()))
			h.MarkUnhealthy()
		}
	}
	if !ch.IsOpen() {
		h.MarkUnhealthy()
	}
	w.channels.Release(h)
}

func (w *Worker) cleanup() {
	w.releaseChannel()
	w.state.set(StateStopped)
	w.logger.Info("worker stopped")
}

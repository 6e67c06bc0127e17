// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxchat/chat"
	"github.com/absmach/fluxchat/pool"
	"github.com/absmach/fluxchat/retry"
	"github.com/sony/gobreaker"
)

// NewChannelPool creates a pool of broker channels opened on conn. Channels
// that report closed are dropped on acquire and release.
func NewChannelPool(conn Connection, name string, capacity int, logger *slog.Logger) (*pool.Pool[Channel], error) {
	factory := func(ctx context.Context, _ string) (Channel, error) {
		ch, err := conn.Channel(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to open channel: %w", err)
		}
		return ch, nil
	}

	return pool.New(pool.Config{Name: name, Capacity: capacity}, factory,
		pool.WithCloser(func(ch Channel) error { return ch.Close() }),
		pool.WithHealthCheck(func(ch Channel) bool { return ch.IsOpen() }),
		pool.WithLogger[Channel](logger),
	)
}

// BreakerConfig configures the publish circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// PublisherConfig holds publisher settings.
type PublisherConfig struct {
	Retry   retry.Policy
	Breaker BreakerConfig
}

// Publisher publishes chat messages to their room partition through pooled
// channels. Each publish is retried with backoff, and a circuit breaker
// fails fast while the broker keeps rejecting.
type Publisher struct {
	channels *pool.Pool[Channel]
	breaker  *gobreaker.CircuitBreaker
	policy   retry.Policy
	recorder retry.Recorder
	logger   *slog.Logger
}

// NewPublisher creates a publisher.
func NewPublisher(channels *pool.Pool[Channel], cfg PublisherConfig, rec retry.Recorder, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.Breaker.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker-publish",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.Breaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("publish circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &Publisher{
		channels: channels,
		breaker:  breaker,
		policy:   cfg.Retry,
		recorder: rec,
		logger:   logger,
	}
}

// Publish sends msg to the partition named by its room.
func (p *Publisher) Publish(ctx context.Context, msg chat.Message) error {
	body, err := chat.Encode(msg)
	if err != nil {
		return err
	}

	err = p.policy.Do(ctx, func(ctx context.Context) error {
		return p.publishOnce(ctx, msg.Room, body)
	}, p.recorder)
	if err != nil {
		p.logger.Error("publish failed",
			slog.String("message_id", msg.ID),
			slog.String("room", msg.Room),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to publish message %s: %w", msg.ID, err)
	}
	return nil
}

// BreakerState returns the circuit breaker state name.
func (p *Publisher) BreakerState() string {
	return p.breaker.State().String()
}

func (p *Publisher) publishOnce(ctx context.Context, room string, body []byte) error {
	h, err := p.channels.Acquire(ctx, room)
	if err != nil {
		if errors.Is(err, pool.ErrClosed) || ctx.Err() != nil {
			return retry.Permanent(err)
		}
		return err
	}

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, h.Value().Publish(ctx, room, body)
	})
	switch {
	case err == nil:
		p.channels.Release(h)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		// The breaker rejected the call; the channel itself was not used.
		p.channels.Release(h)
	default:
		p.channels.Discard(h)
	}
	return err
}

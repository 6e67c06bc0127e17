// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxchat/chat"
	"github.com/absmach/fluxchat/relay"
	"golang.org/x/time/rate"
)

// Producer fills a relay queue with generated messages.
type Producer struct {
	gen     *Generator
	queue   *relay.Queue[chat.Inbound]
	total   int
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewProducer creates a producer of total messages. A positive perSecond
// paces production; zero produces as fast as the queue accepts.
func NewProducer(gen *Generator, queue *relay.Queue[chat.Inbound], total int, perSecond float64, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Producer{
		gen:    gen,
		queue:  queue,
		total:  total,
		logger: logger,
	}
	if perSecond > 0 {
		burst := max(int(perSecond), 1)
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return p
}

// Run produces until total messages are queued or ctx is cancelled. The
// queue is always marked producer-done on return, so consumers drain and
// stop. It returns the number of messages queued.
func (p *Producer) Run(ctx context.Context) (int, error) {
	defer p.queue.MarkProducerDone()

	for i := 0; i < p.total; i++ {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return i, fmt.Errorf("failed to pace producer: %w", err)
			}
		}
		if err := p.queue.Put(ctx, p.gen.Next()); err != nil {
			return i, fmt.Errorf("failed to queue message: %w", err)
		}
	}

	p.logger.Info("producer done", slog.Int("messages", p.total))
	return p.total, nil
}

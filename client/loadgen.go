// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client implements a websocket load generator for the chat
// pipeline. Senders drain a bounded relay queue over pooled ingress sessions
// with per-message retry and session reconnect; receivers subscribe to the
// broadcast server and correlate deliveries by tracking id.
package client

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxchat/chat"
	"github.com/absmach/fluxchat/pool"
	"github.com/absmach/fluxchat/relay"
	"github.com/absmach/fluxchat/retry"
)

const (
	roomPath      = "/chat/"
	drainInterval = 50 * time.Millisecond
)

// Result summarizes a load generator run.
type Result struct {
	Sent          uint64        `json:"sent"`
	Failed        uint64        `json:"failed"`
	Acked         uint64        `json:"acked"`
	Rejected      uint64        `json:"rejected"`
	Received      uint64        `json:"received"`
	Broadcasts    uint64        `json:"broadcasts"`
	FailedSenders int           `json:"failed_senders"`
	Duration      time.Duration `json:"duration"`
	Throughput    float64       `json:"throughput"`
	Connections   StatsSnapshot `json:"connections"`
}

// LoadGenerator runs one load test.
type LoadGenerator struct {
	opts      *Options
	logger    *slog.Logger
	gen       *Generator
	tracker   *Tracker
	collector *Collector
	stats     *Stats
}

// New creates a load generator.
func New(opts *Options) (*LoadGenerator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	tracker, err := NewTracker(opts.TrackerSize)
	if err != nil {
		return nil, err
	}

	return &LoadGenerator{
		opts:      opts,
		logger:    opts.Logger,
		gen:       NewGenerator(opts.Rooms, uint64(time.Now().UnixNano())),
		tracker:   tracker,
		collector: NewCollector(min(opts.Messages, opts.TrackerSize)),
		stats:     &Stats{},
	}, nil
}

// Collector returns the latency samples of the run.
func (g *LoadGenerator) Collector() *Collector { return g.collector }

// Run connects receivers, sends the configured messages, waits for
// in-flight broadcasts, and returns the totals.
func (g *LoadGenerator) Run(ctx context.Context) (Result, error) {
	receivers := g.startReceivers(ctx)
	defer func() {
		for _, r := range receivers {
			_ = r.Close()
		}
	}()

	if len(receivers) > 0 && g.opts.WarmupTime > 0 {
		if err := retry.Sleep(ctx, g.opts.WarmupTime); err != nil {
			return Result{}, err
		}
	}

	sessions, err := pool.New[*Session](pool.Config{Name: "loadgen-sessions", Capacity: g.opts.Senders},
		g.dialSession,
		pool.WithCloser(func(s *Session) error { return s.Close() }),
		pool.WithHealthCheck(func(s *Session) bool { return s.IsOpen() }),
		pool.WithStrictKeys[*Session](),
		pool.WithLogger[*Session](g.logger))
	if err != nil {
		return Result{}, err
	}
	defer sessions.Shutdown()

	queue := relay.New[chat.Inbound](g.opts.QueueSize)
	producer := NewProducer(g.gen, queue, g.opts.Messages, g.opts.Rate, g.logger)

	senders := make([]*Sender, g.opts.Senders)
	for i := range senders {
		senders[i] = NewSender(SenderConfig{
			ID:        i + 1,
			Room:      g.gen.Room(),
			SendRetry: g.opts.SendRetry,
			Reconnect: g.opts.Reconnect,
		}, sessions, queue, g.tracker, g.stats, g.logger)
	}

	g.logger.Info("loadgen starting",
		slog.Int("messages", g.opts.Messages),
		slog.Int("senders", g.opts.Senders),
		slog.Int("receivers", len(receivers)),
		slog.Float64("rate", g.opts.Rate))

	start := time.Now()
	prodCtx, cancelProducer := context.WithCancel(ctx)
	defer cancelProducer()

	prodDone := make(chan struct{})
	go func() {
		defer close(prodDone)
		if _, err := producer.Run(prodCtx); err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Warn("producer stopped", slog.String("error", err.Error()))
		}
	}()

	var wg sync.WaitGroup
	for _, s := range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Run(ctx)
		}()
	}
	wg.Wait()
	// Nobody is left to drain the queue.
	cancelProducer()
	<-prodDone
	duration := time.Since(start)

	if len(receivers) > 0 {
		g.drain(ctx)
	}

	res := Result{
		Duration:    duration,
		Connections: g.stats.Snapshot(),
		Received:    uint64(g.collector.Count()),
	}
	for _, s := range senders {
		res.Sent += s.Sent()
		res.Failed += s.Failed()
		res.Acked += s.Acked()
		res.Rejected += s.Rejected()
		if s.Err() != nil {
			res.FailedSenders++
		}
	}
	for _, r := range receivers {
		res.Broadcasts += r.Received()
	}
	if secs := duration.Seconds(); secs > 0 {
		res.Throughput = float64(res.Sent) / secs
	}

	g.logger.Info("loadgen finished",
		slog.Uint64("sent", res.Sent),
		slog.Uint64("failed", res.Failed),
		slog.Uint64("received", res.Received),
		slog.Int("failed_senders", res.FailedSenders),
		slog.Duration("duration", res.Duration),
		slog.Float64("throughput", res.Throughput))

	if res.FailedSenders == len(senders) && g.opts.Messages > 0 {
		return res, ErrSenderFailed
	}
	return res, nil
}

func (g *LoadGenerator) dialSession(ctx context.Context, room string) (*Session, error) {
	s := NewSession(roomURL(g.opts.IngressURL, room), g.opts.DialTimeout, g.opts.WriteTimeout, g.logger)
	err := s.Dial(ctx)
	g.stats.RecordConnection(err == nil)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// startReceivers subscribes receivers round-robin over the rooms. Receivers
// that fail to connect are logged and skipped.
func (g *LoadGenerator) startReceivers(ctx context.Context) []*Receiver {
	receivers := make([]*Receiver, 0, g.opts.Receivers)
	for i := 0; i < g.opts.Receivers; i++ {
		room := strconv.Itoa(i%g.opts.Rooms + 1)
		sess := NewSession(roomURL(g.opts.BroadcastURL, room), g.opts.DialTimeout, g.opts.WriteTimeout, g.logger)
		r := NewReceiver(room, sess, g.tracker, g.collector, g.logger)

		err := r.Start(ctx)
		g.stats.RecordConnection(err == nil)
		if err != nil {
			g.logger.Warn("receiver connect failed", slog.String("room", room), slog.String("error", err.Error()))
			continue
		}
		receivers = append(receivers, r)
	}
	return receivers
}

// drain waits until every tracked message has been received or DrainTime
// elapses.
func (g *LoadGenerator) drain(ctx context.Context) {
	if g.opts.DrainTime <= 0 {
		return
	}
	deadline := time.NewTimer(g.opts.DrainTime)
	defer deadline.Stop()
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for g.tracker.Len() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			g.logger.Info("loadgen drain timeout", slog.Int("pending", g.tracker.Len()))
			return
		case <-ticker.C:
		}
	}
}

func roomURL(base, room string) string {
	return strings.TrimSuffix(base, "/") + roomPath + room
}

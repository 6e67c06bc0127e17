// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxchat/broker"
	"github.com/absmach/fluxchat/metrics"
	"github.com/absmach/fluxchat/pool"
	"github.com/absmach/fluxchat/retry"
	"github.com/absmach/fluxchat/room"
)

// Pool defaults.
const (
	DefaultRooms          = 20
	DefaultWorkers        = 10
	MaxWorkers            = 50
	DefaultReportInterval = 30 * time.Second
)

// Pool errors.
var (
	ErrInvalidWorkers = fmt.Errorf("workers must be between 1 and %d", MaxWorkers)
	ErrPoolStarted    = errors.New("consumer pool already started")
)

// Config holds consumer pool settings.
type Config struct {
	Rooms          int
	Workers        int
	Prefetch       int
	ReportInterval time.Duration
	Reconnect      retry.Policy
}

// DefaultConfig returns the default consumer pool settings.
func DefaultConfig() Config {
	return Config{
		Rooms:          DefaultRooms,
		Workers:        DefaultWorkers,
		Prefetch:       DefaultPrefetch,
		ReportInterval: DefaultReportInterval,
		Reconnect:      retry.ReconnectPolicy(),
	}
}

// Status is the operator snapshot of a running consumer pool.
type Status struct {
	Assignment map[string][]string `json:"assignment"`
	Workers    map[string]string   `json:"workers"`
	Channels   pool.Stats          `json:"channels"`
	Rooms      room.Stats          `json:"rooms"`
	Metrics    metrics.Snapshot    `json:"metrics"`
}

// Pool runs one worker per assignment slot over a shared channel pool.
type Pool struct {
	cfg        Config
	assignment *Assignment
	channels   *pool.Pool[broker.Channel]
	rooms      *room.Manager
	metrics    *metrics.Metrics
	logger     *slog.Logger
	workers    []*Worker

	started atomic.Bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	done    chan struct{}

	mu   sync.Mutex
	errs []error
}

// NewPool computes the assignment and creates the workers. Channels are
// opened on conn lazily, one per worker.
func NewPool(cfg Config, conn broker.Connection, rooms *room.Manager, m *metrics.Metrics, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	if cfg.Workers < 1 || cfg.Workers > MaxWorkers {
		return nil, ErrInvalidWorkers
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = DefaultReportInterval
	}

	assignment, err := Assign(cfg.Rooms, cfg.Workers)
	if err != nil {
		return nil, err
	}

	channels, err := broker.NewChannelPool(conn, "consumer-channels", cfg.Workers, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	p := &Pool{
		cfg:        cfg,
		assignment: assignment,
		channels:   channels,
		rooms:      rooms,
		metrics:    m,
		logger:     logger,
		done:       make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.workers = append(p.workers, NewWorker(WorkerConfig{
			Index:      i,
			Partitions: assignment.Partitions(i),
			Prefetch:   cfg.Prefetch,
			Reconnect:  cfg.Reconnect,
		}, channels, rooms, m, logger))
	}

	return p, nil
}

// Assignment returns the partition assignment.
func (p *Pool) Assignment() *Assignment {
	return p.assignment
}

// Workers returns the pool's workers.
func (p *Pool) Workers() []*Worker {
	return append([]*Worker(nil), p.workers...)
}

// Start launches every worker and the periodic report.
func (p *Pool) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrPoolStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.assignment.Log(p.logger)
	p.logger.Info("consumer pool starting",
		slog.Int("workers", p.cfg.Workers),
		slog.Int("rooms", p.cfg.Rooms),
		slog.Int("prefetch", p.cfg.Prefetch))

	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			if err := w.Run(ctx); err != nil {
				p.mu.Lock()
				p.errs = append(p.errs, fmt.Errorf("%s: %w", w.Name(), err))
				p.mu.Unlock()
			}
		}(w)
	}

	go func() {
		p.wg.Wait()
		close(p.done)
	}()
	go p.reportLoop(ctx)

	return nil
}

// Done is closed once every worker has exited.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Err returns the errors of workers that ended on their own.
func (p *Pool) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.errs...)
}

// Shutdown stops the workers, waits for them up to ctx, and closes every
// pooled channel.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("consumer pool stopping")

	for _, w := range p.workers {
		w.Stop()
	}

	var err error
	if p.started.Load() {
		select {
		case <-p.done:
		case <-ctx.Done():
			err = fmt.Errorf("failed to stop workers: %w", ctx.Err())
		}
		p.cancel()
	}

	p.channels.Shutdown()
	p.report()
	p.logger.Info("consumer pool stopped")
	return err
}

// Status returns the operator snapshot.
func (p *Pool) Status() Status {
	workers := make(map[string]string, len(p.workers))
	for _, w := range p.workers {
		workers[w.Name()] = w.State().String()
	}

	s := Status{
		Assignment: p.assignment.Snapshot(),
		Workers:    workers,
		Channels:   p.channels.Stats(),
		Metrics:    p.metrics.Snapshot(),
	}
	if p.rooms != nil {
		s.Rooms = p.rooms.Stats()
	}
	return s
}

// Ready reports whether every worker is consuming.
func (p *Pool) Ready() bool {
	for _, w := range p.workers {
		if w.State() != StateConsuming {
			return false
		}
	}
	return len(p.workers) > 0
}

func (p *Pool) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.report()
		}
	}
}

func (p *Pool) report() {
	s := p.metrics.Snapshot()
	p.logger.Info("consumer metrics",
		slog.Uint64("processed", s.Processed),
		slog.Uint64("delivered", s.Delivered),
		slog.Uint64("failed", s.Failed),
		slog.Uint64("duplicates_filtered", s.DuplicatesFiltered),
		slog.Uint64("acked", s.Acked),
		slog.Uint64("nacked", s.Nacked),
		slog.Uint64("retries", s.Retries),
		slog.Uint64("reconnections", s.Reconnections))
}

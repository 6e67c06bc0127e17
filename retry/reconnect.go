// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ReconnectConfig wires a Reconnector to the session it repairs.
type ReconnectConfig struct {
	Policy Policy
	// Dial re-establishes the session.
	Dial func(ctx context.Context) error
	// HasWork reports whether the owner still has messages to send. A
	// session lost with no remaining work is not reconnected.
	HasWork func() bool
	// OnExhausted is called once when reconnection gives up.
	OnExhausted func(err error)
	Recorder    Recorder
	Logger      *slog.Logger
}

// Reconnector re-establishes a severed session in the background with
// exponential backoff. Only one reconnect chain runs at a time.
type Reconnector struct {
	cfg ReconnectConfig

	running  atomic.Bool
	lostMore atomic.Bool
	failed   atomic.Bool
	once     sync.Once
}

// NewReconnector creates a reconnector.
func NewReconnector(cfg ReconnectConfig) *Reconnector {
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HasWork == nil {
		cfg.HasWork = func() bool { return true }
	}
	return &Reconnector{cfg: cfg}
}

// ConnectionLost reacts to an unexpected session closure. It returns true
// if a reconnect chain is running after the call. It never blocks.
func (r *Reconnector) ConnectionLost(ctx context.Context, cause error) bool {
	if r.failed.Load() || !r.cfg.HasWork() {
		return false
	}
	if !r.running.CompareAndSwap(false, true) {
		r.lostMore.Store(true)
		return true
	}

	go r.run(ctx, cause)
	return true
}

// Failed reports whether reconnection has given up.
func (r *Reconnector) Failed() bool {
	return r.failed.Load()
}

func (r *Reconnector) run(ctx context.Context, cause error) {
	maxAttempts := r.cfg.Policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		delay := r.cfg.Policy.Backoff(attempt)
		r.cfg.Logger.Info("reconnect scheduled",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("cause", cause))

		if err := r.cfg.Policy.wait(ctx, delay); err != nil {
			r.running.Store(false)
			r.fail(fmt.Errorf("%w: %w", ErrInterrupted, err))
			return
		}
		if !r.cfg.HasWork() {
			r.running.Store(false)
			return
		}

		r.lostMore.Store(false)
		r.cfg.Recorder.RecordReconnect()
		err := r.cfg.Dial(ctx)
		if err == nil {
			r.cfg.Logger.Info("reconnected", slog.Int("attempt", attempt))
			r.running.Store(false)
			if r.lostMore.Swap(false) {
				r.ConnectionLost(ctx, ErrInterrupted)
			}
			return
		}

		r.cfg.Logger.Warn("reconnect failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
		cause = err
	}

	r.running.Store(false)
	r.fail(fmt.Errorf("%w after %d reconnect attempts: %w", ErrExhausted, maxAttempts, cause))
}

func (r *Reconnector) fail(err error) {
	r.once.Do(func() {
		r.failed.Store(true)
		r.cfg.Logger.Error("reconnect exhausted", slog.String("error", err.Error()))
		if r.cfg.OnExhausted != nil {
			r.cfg.OnExhausted(err)
		}
	})
}

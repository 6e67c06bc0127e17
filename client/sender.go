// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxchat/chat"
	"github.com/absmach/fluxchat/pool"
	"github.com/absmach/fluxchat/relay"
	"github.com/absmach/fluxchat/retry"
)

// SenderConfig configures a Sender.
type SenderConfig struct {
	ID        int
	Room      string
	SendRetry retry.Policy
	Reconnect retry.Policy
}

// Sender drains the relay queue over one pooled session bound to a room.
type Sender struct {
	cfg      SenderConfig
	sessions *pool.Pool[*Session]
	queue    *relay.Queue[chat.Inbound]
	tracker  *Tracker
	stats    *Stats
	logger   *slog.Logger

	sent     atomic.Uint64
	failed   atomic.Uint64
	acked    atomic.Uint64
	rejected atomic.Uint64
	inFlight atomic.Int32

	err      error
	errMu    sync.Mutex
	done     chan struct{}
	doneOnce sync.Once
	cancel   context.CancelFunc
}

// NewSender creates a sender. tracker may be nil.
func NewSender(cfg SenderConfig, sessions *pool.Pool[*Session], queue *relay.Queue[chat.Inbound], tracker *Tracker, stats *Stats, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = &Stats{}
	}
	return &Sender{
		cfg:      cfg,
		sessions: sessions,
		queue:    queue,
		tracker:  tracker,
		stats:    stats,
		logger:   logger.With(slog.Int("sender", cfg.ID), slog.String("room", cfg.Room)),
		done:     make(chan struct{}),
	}
}

// Done is closed when the sender finishes or fails.
func (s *Sender) Done() <-chan struct{} { return s.done }

// Sent returns the number of messages written to the session.
func (s *Sender) Sent() uint64 { return s.sent.Load() }

// Failed returns the number of messages that exhausted their retries.
func (s *Sender) Failed() uint64 { return s.failed.Load() }

// Acked returns the number of SUCCESS replies from ingress.
func (s *Sender) Acked() uint64 { return s.acked.Load() }

// Rejected returns the number of ERROR replies from ingress.
func (s *Sender) Rejected() uint64 { return s.rejected.Load() }

// Err returns the error that failed the sender, if any.
func (s *Sender) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Run acquires a session and sends queued messages until the queue drains,
// ctx is cancelled, or reconnection is exhausted.
func (s *Sender) Run(ctx context.Context) error {
	defer s.finish()

	ctx, cancel := context.WithCancel(ctx)
	s.errMu.Lock()
	s.cancel = cancel
	s.errMu.Unlock()
	defer cancel()

	h, err := s.sessions.Acquire(ctx, s.cfg.Room)
	if err != nil {
		s.fail(fmt.Errorf("failed to acquire session: %w", err))
		return s.Err()
	}
	sess := h.Value()

	reconnector := retry.NewReconnector(retry.ReconnectConfig{
		Policy:  s.cfg.Reconnect,
		Dial:    sess.Reconnect,
		HasWork: s.hasWork,
		OnExhausted: func(err error) {
			if ctx.Err() == nil || errors.Is(err, retry.ErrExhausted) {
				s.fail(err)
			}
		},
		Recorder: s.stats,
		Logger:   s.logger,
	})
	sess.OnMessage(s.handleReply)
	sess.OnClose(func(err error) {
		reconnector.ConnectionLost(ctx, err)
	})
	defer func() {
		sess.OnClose(nil)
		sess.OnMessage(nil)
		if !sess.IsOpen() {
			h.MarkUnhealthy()
		}
		s.sessions.Release(h)
	}()

	// The session may have dropped before OnClose was set.
	if !sess.IsOpen() {
		reconnector.ConnectionLost(ctx, ErrConnectionLost)
	}

	for {
		// Counted before Take so a message taken off the queue keeps the
		// session worth reconnecting until send returns.
		s.inFlight.Add(1)
		in, err := s.queue.Take(ctx)
		if err != nil {
			s.inFlight.Add(-1)
			if errors.Is(err, relay.ErrDrained) {
				s.logger.Debug("sender drained", slog.Uint64("sent", s.sent.Load()))
				return nil
			}
			return s.Err()
		}
		s.send(ctx, sess, in)
		s.inFlight.Add(-1)
	}
}

// hasWork reports whether a message is being sent or is still to come.
func (s *Sender) hasWork() bool {
	return s.inFlight.Load() > 0 || s.queue.HasMore()
}

func (s *Sender) send(ctx context.Context, sess *Session, in chat.Inbound) {
	payload, err := json.Marshal(in)
	if err != nil {
		s.failed.Add(1)
		return
	}

	if s.tracker != nil {
		s.tracker.Track(in.TrackingID, time.Now())
	}
	err = s.cfg.SendRetry.Do(ctx, func(context.Context) error {
		return sess.Send(payload)
	}, s.stats)
	if err != nil {
		s.failed.Add(1)
		if s.tracker != nil {
			s.tracker.Forget(in.TrackingID)
		}
		s.logger.Warn("send failed", slog.String("tracking_id", in.TrackingID), slog.String("error", err.Error()))
		return
	}
	s.sent.Add(1)
}

func (s *Sender) handleReply(data []byte) {
	var r chat.Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return
	}
	if r.Status == chat.StatusSuccess {
		s.acked.Add(1)
		return
	}
	s.rejected.Add(1)
}

// fail records err, stops Run, and fires Done.
func (s *Sender) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = fmt.Errorf("%w: %w", ErrSenderFailed, err)
	}
	cancel := s.cancel
	s.errMu.Unlock()

	s.logger.Error("sender failed", slog.String("error", err.Error()))
	if cancel != nil {
		cancel()
	}
	s.finish()
}

func (s *Sender) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

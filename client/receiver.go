// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxchat/chat"
)

// Receiver subscribes to one room on the broadcast server and correlates
// incoming broadcasts with sent messages.
type Receiver struct {
	room      string
	session   *Session
	tracker   *Tracker
	collector *Collector
	logger    *slog.Logger
	now       func() time.Time

	received  atomic.Uint64
	matched   atomic.Uint64
	malformed atomic.Uint64
}

// NewReceiver creates a receiver for room over session.
func NewReceiver(room string, session *Session, tracker *Tracker, collector *Collector, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Receiver{
		room:      room,
		session:   session,
		tracker:   tracker,
		collector: collector,
		logger:    logger,
		now:       time.Now,
	}
	session.OnMessage(r.handle)
	return r
}

// Room returns the subscribed room.
func (r *Receiver) Room() string { return r.room }

// Start connects the subscription.
func (r *Receiver) Start(ctx context.Context) error {
	if err := r.session.Dial(ctx); err != nil {
		return err
	}
	r.logger.Debug("receiver connected", slog.String("room", r.room))
	return nil
}

// Close closes the subscription.
func (r *Receiver) Close() error {
	return r.session.Close()
}

// Received returns the number of broadcasts received.
func (r *Receiver) Received() uint64 { return r.received.Load() }

// Matched returns the number of broadcasts correlated with a sent message.
func (r *Receiver) Matched() uint64 { return r.matched.Load() }

func (r *Receiver) handle(data []byte) {
	var b chat.Broadcast
	if err := json.Unmarshal(data, &b); err != nil || b.ID == "" {
		r.malformed.Add(1)
		return
	}
	r.received.Add(1)

	at := r.now()
	latency, ok := r.tracker.Complete(b.TrackingID, at)
	if !ok {
		return
	}
	r.matched.Add(1)
	r.collector.Record(Latency{
		TrackingID: b.TrackingID,
		Room:       b.Room,
		Kind:       b.Kind,
		Value:      latency,
		At:         at,
	})
}

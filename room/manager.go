// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package room keeps per-room subscriber sets and fans consumed messages out
// to them, suppressing ids that were already delivered.
package room

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/fluxchat/chat"
	"github.com/absmach/fluxchat/metrics"
)

// members is the subscriber set of one room. Each room has its own lock.
type members struct {
	mu      sync.RWMutex
	subs    map[string]Subscriber
	removed bool
}

// Stats is a point-in-time view of room membership.
type Stats struct {
	Rooms        int `json:"rooms"`
	Subscribers  int `json:"subscribers"`
	DedupEntries int `json:"dedup_entries"`
}

// Manager is the deduplicating broadcaster.
type Manager struct {
	rooms   sync.Map // room key -> *members
	dedup   DedupCache
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewManager creates a room manager.
func NewManager(dedup DedupCache, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Manager{
		dedup:   dedup,
		metrics: m,
		logger:  logger,
	}
}

// Subscribe adds sub to the room. Safe to call while deliveries to the same
// room are in progress.
func (m *Manager) Subscribe(room string, sub Subscriber) {
	for {
		v, _ := m.rooms.LoadOrStore(room, &members{subs: make(map[string]Subscriber)})
		set := v.(*members)

		set.mu.Lock()
		if set.removed {
			// Lost a race with the last Unsubscribe; the set is gone from the map.
			set.mu.Unlock()
			continue
		}
		set.subs[sub.ID()] = sub
		n := len(set.subs)
		set.mu.Unlock()

		m.logger.Debug("room subscribed", slog.String("room", room), slog.String("subscriber", sub.ID()), slog.Int("subscribers", n))
		return
	}
}

// Unsubscribe removes sub from the room. An emptied room is dropped.
func (m *Manager) Unsubscribe(room string, sub Subscriber) {
	v, ok := m.rooms.Load(room)
	if !ok {
		return
	}
	set := v.(*members)

	set.mu.Lock()
	cur, ok := set.subs[sub.ID()]
	if !ok || cur != sub {
		set.mu.Unlock()
		return
	}
	delete(set.subs, sub.ID())
	if len(set.subs) == 0 {
		set.removed = true
		m.rooms.CompareAndDelete(room, set)
	}
	set.mu.Unlock()

	m.logger.Debug("room unsubscribed", slog.String("room", room), slog.String("subscriber", sub.ID()))
}

// Subscribers returns a snapshot of the room's subscribers.
func (m *Manager) Subscribers(room string) []Subscriber {
	v, ok := m.rooms.Load(room)
	if !ok {
		return nil
	}
	set := v.(*members)

	set.mu.RLock()
	defer set.mu.RUnlock()

	out := make([]Subscriber, 0, len(set.subs))
	for _, s := range set.subs {
		out = append(out, s)
	}
	return out
}

// Deliver fans msg out to every subscriber of its room. A message id seen
// before is dropped without touching subscribers. Send failures are counted
// and never returned; an error means the message could not be processed
// and should be redelivered.
func (m *Manager) Deliver(msg chat.Message) error {
	if m.dedup.Seen(msg.ID) {
		m.metrics.IncrementDuplicates()
		m.logger.Debug("duplicate filtered", slog.String("message_id", msg.ID), slog.String("room", msg.Room))
		return nil
	}

	payload, err := chat.EncodeBroadcast(msg)
	if err != nil {
		m.dedup.Forget(msg.ID)
		return fmt.Errorf("failed to prepare broadcast for %s: %w", msg.ID, err)
	}

	subs := m.Subscribers(msg.Room)
	if len(subs) == 0 {
		m.metrics.IncrementNoSubscribers()
		m.logger.Debug("room empty", slog.String("room", msg.Room), slog.String("message_id", msg.ID))
		return nil
	}

	var delivered, failed int
	for _, sub := range subs {
		switch outcome, err := m.sendTo(sub, payload); outcome {
		case Delivered:
			delivered++
		case Closed:
			failed++
			m.Unsubscribe(msg.Room, sub)
		default:
			failed++
			m.logger.Warn("subscriber send failed",
				slog.String("room", msg.Room),
				slog.String("subscriber", sub.ID()),
				slog.String("error", err.Error()))
		}
	}

	if delivered > 0 {
		m.metrics.IncrementDelivered(msg.Room)
	}
	if failed > 0 {
		m.metrics.IncrementFailed()
	}

	m.logger.Debug("message broadcast",
		slog.String("message_id", msg.ID),
		slog.String("room", msg.Room),
		slog.Int("delivered", delivered),
		slog.Int("failed", failed))
	return nil
}

// sendTo isolates one subscriber so a misbehaving transport cannot abort
// the rest of the fan-out.
func (m *Manager) sendTo(sub Subscriber, payload []byte) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = Failed, fmt.Errorf("subscriber send panicked: %v", r)
		}
	}()
	return send(sub, payload)
}

// Stats returns current membership counts.
func (m *Manager) Stats() Stats {
	var s Stats
	m.rooms.Range(func(_, v any) bool {
		set := v.(*members)
		set.mu.RLock()
		n := len(set.subs)
		set.mu.RUnlock()
		if n > 0 {
			s.Rooms++
			s.Subscribers += n
		}
		return true
	})
	s.DedupEntries = m.dedup.Len()
	return s
}

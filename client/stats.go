// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxchat/chat"
	"github.com/absmach/fluxchat/retry"
)

var _ retry.Recorder = (*Stats)(nil)

// Stats counts connection and retry events of a run.
type Stats struct {
	connections    atomic.Uint64
	successful     atomic.Uint64
	failed         atomic.Uint64
	reconnections  atomic.Uint64
	retries        atomic.Uint64
	retryExhausted atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Connections    uint64 `json:"connections"`
	Successful     uint64 `json:"successful"`
	Failed         uint64 `json:"failed"`
	Reconnections  uint64 `json:"reconnections"`
	Retries        uint64 `json:"retries"`
	RetryExhausted uint64 `json:"retry_exhausted"`
}

// RecordConnection records one connection attempt.
func (s *Stats) RecordConnection(ok bool) {
	s.connections.Add(1)
	if ok {
		s.successful.Add(1)
		return
	}
	s.failed.Add(1)
}

func (s *Stats) RecordRetry()          { s.retries.Add(1) }
func (s *Stats) RecordRetryExhausted() { s.retryExhausted.Add(1) }
func (s *Stats) RecordReconnect()      { s.reconnections.Add(1) }

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Connections:    s.connections.Load(),
		Successful:     s.successful.Load(),
		Failed:         s.failed.Load(),
		Reconnections:  s.reconnections.Load(),
		Retries:        s.retries.Load(),
		RetryExhausted: s.retryExhausted.Load(),
	}
}

// Latency is one end-to-end sample from send to broadcast receipt.
type Latency struct {
	TrackingID string        `json:"tracking_id"`
	Room       string        `json:"room"`
	Kind       chat.Kind     `json:"kind"`
	Value      time.Duration `json:"latency"`
	At         time.Time     `json:"at"`
}

// Collector accumulates latency samples.
type Collector struct {
	mu      sync.Mutex
	samples []Latency
}

// NewCollector creates a collector with room for capacity samples.
func NewCollector(capacity int) *Collector {
	return &Collector{samples: make([]Latency, 0, max(capacity, 0))}
}

// Record appends a sample.
func (c *Collector) Record(l Latency) {
	c.mu.Lock()
	c.samples = append(c.samples, l)
	c.mu.Unlock()
}

// Count returns the number of samples.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

// Samples returns a copy of the recorded samples.
func (c *Collector) Samples() []Latency {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Latency, len(c.samples))
	copy(out, c.samples)
	return out
}

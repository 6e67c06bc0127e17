// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the process-wide pipeline counters.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks pipeline statistics. Counters are independent atomics and
// are never reset while the process runs.
type Metrics struct {
	startTime time.Time

	// Consumer stats
	processed atomic.Uint64
	acked     atomic.Uint64
	nacked    atomic.Uint64

	// Fan-out stats
	delivered          atomic.Uint64
	failed             atomic.Uint64
	duplicatesFiltered atomic.Uint64
	noSubscribers      atomic.Uint64

	// Resilience stats
	retries        atomic.Uint64
	retryExhausted atomic.Uint64
	reconnections  atomic.Uint64

	perRoom   sync.Map // room key -> *atomic.Uint64
	perWorker sync.Map // worker id -> *atomic.Uint64
}

// New creates a Metrics instance.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// Consumer tracking.
func (m *Metrics) IncrementProcessed(worker string) {
	m.processed.Add(1)
	if worker != "" {
		counter(&m.perWorker, worker).Add(1)
	}
}

func (m *Metrics) IncrementAcked() {
	m.acked.Add(1)
}

func (m *Metrics) IncrementNacked() {
	m.nacked.Add(1)
}

func (m *Metrics) GetProcessed() uint64 {
	return m.processed.Load()
}

func (m *Metrics) GetAcked() uint64 {
	return m.acked.Load()
}

func (m *Metrics) GetNacked() uint64 {
	return m.nacked.Load()
}

// Fan-out tracking.
func (m *Metrics) IncrementDelivered(room string) {
	m.delivered.Add(1)
	if room != "" {
		counter(&m.perRoom, room).Add(1)
	}
}

func (m *Metrics) IncrementFailed() {
	m.failed.Add(1)
}

func (m *Metrics) IncrementDuplicates() {
	m.duplicatesFiltered.Add(1)
}

func (m *Metrics) IncrementNoSubscribers() {
	m.noSubscribers.Add(1)
}

func (m *Metrics) GetDelivered() uint64 {
	return m.delivered.Load()
}

func (m *Metrics) GetFailed() uint64 {
	return m.failed.Load()
}

func (m *Metrics) GetDuplicates() uint64 {
	return m.duplicatesFiltered.Load()
}

func (m *Metrics) GetNoSubscribers() uint64 {
	return m.noSubscribers.Load()
}

// RecordRetry, RecordRetryExhausted and RecordReconnect satisfy retry.Recorder.
func (m *Metrics) RecordRetry() {
	m.retries.Add(1)
}

func (m *Metrics) RecordRetryExhausted() {
	m.retryExhausted.Add(1)
}

func (m *Metrics) RecordReconnect() {
	m.reconnections.Add(1)
}

func (m *Metrics) GetRetries() uint64 {
	return m.retries.Load()
}

func (m *Metrics) GetRetryExhausted() uint64 {
	return m.retryExhausted.Load()
}

func (m *Metrics) GetReconnections() uint64 {
	return m.reconnections.Load()
}

// GetUptime returns time since the metrics were created.
func (m *Metrics) GetUptime() time.Duration {
	return time.Since(m.startTime)
}

// Snapshot is a read-only copy of all counters.
type Snapshot struct {
	Processed          uint64            `json:"processed"`
	Delivered          uint64            `json:"delivered"`
	Failed             uint64            `json:"failed"`
	DuplicatesFiltered uint64            `json:"duplicates_filtered"`
	NoSubscribers      uint64            `json:"no_subscribers"`
	Acked              uint64            `json:"acked"`
	Nacked             uint64            `json:"nacked"`
	Retries            uint64            `json:"retries"`
	RetryExhausted     uint64            `json:"retry_exhausted"`
	Reconnections      uint64            `json:"reconnections"`
	PerRoom            map[string]uint64 `json:"per_room,omitempty"`
	PerWorker          map[string]uint64 `json:"per_worker,omitempty"`
	UptimeSeconds      float64           `json:"uptime_seconds"`
}

// Snapshot returns the current counter values. Counters are read one by
// one, so values may be mutually inconsistent by in-flight updates.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Processed:          m.processed.Load(),
		Delivered:          m.delivered.Load(),
		Failed:             m.failed.Load(),
		DuplicatesFiltered: m.duplicatesFiltered.Load(),
		NoSubscribers:      m.noSubscribers.Load(),
		Acked:              m.acked.Load(),
		Nacked:             m.nacked.Load(),
		Retries:            m.retries.Load(),
		RetryExhausted:     m.retryExhausted.Load(),
		Reconnections:      m.reconnections.Load(),
		PerRoom:            collect(&m.perRoom),
		PerWorker:          collect(&m.perWorker),
		UptimeSeconds:      m.GetUptime().Seconds(),
	}
}

// RoomCount returns the delivered count for one room.
func (m *Metrics) RoomCount(room string) uint64 {
	if v, ok := m.perRoom.Load(room); ok {
		return v.(*atomic.Uint64).Load()
	}
	return 0
}

// Rooms returns the rooms with a delivered count, sorted.
func (m *Metrics) Rooms() []string {
	var rooms []string
	m.perRoom.Range(func(k, _ any) bool {
		rooms = append(rooms, k.(string))
		return true
	})
	sort.Strings(rooms)
	return rooms
}

func counter(m *sync.Map, key string) *atomic.Uint64 {
	if v, ok := m.Load(key); ok {
		return v.(*atomic.Uint64)
	}
	v, _ := m.LoadOrStore(key, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

func collect(m *sync.Map) map[string]uint64 {
	out := make(map[string]uint64)
	m.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	return out
}

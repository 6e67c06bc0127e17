// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Tracker correlates sent messages with their broadcasts by tracking id.
// It holds at most size entries; the least recently sent are dropped first.
type Tracker struct {
	mu    sync.Mutex
	sent  *simplelru.LRU[string, time.Time]
	evict atomic.Uint64
}

// NewTracker creates a tracker holding at most size in-flight entries.
func NewTracker(size int) (*Tracker, error) {
	sent, err := simplelru.NewLRU[string, time.Time](size, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracker: %w", err)
	}
	return &Tracker{sent: sent}, nil
}

// Track records the send time of id.
func (t *Tracker) Track(id string, at time.Time) {
	if id == "" {
		return
	}
	t.mu.Lock()
	if t.sent.Add(id, at) {
		t.evict.Add(1)
	}
	t.mu.Unlock()
}

// Complete removes id and returns the time elapsed since it was sent. The
// second result is false if id is unknown or already completed.
func (t *Tracker) Complete(id string, at time.Time) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sentAt, ok := t.sent.Peek(id)
	if !ok {
		return 0, false
	}
	t.sent.Remove(id)
	return at.Sub(sentAt), true
}

// Forget drops id without completing it.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	t.sent.Remove(id)
	t.mu.Unlock()
}

// Len returns the number of in-flight entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent.Len()
}

// Evicted returns how many entries were dropped for capacity.
func (t *Tracker) Evicted() uint64 {
	return t.evict.Load()
}

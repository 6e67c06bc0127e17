// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pool provides a bounded pool of reusable handles such as network
// sessions or broker channels. Acquire blocks when the pool is at capacity and
// wakes as soon as another caller releases a handle or the pool shuts down.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// Pool errors.
var (
	ErrClosed          = errors.New("pool closed")
	ErrInvalidCapacity = errors.New("pool capacity must be positive")
)

// Factory opens a new resource. The key is the partition or endpoint the
// caller is acquiring for; pools that hand out interchangeable resources may
// ignore it.
type Factory[T any] func(ctx context.Context, key string) (T, error)

// Config holds pool settings.
type Config struct {
	Name     string
	Capacity int
}

// Option configures optional pool behavior.
type Option[T any] func(*Pool[T])

// WithCloser sets the function used to close discarded resources.
func WithCloser[T any](fn func(T) error) Option[T] {
	return func(p *Pool[T]) { p.closer = fn }
}

// WithHealthCheck sets a check consulted on acquire and release. A resource
// failing the check is treated as unhealthy and discarded.
func WithHealthCheck[T any](fn func(T) bool) Option[T] {
	return func(p *Pool[T]) { p.check = fn }
}

// WithStrictKeys restricts idle reuse to handles created for the same key.
// When the pool is at capacity and only handles of other keys are idle, the
// oldest of them is closed to make room.
func WithStrictKeys[T any]() Option[T] {
	return func(p *Pool[T]) { p.strictKeys = true }
}

// WithLogger sets the pool logger.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(p *Pool[T]) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Handle wraps one pooled resource. It is owned by the caller between
// Acquire and Release.
type Handle[T any] struct {
	value   T
	key     string
	healthy atomic.Bool
}

// Value returns the wrapped resource.
func (h *Handle[T]) Value() T {
	return h.value
}

// Key returns the key the handle was created for.
func (h *Handle[T]) Key() string {
	return h.key
}

// Healthy reports whether the handle may be reused.
func (h *Handle[T]) Healthy() bool {
	return h.healthy.Load()
}

// MarkUnhealthy flags the handle so Release discards it instead of
// returning it to the idle set.
func (h *Handle[T]) MarkUnhealthy() {
	h.healthy.Store(false)
}

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
	Live     int    `json:"live"`
	Idle     int    `json:"idle"`
	Creating int    `json:"creating"`
	Waiting  int    `json:"waiting"`
}

// Pool is a bounded set of reusable handles.
type Pool[T any] struct {
	name     string
	capacity int
	factory  Factory[T]
	closer   func(T) error
	check    func(T) bool
	logger   *slog.Logger

	strictKeys bool

	mu       sync.Mutex
	idle     []*Handle[T]
	live     map[*Handle[T]]struct{}
	creating int
	waiting  int
	wake     chan struct{}
	closed   bool
}

// New creates a pool. Capacity is the upper bound on live handles, counting
// those being created.
func New[T any](cfg Config, factory Factory[T], opts ...Option[T]) (*Pool[T], error) {
	if cfg.Capacity <= 0 {
		return nil, ErrInvalidCapacity
	}

	p := &Pool[T]{
		name:     cfg.Name,
		capacity: cfg.Capacity,
		factory:  factory,
		logger:   slog.Default(),
		live:     make(map[*Handle[T]]struct{}, cfg.Capacity),
		wake:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Acquire returns an idle healthy handle, creates a new one if the pool is
// below capacity, or blocks until a handle is released. Creation errors are
// returned as is and are not retried.
func (p *Pool[T]) Acquire(ctx context.Context, key string) (*Handle[T], error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		if h, stale := p.popIdleLocked(key); h != nil || len(stale) > 0 {
			p.mu.Unlock()
			p.closeAll(stale)
			if h != nil {
				return h, nil
			}
			continue
		}

		if len(p.live)+p.creating < p.capacity {
			p.creating++
			p.mu.Unlock()
			return p.create(ctx, key)
		}

		wake := p.wake
		p.waiting++
		p.mu.Unlock()

		select {
		case <-wake:
			p.mu.Lock()
			p.waiting--
			p.mu.Unlock()
		case <-ctx.Done():
			p.mu.Lock()
			p.waiting--
			p.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

// popIdleLocked takes an idle healthy handle, preferring the most recently
// released one created for key. Unhealthy idle handles, and a handle evicted
// for a strict key, are removed from bookkeeping and returned for closing.
func (p *Pool[T]) popIdleLocked(key string) (*Handle[T], []*Handle[T]) {
	var stale []*Handle[T]
	kept := p.idle[:0]
	for _, h := range p.idle {
		if p.usable(h) {
			kept = append(kept, h)
			continue
		}
		delete(p.live, h)
		stale = append(stale, h)
	}
	clear(p.idle[len(kept):])
	p.idle = kept

	pick := -1
	for i := len(p.idle) - 1; i >= 0; i-- {
		if p.idle[i].key == key {
			pick = i
			break
		}
	}
	if pick < 0 && len(p.idle) > 0 {
		switch {
		case !p.strictKeys:
			pick = len(p.idle) - 1
		case len(p.live)+p.creating >= p.capacity:
			h := p.idle[0]
			p.idle = slices.Delete(p.idle, 0, 1)
			delete(p.live, h)
			stale = append(stale, h)
			p.logger.Debug("pool handle evicted", slog.String("pool", p.name), slog.String("key", h.key), slog.String("for", key))
		}
	}

	var found *Handle[T]
	if pick >= 0 {
		found = p.idle[pick]
		p.idle = slices.Delete(p.idle, pick, pick+1)
	}
	if len(stale) > 0 {
		p.signalLocked()
	}
	return found, stale
}

func (p *Pool[T]) create(ctx context.Context, key string) (*Handle[T], error) {
	v, err := p.factory(ctx, key)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.signalLocked()
		p.mu.Unlock()
		return nil, err
	}
	if p.closed {
		p.mu.Unlock()
		p.closeValue(v)
		return nil, ErrClosed
	}

	h := &Handle[T]{value: v, key: key}
	h.healthy.Store(true)
	p.live[h] = struct{}{}
	p.mu.Unlock()

	return h, nil
}

// Release returns a handle to the pool. Unhealthy handles are closed and
// their capacity is freed for a replacement.
func (p *Pool[T]) Release(h *Handle[T]) {
	if h == nil {
		return
	}

	p.mu.Lock()
	if _, ok := p.live[h]; !ok {
		p.mu.Unlock()
		return
	}
	for _, idle := range p.idle {
		if idle == h {
			p.mu.Unlock()
			return
		}
	}

	if p.usable(h) {
		p.idle = append(p.idle, h)
		p.signalLocked()
		p.mu.Unlock()
		return
	}

	delete(p.live, h)
	p.signalLocked()
	p.mu.Unlock()

	p.logger.Debug("pool handle discarded", slog.String("pool", p.name), slog.String("key", h.key))
	p.closeValue(h.value)
}

// Discard marks the handle unhealthy and releases it.
func (p *Pool[T]) Discard(h *Handle[T]) {
	if h == nil {
		return
	}
	h.MarkUnhealthy()
	p.Release(h)
}

// Shutdown closes every live handle, idle or checked out, and fails all
// pending and future Acquire calls with ErrClosed.
func (p *Pool[T]) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true

	handles := make([]*Handle[T], 0, len(p.live))
	for h := range p.live {
		h.MarkUnhealthy()
		handles = append(handles, h)
	}
	p.live = make(map[*Handle[T]]struct{})
	p.idle = nil
	p.signalLocked()
	p.mu.Unlock()

	p.closeAll(handles)
	p.logger.Info("pool shutdown", slog.String("pool", p.name), slog.Int("closed", len(handles)))
}

// Stats returns current pool occupancy.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Name:     p.name,
		Capacity: p.capacity,
		Live:     len(p.live),
		Idle:     len(p.idle),
		Creating: p.creating,
		Waiting:  p.waiting,
	}
}

func (p *Pool[T]) usable(h *Handle[T]) bool {
	if !h.Healthy() {
		return false
	}
	if p.check != nil && !p.check(h.value) {
		h.MarkUnhealthy()
		return false
	}
	return true
}

// signalLocked wakes every blocked Acquire. Caller must hold p.mu.
func (p *Pool[T]) signalLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}

func (p *Pool[T]) closeAll(handles []*Handle[T]) {
	for _, h := range handles {
		p.closeValue(h.value)
	}
}

func (p *Pool[T]) closeValue(v T) {
	if p.closer == nil {
		return
	}
	if err := p.closer(v); err != nil {
		p.logger.Debug("pool close failed", slog.String("pool", p.name), slog.String("error", err.Error()))
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits websocket connection attempts per client IP and
// inbound chat messages per session.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter limits connection attempts per remote IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates an IP limiter. r is connections per second and
// burst the burst allowance. Entries idle for two cleanup intervals are
// dropped.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection from ip may proceed.
func (l *IPRateLimiter) Allow(ip string) bool {
	if ip == "" {
		return true
	}

	now := time.Now()
	l.mu.Lock()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// Len returns the number of tracked IPs.
func (l *IPRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			l.evictBefore(now.Add(-2 * l.cleanup))
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) evictBefore(threshold time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// SessionRateLimiter limits inbound messages per websocket session.
type SessionRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewSessionRateLimiter creates a per-session message limiter.
func NewSessionRateLimiter(r float64, burst int) *SessionRateLimiter {
	return &SessionRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

// Allow reports whether session may send another message now.
func (l *SessionRateLimiter) Allow(session string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[session]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[session] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// Remove drops the limiter of a closed session.
func (l *SessionRateLimiter) Remove(session string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, session)
}

// ClientIP returns the client address of r, preferring the first
// X-Forwarded-For hop.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionConfig `yaml:"connection"`
	Message    MessageConfig    `yaml:"message"`
}

// ConnectionConfig holds per-IP connection rate limiting settings.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`             // connections per second per IP
	Burst           int           `yaml:"burst"`            // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // cleanup interval for stale entries
}

// MessageConfig holds per-session message rate limiting settings.
type MessageConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // messages per second per session
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns the default configuration. Limiting is off until
// enabled.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0, // 100 connections per minute per IP
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
		Message: MessageConfig{
			Enabled: true,
			Rate:    1000,
			Burst:   100,
		},
	}
}

// Manager coordinates the connection and message limiters.
type Manager struct {
	config  Config
	ip      *IPRateLimiter
	session *SessionRateLimiter
}

// NewManager creates a rate limit manager. A disabled config yields a
// manager that allows everything.
func NewManager(cfg Config) *Manager {
	m := &Manager{config: cfg}
	if !cfg.Enabled {
		return m
	}
	if cfg.Connection.Enabled {
		m.ip = NewIPRateLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval)
	}
	if cfg.Message.Enabled {
		m.session = NewSessionRateLimiter(cfg.Message.Rate, cfg.Message.Burst)
	}
	return m
}

// AllowConnection checks a new websocket upgrade from ip.
func (m *Manager) AllowConnection(ip string) bool {
	if m == nil || m.ip == nil {
		return true
	}
	return m.ip.Allow(ip)
}

// AllowMessage checks an inbound message on a session.
func (m *Manager) AllowMessage(session string) bool {
	if m == nil || m.session == nil {
		return true
	}
	return m.session.Allow(session)
}

// SessionClosed releases the limiter of a closed session.
func (m *Manager) SessionClosed(session string) {
	if m == nil || m.session == nil {
		return
	}
	m.session.Remove(session)
}

// Stop stops background cleanup.
func (m *Manager) Stop() {
	if m != nil && m.ip != nil {
		m.ip.Stop()
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"log/slog"
	"time"

	"github.com/absmach/fluxchat/retry"
)

// Default load generator values.
const (
	DefaultIngressURL   = "ws://localhost:8080"
	DefaultBroadcastURL = "ws://localhost:8082"
	DefaultMessages     = 500000
	DefaultSenders      = 32
	DefaultReceivers    = 20
	DefaultRooms        = 20
	DefaultQueueSize    = 10000
	DefaultTrackerSize  = 100000
	DefaultDialTimeout  = 10 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	DefaultWarmupTime   = 2 * time.Second
	DefaultDrainTime    = 10 * time.Second
)

// Options configures a load generator run.
type Options struct {
	// Endpoints
	IngressURL   string // Base URL of the ingress server, without /chat/
	BroadcastURL string // Base URL of the broadcast server, without /chat/

	// Workload
	Messages  int     // Total messages to send
	Senders   int     // Number of concurrent senders, one session each
	Receivers int     // Number of broadcast subscribers (0 disables receiving)
	Rooms     int     // Room keys are 1..Rooms
	QueueSize int     // Relay queue capacity between producer and senders
	Rate      float64 // Messages per second, 0 is unpaced

	// Timing
	DialTimeout  time.Duration // Timeout for websocket handshakes
	WriteTimeout time.Duration // Timeout for each frame write
	WarmupTime   time.Duration // Wait after receivers connect, before sending
	DrainTime    time.Duration // Wait after sending for in-flight broadcasts

	// Resilience
	SendRetry retry.Policy // Per-message send retry
	Reconnect retry.Policy // Session reconnect schedule

	TrackerSize int // Maximum tracked in-flight messages
	Logger      *slog.Logger
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		IngressURL:   DefaultIngressURL,
		BroadcastURL: DefaultBroadcastURL,
		Messages:     DefaultMessages,
		Senders:      DefaultSenders,
		Receivers:    DefaultReceivers,
		Rooms:        DefaultRooms,
		QueueSize:    DefaultQueueSize,
		DialTimeout:  DefaultDialTimeout,
		WriteTimeout: DefaultWriteTimeout,
		WarmupTime:   DefaultWarmupTime,
		DrainTime:    DefaultDrainTime,
		SendRetry:    retry.SendPolicy(),
		Reconnect:    retry.ReconnectPolicy(),
		TrackerSize:  DefaultTrackerSize,
	}
}

// SetURLs sets the ingress and broadcast endpoints.
func (o *Options) SetURLs(ingress, broadcast string) *Options {
	o.IngressURL = ingress
	o.BroadcastURL = broadcast
	return o
}

// SetMessages sets the total message count.
func (o *Options) SetMessages(n int) *Options {
	o.Messages = n
	return o
}

// SetSenders sets the number of concurrent senders.
func (o *Options) SetSenders(n int) *Options {
	o.Senders = n
	return o
}

// SetReceivers sets the number of broadcast subscribers.
func (o *Options) SetReceivers(n int) *Options {
	o.Receivers = n
	return o
}

// SetRooms sets the number of rooms.
func (o *Options) SetRooms(n int) *Options {
	o.Rooms = n
	return o
}

// SetRate sets the producer pacing in messages per second.
func (o *Options) SetRate(r float64) *Options {
	o.Rate = r
	return o
}

// SetTiming sets the warmup and drain periods.
func (o *Options) SetTiming(warmup, drain time.Duration) *Options {
	o.WarmupTime = warmup
	o.DrainTime = drain
	return o
}

// SetRetry sets the send retry and reconnect policies.
func (o *Options) SetRetry(send, reconnect retry.Policy) *Options {
	o.SendRetry = send
	o.Reconnect = reconnect
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(logger *slog.Logger) *Options {
	o.Logger = logger
	return o
}

// Validate checks the options and fills zero values with defaults.
func (o *Options) Validate() error {
	if o.IngressURL == "" {
		return ErrNoIngressURL
	}
	if o.Receivers > 0 && o.BroadcastURL == "" {
		return ErrNoBroadcastURL
	}
	if o.Senders < 1 {
		return ErrInvalidSenders
	}
	if o.Rooms < 1 {
		return ErrInvalidRooms
	}
	if o.QueueSize < 1 {
		return ErrInvalidQueueSize
	}
	if o.Rate < 0 {
		return ErrInvalidRate
	}
	if o.Messages < 0 {
		o.Messages = 0
	}
	if o.Receivers < 0 {
		o.Receivers = 0
	}
	if o.TrackerSize <= 0 {
		o.TrackerSize = DefaultTrackerSize
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Client errors.
var (
	// Configuration errors.
	ErrNoIngressURL     = errors.New("ingress URL cannot be empty")
	ErrNoBroadcastURL   = errors.New("broadcast URL cannot be empty")
	ErrInvalidSenders   = errors.New("sender count must be at least 1")
	ErrInvalidRooms     = errors.New("room count must be at least 1")
	ErrInvalidQueueSize = errors.New("queue size must be at least 1")
	ErrInvalidRate      = errors.New("rate cannot be negative")

	// Session errors.
	ErrSessionClosed    = errors.New("session closed")
	ErrAlreadyConnected = errors.New("session already connected")
	ErrConnectionLost   = errors.New("connection lost")

	// Sender errors.
	ErrSenderFailed = errors.New("sender failed")
)

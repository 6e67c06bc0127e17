// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package room

import "errors"

// ErrSubscriberClosed is returned by Subscriber.Send when the transport is
// no longer open.
var ErrSubscriberClosed = errors.New("subscriber closed")

// Subscriber is a live delivery target in a room.
type Subscriber interface {
	ID() string
	IsOpen() bool
	Send(payload []byte) error
}

// Outcome is the result of one send during fan-out.
type Outcome uint8

const (
	Delivered Outcome = iota
	Closed
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// send classifies a single delivery attempt.
func send(sub Subscriber, payload []byte) (Outcome, error) {
	if !sub.IsOpen() {
		return Closed, ErrSubscriberClosed
	}
	if err := sub.Send(payload); err != nil {
		if errors.Is(err, ErrSubscriberClosed) {
			return Closed, err
		}
		return Failed, err
	}
	return Delivered, nil
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package retry implements exponential backoff for fallible sends and a
// bounded reconnect state machine for severed transport sessions.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Retry errors.
var (
	ErrExhausted   = errors.New("retry attempts exhausted")
	ErrInterrupted = errors.New("retry interrupted during backoff")
)

// Default policy values.
const (
	DefaultSendAttempts      = 5
	DefaultSendBaseDelay     = 100 * time.Millisecond
	DefaultReconnectAttempts = 3
	DefaultReconnectDelay    = time.Second
)

// Recorder receives retry accounting events. Implementations must be safe
// for concurrent use.
type Recorder interface {
	RecordRetry()
	RecordRetryExhausted()
	RecordReconnect()
}

// Policy is an exponential backoff schedule: attempt n waits
// BaseDelay * 2^(n-1) before attempt n+1.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// SendPolicy returns the default send-with-retry policy (5 attempts, 100ms base).
func SendPolicy() Policy {
	return Policy{MaxAttempts: DefaultSendAttempts, BaseDelay: DefaultSendBaseDelay}
}

// ReconnectPolicy returns the default reconnect policy (3 attempts, 1s base).
func ReconnectPolicy() Policy {
	return Policy{MaxAttempts: DefaultReconnectAttempts, BaseDelay: DefaultReconnectDelay}
}

// Backoff returns the delay that follows the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay << (attempt - 1)
}

// Do calls fn until it succeeds, returns a permanent error, or MaxAttempts
// is reached. Every attempt after the first is reported to rec as a retry.
// A context cancelled during backoff ends the chain with ErrInterrupted.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error, rec Recorder) error {
	if rec == nil {
		rec = nopRecorder{}
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			rec.RecordRetry()
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsPermanent(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		if err := p.wait(ctx, p.Backoff(attempt)); err != nil {
			return fmt.Errorf("%w before attempt %d: %w", ErrInterrupted, attempt+1, lastErr)
		}
	}

	rec.RecordRetryExhausted()
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

func (p Policy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

// Sleep blocks for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

type nopRecorder struct{}

func (nopRecorder) RecordRetry()          {}
func (nopRecorder) RecordRetryExhausted() {}
func (nopRecorder) RecordReconnect()      {}

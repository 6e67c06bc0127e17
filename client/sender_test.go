// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxchat/chat"
	"github.com/absmach/fluxchat/pool"
	"github.com/absmach/fluxchat/relay"
	"github.com/absmach/fluxchat/retry"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = retry.Policy{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond}

// ackServer acknowledges every frame the way ingress does. After drop is
// closed it severs the first connection and refuses new ones.
type ackServer struct {
	*httptest.Server
	frames   atomic.Uint64
	accepted atomic.Uint64
	drop     chan struct{}
}

func newAckServer(t *testing.T) *ackServer {
	t.Helper()
	s := &ackServer{drop: make(chan struct{})}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-s.drop:
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		default:
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s.accepted.Add(1)

		go func() {
			select {
			case <-s.drop:
				conn.Close()
			case <-r.Context().Done():
			}
		}()
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.frames.Add(1)
			if err := conn.WriteMessage(websocket.TextMessage, chat.EncodeReply(chat.Ack("m"))); err != nil {
				return
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func newSessionPool(t *testing.T, url string, stats *Stats) *pool.Pool[*Session] {
	t.Helper()
	p, err := pool.New[*Session](pool.Config{Name: "test-sessions", Capacity: 1},
		func(ctx context.Context, room string) (*Session, error) {
			s := NewSession(roomURL(url, room), time.Second, time.Second, nil)
			err := s.Dial(ctx)
			stats.RecordConnection(err == nil)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		pool.WithCloser(func(s *Session) error { return s.Close() }),
		pool.WithHealthCheck(func(s *Session) bool { return s.IsOpen() }),
		pool.WithStrictKeys[*Session]())
	require.NoError(t, err)
	t.Cleanup(p.Shutdown)
	return p
}

func TestSenderDrainsQueue(t *testing.T) {
	srv := newAckServer(t)
	stats := &Stats{}
	sessions := newSessionPool(t, wsURL(srv.Server, ""), stats)
	tracker, err := NewTracker(100)
	require.NoError(t, err)

	q := relay.New[chat.Inbound](10)
	gen := NewGenerator(1, 3)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Put(context.Background(), gen.Next()))
	}
	q.MarkProducerDone()

	s := NewSender(SenderConfig{ID: 1, Room: "1", SendRetry: fastRetry, Reconnect: fastRetry}, sessions, q, tracker, stats, nil)
	require.NoError(t, s.Run(context.Background()))

	select {
	case <-s.Done():
	default:
		t.Fatal("Done must be closed after Run")
	}
	assert.Equal(t, uint64(5), s.Sent())
	assert.Zero(t, s.Failed())
	assert.NoError(t, s.Err())
	assert.Equal(t, 5, tracker.Len())
	assert.Eventually(t, func() bool { return srv.frames.Load() == 5 }, 2*time.Second, 10*time.Millisecond)

	st := sessions.Stats()
	assert.Equal(t, 1, st.Idle, "a healthy session goes back to the pool")
	assert.Equal(t, StatsSnapshot{Connections: 1, Successful: 1}, stats.Snapshot())
}

func TestSenderCountsReplies(t *testing.T) {
	srv := newAckServer(t)
	sessions := newSessionPool(t, wsURL(srv.Server, ""), &Stats{})

	q := relay.New[chat.Inbound](10)
	gen := NewGenerator(1, 3)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Put(context.Background(), gen.Next()))
	}

	s := NewSender(SenderConfig{ID: 1, Room: "1", SendRetry: fastRetry, Reconnect: fastRetry}, sessions, q, nil, nil, nil)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool { return s.Acked() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, s.Rejected())

	q.MarkProducerDone()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sender did not stop after the queue drained")
	}
}

func TestSenderFailsWhenReconnectExhausted(t *testing.T) {
	srv := newAckServer(t)
	stats := &Stats{}
	sessions := newSessionPool(t, wsURL(srv.Server, ""), stats)

	q := relay.New[chat.Inbound](10)
	require.NoError(t, q.Put(context.Background(), NewGenerator(1, 3).Next()))

	s := NewSender(SenderConfig{ID: 7, Room: "1", SendRetry: fastRetry, Reconnect: fastRetry}, sessions, q, nil, stats, nil)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool { return s.Sent() == 1 }, 2*time.Second, 10*time.Millisecond)
	// Work remains: the producer is not done.
	close(srv.drop)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after reconnect exhaustion")
	}

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	require.ErrorIs(t, err, ErrSenderFailed)
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.ErrorIs(t, s.Err(), ErrSenderFailed)

	snap := stats.Snapshot()
	assert.Equal(t, uint64(2), snap.Reconnections)
	assert.Equal(t, uint64(1), snap.Successful)
	assert.Equal(t, uint64(1), srv.accepted.Load())
	assert.Eventually(t, func() bool { return sessions.Stats().Live == 0 }, time.Second, 10*time.Millisecond,
		"a dead session is discarded, not pooled")
}

// dropFirstServer closes the first websocket right after the upgrade and
// acknowledges frames on every later connection.
func dropFirstServer(t *testing.T) (*httptest.Server, *atomic.Uint64, *atomic.Uint64) {
	t.Helper()
	var accepted, frames atomic.Uint64
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if accepted.Add(1) == 1 {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			frames.Add(1)
			if err := conn.WriteMessage(websocket.TextMessage, chat.EncodeReply(chat.Ack("m"))); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts, &accepted, &frames
}

func TestSenderReconnectsForInFlightMessage(t *testing.T) {
	ts, accepted, frames := dropFirstServer(t)
	stats := &Stats{}
	sessions := newSessionPool(t, wsURL(ts, ""), stats)

	q := relay.New[chat.Inbound](1)
	send := retry.Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond}
	reconnect := retry.Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond}
	s := NewSender(SenderConfig{ID: 1, Room: "1", SendRetry: send, Reconnect: reconnect}, sessions, q, nil, stats, nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	// The last message arrives after the session dropped and the producer
	// finishes before the reconnect backoff elapses.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Put(context.Background(), NewGenerator(1, 3).Next()))
	q.MarkProducerDone()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sender did not finish")
	}

	assert.Equal(t, uint64(1), s.Sent())
	assert.Zero(t, s.Failed())
	assert.Equal(t, uint64(2), accepted.Load())
	assert.GreaterOrEqual(t, stats.Snapshot().Reconnections, uint64(1))
	assert.Eventually(t, func() bool { return frames.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSenderAcquireFailure(t *testing.T) {
	stats := &Stats{}
	sessions := newSessionPool(t, "ws://127.0.0.1:1", stats)
	q := relay.New[chat.Inbound](1)

	s := NewSender(SenderConfig{ID: 1, Room: "1", SendRetry: fastRetry, Reconnect: fastRetry}, sessions, q, nil, stats, nil)
	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrSenderFailed)

	select {
	case <-s.Done():
	default:
		t.Fatal("Done must be closed")
	}
	assert.Equal(t, uint64(1), stats.Snapshot().Failed)
}

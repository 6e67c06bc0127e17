// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxchat/broker"
	"github.com/absmach/fluxchat/broker/memory"
	"github.com/absmach/fluxchat/chat"
	"github.com/absmach/fluxchat/metrics"
	"github.com/absmach/fluxchat/ratelimit"
	"github.com/absmach/fluxchat/retry"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingPublisher struct {
	mu    sync.Mutex
	calls int
}

func (p *failingPublisher) Publish(context.Context, chat.Message) error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return errors.New("broker unavailable")
}

func startServer(t *testing.T, pub Publisher, limiter *ratelimit.Manager) (*Server, *httptest.Server) {
	t.Helper()
	s := New(Config{ServerID: "ingress-test", Rooms: 20, WriteTimeout: time.Second}, pub, limiter, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, frame string) chat.Reply {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var reply chat.Reply
	require.NoError(t, json.Unmarshal(data, &reply))
	return reply
}

const validFrame = `{"userId":"42","username":"alice","message":"hello","timestamp":"2024-01-01T00:00:00Z","messageType":"TEXT","trackingId":"t-1"}`

func TestPublishesValidMessage(t *testing.T) {
	b := memory.New("4")
	channels, err := broker.NewChannelPool(b, "ingress", 2, nil)
	require.NoError(t, err)
	defer channels.Shutdown()
	pub := broker.NewPublisher(channels, broker.PublisherConfig{Retry: retry.SendPolicy()}, metrics.New(), nil)

	s, ts := startServer(t, pub, nil)
	conn := dial(t, ts, "/chat/4")

	reply := roundTrip(t, conn, validFrame)
	assert.Equal(t, chat.StatusSuccess, reply.Status)
	assert.NotEmpty(t, reply.MessageID)
	assert.NotEmpty(t, reply.ServerTimestamp)

	require.Equal(t, 1, b.Ready("4"))
	assert.Equal(t, uint64(1), s.Stats().Accepted)

	ch, err := b.Channel(context.Background())
	require.NoError(t, err)
	defer ch.Close()
	deliveries, err := ch.Consume(context.Background(), "4", "check")
	require.NoError(t, err)

	d := <-deliveries
	msg, err := chat.Decode(d.Body())
	require.NoError(t, err)
	assert.Equal(t, reply.MessageID, msg.ID)
	assert.Equal(t, "4", msg.Room)
	assert.Equal(t, "ingress-test", msg.ServerID)
	assert.Equal(t, "127.0.0.1", msg.ClientIP)
	assert.Equal(t, "t-1", msg.TrackingID)
	require.NoError(t, d.Ack())
}

func TestRejectsInvalidFrames(t *testing.T) {
	pub := &failingPublisher{}
	s, ts := startServer(t, pub, nil)
	conn := dial(t, ts, "/chat/1")

	tests := []struct {
		name   string
		frame  string
		reason string
	}{
		{name: "not json", frame: "hello", reason: ReasonInvalidJSON},
		{name: "missing user", frame: `{"username":"alice","message":"x","timestamp":"t","messageType":"TEXT"}`, reason: chat.ErrUserIDRequired.Error()},
		{name: "user out of range", frame: `{"userId":"0","username":"alice","message":"x","timestamp":"t","messageType":"TEXT"}`, reason: chat.ErrUserIDRange.Error()},
		{name: "bad username", frame: `{"userId":"5","username":"a!","message":"x","timestamp":"t","messageType":"TEXT"}`, reason: chat.ErrUsernameLength.Error()},
		{name: "unknown kind", frame: `{"userId":"5","username":"alice","message":"x","timestamp":"t","messageType":"SHOUT"}`, reason: chat.ErrUnknownKind.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := roundTrip(t, conn, tt.frame)
			assert.Equal(t, chat.StatusError, reply.Status)
			assert.Equal(t, tt.reason, reply.Message)
			assert.Empty(t, reply.MessageID)
		})
	}

	assert.Zero(t, pub.calls)
	assert.Equal(t, uint64(len(tests)), s.Stats().Rejected)
}

func TestPublishFailureReply(t *testing.T) {
	pub := &failingPublisher{}
	s, ts := startServer(t, pub, nil)
	conn := dial(t, ts, "/chat/2")

	reply := roundTrip(t, conn, validFrame)
	assert.Equal(t, chat.StatusError, reply.Status)
	assert.Equal(t, ReasonPublishFailed, reply.Message)
	assert.Equal(t, uint64(1), s.Stats().Failed)
}

func TestMessageRateLimit(t *testing.T) {
	cfg := ratelimit.DefaultConfig()
	cfg.Enabled = true
	cfg.Connection.Enabled = false
	cfg.Message.Rate = 0.001
	cfg.Message.Burst = 1
	limiter := ratelimit.NewManager(cfg)
	defer limiter.Stop()

	b := memory.New("1")
	channels, err := broker.NewChannelPool(b, "ingress", 1, nil)
	require.NoError(t, err)
	defer channels.Shutdown()
	pub := broker.NewPublisher(channels, broker.PublisherConfig{Retry: retry.SendPolicy()}, nil, nil)

	_, ts := startServer(t, pub, limiter)
	conn := dial(t, ts, "/chat/1")

	assert.Equal(t, chat.StatusSuccess, roundTrip(t, conn, validFrame).Status)
	reply := roundTrip(t, conn, validFrame)
	assert.Equal(t, chat.StatusError, reply.Status)
	assert.Equal(t, ReasonRateLimited, reply.Message)
	assert.Equal(t, 1, b.Ready("1"))
}

func TestInvalidRoomIsRejected(t *testing.T) {
	_, ts := startServer(t, &failingPublisher{}, nil)
	conn := dial(t, ts, "/chat/")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

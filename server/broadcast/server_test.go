// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broadcast

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/absmach/fluxchat/chat"
	"github.com/absmach/fluxchat/metrics"
	"github.com/absmach/fluxchat/ratelimit"
	"github.com/absmach/fluxchat/room"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, limiter *ratelimit.Manager) (*httptest.Server, *room.Manager, *metrics.Metrics) {
	t.Helper()

	m := metrics.New()
	dedup, err := room.NewLRUDedup(100, 2)
	require.NoError(t, err)
	rooms := room.NewManager(dedup, m, nil)

	s := New(Config{Rooms: 20, WriteTimeout: time.Second}, rooms, limiter, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, rooms, m
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSubscriberReceivesRoomMessages(t *testing.T) {
	ts, rooms, m := newTestServer(t, nil)
	conn := dial(t, ts, "/chat/3")

	require.Eventually(t, func() bool { return len(rooms.Subscribers("3")) == 1 }, 2*time.Second, 10*time.Millisecond)

	msg := chat.Message{
		ID:         "m-1",
		Room:       "3",
		UserID:     "9",
		Username:   "bob",
		Body:       "hi",
		Timestamp:  "2024-01-01T00:00:00Z",
		Kind:       chat.KindText,
		ServerID:   "ingress-1",
		ClientIP:   "10.0.0.1",
		TrackingID: "t-1",
	}
	require.NoError(t, rooms.Deliver(msg))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got chat.Broadcast
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, msg.Broadcast(), got)
	assert.NotContains(t, string(data), "clientIp")
	assert.Equal(t, uint64(1), m.GetDelivered())
}

func TestInvalidRoomIsRejected(t *testing.T) {
	ts, rooms, _ := newTestServer(t, nil)

	for _, path := range []string{"/chat/99", "/chat/abc", "/chat/0"} {
		t.Run(path, func(t *testing.T) {
			conn := dial(t, ts, path)
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

			_, _, err := conn.ReadMessage()
			var closeErr *websocket.CloseError
			require.ErrorAs(t, err, &closeErr)
			assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
			assert.Equal(t, "Invalid room path", closeErr.Text)
		})
	}
	assert.Zero(t, rooms.Stats().Rooms)
}

func TestInboundFrameGetsErrorReply(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)
	conn := dial(t, ts, "/chat/1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"message":"hello"}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var reply chat.Reply
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.Equal(t, chat.StatusError, reply.Status)
	assert.Contains(t, reply.Message, "receiving messages only")
}

func TestDisconnectUnsubscribes(t *testing.T) {
	ts, rooms, _ := newTestServer(t, nil)
	conn := dial(t, ts, "/chat/5")

	require.Eventually(t, func() bool { return len(rooms.Subscribers("5")) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	conn.Close()

	require.Eventually(t, func() bool { return len(rooms.Subscribers("5")) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, rooms.Stats().Rooms)
}

func TestConnectionRateLimit(t *testing.T) {
	cfg := ratelimit.DefaultConfig()
	cfg.Enabled = true
	cfg.Connection.Rate = 0.001
	cfg.Connection.Burst = 1
	limiter := ratelimit.NewManager(cfg)
	defer limiter.Stop()

	ts, _, _ := newTestServer(t, limiter)
	dial(t, ts, "/chat/1")

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/chat/1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/fluxchat/chat"
	"github.com/absmach/fluxchat/metrics"
	"github.com/absmach/fluxchat/room"
	"github.com/absmach/fluxchat/server/broadcast"
	"github.com/absmach/fluxchat/server/ingress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopback publishes straight into the room manager, standing in for the
// broker and consumer pool.
type loopback struct {
	rooms *room.Manager
}

func (l loopback) Publish(_ context.Context, msg chat.Message) error {
	return l.rooms.Deliver(msg)
}

func startPipeline(t *testing.T, rooms int) (ingressURL, broadcastURL string) {
	t.Helper()
	dedup, err := room.NewLRUDedup(10000, 4)
	require.NoError(t, err)
	manager := room.NewManager(dedup, metrics.New(), nil)

	in := ingress.New(ingress.Config{ServerID: "test", Rooms: rooms, WriteTimeout: time.Second}, loopback{rooms: manager}, nil, nil)
	out := broadcast.New(broadcast.Config{Rooms: rooms, WriteTimeout: time.Second}, manager, nil, nil)

	inTS := httptest.NewServer(in.Handler())
	t.Cleanup(inTS.Close)
	outTS := httptest.NewServer(out.Handler())
	t.Cleanup(outTS.Close)

	return wsURL(inTS, ""), wsURL(outTS, "")
}

func TestLoadGeneratorEndToEnd(t *testing.T) {
	ingressURL, broadcastURL := startPipeline(t, 2)

	opts := NewOptions().
		SetURLs(ingressURL, broadcastURL).
		SetMessages(50).
		SetSenders(3).
		SetReceivers(2).
		SetRooms(2).
		SetTiming(100*time.Millisecond, 3*time.Second).
		SetRetry(fastRetry, fastRetry)
	opts.QueueSize = 8

	g, err := New(opts)
	require.NoError(t, err)

	res, err := g.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(50), res.Sent)
	assert.Zero(t, res.Failed)
	assert.Zero(t, res.FailedSenders)
	assert.Equal(t, uint64(50), res.Received, "every message reaches its room subscriber")
	assert.Equal(t, uint64(50), res.Broadcasts)
	assert.Equal(t, 50, g.Collector().Count())
	assert.Positive(t, res.Throughput)
	assert.Zero(t, res.Connections.Failed)
	assert.GreaterOrEqual(t, res.Connections.Successful, uint64(3))

	for _, l := range g.Collector().Samples() {
		assert.NotEmpty(t, l.TrackingID)
		assert.GreaterOrEqual(t, l.Value, time.Duration(0))
	}
}

func TestLoadGeneratorAllSendersFail(t *testing.T) {
	opts := NewOptions().
		SetURLs("ws://127.0.0.1:1", "").
		SetMessages(10).
		SetSenders(2).
		SetReceivers(0).
		SetRetry(fastRetry, fastRetry)

	g, err := New(opts)
	require.NoError(t, err)

	res, err := g.Run(context.Background())
	assert.ErrorIs(t, err, ErrSenderFailed)
	assert.Equal(t, 2, res.FailedSenders)
	assert.Zero(t, res.Sent)
	assert.Equal(t, uint64(2), res.Connections.Failed)
}

func TestRoomURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/chat/3", roomURL("ws://localhost:8080", "3"))
	assert.Equal(t, "ws://localhost:8080/chat/3", roomURL("ws://localhost:8080/", "3"))
}

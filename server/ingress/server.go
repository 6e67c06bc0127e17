// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ingress accepts chat messages over websocket, validates them, and
// publishes them to the broker partition of their room.
package ingress

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxchat/chat"
	"github.com/absmach/fluxchat/ratelimit"
	ws "github.com/absmach/fluxchat/server/websocket"
	"github.com/gorilla/websocket"
)

// Reply reasons.
const (
	ReasonInvalidJSON   = "Invalid JSON format"
	ReasonRateLimited   = "Rate limit exceeded"
	ReasonPublishFailed = "Failed to process message"
)

// Publisher publishes a validated message.
type Publisher interface {
	Publish(ctx context.Context, msg chat.Message) error
}

// Config holds ingress server configuration.
type Config struct {
	Address         string
	ServerID        string
	Rooms           int
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Stats counts ingress outcomes.
type Stats struct {
	Connections uint64 `json:"connections"`
	Accepted    uint64 `json:"accepted"`
	Rejected    uint64 `json:"rejected"`
	Failed      uint64 `json:"failed"`
}

// Server is the producer-facing websocket endpoint.
type Server struct {
	config    Config
	publisher Publisher
	limiter   *ratelimit.Manager
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	server    *ws.Server

	connections atomic.Uint64
	accepted    atomic.Uint64
	rejected    atomic.Uint64
	failed      atomic.Uint64
}

// New creates an ingress server. limiter may be nil.
func New(cfg Config, publisher Publisher, limiter *ratelimit.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:    cfg,
		publisher: publisher,
		limiter:   limiter,
		logger:    logger.With(slog.String("server_id", cfg.ServerID)),
		upgrader:  ws.NewUpgrader(),
	}
	s.server = ws.NewServer("ingress", ws.Config{
		Address:         cfg.Address,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, s.Handler(), s.logger)

	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(ws.RoomPath, s.handleConnection)
	return mux
}

// Listen serves until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	return s.server.Listen(ctx)
}

// Addr returns the listener's network address, or "" before Listen.
func (s *Server) Addr() string {
	return s.server.Addr()
}

// Stats returns the ingress counters.
func (s *Server) Stats() Stats {
	return Stats{
		Connections: s.connections.Load(),
		Accepted:    s.accepted.Load(),
		Rejected:    s.rejected.Load(),
		Failed:      s.failed.Load(),
	}
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	ip := ratelimit.ClientIP(r)
	if !s.limiter.AllowConnection(ip) {
		s.logger.Warn("ingress connection rate limited", slog.String("remote_ip", ip))
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	conn := ws.NewConn(raw, ip, s.config.WriteTimeout)

	key, ok := ws.RoomFromPath(r.URL.Path, s.config.Rooms)
	if !ok {
		s.logger.Info("ingress invalid room", slog.String("path", r.URL.Path), slog.String("remote_ip", ip))
		conn.Reject(ws.ClosePolicyViolation, ws.InvalidRoomReason)
		return
	}

	s.connections.Add(1)
	s.logger.Debug("ingress client connected", slog.String("room", key), slog.String("remote_ip", ip))
	defer func() {
		s.limiter.SessionClosed(conn.ID())
		_ = conn.Close()
		s.logger.Debug("ingress client disconnected", slog.String("room", key), slog.String("remote_ip", ip))
	}()

	ctx := r.Context()
	for {
		data, err := conn.Read()
		if err != nil {
			if !ws.IsNormalClose(err) && conn.IsOpen() {
				s.logger.Debug("ingress read error", slog.String("room", key), slog.String("error", err.Error()))
			}
			return
		}

		reply := s.process(ctx, conn, key, data)
		if err := conn.Send(chat.EncodeReply(reply)); err != nil {
			return
		}
	}
}

// process validates and publishes one inbound frame and builds the reply.
func (s *Server) process(ctx context.Context, conn *ws.Conn, key string, data []byte) chat.Reply {
	if !s.limiter.AllowMessage(conn.ID()) {
		s.rejected.Add(1)
		return chat.ErrorReply(ReasonRateLimited)
	}

	var in chat.Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		s.rejected.Add(1)
		return chat.ErrorReply(ReasonInvalidJSON)
	}
	if err := in.Validate(); err != nil {
		s.rejected.Add(1)
		return chat.ErrorReply(err.Error())
	}

	msg := chat.NewMessage(in, key, s.config.ServerID, conn.RemoteIP())
	if err := s.publisher.Publish(ctx, msg); err != nil {
		s.failed.Add(1)
		s.logger.Error("ingress publish failed",
			slog.String("room", key),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))
		return chat.ErrorReply(ReasonPublishFailed)
	}

	s.accepted.Add(1)
	return chat.Ack(msg.ID)
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broadcast serves the read-only websocket endpoint subscribers use
// to receive room messages.
package broadcast

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/absmach/fluxchat/chat"
	"github.com/absmach/fluxchat/ratelimit"
	"github.com/absmach/fluxchat/room"
	ws "github.com/absmach/fluxchat/server/websocket"
	"github.com/gorilla/websocket"
)

const readOnlyReason = "This server is for receiving messages only. Use the main server to send messages."

// Config holds broadcast server configuration.
type Config struct {
	Address         string
	Rooms           int
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server attaches websocket subscribers to rooms.
type Server struct {
	config   Config
	rooms    *room.Manager
	limiter  *ratelimit.Manager
	logger   *slog.Logger
	upgrader websocket.Upgrader
	server   *ws.Server
}

// New creates a broadcast server. limiter may be nil.
func New(cfg Config, rooms *room.Manager, limiter *ratelimit.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   cfg,
		rooms:    rooms,
		limiter:  limiter,
		logger:   logger,
		upgrader: ws.NewUpgrader(),
	}
	s.server = ws.NewServer("broadcast", ws.Config{
		Address:         cfg.Address,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, s.Handler(), logger)

	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(ws.RoomPath, s.handleSubscribe)
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

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	ip := ratelimit.ClientIP(r)
	if !s.limiter.AllowConnection(ip) {
		s.logger.Warn("broadcast connection rate limited", slog.String("remote_ip", ip))
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
		s.logger.Info("broadcast invalid room", slog.String("path", r.URL.Path), slog.String("remote_ip", ip))
		conn.Reject(ws.ClosePolicyViolation, ws.InvalidRoomReason)
		return
	}

	s.rooms.Subscribe(key, conn)
	s.logger.Info("broadcast client connected", slog.String("room", key), slog.String("remote_ip", ip))

	defer func() {
		s.rooms.Unsubscribe(key, conn)
		_ = conn.Close()
		s.logger.Info("broadcast client disconnected", slog.String("room", key), slog.String("remote_ip", ip))
	}()

	reply := chat.EncodeReply(chat.ErrorReply(readOnlyReason))
	for {
		if _, err := conn.Read(); err != nil {
			if !ws.IsNormalClose(err) && conn.IsOpen() {
				s.logger.Debug("broadcast read error", slog.String("room", key), slog.String("error", err.Error()))
			}
			return
		}
		if err := conn.Send(reply); err != nil {
			return
		}
	}
}

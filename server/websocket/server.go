// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket holds the HTTP lifecycle and connection wrapper shared
// by the ingress and broadcast websocket servers.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxchat/room"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// RoomPath is the route prefix for room connections.
const RoomPath = "/chat/"

// Close codes and reasons sent on rejected connections.
const (
	ClosePolicyViolation = websocket.ClosePolicyViolation
	InvalidRoomReason    = "Invalid room path"
)

var _ room.Subscriber = (*Conn)(nil)

// Config holds websocket server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Server runs an HTTP server that upgrades to websockets.
type Server struct {
	name   string
	config Config
	logger *slog.Logger
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a server named for logging.
func NewServer(name string, cfg Config, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		name:   name,
		config: cfg,
		logger: logger,
		server: &http.Server{
			Addr:    cfg.Address,
			Handler: handler,
		},
	}
}

// Addr returns the listener's network address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen serves until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("websocket server starting",
		slog.String("server", s.name),
		slog.String("addr", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("websocket server shutdown initiated", slog.String("server", s.name))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket server shutdown error",
				slog.String("server", s.name),
				slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("websocket server stopped", slog.String("server", s.name))
		return nil
	}
}

// NewUpgrader returns the upgrader used by both servers. Origins are not
// checked.
func NewUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// RoomFromPath extracts the room key from /chat/{room}. When rooms is
// positive the key must be a number in 1..rooms.
func RoomFromPath(path string, rooms int) (string, bool) {
	key, ok := strings.CutPrefix(path, RoomPath)
	if !ok || key == "" || strings.Contains(key, "/") {
		return "", false
	}
	if rooms <= 0 {
		return key, true
	}
	n, err := strconv.Atoi(key)
	if err != nil || n < 1 || n > rooms {
		return "", false
	}
	return strconv.Itoa(n), true
}

// Conn wraps one websocket connection. Writes are serialized and bounded by
// a write deadline.
type Conn struct {
	id           string
	ws           *websocket.Conn
	remoteIP     string
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewConn wraps ws.
func NewConn(ws *websocket.Conn, remoteIP string, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:           uuid.NewString(),
		ws:           ws,
		remoteIP:     remoteIP,
		writeTimeout: writeTimeout,
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// RemoteIP returns the client address the connection was accepted from.
func (c *Conn) RemoteIP() string { return c.remoteIP }

// IsOpen reports whether the connection can still be written to.
func (c *Conn) IsOpen() bool { return !c.closed.Load() }

// Send writes one text frame. A failed write closes the connection and
// returns an error matching room.ErrSubscriberClosed.
func (c *Conn) Send(payload []byte) error {
	if c.closed.Load() {
		return room.ErrSubscriberClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.closed.Store(true)
		_ = c.ws.Close()
		return fmt.Errorf("%w: %w", room.ErrSubscriberClosed, err)
	}
	return nil
}

// Read returns the next data frame.
func (c *Conn) Read() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// Reject sends a close frame with code and reason, then closes.
func (c *Conn) Reject(code int, reason string) {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.Close()
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.ws.Close()
}

// IsNormalClose reports whether err is a peer-initiated normal closure.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Session is a websocket session to one room endpoint. Reconnect, retry and
// pooling are layered on top by the caller; Session itself only tracks the
// connection and reports when it is lost.
type Session struct {
	id           string
	url          string
	dialer       *websocket.Dialer
	writeTimeout time.Duration
	logger       *slog.Logger

	state stateManager

	// Connection
	connMu sync.Mutex
	conn   *websocket.Conn
	// Serializes frame writes.
	writeMu sync.Mutex

	// Callbacks
	cbMu      sync.RWMutex
	onClose   func(error)
	onMessage func([]byte)
}

// NewSession creates a disconnected session for url.
func NewSession(url string, dialTimeout, writeTimeout time.Duration, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:           uuid.NewString(),
		url:          url,
		dialer:       &websocket.Dialer{HandshakeTimeout: dialTimeout},
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// URL returns the endpoint the session dials.
func (s *Session) URL() string { return s.url }

// State returns the current connection state.
func (s *Session) State() State { return s.state.get() }

// IsOpen reports whether the session is connected.
func (s *Session) IsOpen() bool { return s.state.isConnected() }

// OnClose sets the callback invoked when the connection is lost. It is not
// called for Close.
func (s *Session) OnClose(fn func(error)) {
	s.cbMu.Lock()
	s.onClose = fn
	s.cbMu.Unlock()
}

// OnMessage sets the callback invoked for each received frame.
func (s *Session) OnMessage(fn func([]byte)) {
	s.cbMu.Lock()
	s.onMessage = fn
	s.cbMu.Unlock()
}

// Dial connects the session.
func (s *Session) Dial(ctx context.Context) error {
	if !s.state.transition(StateDisconnected, StateConnecting) {
		switch s.state.get() {
		case StateClosed:
			return ErrSessionClosed
		default:
			return ErrAlreadyConnected
		}
	}

	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		s.state.transition(StateConnecting, StateDisconnected)
		return fmt.Errorf("failed to dial %s: %w", s.url, err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	if !s.state.transition(StateConnecting, StateConnected) {
		// Closed while dialing.
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		conn.Close()
		return ErrSessionClosed
	}

	go s.readLoop(conn)
	return nil
}

// Reconnect dials again if the session is disconnected. It is a no-op on a
// connected session.
func (s *Session) Reconnect(ctx context.Context) error {
	switch s.state.get() {
	case StateClosed:
		return ErrSessionClosed
	case StateConnected:
		return nil
	}
	return s.Dial(ctx)
}

// Send writes one text frame. It returns ErrSessionClosed when the session
// is not connected. A failed write drops the connection and fires OnClose.
func (s *Session) Send(payload []byte) error {
	if !s.state.isConnected() {
		return ErrSessionClosed
	}

	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return ErrSessionClosed
	}

	s.writeMu.Lock()
	if s.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	err := conn.WriteMessage(websocket.TextMessage, payload)
	s.writeMu.Unlock()

	if err != nil {
		s.connectionLost(conn, err)
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	return nil
}

// Close permanently closes the session.
func (s *Session) Close() error {
	if s.state.swap(StateClosed) == StateClosed {
		return nil
	}

	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()
	if conn == nil {
		return nil
	}

	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return conn.Close()
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.connectionLost(conn, err)
			return
		}

		s.cbMu.RLock()
		fn := s.onMessage
		s.cbMu.RUnlock()
		if fn != nil {
			fn(data)
		}
	}
}

// connectionLost tears down conn if it is still the current connection.
func (s *Session) connectionLost(conn *websocket.Conn, err error) {
	s.connMu.Lock()
	if s.conn != conn {
		s.connMu.Unlock()
		return
	}
	s.conn = nil
	s.connMu.Unlock()
	conn.Close()

	if !s.state.transition(StateConnected, StateDisconnected) {
		return
	}
	s.logger.Debug("session connection lost", slog.String("session", s.id), slog.String("error", err.Error()))

	s.cbMu.RLock()
	fn := s.onClose
	s.cbMu.RUnlock()
	if fn != nil {
		go fn(err)
	}
}

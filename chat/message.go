// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package chat defines the chat message model shared by ingress, the
// consumer pipeline, and subscribers.
package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message errors.
var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrUnknownKind    = errors.New("unknown message type")
)

// Kind is the message type.
type Kind string

// Message kinds.
const (
	KindText  Kind = "TEXT"
	KindJoin  Kind = "JOIN"
	KindLeave Kind = "LEAVE"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindJoin, KindLeave:
		return true
	default:
		return false
	}
}

// Message is a chat message as it travels through the broker. ID is assigned
// once at ingress and is the dedup key downstream.
type Message struct {
	ID         string `json:"messageId"`
	Room       string `json:"roomId"`
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	Body       string `json:"message"`
	Timestamp  string `json:"timestamp"`
	Kind       Kind   `json:"messageType"`
	ServerID   string `json:"serverId,omitempty"`
	ClientIP   string `json:"clientIp,omitempty"`
	TrackingID string `json:"trackingId,omitempty"`
}

// NewMessage builds a broker message from a validated inbound message.
func NewMessage(in Inbound, room, serverID, clientIP string) Message {
	return Message{
		ID:         uuid.NewString(),
		Room:       room,
		UserID:     in.UserID,
		Username:   in.Username,
		Body:       in.Message,
		Timestamp:  in.Timestamp,
		Kind:       in.MessageType,
		ServerID:   serverID,
		ClientIP:   clientIP,
		TrackingID: in.TrackingID,
	}
}

// Check verifies the fields the pipeline depends on.
func (m Message) Check() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing messageId", ErrInvalidMessage)
	}
	if m.Room == "" {
		return fmt.Errorf("%w: missing roomId", ErrInvalidMessage)
	}
	return nil
}

// Broadcast is the form delivered to room subscribers.
type Broadcast struct {
	ID         string `json:"messageId"`
	Room       string `json:"roomId"`
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	Body       string `json:"message"`
	Timestamp  string `json:"timestamp"`
	Kind       Kind   `json:"messageType"`
	TrackingID string `json:"trackingId,omitempty"`
}

// Broadcast returns the subscriber-facing view of m.
func (m Message) Broadcast() Broadcast {
	return Broadcast{
		ID:         m.ID,
		Room:       m.Room,
		UserID:     m.UserID,
		Username:   m.Username,
		Body:       m.Body,
		Timestamp:  m.Timestamp,
		Kind:       m.Kind,
		TrackingID: m.TrackingID,
	}
}

// Reply statuses.
const (
	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
)

// Reply is sent back to a websocket peer after each inbound frame.
type Reply struct {
	Status          string `json:"status"`
	Message         string `json:"message"`
	MessageID       string `json:"messageId,omitempty"`
	ServerTimestamp string `json:"serverTimestamp"`
}

// Ack builds a success reply for a published message.
func Ack(messageID string) Reply {
	return Reply{
		Status:          StatusSuccess,
		Message:         "Message published",
		MessageID:       messageID,
		ServerTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// ErrorReply builds an error reply.
func ErrorReply(reason string) Reply {
	return Reply{
		Status:          StatusError,
		Message:         reason,
		ServerTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

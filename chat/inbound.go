// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"errors"
	"regexp"
	"strconv"
	"unicode/utf8"
)

// Validation limits.
const (
	MinUserID      = 1
	MaxUserID      = 100000
	MinUsernameLen = 3
	MaxUsernameLen = 20
	MaxBodyLen     = 500
)

// Validation errors.
var (
	ErrUserIDRequired    = errors.New("userId is required")
	ErrUserIDNotNumber   = errors.New("userId must be a valid number")
	ErrUserIDRange       = errors.New("userId must be between 1 and 100000")
	ErrUsernameRequired  = errors.New("username is required")
	ErrUsernameLength    = errors.New("username must be between 3 and 20 characters")
	ErrUsernameCharset   = errors.New("username must be alphanumeric only")
	ErrBodyRequired      = errors.New("message is required")
	ErrBodyLength        = errors.New("message must be 1-500 characters")
	ErrKindRequired      = errors.New("messageType is required")
	ErrTimestampRequired = errors.New("timestamp is required")
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

// Inbound is a message as sent by a chat client to ingress.
type Inbound struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	Message     string `json:"message"`
	Timestamp   string `json:"timestamp"`
	MessageType Kind   `json:"messageType"`
	TrackingID  string `json:"trackingId,omitempty"`
}

// Validate applies ingress field rules and returns the first violation.
func (in Inbound) Validate() error {
	if in.UserID == "" {
		return ErrUserIDRequired
	}
	id, err := strconv.Atoi(in.UserID)
	if err != nil {
		return ErrUserIDNotNumber
	}
	if id < MinUserID || id > MaxUserID {
		return ErrUserIDRange
	}

	if in.Username == "" {
		return ErrUsernameRequired
	}
	if n := len(in.Username); n < MinUsernameLen || n > MaxUsernameLen {
		return ErrUsernameLength
	}
	if !usernamePattern.MatchString(in.Username) {
		return ErrUsernameCharset
	}

	if in.Message == "" {
		return ErrBodyRequired
	}
	if utf8.RuneCountInString(in.Message) > MaxBodyLen {
		return ErrBodyLength
	}

	if in.MessageType == "" {
		return ErrKindRequired
	}
	if !in.MessageType.Valid() {
		return ErrUnknownKind
	}

	if in.Timestamp == "" {
		return ErrTimestampRequired
	}
	return nil
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"encoding/json"
	"fmt"

	"github.com/absmach/fluxchat/internal/bufpool"
)

// Encode serializes m for publishing.
func Encode(m Message) ([]byte, error) {
	data, err := bufpool.MarshalJSON(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode parses a broker payload and checks the fields the pipeline needs.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if err := m.Check(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// EncodeBroadcast serializes the subscriber-facing view of m.
func EncodeBroadcast(m Message) ([]byte, error) {
	data, err := bufpool.MarshalJSON(m.Broadcast())
	if err != nil {
		return nil, fmt.Errorf("failed to encode broadcast: %w", err)
	}
	return data, nil
}

// EncodeReply serializes a reply frame.
func EncodeReply(r Reply) []byte {
	data, err := bufpool.MarshalJSON(r)
	if err != nil {
		return []byte(`{"status":"ERROR","message":"internal error"}`)
	}
	return data
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/fluxchat/chat"
	"github.com/google/uuid"
)

var phrases = []string{
	"Hello everyone!", "How are you doing?", "Great to be here!",
	"What's up?", "Anyone online?", "Good morning!",
	"Have a great day!", "See you later!", "Thanks for the help!",
	"That's awesome!", "I agree with that", "Interesting point!",
	"Can you help me?", "Sure, no problem!", "Let me check that",
	"Working on a project", "Almost done here", "Need a break",
	"Coffee time!", "Lunch break!", "Back to work",
	"Meeting in 5 mins", "Running late", "On my way",
	"Check this out", "Did you see that?", "Amazing stuff",
	"LOL that's funny", "Haha good one", "Made my day",
	"Weekend plans?", "Any recommendations?", "Sounds good to me",
	"Count me in!", "I'm interested", "Tell me more",
	"Got it, thanks!", "Perfect timing", "Exactly what I needed",
	"Appreciate it!", "You're welcome", "No worries",
	"Let's do this!", "Ready when you are", "All set here",
	"Question for you", "Quick update", "FYI everyone",
	"Heads up team", "Note to self", "Reminder set",
}

// Generator produces random chat payloads. It is safe for concurrent use.
type Generator struct {
	rooms int

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewGenerator creates a generator for rooms 1..rooms.
func NewGenerator(rooms int, seed uint64) *Generator {
	if rooms < 1 {
		rooms = 1
	}
	return &Generator{
		rooms: rooms,
		rnd:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Room returns a random room key.
func (g *Generator) Room() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return strconv.Itoa(g.rnd.IntN(g.rooms) + 1)
}

// Next returns a new payload with a fresh tracking id.
func (g *Generator) Next() chat.Inbound {
	g.mu.Lock()
	userID := g.rnd.IntN(chat.MaxUserID) + 1
	body := phrases[g.rnd.IntN(len(phrases))]
	kind := pickKind(g.rnd.IntN(100))
	g.mu.Unlock()

	return chat.Inbound{
		UserID:      strconv.Itoa(userID),
		Username:    "user" + strconv.Itoa(userID),
		Message:     body,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		MessageType: kind,
		TrackingID:  uuid.NewString(),
	}
}

// pickKind maps n in [0, 100) to TEXT 90%, JOIN 5%, LEAVE 5%.
func pickKind(n int) chat.Kind {
	switch {
	case n < 90:
		return chat.KindText
	case n < 95:
		return chat.KindJoin
	default:
		return chat.KindLeave
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wiring holds the bootstrap shared by the fluxchat commands.
package wiring

import (
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/absmach/fluxchat/config"
	"github.com/absmach/fluxchat/retry"
)

// NewLogger builds a text or JSON logger from cfg.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a level name to a slog level. Unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Policy converts a configured schedule to a retry policy.
func Policy(cfg config.PolicyConfig) retry.Policy {
	return retry.Policy{MaxAttempts: cfg.MaxAttempts, BaseDelay: cfg.BaseDelay}
}

// RoomKeys returns the partition keys "1".."n".
func RoomKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = strconv.Itoa(i + 1)
	}
	return keys
}

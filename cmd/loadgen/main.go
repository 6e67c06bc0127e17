// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command loadgen drives the ingress server with generated chat traffic and
// measures delivery through the broadcast server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/absmach/fluxchat/client"
	"github.com/absmach/fluxchat/config"
	"github.com/absmach/fluxchat/internal/wiring"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	messages := flag.Int("messages", 0, "Override the number of messages to send")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := wiring.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	lg := cfg.LoadGen
	if *messages > 0 {
		lg.Messages = *messages
	}

	opts := client.NewOptions().
		SetURLs(lg.IngressURL, lg.BroadcastURL).
		SetMessages(lg.Messages).
		SetSenders(lg.Senders).
		SetReceivers(lg.Receivers).
		SetRooms(cfg.Rooms).
		SetRate(lg.Rate).
		SetTiming(lg.WarmupTime, lg.DrainTime).
		SetRetry(wiring.Policy(cfg.Retry.Send), wiring.Policy(cfg.Retry.Reconnect)).
		SetLogger(logger)
	opts.QueueSize = lg.QueueSize
	opts.WriteTimeout = cfg.Broadcast.WriteTimeout

	g, err := client.New(opts)
	if err != nil {
		slog.Error("Invalid load generator options", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := g.Run(ctx)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(res); encErr != nil {
		slog.Error("Failed to write result", "error", encErr)
	}

	if err != nil {
		slog.Error("Load test failed", "error", err)
		os.Exit(1)
	}
}

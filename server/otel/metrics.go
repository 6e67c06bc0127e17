// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"github.com/absmach/fluxchat/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of the pipeline instruments.
const MeterName = "github.com/absmach/fluxchat"

// Gauge is an extra point-in-time value exported next to the counters,
// such as pool occupancy or active rooms.
type Gauge struct {
	Name        string
	Description string
	Value       func() int64
}

type counter struct {
	inst  metric.Int64ObservableCounter
	value func(metrics.Snapshot) uint64
}

// Metrics exports the pipeline counters as observable instruments. Values
// are read from the counters at collection time, so nothing is recorded
// twice on the hot path.
type Metrics struct {
	source       *metrics.Metrics
	counters     []counter
	perRoom      metric.Int64ObservableCounter
	perWorker    metric.Int64ObservableCounter
	uptime       metric.Float64ObservableGauge
	gauges       []metric.Int64ObservableGauge
	gaugeFns     []func() int64
	registration metric.Registration
}

// NewMetrics registers instruments on the global meter provider.
func NewMetrics(source *metrics.Metrics, gauges ...Gauge) (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(MeterName), source, gauges...)
}

// NewMetricsWithMeter registers instruments on meter.
func NewMetricsWithMeter(meter metric.Meter, source *metrics.Metrics, gauges ...Gauge) (*Metrics, error) {
	m := &Metrics{source: source}

	defs := []struct {
		name  string
		desc  string
		value func(metrics.Snapshot) uint64
	}{
		{"chat.messages.processed", "Deliveries taken from the broker", func(s metrics.Snapshot) uint64 { return s.Processed }},
		{"chat.messages.delivered", "Messages delivered to at least one subscriber", func(s metrics.Snapshot) uint64 { return s.Delivered }},
		{"chat.messages.failed", "Messages with at least one failed send or a processing error", func(s metrics.Snapshot) uint64 { return s.Failed }},
		{"chat.messages.duplicates", "Redelivered messages dropped by dedup", func(s metrics.Snapshot) uint64 { return s.DuplicatesFiltered }},
		{"chat.messages.no_subscribers", "Messages for rooms without subscribers", func(s metrics.Snapshot) uint64 { return s.NoSubscribers }},
		{"chat.broker.acked", "Deliveries acknowledged", func(s metrics.Snapshot) uint64 { return s.Acked }},
		{"chat.broker.nacked", "Deliveries rejected with requeue", func(s metrics.Snapshot) uint64 { return s.Nacked }},
		{"chat.retries", "Retry attempts after a failure", func(s metrics.Snapshot) uint64 { return s.Retries }},
		{"chat.retries.exhausted", "Retry chains that ran out of attempts", func(s metrics.Snapshot) uint64 { return s.RetryExhausted }},
		{"chat.reconnections", "Channel or session re-establishment attempts", func(s metrics.Snapshot) uint64 { return s.Reconnections }},
	}

	var observables []metric.Observable
	for _, d := range defs {
		inst, err := meter.Int64ObservableCounter(d.name, metric.WithDescription(d.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", d.name, err)
		}
		m.counters = append(m.counters, counter{inst: inst, value: d.value})
		observables = append(observables, inst)
	}

	var err error
	m.perRoom, err = meter.Int64ObservableCounter("chat.room.delivered",
		metric.WithDescription("Messages delivered per room"))
	if err != nil {
		return nil, fmt.Errorf("failed to create perRoom counter: %w", err)
	}
	m.perWorker, err = meter.Int64ObservableCounter("chat.worker.processed",
		metric.WithDescription("Deliveries processed per consumer worker"))
	if err != nil {
		return nil, fmt.Errorf("failed to create perWorker counter: %w", err)
	}
	m.uptime, err = meter.Float64ObservableGauge("chat.uptime.seconds",
		metric.WithDescription("Seconds since the process started"))
	if err != nil {
		return nil, fmt.Errorf("failed to create uptime gauge: %w", err)
	}
	observables = append(observables, m.perRoom, m.perWorker, m.uptime)

	for _, g := range gauges {
		inst, err := meter.Int64ObservableGauge(g.Name, metric.WithDescription(g.Description))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.Name, err)
		}
		m.gauges = append(m.gauges, inst)
		m.gaugeFns = append(m.gaugeFns, g.Value)
		observables = append(observables, inst)
	}

	m.registration, err = meter.RegisterCallback(m.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("failed to register callback: %w", err)
	}

	return m, nil
}

func (m *Metrics) observe(_ context.Context, o metric.Observer) error {
	s := m.source.Snapshot()

	for _, c := range m.counters {
		o.ObserveInt64(c.inst, int64(c.value(s)))
	}
	for room, n := range s.PerRoom {
		o.ObserveInt64(m.perRoom, int64(n), metric.WithAttributes(attribute.String("room", room)))
	}
	for worker, n := range s.PerWorker {
		o.ObserveInt64(m.perWorker, int64(n), metric.WithAttributes(attribute.String("worker", worker)))
	}
	o.ObserveFloat64(m.uptime, s.UptimeSeconds)

	for i, g := range m.gauges {
		o.ObserveInt64(g, m.gaugeFns[i]())
	}
	return nil
}

// Unregister stops observing.
func (m *Metrics) Unregister() error {
	return m.registration.Unregister()
}

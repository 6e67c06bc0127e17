// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package otel wires the OpenTelemetry SDK and exports pipeline counters
// as observable instruments.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxchat/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Pipeline roles reported as the chat.role resource attribute.
const (
	RoleIngress  = "ingress"
	RoleConsumer = "consumer"
)

const exportTimeout = 30 * time.Second

// Service identifies the pipeline process that reports telemetry.
type Service struct {
	Role       string
	InstanceID string
	Broker     string
	Rooms      int
}

type shutdownFunc func(context.Context) error

// InitProvider registers OTLP trace and metric providers for svc and
// returns the function that flushes and stops them. With telemetry
// disabled a noop tracer is installed so consumer spans cost nothing.
func InitProvider(ctx context.Context, cfg config.TelemetryConfig, svc Service) (func(context.Context) error, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	res, err := newResource(ctx, cfg, svc)
	if err != nil {
		return nil, err
	}

	var shutdowns []shutdownFunc
	stop := func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdowns {
			errs = append(errs, fn(ctx))
		}
		return errors.Join(errs...)
	}

	if cfg.TracesEnabled {
		fn, err := tracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		shutdowns = append(shutdowns, fn)
	} else {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	if cfg.MetricsEnabled {
		fn, err := meterProvider(ctx, cfg, res)
		if err != nil {
			_ = stop(ctx)
			return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
		}
		shutdowns = append(shutdowns, fn)
	}

	return stop, nil
}

// newResource describes the process: the service name is suffixed with
// the pipeline role and the broker and room count are attached.
func newResource(ctx context.Context, cfg config.TelemetryConfig, svc Service) (*resource.Resource, error) {
	name := cfg.ServiceName
	if svc.Role != "" {
		name += "-" + svc.Role
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(name),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		semconv.ServiceInstanceIDKey.String(svc.InstanceID),
		attribute.String("chat.role", svc.Role),
		attribute.String("chat.broker", svc.Broker),
		attribute.Int("chat.rooms", svc.Rooms),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

func tracerProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (shutdownFunc, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.TraceSampleRate))),
		trace.WithBatcher(exporter, trace.WithBatchTimeout(cfg.ExportInterval)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func meterProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (shutdownFunc, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(cfg.ExportInterval))),
	)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

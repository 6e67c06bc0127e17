// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"testing"

	"github.com/absmach/fluxchat/config"
	"github.com/absmach/fluxchat/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumValue(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", data)
	require.Len(t, sum.DataPoints, 1)
	return sum.DataPoints[0].Value
}

func TestMetricsObserveCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	src := metrics.New()
	live := int64(3)
	m, err := NewMetricsWithMeter(provider.Meter("test"), src, Gauge{
		Name:  "chat.pool.live",
		Value: func() int64 { return live },
	})
	require.NoError(t, err)
	defer m.Unregister()

	src.IncrementProcessed("consumer-1")
	src.IncrementProcessed("consumer-1")
	src.IncrementAcked()
	src.IncrementDelivered("7")
	src.IncrementDuplicates()
	src.RecordRetry()

	data := collect(t, reader)

	assert.Equal(t, int64(2), sumValue(t, data["chat.messages.processed"]))
	assert.Equal(t, int64(1), sumValue(t, data["chat.messages.delivered"]))
	assert.Equal(t, int64(1), sumValue(t, data["chat.messages.duplicates"]))
	assert.Equal(t, int64(1), sumValue(t, data["chat.broker.acked"]))
	assert.Equal(t, int64(0), sumValue(t, data["chat.broker.nacked"]))
	assert.Equal(t, int64(1), sumValue(t, data["chat.retries"]))

	perRoom, ok := data["chat.room.delivered"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, perRoom.DataPoints, 1)
	room, _ := perRoom.DataPoints[0].Attributes.Value(attribute.Key("room"))
	assert.Equal(t, "7", room.AsString())

	gauge, ok := data["chat.pool.live"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(3), gauge.DataPoints[0].Value)

	_, ok = data["chat.uptime.seconds"].(metricdata.Gauge[float64])
	assert.True(t, ok)

	live = 5
	src.IncrementProcessed("consumer-2")
	data = collect(t, reader)
	assert.Equal(t, int64(3), sumValue(t, data["chat.messages.processed"]))
	assert.Equal(t, int64(5), data["chat.pool.live"].(metricdata.Gauge[int64]).DataPoints[0].Value)
}

func TestInitProviderDisabled(t *testing.T) {
	shutdown, err := InitProvider(context.Background(), config.TelemetryConfig{Enabled: false}, Service{Role: RoleConsumer})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestResourceDescribesPipelineRole(t *testing.T) {
	cfg := config.Default().Telemetry
	res, err := newResource(context.Background(), cfg, Service{
		Role:       RoleIngress,
		InstanceID: "ingress-1",
		Broker:     "rabbitmq",
		Rooms:      20,
	})
	require.NoError(t, err)

	set := res.Set()
	value := func(key string) attribute.Value {
		v, ok := set.Value(attribute.Key(key))
		require.True(t, ok, "missing %s", key)
		return v
	}

	assert.Equal(t, "fluxchat-ingress", value("service.name").AsString())
	assert.Equal(t, "ingress-1", value("service.instance.id").AsString())
	assert.Equal(t, "rabbitmq", value("chat.broker").AsString())
	assert.Equal(t, int64(20), value("chat.rooms").AsInt64())
}

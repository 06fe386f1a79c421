// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	otel.SetMeterProvider(mp)

	m, err := NewMetrics()
	require.NoError(t, err)

	m.RecordMessageReceived("orders/new", 9)
	m.RecordMessageReceived("orders/new", 3)
	m.RecordRequestDispatched()
	m.RecordRequestStarted()
	m.RecordRequestCompleted(true, 12.5)
	m.RecordRequestDropped("queue_full")
	m.RecordReply(false)
	m.RecordSessionEvent("connected")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
				var total int64
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
				sums[md.Name] = total
			}
		}
	}

	assert.Equal(t, int64(2), sums["relay.messages.received.total"])
	assert.Equal(t, int64(1), sums["relay.requests.dispatched.total"])
	assert.Equal(t, int64(1), sums["relay.requests.completed.total"])
	assert.Equal(t, int64(0), sums["relay.requests.inflight"])
	assert.Equal(t, int64(1), sums["relay.requests.dropped.total"])
	assert.Equal(t, int64(1), sums["relay.replies.total"])
	assert.Equal(t, int64(1), sums["relay.session.events.total"])
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the relay.
type Metrics struct {
	meter metric.Meter

	// Counters
	messagesReceived   metric.Int64Counter
	requestsDispatched metric.Int64Counter
	requestsCompleted  metric.Int64Counter
	requestsDropped    metric.Int64Counter
	repliesTotal       metric.Int64Counter
	sessionEvents      metric.Int64Counter

	// UpDownCounters (Gauges)
	requestsInflight metric.Int64UpDownCounter

	// Histograms
	messageSize     metric.Int64Histogram
	requestDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("fluxrelay"),
	}

	var err error

	m.messagesReceived, err = m.meter.Int64Counter(
		"relay.messages.received.total",
		metric.WithDescription("Total messages received from the broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesReceived counter: %w", err)
	}

	m.requestsDispatched, err = m.meter.Int64Counter(
		"relay.requests.dispatched.total",
		metric.WithDescription("Total HTTP requests handed to the forwarder"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requestsDispatched counter: %w", err)
	}

	m.requestsCompleted, err = m.meter.Int64Counter(
		"relay.requests.completed.total",
		metric.WithDescription("Total HTTP requests finished, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requestsCompleted counter: %w", err)
	}

	m.requestsDropped, err = m.meter.Int64Counter(
		"relay.requests.dropped.total",
		metric.WithDescription("Total HTTP requests dropped before sending, by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requestsDropped counter: %w", err)
	}

	m.repliesTotal, err = m.meter.Int64Counter(
		"relay.replies.total",
		metric.WithDescription("Total replies sent to the broker, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create repliesTotal counter: %w", err)
	}

	m.sessionEvents, err = m.meter.Int64Counter(
		"relay.session.events.total",
		metric.WithDescription("Total broker session events by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessionEvents counter: %w", err)
	}

	m.requestsInflight, err = m.meter.Int64UpDownCounter(
		"relay.requests.inflight",
		metric.WithDescription("HTTP requests currently being sent"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requestsInflight gauge: %w", err)
	}

	m.messageSize, err = m.meter.Int64Histogram(
		"relay.message.size.bytes",
		metric.WithDescription("Message payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.requestDuration, err = m.meter.Float64Histogram(
		"relay.request.duration.ms",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requestDuration histogram: %w", err)
	}

	return m, nil
}

// RecordMessageReceived records a message received from the broker.
func (m *Metrics) RecordMessageReceived(topic string, sizeBytes int64) {
	ctx := context.Background()
	m.messagesReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
	))
	m.messageSize.Record(ctx, sizeBytes)
}

// RecordRequestDispatched records a request accepted by the forwarder.
func (m *Metrics) RecordRequestDispatched() {
	m.requestsDispatched.Add(context.Background(), 1)
}

// RecordRequestStarted marks a request as in flight.
func (m *Metrics) RecordRequestStarted() {
	m.requestsInflight.Add(context.Background(), 1)
}

// RecordRequestCompleted records the outcome and duration of a request.
func (m *Metrics) RecordRequestCompleted(success bool, durationMs float64) {
	ctx := context.Background()
	m.requestsInflight.Add(ctx, -1)
	m.requestsCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome(success)),
	))
	m.requestDuration.Record(ctx, durationMs)
}

// RecordRequestDropped records a request that was never sent.
func (m *Metrics) RecordRequestDropped(reason string) {
	m.requestsDropped.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordReply records a reply sent to the broker.
func (m *Metrics) RecordReply(success bool) {
	m.repliesTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("outcome", outcome(success)),
	))
}

// RecordSessionEvent records a broker session event.
func (m *Metrics) RecordSessionEvent(eventType string) {
	m.sessionEvents.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", eventType),
	))
}

func outcome(success bool) string {
	if success {
		return "ok"
	}
	return "error"
}

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

// Metrics holds the broker's OpenTelemetry instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	connectionsTotal    metric.Int64Counter
	disconnectionsTotal metric.Int64Counter
	publishesReceived   metric.Int64Counter
	pushesSent          metric.Int64Counter
	acksReceived        metric.Int64Counter
	retransmissions     metric.Int64Counter
	messagesDropped     metric.Int64Counter
	bytesReceived       metric.Int64Counter
	errorsTotal         metric.Int64Counter

	connectionsCurrent  metric.Int64UpDownCounter
	subscriptionsActive metric.Int64UpDownCounter
	retainedMessages    metric.Int64UpDownCounter

	payloadSize     metric.Int64Histogram
	publishDuration metric.Float64Histogram
}

// NewMetrics creates every instrument on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("fluxpush")
	m := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.connectionsTotal, "dst.connections.total", "Connections that completed CONNECT"},
		{&m.disconnectionsTotal, "dst.disconnections.total", "Connection teardowns by reason"},
		{&m.publishesReceived, "dst.publishes.received.total", "PUBLISH packages routed to the hall"},
		{&m.pushesSent, "dst.pushes.sent.total", "Messages pushed to subscribers"},
		{&m.acksReceived, "dst.acks.received.total", "Acknowledgments that cleared an inflight push"},
		{&m.retransmissions, "dst.retransmissions.total", "Inflight pushes sent again after retry_interval"},
		{&m.messagesDropped, "dst.messages.dropped.total", "Pushes abandoned by reason"},
		{&m.bytesReceived, "dst.bytes.received.total", "PUBLISH payload bytes received"},
		{&m.errorsTotal, "dst.errors.total", "Errors by type"},
	}
	for _, c := range counters {
		inst, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = inst
	}

	gauges := []struct {
		dst  *metric.Int64UpDownCounter
		name string
		desc string
	}{
		{&m.connectionsCurrent, "dst.connections.current", "Connections currently in the Connected state"},
		{&m.subscriptionsActive, "dst.subscriptions.active", "Active (connection, topic) subscriptions"},
		{&m.retainedMessages, "dst.retained.messages", "Topics holding a retained message"},
	}
	for _, g := range gauges {
		inst, err := meter.Int64UpDownCounter(g.name, metric.WithDescription(g.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
		*g.dst = inst
	}

	var err error
	m.payloadSize, err = meter.Int64Histogram(
		"dst.payload.size.bytes",
		metric.WithDescription("PUBLISH message size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create payloadSize histogram: %w", err)
	}

	m.publishDuration, err = meter.Float64Histogram(
		"dst.publish.duration.ms",
		metric.WithDescription("Hall fan-out duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishDuration histogram: %w", err)
	}

	return m, nil
}

// RecordConnection records a completed CONNECT.
func (m *Metrics) RecordConnection(transport string) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.connectionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transport)))
	m.connectionsCurrent.Add(ctx, 1)
}

// RecordDisconnection records teardown of a connection. connected reports
// whether the connection had completed CONNECT.
func (m *Metrics) RecordDisconnection(reason string, connected bool) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.disconnectionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	if connected {
		m.connectionsCurrent.Add(ctx, -1)
	}
}

// RecordPublish records a PUBLISH received from a client.
func (m *Metrics) RecordPublish(level string, sizeBytes int64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.publishesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("level", level)))
	m.bytesReceived.Add(ctx, sizeBytes)
	m.payloadSize.Record(ctx, sizeBytes)
}

// RecordPush records a message handed to a subscriber's connection.
func (m *Metrics) RecordPush(level string) {
	if m == nil {
		return
	}
	m.pushesSent.Add(context.Background(), 1, metric.WithAttributes(attribute.String("level", level)))
}

// RecordAck records an acknowledgment that cleared an inflight push.
func (m *Metrics) RecordAck(level string) {
	if m == nil {
		return
	}
	m.acksReceived.Add(context.Background(), 1, metric.WithAttributes(attribute.String("level", level)))
}

// RecordRetransmission records an inflight push sent again.
func (m *Metrics) RecordRetransmission(level string) {
	if m == nil {
		return
	}
	m.retransmissions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("level", level)))
}

// RecordDrop records an abandoned push ("ack_timeout", "inflight_full").
func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSubscriptionAdded records a new subscription.
func (m *Metrics) RecordSubscriptionAdded() {
	if m == nil {
		return
	}
	m.subscriptionsActive.Add(context.Background(), 1)
}

// RecordSubscriptionRemoved records a subscription removal.
func (m *Metrics) RecordSubscriptionRemoved() {
	if m == nil {
		return
	}
	m.subscriptionsActive.Add(context.Background(), -1)
}

// RecordRetainedSet records a topic gaining a retained message.
func (m *Metrics) RecordRetainedSet() {
	if m == nil {
		return
	}
	m.retainedMessages.Add(context.Background(), 1)
}

// RecordRetainedDeleted records a topic losing its retained message.
func (m *Metrics) RecordRetainedDeleted() {
	if m == nil {
		return
	}
	m.retainedMessages.Add(context.Background(), -1)
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", errorType)))
}

// RecordPublishDuration records the duration of a hall publish.
func (m *Metrics) RecordPublishDuration(durationMs float64) {
	if m == nil {
		return
	}
	m.publishDuration.Record(context.Background(), durationMs)
}

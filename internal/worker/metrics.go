package worker

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/perchbot/perch/internal/telemetry"
)

// instruments holds the worker's OTel instruments. Creation failures leave
// individual instruments nil; recording is skipped.
type instruments struct {
	eventsHandled  metric.Int64Counter
	eventsDropped  metric.Int64Counter
	heartbeats     metric.Int64Counter
	usageReports   metric.Int64Counter
	chatReconnects metric.Int64Counter
}

func newInstruments() *instruments {
	meter := otel.Meter("perch/worker")

	eventsHandled, _ := meter.Int64Counter("worker.events.handled",
		metric.WithDescription("Events dispatched to a handler"),
		metric.WithUnit("{event}"))
	eventsDropped, _ := meter.Int64Counter("worker.events.dropped",
		metric.WithDescription("Events dropped on a full dispatch queue"),
		metric.WithUnit("{event}"))
	heartbeats, _ := meter.Int64Counter("worker.heartbeats.sent",
		metric.WithDescription("Heartbeat frames queued for the monitor"),
		metric.WithUnit("{frame}"))
	usageReports, _ := meter.Int64Counter("worker.usage.reports",
		metric.WithDescription("LLM usage frames queued for the monitor"),
		metric.WithUnit("{frame}"))
	chatReconnects, _ := meter.Int64Counter("worker.chat.reconnects",
		metric.WithDescription("Chat transport reconnect attempts"),
		metric.WithUnit("{attempt}"))

	return &instruments{
		eventsHandled:  eventsHandled,
		eventsDropped:  eventsDropped,
		heartbeats:     heartbeats,
		usageReports:   usageReports,
		chatReconnects: chatReconnects,
	}
}

func (m *instruments) recordEventHandled(ctx context.Context, channel, topic string) {
	if m.eventsHandled == nil {
		return
	}
	m.eventsHandled.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("channel", channel),
		attribute.String("topic", topic),
	))
}

func (m *instruments) recordEventDropped(ctx context.Context, channel, topic string) {
	if m.eventsDropped == nil {
		return
	}
	m.eventsDropped.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("channel", channel),
		attribute.String("topic", topic),
	))
}

func (m *instruments) recordHeartbeat(ctx context.Context, channel string) {
	if m.heartbeats == nil {
		return
	}
	m.heartbeats.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("channel", channel),
	))
}

func (m *instruments) recordUsageReport(ctx context.Context, channel, model string) {
	if m.usageReports == nil {
		return
	}
	m.usageReports.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("channel", channel),
		attribute.String("model", model),
	))
}

func (m *instruments) recordChatReconnect(ctx context.Context, channel string) {
	if m.chatReconnects == nil {
		return
	}
	m.chatReconnects.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("channel", channel),
	))
}

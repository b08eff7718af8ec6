package eventsub

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/perchbot/perch/internal/telemetry"
)

// instruments holds the hub's OTel instruments. Creation failures leave
// individual instruments nil; recording is skipped.
type instruments struct {
	eventsRouted     metric.Int64Counter
	eventsDropped    metric.Int64Counter
	upstreamRequests metric.Int64Counter
	reconcileRuns    metric.Int64Counter
	reconcileTime    metric.Float64Histogram
	requestTime      metric.Float64Histogram
	costRetryDepth   metric.Int64UpDownCounter
	wsReconnects     metric.Int64Counter
	routeTableSize   metric.Int64UpDownCounter
}

func newInstruments() *instruments {
	meter := otel.Meter("perch/hub")

	eventsRouted, _ := meter.Int64Counter("hub.events.routed",
		metric.WithDescription("Notifications delivered to worker sockets"),
		metric.WithUnit("{event}"))
	eventsDropped, _ := meter.Int64Counter("hub.events.dropped",
		metric.WithDescription("Notifications dropped for unbound or slow channels"),
		metric.WithUnit("{event}"))
	upstreamRequests, _ := meter.Int64Counter("hub.upstream.requests",
		metric.WithDescription("Upstream REST calls by operation and outcome"),
		metric.WithUnit("{request}"))
	reconcileRuns, _ := meter.Int64Counter("hub.reconcile.runs",
		metric.WithDescription("Reconciliation passes"),
		metric.WithUnit("{run}"))
	reconcileTime, _ := meter.Float64Histogram("hub.reconcile.duration",
		metric.WithDescription("Reconciliation pass duration"),
		metric.WithUnit("ms"))
	requestTime, _ := meter.Float64Histogram("upstream.request.duration",
		metric.WithDescription("Upstream REST call duration"),
		metric.WithUnit("ms"))
	costRetryDepth, _ := meter.Int64UpDownCounter("hub.cost_retry.depth",
		metric.WithDescription("Entries waiting in the cost-retry queue"),
		metric.WithUnit("{entry}"))
	wsReconnects, _ := meter.Int64Counter("hub.ws.reconnects",
		metric.WithDescription("Upstream session reconnect passes"),
		metric.WithUnit("{reconnect}"))
	routeTableSize, _ := meter.Int64UpDownCounter("hub.route_table.size",
		metric.WithDescription("Channels bound to worker sockets"),
		metric.WithUnit("{channel}"))

	return &instruments{
		eventsRouted:     eventsRouted,
		eventsDropped:    eventsDropped,
		upstreamRequests: upstreamRequests,
		reconcileRuns:    reconcileRuns,
		reconcileTime:    reconcileTime,
		requestTime:      requestTime,
		costRetryDepth:   costRetryDepth,
		wsReconnects:     wsReconnects,
		routeTableSize:   routeTableSize,
	}
}

func (m *instruments) recordRouted(ctx context.Context, topic string) {
	if m == nil || m.eventsRouted == nil {
		return
	}
	m.eventsRouted.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrTopic.String(topic),
	))
}

func (m *instruments) recordDropped(ctx context.Context, channelID, reason string) {
	if m == nil || m.eventsDropped == nil {
		return
	}
	m.eventsDropped.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrChannelID.String(channelID),
		telemetry.AttrReason.String(reason),
	))
}

func (m *instruments) recordUpstreamRequest(ctx context.Context, op, outcome string) {
	if m == nil || m.upstreamRequests == nil {
		return
	}
	m.upstreamRequests.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrOperation.String(op),
		telemetry.AttrResult.String(outcome),
	))
}

func (m *instruments) recordReconcile(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrResult.String(outcome),
	)
	if m.reconcileRuns != nil {
		m.reconcileRuns.Add(ctx, 1, attrs)
	}
	if m.reconcileTime != nil {
		m.reconcileTime.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	}
}

func (m *instruments) recordRequestDuration(ctx context.Context, op string, elapsed time.Duration) {
	if m == nil || m.requestTime == nil {
		return
	}
	m.requestTime.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrOperation.String(op),
	))
}

func (m *instruments) addCostRetryDepth(ctx context.Context, delta int64) {
	if m == nil || m.costRetryDepth == nil {
		return
	}
	m.costRetryDepth.Add(ctx, delta, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
	))
}

func (m *instruments) recordReconnect(ctx context.Context, result string) {
	if m == nil || m.wsReconnects == nil {
		return
	}
	m.wsReconnects.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrResult.String(result),
	))
}

func (m *instruments) addRouteTableSize(ctx context.Context, delta int64) {
	if m == nil || m.routeTableSize == nil {
		return
	}
	m.routeTableSize.Add(ctx, delta, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
	))
}

package monitor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/perchbot/perch/internal/telemetry"
)

// instruments holds the monitor's OTel instruments. Creation failures leave
// individual instruments nil; recording is skipped.
type instruments struct {
	framesTotal      metric.Int64Counter
	telemetryDropped metric.Int64Counter
	queueDepth       metric.Int64UpDownCounter
	writeTime        metric.Float64Histogram
	staleWorkers     metric.Int64Counter
	prunedRows       metric.Int64Counter
}

func newInstruments() *instruments {
	meter := otel.Meter("perch/monitor")

	framesTotal, _ := meter.Int64Counter("monitor.frames",
		metric.WithDescription("Telemetry frames received by type"),
		metric.WithUnit("{frame}"))
	telemetryDropped, _ := meter.Int64Counter("monitor.telemetry.dropped",
		metric.WithDescription("Telemetry frames discarded before persistence"),
		metric.WithUnit("{frame}"))
	queueDepth, _ := meter.Int64UpDownCounter("monitor.queue.depth",
		metric.WithDescription("Telemetry frames waiting for the writer"),
		metric.WithUnit("{frame}"))
	writeTime, _ := meter.Float64Histogram("monitor.write.duration",
		metric.WithDescription("Store write duration per telemetry frame"),
		metric.WithUnit("ms"))
	staleWorkers, _ := meter.Int64Counter("monitor.workers.stale",
		metric.WithDescription("Workers flipped online to stale by the sweep"),
		metric.WithUnit("{worker}"))
	prunedRows, _ := meter.Int64Counter("monitor.retention.pruned",
		metric.WithDescription("Rows removed by the retention job"),
		metric.WithUnit("{row}"))

	return &instruments{
		framesTotal:      framesTotal,
		telemetryDropped: telemetryDropped,
		queueDepth:       queueDepth,
		writeTime:        writeTime,
		staleWorkers:     staleWorkers,
		prunedRows:       prunedRows,
	}
}

func (m *instruments) recordFrame(ctx context.Context, frameType string) {
	if m == nil || m.framesTotal == nil {
		return
	}
	m.framesTotal.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrEventType.String(frameType),
	))
}

func (m *instruments) recordDropped(ctx context.Context, reason string) {
	if m == nil || m.telemetryDropped == nil {
		return
	}
	m.telemetryDropped.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrReason.String(reason),
	))
}

func (m *instruments) addQueueDepth(ctx context.Context, delta int64) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.Add(ctx, delta, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
	))
}

func (m *instruments) recordWrite(ctx context.Context, op string, elapsed time.Duration) {
	if m == nil || m.writeTime == nil {
		return
	}
	m.writeTime.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrOperation.String(op),
	))
}

func (m *instruments) addStaleWorkers(ctx context.Context, n int64) {
	if m == nil || m.staleWorkers == nil {
		return
	}
	m.staleWorkers.Add(ctx, n, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
	))
}

func (m *instruments) addPrunedRows(ctx context.Context, table string, n int64) {
	if m == nil || m.prunedRows == nil || n <= 0 {
		return
	}
	m.prunedRows.Add(ctx, n, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrOperation.String(table),
	))
}

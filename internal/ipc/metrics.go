package ipc

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/perchbot/perch/internal/telemetry"
)

// instruments holds the OTel instruments shared by servers and clients.
// Creation failures leave individual instruments nil; recording is skipped.
type instruments struct {
	framesIn      metric.Int64Counter
	framesOut     metric.Int64Counter
	framesDropped metric.Int64Counter
	frameSize     metric.Int64Histogram
	malformed     metric.Int64Counter
	peersActive   metric.Int64UpDownCounter
}

func newInstruments() *instruments {
	meter := otel.Meter("perch/ipc")

	framesIn, _ := meter.Int64Counter("ipc.frames.in",
		metric.WithDescription("Frames received"),
		metric.WithUnit("{frame}"))
	framesOut, _ := meter.Int64Counter("ipc.frames.out",
		metric.WithDescription("Frames written"),
		metric.WithUnit("{frame}"))
	framesDropped, _ := meter.Int64Counter("ipc.frames.dropped",
		metric.WithDescription("Frames dropped on full send buffers"),
		metric.WithUnit("{frame}"))
	frameSize, _ := meter.Int64Histogram("ipc.frame.size",
		metric.WithDescription("IPC frame size"),
		metric.WithUnit("By"))
	malformed, _ := meter.Int64Counter("ipc.frames.malformed",
		metric.WithDescription("Frames rejected by the decoder"),
		metric.WithUnit("{frame}"))
	peersActive, _ := meter.Int64UpDownCounter("ipc.peers.active",
		metric.WithDescription("Connected peers"),
		metric.WithUnit("{peer}"))

	return &instruments{
		framesIn:      framesIn,
		framesOut:     framesOut,
		framesDropped: framesDropped,
		frameSize:     frameSize,
		malformed:     malformed,
		peersActive:   peersActive,
	}
}

func (m *instruments) recordIn(ctx context.Context, socket string, size int) {
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("socket", socket),
	)
	if m.framesIn != nil {
		m.framesIn.Add(ctx, 1, attrs)
	}
	if m.frameSize != nil {
		m.frameSize.Record(ctx, int64(size), attrs)
	}
}

func (m *instruments) recordOut(ctx context.Context, socket string, size int) {
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("socket", socket),
	)
	if m.framesOut != nil {
		m.framesOut.Add(ctx, 1, attrs)
	}
	if m.frameSize != nil {
		m.frameSize.Record(ctx, int64(size), attrs)
	}
}

func (m *instruments) recordDropped(ctx context.Context, socket string) {
	if m.framesDropped == nil {
		return
	}
	m.framesDropped.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("socket", socket),
	))
}

func (m *instruments) recordMalformed(ctx context.Context, socket string) {
	if m.malformed == nil {
		return
	}
	m.malformed.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("socket", socket),
	))
}

func (m *instruments) addPeer(ctx context.Context, socket string, delta int64) {
	if m.peersActive == nil {
		return
	}
	m.peersActive.Add(ctx, delta, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("socket", socket),
	))
}

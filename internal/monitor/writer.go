package monitor

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/perchbot/perch/internal/ipc"
	"github.com/perchbot/perch/internal/registry"
)

const (
	defaultQueueSize = 1000
	deadLetterCap    = 128
	flushGrace       = 5 * time.Second
	writeTimeout     = 5 * time.Second
)

// workItem is one accepted telemetry frame awaiting persistence. The receive
// timestamp is taken at enqueue so queueing delay never skews the stored
// times.
type workItem struct {
	at  time.Time
	msg ipc.Message
}

// deadLetter is a work item whose first store write failed. It gets exactly
// one more attempt.
type deadLetter struct {
	item     workItem
	attempts int
}

// writer drains the telemetry queue onto the stores from a single goroutine.
// Producers enqueue without blocking; overflow is dropped and counted.
type writer struct {
	workers registry.WorkerStore
	usage   registry.UsageStore
	metrics *instruments
	logger  *log.Logger

	queue   chan workItem
	dropped atomic.Uint64

	// deadLetters is touched only by the drain goroutine.
	deadLetters []deadLetter
}

func newWriter(queueSize int, workers registry.WorkerStore, usage registry.UsageStore, metrics *instruments, logger *log.Logger) *writer {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = log.Default()
	}
	return &writer{
		workers: workers,
		usage:   usage,
		metrics: metrics,
		logger:  logger,
		queue:   make(chan workItem, queueSize),
	}
}

// enqueue hands a frame to the drain goroutine. It never blocks; false means
// the queue was full and the frame is gone.
func (w *writer) enqueue(item workItem) bool {
	select {
	case w.queue <- item:
		w.metrics.addQueueDepth(context.Background(), 1)
		return true
	default:
		w.dropped.Add(1)
		w.metrics.recordDropped(context.Background(), "queue_full")
		return false
	}
}

// Dropped reports how many frames the writer has discarded, overflow and
// write failures combined.
func (w *writer) Dropped() uint64 { return w.dropped.Load() }

// run drains until ctx is canceled, then flushes whatever is still queued
// within a bounded grace period.
func (w *writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.flush()
			return
		case item := <-w.queue:
			w.metrics.addQueueDepth(ctx, -1)
			w.retryDeadLetters(ctx)
			w.handle(ctx, item, 0)
		}
	}
}

// flush gives queued items and dead letters one final pass before shutdown.
func (w *writer) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushGrace)
	defer cancel()

	w.retryDeadLetters(ctx)
	for {
		if ctx.Err() != nil {
			w.abandon("flush grace expired")
			return
		}
		select {
		case item := <-w.queue:
			w.metrics.addQueueDepth(ctx, -1)
			w.handle(ctx, item, 0)
		default:
			w.retryDeadLetters(ctx)
			return
		}
	}
}

// abandon counts everything still unwritten as dropped.
func (w *writer) abandon(reason string) {
	remaining := len(w.queue) + len(w.deadLetters)
	if remaining == 0 {
		return
	}
	w.dropped.Add(uint64(remaining))
	w.logger.Printf("monitor: %s, dropping %d frames", reason, remaining)
}

// retryDeadLetters replays parked items ahead of new work.
func (w *writer) retryDeadLetters(ctx context.Context) {
	if len(w.deadLetters) == 0 {
		return
	}
	parked := w.deadLetters
	w.deadLetters = nil
	for _, dl := range parked {
		w.handle(ctx, dl.item, dl.attempts)
	}
}

// handle applies one item, parking it on first failure and dropping it on the
// second.
func (w *writer) handle(ctx context.Context, item workItem, attempts int) {
	start := time.Now()
	err := w.apply(ctx, item)
	w.metrics.recordWrite(ctx, string(item.msg.MessageType()), time.Since(start))
	if err == nil {
		return
	}
	if attempts > 0 {
		w.dropped.Add(1)
		w.metrics.recordDropped(ctx, "write_failed")
		w.logger.Printf("monitor: dropping %s frame after retry: %v", item.msg.MessageType(), err)
		return
	}
	w.logger.Printf("monitor: write %s frame failed, parking for retry: %v", item.msg.MessageType(), err)
	w.park(ctx, deadLetter{item: item, attempts: attempts + 1})
}

// park appends to the dead-letter buffer, evicting the oldest entry when
// full.
func (w *writer) park(ctx context.Context, dl deadLetter) {
	if len(w.deadLetters) >= deadLetterCap {
		evicted := w.deadLetters[0]
		w.deadLetters = w.deadLetters[1:]
		w.dropped.Add(1)
		w.metrics.recordDropped(ctx, "dead_letter_full")
		w.logger.Printf("monitor: dead-letter buffer full, dropping %s frame", evicted.item.msg.MessageType())
	}
	w.deadLetters = append(w.deadLetters, dl)
}

// apply writes one frame through the stores. Each write gets its own timeout
// so a stuck database cannot wedge the drain goroutine.
func (w *writer) apply(ctx context.Context, item workItem) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	switch msg := item.msg.(type) {
	case *ipc.Register:
		return w.workers.UpsertRegistration(ctx, registry.WorkerRegistration{
			Channel:       msg.Channel,
			PID:           msg.PID,
			Features:      enabledFeatures(msg.Features),
			RegisteredAt:  item.at,
			LastHeartbeat: item.at,
			Status:        registry.WorkerOnline,
		})
	case *ipc.Heartbeat:
		if err := w.workers.Heartbeat(ctx, msg.Channel, msg.PID, item.at); err != nil {
			return err
		}
		if msg.RSSMB == nil && msg.CPUPct == nil {
			return nil
		}
		return w.workers.AppendMetric(ctx, registry.MetricSample{
			Channel:   msg.Channel,
			PID:       msg.PID,
			RSSMB:     msg.RSSMB,
			CPUPct:    msg.CPUPct,
			SampledAt: item.at,
		})
	case *ipc.Unregister:
		return w.workers.SetStatus(ctx, msg.Channel, registry.WorkerOffline)
	case *ipc.LLMUsage:
		return w.usage.Append(ctx, registry.UsageRecord{
			TS:            item.at,
			Channel:       msg.Channel,
			Model:         msg.Model,
			Feature:       msg.Feature,
			TokensIn:      msg.TokensIn,
			TokensOut:     msg.TokensOut,
			LatencyMS:     msg.LatencyMS,
			EstimatedCost: msg.EstimatedCost,
		})
	default:
		return fmt.Errorf("monitor: no writer for %s frame", item.msg.MessageType())
	}
}

// enabledFeatures flattens the hello feature map to a sorted list of the
// enabled names.
func enabledFeatures(features map[string]bool) []string {
	if len(features) == 0 {
		return nil
	}
	names := make([]string, 0, len(features))
	for name, on := range features {
		if on {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

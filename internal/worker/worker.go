// Package worker implements the per-channel bot runtime. A worker holds one
// IPC session to the hub (event intake) and one to the monitor (telemetry),
// dispatches EventSub notifications to registered handlers, reports liveness
// on a jittered heartbeat, and keeps an optional chat connection alive. All
// outbound sends are fire-and-forget: a slow or absent hub/monitor never
// blocks chat or event handling.
package worker

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/perchbot/perch/internal/config"
	"github.com/perchbot/perch/internal/ipc"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultDispatchQueue     = 256
	// heartbeatJitterPct spreads heartbeats so a fleet restarted together does
	// not thump the monitor in lockstep.
	heartbeatJitterPct = 0.10
	// shutdownFlush bounds how long Run lingers after cancellation so the
	// final unregister frame can reach the monitor.
	shutdownFlush = 2 * time.Second
)

// EventHandler consumes one EventSub notification. Handlers run on the
// dispatch goroutine; long work should be moved off it by the handler.
type EventHandler func(ctx context.Context, evt *ipc.Event)

// ChatLineHandler consumes one raw inbound chat line.
type ChatLineHandler func(ctx context.Context, line string)

// Config assembles a worker from its slice of the platform configuration.
type Config struct {
	// Channel is the tenant this worker serves. Login and ID are required.
	Channel config.ChannelConfig
	// HubSocket and MonitorSocket are the Unix socket paths to dial.
	HubSocket     string
	MonitorSocket string
	// HeartbeatInterval defaults to 30s; each tick is jittered ±10%.
	HeartbeatInterval time.Duration
	// DispatchQueueSize bounds the inbound event buffer. Defaults to 256.
	DispatchQueueSize int
	// Features is advertised to the monitor on register.
	Features map[string]bool
	// Chat is the optional chat connection. Nil runs the worker event-only.
	Chat ChatTransport
	// OnChatLine receives inbound chat lines when Chat is set.
	OnChatLine ChatLineHandler
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.DispatchQueueSize <= 0 {
		c.DispatchQueueSize = defaultDispatchQueue
	}
	return c
}

// Worker is one channel's runtime. Construct with New, register handlers,
// then Run until the process context ends.
type Worker struct {
	cfg     Config
	logger  *log.Logger
	metrics *instruments
	pid     int

	hub     *ipc.Client
	monitor *ipc.Client
	sampler *resourceSampler
	chat    *chatRunner

	events  chan *ipc.Event
	dropped atomic.Uint64

	mu       sync.RWMutex
	handlers map[string]EventHandler
	fallback EventHandler
}

// New builds a worker for the given channel. Handlers may be registered any
// time, including while running.
func New(cfg Config, logger *log.Logger) (*Worker, error) {
	if logger == nil {
		logger = log.Default()
	}
	if strings.TrimSpace(cfg.Channel.Login) == "" {
		return nil, fmt.Errorf("worker: channel login required")
	}
	if strings.TrimSpace(cfg.Channel.ID) == "" {
		return nil, fmt.Errorf("worker: channel id required")
	}
	if strings.TrimSpace(cfg.HubSocket) == "" || strings.TrimSpace(cfg.MonitorSocket) == "" {
		return nil, fmt.Errorf("worker: hub and monitor socket paths required")
	}
	cfg = cfg.withDefaults()

	w := &Worker{
		cfg:      cfg,
		logger:   logger,
		metrics:  newInstruments(),
		pid:      os.Getpid(),
		sampler:  newResourceSampler(os.Getpid()),
		events:   make(chan *ipc.Event, cfg.DispatchQueueSize),
		handlers: make(map[string]EventHandler),
	}
	w.fallback = w.logEvent

	w.hub = ipc.NewClient(ipc.ClientConfig{
		Name: "hub",
		Path: cfg.HubSocket,
	}, w.onHubMessage, w.announce, logger)

	w.monitor = ipc.NewClient(ipc.ClientConfig{
		Name: "monitor",
		Path: cfg.MonitorSocket,
	}, nil, w.register, logger)

	if cfg.Chat != nil {
		w.chat = newChatRunner(cfg.Channel.Login, cfg.Chat, cfg.OnChatLine, w.metrics, logger)
	}
	return w, nil
}

// HandleTopic routes events for one topic to h, replacing any prior handler.
func (w *Worker) HandleTopic(topic string, h EventHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[topic] = h
}

// HandleDefault replaces the fallback handler for topics with no registration.
// The built-in fallback logs and counts the event.
func (w *Worker) HandleDefault(h EventHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fallback = h
}

// Dropped reports how many inbound events were discarded on a full queue.
func (w *Worker) Dropped() uint64 { return w.dropped.Load() }

// HubConnected reports whether the hub session is currently up.
func (w *Worker) HubConnected() bool { return w.hub.Connected() }

// MonitorConnected reports whether the monitor session is currently up.
func (w *Worker) MonitorConnected() bool { return w.monitor.Connected() }

// ChatConnected reports whether the chat transport is currently up.
func (w *Worker) ChatConnected() bool { return w.chat != nil && w.chat.Connected() }

// Run drives the worker until ctx ends: both IPC clients, the heartbeat
// ticker, the event dispatcher, and the chat loop when configured. On
// cancellation it queues a best-effort unregister and gives the monitor
// session a short flush window before tearing the clients down.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Printf("worker %s: starting pid=%d channel_id=%s topics=%d",
		w.cfg.Channel.Login, w.pid, w.cfg.Channel.ID, len(w.cfg.Channel.Topics))

	// Client sessions outlive ctx by the flush window so the unregister frame
	// queued below still has a live connection to leave on.
	clientCtx, stopClients := context.WithCancel(context.WithoutCancel(ctx))
	defer stopClients()

	var wg conc.WaitGroup
	wg.Go(func() { _ = w.hub.Run(clientCtx) })
	wg.Go(func() { _ = w.monitor.Run(clientCtx) })
	wg.Go(func() { w.heartbeatLoop(ctx) })
	wg.Go(func() { w.dispatchLoop(ctx) })
	if w.chat != nil {
		wg.Go(func() { w.chat.run(ctx) })
	}

	<-ctx.Done()

	w.monitor.Send(&ipc.Unregister{Channel: w.cfg.Channel.Login, PID: w.pid})
	flush := time.NewTimer(shutdownFlush)
	<-flush.C
	flush.Stop()

	stopClients()
	wg.Wait()

	w.logger.Printf("worker %s: stopped (events dropped=%d, ipc dropped hub=%d monitor=%d)",
		w.cfg.Channel.Login, w.dropped.Load(), w.hub.Dropped(), w.monitor.Dropped())
	return ctx.Err()
}

// announce re-asserts this worker's identity and topic intent on every hub
// connect, so a hub restart rebuilds its routing table without operator help.
func (w *Worker) announce(ctx context.Context, c *ipc.Client) error {
	_ = ctx
	c.Send(&ipc.Hello{
		Channel:   w.cfg.Channel.Login,
		ChannelID: w.cfg.Channel.ID,
		Topics:    w.cfg.Channel.Topics,
	})
	for _, topic := range w.cfg.Channel.Topics {
		c.Send(&ipc.Subscribe{ChannelID: w.cfg.Channel.ID, Topic: topic})
	}
	w.logger.Printf("worker %s: hub connected, announced %d topics",
		w.cfg.Channel.Login, len(w.cfg.Channel.Topics))
	return nil
}

// register re-asserts the monitor registration on every connect.
func (w *Worker) register(ctx context.Context, c *ipc.Client) error {
	_ = ctx
	c.Send(&ipc.Register{
		Channel:  w.cfg.Channel.Login,
		PID:      w.pid,
		Features: w.cfg.Features,
	})
	return nil
}

// onHubMessage queues inbound events for the dispatch goroutine. Full queue
// drops the frame and counts it; the hub is never back-pressured.
func (w *Worker) onHubMessage(ctx context.Context, msg ipc.Message) {
	evt, ok := msg.(*ipc.Event)
	if !ok {
		return
	}
	select {
	case w.events <- evt:
	default:
		w.dropped.Add(1)
		w.metrics.recordEventDropped(ctx, w.cfg.Channel.Login, evt.Topic)
	}
}

func (w *Worker) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-w.events:
			w.dispatch(ctx, evt)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, evt *ipc.Event) {
	w.mu.RLock()
	h, ok := w.handlers[evt.Topic]
	if !ok {
		h = w.fallback
	}
	w.mu.RUnlock()

	if h != nil {
		h(ctx, evt)
	}
	w.metrics.recordEventHandled(ctx, w.cfg.Channel.Login, evt.Topic)
}

// logEvent is the built-in fallback handler.
func (w *Worker) logEvent(ctx context.Context, evt *ipc.Event) {
	_ = ctx
	w.logger.Printf("worker %s: event %s id=%s (%d bytes)",
		w.cfg.Channel.Login, evt.Topic, evt.EventID, len(evt.Payload))
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	timer := time.NewTimer(w.jitteredInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			w.sendHeartbeat(ctx)
			timer.Reset(w.jitteredInterval())
		}
	}
}

func (w *Worker) jitteredInterval() time.Duration {
	base := w.cfg.HeartbeatInterval
	span := time.Duration(float64(base) * heartbeatJitterPct)
	if span <= 0 {
		return base
	}
	return base - span + rand.N(2*span)
}

// sendHeartbeat emits one liveness frame. Resource samples ride along when
// available; a failed sample still produces a bare heartbeat.
func (w *Worker) sendHeartbeat(ctx context.Context) {
	hb := &ipc.Heartbeat{Channel: w.cfg.Channel.Login, PID: w.pid}
	hb.RSSMB, hb.CPUPct = w.sampler.sample(ctx)
	w.monitor.Send(hb)
	w.metrics.recordHeartbeat(ctx, w.cfg.Channel.Login)
}

// ReportUsage queues one model invocation for cost accounting. Delivery is
// fire-and-forget; false means the frame was dropped locally.
func (w *Worker) ReportUsage(model, feature string, tokensIn, tokensOut, latencyMS int64, cost decimal.Decimal) bool {
	ok := w.monitor.Send(&ipc.LLMUsage{
		Channel:       w.cfg.Channel.Login,
		Model:         model,
		Feature:       feature,
		TokensIn:      tokensIn,
		TokensOut:     tokensOut,
		LatencyMS:     latencyMS,
		EstimatedCost: cost,
	})
	if ok {
		w.metrics.recordUsageReport(context.Background(), w.cfg.Channel.Login, model)
	}
	return ok
}

// SendChat writes one raw line to the chat connection.
func (w *Worker) SendChat(ctx context.Context, line string) error {
	if w.chat == nil {
		return errChatDisabled
	}
	return w.chat.send(ctx, line)
}

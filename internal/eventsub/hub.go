package eventsub

import (
	"context"
	"log"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/perchbot/perch/internal/credential"
	"github.com/perchbot/perch/internal/ipc"
	"github.com/perchbot/perch/internal/registry"
)

const shutdownFlushTimeout = 2 * time.Second

// HubConfig assembles the tunables for one hub process.
type HubConfig struct {
	// SocketPath is the Unix socket workers connect to.
	SocketPath string
	API        APIConfig
	Session    SessionConfig
	Reconciler ReconcilerConfig
	// StatePersistInterval is how often routed-event counters flush to the
	// registry. Defaults to 30s.
	StatePersistInterval time.Duration
}

func (c HubConfig) withDefaults() HubConfig {
	if c.StatePersistInterval <= 0 {
		c.StatePersistInterval = 30 * time.Second
	}
	return c
}

// Stores are the registry slices the hub persists through.
type Stores struct {
	Subscriptions registry.SubscriptionStore
	HubState      registry.HubStateStore
	Audit         registry.AuditStore
}

// Hub owns the single upstream EventSub session and fans its notifications
// out to per-channel workers over the IPC socket. Worker intent (hello,
// subscribe, unsubscribe) lands in the registry and the reconciler converges
// upstream onto it.
type Hub struct {
	cfg     HubConfig
	stores  Stores
	logger  *log.Logger
	metrics *instruments
	burst   *burstCounter

	router     *router
	reconciler *reconciler
	session    *sessionManager
	server     *ipc.Server

	routedSincePersist atomic.Int64
}

// NewHub wires a hub from its stores and credential source.
func NewHub(cfg HubConfig, stores Stores, creds credential.Source, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	cfg = cfg.withDefaults()

	metrics := newInstruments()
	h := &Hub{
		cfg:     cfg,
		stores:  stores,
		logger:  logger,
		metrics: metrics,
		burst:   newBurstCounter(),
	}
	h.router = newRouter(metrics, logger)

	api := NewAPIClient(cfg.API, metrics)
	h.reconciler = newReconciler(cfg.Reconciler, reconcilerDeps{
		api:      api,
		subs:     stores.Subscriptions,
		state:    stores.HubState,
		auditLog: stores.Audit,
		creds:    creds,
		metrics:  metrics,
		logger:   logger,
	})

	h.session = newSessionManager(cfg.Session, SessionHooks{
		OnWelcome:      h.onWelcome,
		OnNotification: h.onNotification,
		OnRevocation:   h.onRevocation,
		OnDown:         h.onDown,
	}, stores.HubState, h.burst, metrics, logger)

	h.server = ipc.NewServer("hub", cfg.SocketPath, h, logger)
	return h
}

var _ ipc.Handler = (*Hub)(nil)

// Run serves until ctx is canceled, then shuts down in order: worker socket
// first, upstream session with it, and a final counter flush last.
func (h *Hub) Run(ctx context.Context) error {
	if err := h.server.Start(ctx); err != nil {
		return err
	}
	h.logger.Printf("hub: listening on %s", h.server.Addr())

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := h.session.Run(ctx); err != nil && ctx.Err() == nil {
			h.logger.Printf("hub: session loop: %v", err)
		}
	})
	wg.Go(func() {
		if err := h.reconciler.Run(ctx); err != nil && ctx.Err() == nil {
			h.logger.Printf("hub: reconcile loop: %v", err)
		}
	})
	wg.Go(func() { h.persistLoop(ctx) })
	wg.Wait()

	h.shutdown()
	return ctx.Err()
}

func (h *Hub) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()
	if err := h.server.Close(ctx); err != nil {
		h.logger.Printf("hub: close ipc: %v", err)
	}
	h.flushCounters(ctx)
	h.logger.Printf("hub: stopped")
}

// persistLoop flushes routed-event and burst counters on a fixed cadence so
// restarts lose at most one interval of accounting.
func (h *Hub) persistLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.StatePersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fctx, cancel := context.WithTimeout(context.Background(), statePersistTimeout)
			h.flushCounters(fctx)
			cancel()
		}
	}
}

func (h *Hub) flushCounters(ctx context.Context) {
	if h.stores.HubState == nil {
		return
	}
	if delta := h.routedSincePersist.Swap(0); delta > 0 {
		if _, err := h.stores.HubState.Add(ctx, registry.HubKeyTotalEventsRouted, delta); err != nil {
			// Put the delta back so the next flush retries it.
			h.routedSincePersist.Add(delta)
			h.logger.Printf("hub: persist routed counter: %v", err)
		}
	}
	level := strconv.FormatFloat(h.burst.Level(), 'f', 2, 64)
	if err := h.stores.HubState.Set(ctx, registry.HubKeyErrorBurstLevel, level); err != nil {
		h.logger.Printf("hub: persist burst level: %v", err)
	}
}

// Session hooks. These run on session goroutines, so anything that writes to
// the registry is dispatched instead of awaited.

func (h *Hub) onWelcome(sessionID string, resumed bool) {
	kind := registry.AuditHubSessionUp
	if resumed {
		kind = registry.AuditHubSessionMoved
	}
	h.auditAsync(kind, sessionID, nil)
	h.reconciler.SessionUp(sessionID)
	h.logger.Printf("hub: session %s up (resumed=%v)", sessionID, resumed)
}

func (h *Hub) onNotification(note Notification) {
	if h.router.Route(context.Background(), note) {
		h.routedSincePersist.Add(1)
	}
}

func (h *Hub) onRevocation(sub Subscription) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), statePersistTimeout)
		defer cancel()
		h.reconciler.HandleRevocation(ctx, sub)
	}()
}

func (h *Hub) onDown(reason string) {
	h.reconciler.SessionLost()
	h.auditAsync(registry.AuditHubSessionLost, "", map[string]any{"reason": reason})
}

func (h *Hub) auditAsync(kind, subject string, detail map[string]any) {
	if h.stores.Audit == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), statePersistTimeout)
		defer cancel()
		event := registry.AuditEvent{Kind: kind, Subject: subject, Detail: detail}
		if err := h.stores.Audit.Append(ctx, event); err != nil {
			h.logger.Printf("hub: audit %s: %v", kind, err)
		}
	}()
}

// HandleMessage implements ipc.Handler for worker frames.
func (h *Hub) HandleMessage(ctx context.Context, peer *ipc.Peer, msg ipc.Message) {
	switch m := msg.(type) {
	case *ipc.Hello:
		h.handleHello(ctx, peer, m)
	case *ipc.Subscribe:
		h.handleSubscribe(ctx, m)
	case *ipc.Unsubscribe:
		h.handleUnsubscribe(ctx, m)
	default:
		h.logger.Printf("hub: ignoring %s frame", msg.MessageType())
	}
}

// HandleDisconnect implements ipc.Handler. Desired rows persist across
// worker restarts; only the live route goes away.
func (h *Hub) HandleDisconnect(peer *ipc.Peer) {
	channels := h.router.UnbindPeer(context.Background(), peer)
	if len(channels) > 0 {
		h.logger.Printf("hub: worker disconnected, unbound channels %v", channels)
	}
}

func (h *Hub) handleHello(ctx context.Context, peer *ipc.Peer, m *ipc.Hello) {
	h.router.Bind(ctx, m.ChannelID, peer)
	for _, topic := range m.Topics {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		sub := registry.DesiredSubscription{
			ChannelID: m.ChannelID,
			Topic:     topic,
			Version:   "1",
			Transport: "websocket",
		}
		if err := h.stores.Subscriptions.UpsertDesired(ctx, sub); err != nil {
			h.logger.Printf("hub: hello upsert %s/%s: %v", m.ChannelID, topic, err)
		}
	}
	h.reconciler.Trigger()
	h.logger.Printf("hub: worker %q online for channel %s (%d topics)", m.Channel, m.ChannelID, len(m.Topics))
}

func (h *Hub) handleSubscribe(ctx context.Context, m *ipc.Subscribe) {
	version := strings.TrimSpace(m.Version)
	if version == "" {
		version = "1"
	}
	sub := registry.DesiredSubscription{
		ChannelID: m.ChannelID,
		Topic:     m.Topic,
		Version:   version,
		Transport: "websocket",
	}
	if err := h.stores.Subscriptions.UpsertDesired(ctx, sub); err != nil {
		h.logger.Printf("hub: subscribe %s/%s: %v", m.ChannelID, m.Topic, err)
		return
	}
	h.reconciler.Trigger()
}

func (h *Hub) handleUnsubscribe(ctx context.Context, m *ipc.Unsubscribe) {
	if err := h.stores.Subscriptions.DeleteDesired(ctx, m.ChannelID, m.Topic); err != nil {
		h.logger.Printf("hub: unsubscribe %s/%s: %v", m.ChannelID, m.Topic, err)
		return
	}
	h.reconciler.Trigger()
}

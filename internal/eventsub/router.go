package eventsub

import (
	"context"
	"log"
	"sync"

	"github.com/perchbot/perch/internal/ipc"
)

const seenRingSize = 1024

// seenRing remembers the last N event ids so duplicate deliveries across a
// session switchover collapse to one.
type seenRing struct {
	mu   sync.Mutex
	ids  []string
	set  map[string]struct{}
	next int
}

func newSeenRing(size int) *seenRing {
	if size <= 0 {
		size = seenRingSize
	}
	return &seenRing{
		ids: make([]string, size),
		set: make(map[string]struct{}, size),
	}
}

// Seen records id and reports whether it was already present. Events without
// an id are never deduplicated.
func (r *seenRing) Seen(id string) bool {
	if id == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[id]; ok {
		return true
	}
	if evicted := r.ids[r.next]; evicted != "" {
		delete(r.set, evicted)
	}
	r.ids[r.next] = id
	r.set[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ids)
	return false
}

// router maps channel ids to connected worker peers and forwards
// notifications. Routes mutate only from the IPC handler goroutines; the
// session read loop only reads.
type router struct {
	mu      sync.RWMutex
	routes  map[string]*ipc.Peer
	seen    *seenRing
	metrics *instruments
	logger  *log.Logger

	dropsMu sync.Mutex
	drops   map[string]uint64
}

func newRouter(metrics *instruments, logger *log.Logger) *router {
	if logger == nil {
		logger = log.Default()
	}
	return &router{
		routes:  make(map[string]*ipc.Peer),
		seen:    newSeenRing(seenRingSize),
		metrics: metrics,
		logger:  logger,
		drops:   make(map[string]uint64),
	}
}

// Bind points channelID at peer, replacing any previous binding.
func (r *router) Bind(ctx context.Context, channelID string, peer *ipc.Peer) {
	r.mu.Lock()
	_, replaced := r.routes[channelID]
	r.routes[channelID] = peer
	r.mu.Unlock()
	if !replaced {
		r.metrics.addRouteTableSize(ctx, 1)
	}
}

// Unbind removes the binding for channelID if it points at peer.
func (r *router) Unbind(ctx context.Context, channelID string, peer *ipc.Peer) {
	r.mu.Lock()
	bound, ok := r.routes[channelID]
	if ok && bound == peer {
		delete(r.routes, channelID)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if ok {
		r.metrics.addRouteTableSize(ctx, -1)
	}
}

// UnbindPeer removes every channel bound to peer and returns the channels.
func (r *router) UnbindPeer(ctx context.Context, peer *ipc.Peer) []string {
	r.mu.Lock()
	var unbound []string
	for channelID, bound := range r.routes {
		if bound == peer {
			delete(r.routes, channelID)
			unbound = append(unbound, channelID)
		}
	}
	r.mu.Unlock()
	if len(unbound) > 0 {
		r.metrics.addRouteTableSize(ctx, -int64(len(unbound)))
	}
	return unbound
}

// Size reports how many channels are bound.
func (r *router) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// Route forwards one notification to its channel's worker. It reports true
// when the frame was queued; duplicates, unbound channels, and full peer
// queues all drop. There is no buffering: upstream replay is the recovery
// path for missed events.
func (r *router) Route(ctx context.Context, note Notification) bool {
	if r.seen.Seen(note.EventID) {
		return false
	}

	r.mu.RLock()
	peer, ok := r.routes[note.ChannelID]
	r.mu.RUnlock()
	if !ok {
		r.drop(ctx, note, "unbound")
		return false
	}

	sent := peer.Send(&ipc.Event{
		ChannelID: note.ChannelID,
		Topic:     note.Topic,
		EventID:   note.EventID,
		Payload:   note.Payload,
	})
	if !sent {
		r.drop(ctx, note, "queue_full")
		return false
	}
	r.metrics.recordRouted(ctx, note.Topic)
	return true
}

// Drops returns a copy of the per-channel drop counters.
func (r *router) Drops() map[string]uint64 {
	r.dropsMu.Lock()
	defer r.dropsMu.Unlock()
	out := make(map[string]uint64, len(r.drops))
	for channelID, count := range r.drops {
		out[channelID] = count
	}
	return out
}

func (r *router) drop(ctx context.Context, note Notification, reason string) {
	r.dropsMu.Lock()
	r.drops[note.ChannelID]++
	count := r.drops[note.ChannelID]
	r.dropsMu.Unlock()

	r.metrics.recordDropped(ctx, note.ChannelID, reason)
	// Log the first drop per channel and then every 100th so a dead worker
	// cannot flood the log.
	if count == 1 || count%100 == 0 {
		r.logger.Printf("hub router: dropped event for channel %s (%s, total %d)", note.ChannelID, reason, count)
	}
}

package monitor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/perchbot/perch/internal/ipc"
)

const misdirectedLogGap = time.Minute

// sink is the socket-facing half of the monitor. It accepts telemetry frames
// and hands them to the writer without touching the stores; senders are never
// made to wait on persistence.
type sink struct {
	writer  *writer
	metrics *instruments
	logger  *log.Logger

	logMu   sync.Mutex
	lastLog time.Time
}

var _ ipc.Handler = (*sink)(nil)

func newSink(w *writer, metrics *instruments, logger *log.Logger) *sink {
	if logger == nil {
		logger = log.Default()
	}
	return &sink{writer: w, metrics: metrics, logger: logger}
}

// HandleMessage accepts one decoded frame. Runs on per-connection goroutines;
// the writer queue is the only shared state it touches.
func (s *sink) HandleMessage(ctx context.Context, peer *ipc.Peer, msg ipc.Message) {
	_ = peer
	s.metrics.recordFrame(ctx, string(msg.MessageType()))

	switch msg.(type) {
	case *ipc.Register, *ipc.Heartbeat, *ipc.Unregister, *ipc.LLMUsage:
		s.writer.enqueue(workItem{at: time.Now().UTC(), msg: msg})
	default:
		s.metrics.recordDropped(ctx, "misdirected")
		s.logThrottled("monitor: ignoring %s frame", msg.MessageType())
	}
}

// HandleDisconnect is a no-op. Workers detach without ceremony; a silent one
// surfaces through the stale sweep instead.
func (s *sink) HandleDisconnect(peer *ipc.Peer) {
	_ = peer
}

func (s *sink) logThrottled(format string, args ...any) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if time.Since(s.lastLog) < misdirectedLogGap {
		return
	}
	s.lastLog = time.Now()
	s.logger.Printf(format, args...)
}

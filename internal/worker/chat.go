package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/perchbot/perch/errs"
)

const (
	chatBackoffBase = time.Second
	chatBackoffMax  = time.Minute
)

var errChatDisabled = errs.New("worker/chat", errs.CodeUnavailable,
	errs.WithMessage("chat transport not configured"))

// ChatTransport is a raw line-oriented chat connection. Implementations own
// authentication and wire framing; the runtime only drives connect, read,
// send, and close.
type ChatTransport interface {
	Connect(ctx context.Context) error
	ReadLine(ctx context.Context) (string, error)
	SendLine(ctx context.Context, line string) error
	Close() error
}

// chatRunner keeps one transport session alive with capped exponential
// backoff. It is independent of the hub and monitor clients: their outages
// never stall chat, and vice versa.
type chatRunner struct {
	channel   string
	transport ChatTransport
	onLine    ChatLineHandler
	metrics   *instruments
	logger    *log.Logger

	connected atomic.Bool
}

func newChatRunner(channel string, transport ChatTransport, onLine ChatLineHandler, metrics *instruments, logger *log.Logger) *chatRunner {
	return &chatRunner{
		channel:   channel,
		transport: transport,
		onLine:    onLine,
		metrics:   metrics,
		logger:    logger,
	}
}

// Connected reports whether a chat session is currently established.
func (r *chatRunner) Connected() bool { return r.connected.Load() }

func (r *chatRunner) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = chatBackoffBase
	bo.RandomizationFactor = 0.25
	bo.Multiplier = 2
	bo.MaxInterval = chatBackoffMax

	for {
		if ctx.Err() != nil {
			return
		}

		if err := r.session(ctx, bo); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			r.logger.Printf("worker %s: chat session ended: %v", r.channel, err)
		}

		next := bo.NextBackOff()
		if next == backoff.Stop {
			bo.Reset()
			next = bo.NextBackOff()
		}
		r.metrics.recordChatReconnect(ctx, r.channel)
		select {
		case <-time.After(next):
		case <-ctx.Done():
			return
		}
	}
}

// session runs one transport lifetime: connect, pump inbound lines, and close
// on the first error.
func (r *chatRunner) session(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	if err := r.transport.Connect(ctx); err != nil {
		return fmt.Errorf("chat connect: %w", err)
	}
	bo.Reset()
	r.connected.Store(true)
	defer func() {
		r.connected.Store(false)
		_ = r.transport.Close()
	}()
	r.logger.Printf("worker %s: chat connected", r.channel)

	for {
		line, err := r.transport.ReadLine(ctx)
		if err != nil {
			return fmt.Errorf("chat read: %w", err)
		}
		if r.onLine != nil {
			r.onLine(ctx, line)
		}
	}
}

func (r *chatRunner) send(ctx context.Context, line string) error {
	if !r.connected.Load() {
		return errs.New("worker/chat", errs.CodeUnavailable,
			errs.WithMessage("chat disconnected"))
	}
	return r.transport.SendLine(ctx, line)
}

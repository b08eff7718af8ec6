package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// MessageFunc handles one inbound frame.
type MessageFunc func(ctx context.Context, msg Message)

// ConnectFunc runs after each successful dial, before inbound dispatch. It is
// the place to re-assert session state (hello, subscribes, register).
type ConnectFunc func(ctx context.Context, c *Client) error

// ClientConfig tunes a reconnecting IPC client.
type ClientConfig struct {
	Name        string
	Path        string
	QueueSize   int
	DialTimeout time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.Name == "" {
		c.Name = "client"
	}
	return c
}

// Client maintains one long-lived connection to an IPC server, reconnecting
// with capped exponential backoff on any socket error. Sends never block.
type Client struct {
	cfg       ClientConfig
	onMessage MessageFunc
	onConnect ConnectFunc
	logger    *log.Logger
	metrics   *instruments

	queue     chan []byte
	dropped   atomic.Uint64
	connected atomic.Bool
}

// NewClient builds a client for the given socket. onMessage and onConnect may
// be nil for send-only peers.
func NewClient(cfg ClientConfig, onMessage MessageFunc, onConnect ConnectFunc, logger *log.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		cfg:       cfg,
		onMessage: onMessage,
		onConnect: onConnect,
		logger:    logger,
		metrics:   newInstruments(),
		queue:     make(chan []byte, cfg.QueueSize),
	}
}

// Send encodes and queues msg. It never blocks; false means the frame was
// dropped (encode failure or full buffer). Frames queued while disconnected
// are delivered after the next successful dial, buffer permitting.
func (c *Client) Send(msg Message) bool {
	raw, err := Encode(msg)
	if err != nil {
		c.dropped.Add(1)
		return false
	}
	select {
	case c.queue <- raw:
		return true
	default:
		c.dropped.Add(1)
		c.metrics.recordDropped(context.Background(), c.cfg.Name)
		return false
	}
}

// Dropped reports how many frames this client has discarded.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// Connected reports whether a session is currently established.
func (c *Client) Connected() bool { return c.connected.Load() }

// Run dials and re-dials the server until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BackoffBase
	bo.RandomizationFactor = 0.25
	bo.Multiplier = 2
	bo.MaxInterval = c.cfg.BackoffMax

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := c.session(ctx, bo); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Printf("ipc %s: session ended: %v", c.cfg.Name, err)
		}

		next := bo.NextBackOff()
		if next == backoff.Stop {
			bo.Reset()
			next = bo.NextBackOff()
		}
		select {
		case <-time.After(next):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// session runs one connection lifetime: dial, announce, pump frames both
// directions, and tear down on the first error.
func (c *Client) session(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.cfg.Path)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Path, err)
	}

	bo.Reset()
	c.connected.Store(true)
	defer c.connected.Store(false)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	if c.onConnect != nil {
		if err := c.onConnect(connCtx, c); err != nil {
			_ = conn.Close()
			return fmt.Errorf("on connect: %w", err)
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(connCtx, conn, errCh)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.readLoop(connCtx, conn, errCh)
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = ctx.Err()
	}

	cancel()
	_ = conn.Close()
	wg.Wait()
	return err
}

func (c *Client) writeLoop(ctx context.Context, conn net.Conn, errCh chan<- error) {
	for {
		select {
		case raw := <-c.queue:
			if err := c.writeFrame(ctx, conn, raw); err != nil {
				errCh <- err
				return
			}
		case <-ctx.Done():
			// Best-effort flush of anything already queued.
			for {
				select {
				case raw := <-c.queue:
					if err := c.writeFrame(ctx, conn, raw); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Client) writeFrame(ctx context.Context, conn net.Conn, raw []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(raw); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	c.metrics.recordOut(ctx, c.cfg.Name, len(raw))
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn, errCh chan<- error) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), MaxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		msg, err := Decode(line)
		if err != nil {
			if errors.Is(err, ErrEmptyFrame) {
				continue
			}
			c.metrics.recordMalformed(ctx, c.cfg.Name)
			c.logger.Printf("ipc %s: discarding frame: %v", c.cfg.Name, err)
			continue
		}
		c.metrics.recordIn(ctx, c.cfg.Name, len(line))
		if c.onMessage != nil {
			c.onMessage(ctx, msg)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		errCh <- fmt.Errorf("read: %w", err)
		return
	}
	errCh <- io.EOF
}

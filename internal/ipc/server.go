package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	peerQueueSize  = 256
	writeTimeout   = 2 * time.Second
	badFrameLogGap = time.Minute
)

// Handler receives decoded frames and disconnect notifications. Calls are
// made from per-connection goroutines; implementations synchronize their own
// state.
type Handler interface {
	HandleMessage(ctx context.Context, peer *Peer, msg Message)
	HandleDisconnect(peer *Peer)
}

// Peer is one accepted connection. Sends are fire-and-forget: a full queue
// drops the frame and bumps the peer's drop counter.
type Peer struct {
	id      string
	conn    net.Conn
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

func newPeer(conn net.Conn) *Peer {
	return &Peer{
		id:    uuid.NewString(),
		conn:  conn,
		queue: make(chan []byte, peerQueueSize),
		done:  make(chan struct{}),
	}
}

// ID returns the peer's connection identifier.
func (p *Peer) ID() string { return p.id }

// Send encodes and queues msg for delivery. It never blocks; false means the
// frame was dropped (encode failure or full buffer).
func (p *Peer) Send(msg Message) bool {
	raw, err := Encode(msg)
	if err != nil {
		p.dropped.Add(1)
		return false
	}
	return p.sendRaw(raw)
}

// SendRaw queues a pre-encoded frame. The caller guarantees raw is one
// newline-terminated JSON line.
func (p *Peer) SendRaw(raw []byte) bool { return p.sendRaw(raw) }

func (p *Peer) sendRaw(raw []byte) bool {
	select {
	case <-p.done:
		p.dropped.Add(1)
		return false
	default:
	}
	select {
	case p.queue <- raw:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Dropped reports how many frames this peer has discarded.
func (p *Peer) Dropped() uint64 { return p.dropped.Load() }

func (p *Peer) close() {
	p.once.Do(func() {
		close(p.done)
	})
}

// Server accepts worker connections on a Unix-domain socket and dispatches
// decoded frames to its Handler.
type Server struct {
	name    string
	path    string
	handler Handler
	logger  *log.Logger
	metrics *instruments

	mu     sync.Mutex
	ln     net.Listener
	peers  map[string]*Peer
	closed bool

	wg sync.WaitGroup

	logMu      sync.Mutex
	lastBadLog time.Time
}

// NewServer prepares a server for the given socket path. The name labels logs
// and metrics ("hub", "monitor").
func NewServer(name, path string, handler Handler, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		name:    name,
		path:    path,
		handler: handler,
		logger:  logger,
		metrics: newInstruments(),
		peers:   make(map[string]*Peer),
	}
}

// Start binds the socket and begins accepting connections. A leftover socket
// file from a previous run is removed first.
func (s *Server) Start(ctx context.Context) error {
	if err := removeStaleSocket(s.path); err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ipc %s: create socket dir: %w", s.name, err)
		}
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("ipc %s: listen %s: %w", s.name, s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("ipc %s: chmod socket: %w", s.name, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.closed = false
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Addr returns the socket path the server listens on.
func (s *Server) Addr() string { return s.path }

// Peers returns the currently connected peer count.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close stops accepting, flushes queued writes within ctx's deadline, and
// tears down all connections.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, p := range peers {
		p.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		for _, p := range peers {
			_ = p.conn.Close()
		}
		return fmt.Errorf("ipc %s: close: %w", s.name, ctx.Err())
	}

	_ = os.Remove(s.path)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Printf("ipc %s: accept: %v", s.name, err)
			continue
		}

		peer := newPeer(conn)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.peers[peer.id] = peer
		s.mu.Unlock()
		s.metrics.addPeer(ctx, s.name, 1)

		s.wg.Add(2)
		go s.readLoop(ctx, peer)
		go s.writeLoop(ctx, peer)
	}
}

func (s *Server) readLoop(ctx context.Context, peer *Peer) {
	defer s.wg.Done()

	scanner := bufio.NewScanner(peer.conn)
	scanner.Buffer(make([]byte, 64*1024), MaxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		msg, err := Decode(line)
		if err != nil {
			if errors.Is(err, ErrEmptyFrame) {
				continue
			}
			s.metrics.recordMalformed(ctx, s.name)
			s.logThrottled("ipc %s: discarding frame: %v", s.name, err)
			continue
		}
		s.metrics.recordIn(ctx, s.name, len(line))
		if _, ok := msg.(*Ping); ok {
			continue
		}
		if s.handler != nil {
			s.handler.HandleMessage(ctx, peer, msg)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logThrottled("ipc %s: read: %v", s.name, err)
	}

	peer.close()
	s.removePeer(ctx, peer)
}

func (s *Server) writeLoop(ctx context.Context, peer *Peer) {
	defer s.wg.Done()
	defer func() { _ = peer.conn.Close() }()

	for {
		select {
		case raw := <-peer.queue:
			if !s.writeFrame(ctx, peer, raw) {
				return
			}
		case <-peer.done:
			for {
				select {
				case raw := <-peer.queue:
					if !s.writeFrame(ctx, peer, raw) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, peer *Peer, raw []byte) bool {
	_ = peer.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := peer.conn.Write(raw); err != nil {
		peer.close()
		return false
	}
	s.metrics.recordOut(ctx, s.name, len(raw))
	return true
}

func (s *Server) removePeer(ctx context.Context, peer *Peer) {
	s.mu.Lock()
	_, present := s.peers[peer.id]
	delete(s.peers, peer.id)
	s.mu.Unlock()
	if !present {
		return
	}
	s.metrics.addPeer(ctx, s.name, -1)
	if s.handler != nil {
		s.handler.HandleDisconnect(peer)
	}
}

// logThrottled suppresses repeats within badFrameLogGap so a misbehaving
// client cannot flood the log.
func (s *Server) logThrottled(format string, args ...any) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if time.Since(s.lastBadLog) < badFrameLogGap {
		return
	}
	s.lastBadLog = time.Now()
	s.logger.Printf(format, args...)
}

func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("ipc: stat socket path: %w", err)
	}
	if info.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("ipc: %s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("ipc: remove stale socket: %w", err)
	}
	return nil
}

package eventsub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/perchbot/perch/errs"
	"github.com/perchbot/perch/internal/registry"
)

const (
	sessionReadLimit         = 1 << 20
	defaultKeepaliveInterval = 10 * time.Second
	keepaliveSlack           = 1.5
	statePersistTimeout      = 2 * time.Second
)

// SessionState enumerates the upstream connection lifecycle.
type SessionState string

const (
	StateDown         SessionState = "down"
	StateConnecting   SessionState = "connecting"
	StateConnected    SessionState = "connected"
	StateReconnecting SessionState = "reconnecting"
)

// validTransition reports whether the session may move between two states.
// Connected drops to down only on stop; losses go through reconnecting.
func validTransition(from, to SessionState) bool {
	if from == to {
		return true
	}
	if to == StateDown {
		return true
	}
	switch from {
	case StateDown:
		return to == StateConnecting
	case StateConnecting:
		return to == StateConnected || to == StateReconnecting
	case StateConnected:
		return to == StateReconnecting
	case StateReconnecting:
		return to == StateConnecting
	default:
		return false
	}
}

// SessionConfig tunes the upstream session manager.
type SessionConfig struct {
	// URL is the upstream WebSocket endpoint for fresh dials.
	URL string
	// HandshakeTimeout bounds dial plus the welcome frame. Defaults to 10s.
	HandshakeTimeout time.Duration
	// BackoffBase seeds the reconnect backoff. Defaults to 2s.
	BackoffBase time.Duration
	// BackoffMax caps the reconnect backoff. Defaults to 60s.
	BackoffMax time.Duration
	// BurstThreshold is the error-burst level above which backoff doubles.
	// Defaults to 5.
	BurstThreshold float64
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
	if c.BurstThreshold <= 0 {
		c.BurstThreshold = 5
	}
	return c
}

// SessionHooks are the session manager's callbacks into the hub. Nil hooks
// are skipped. Hooks run on the session goroutines and must not block.
type SessionHooks struct {
	// OnWelcome fires per accepted welcome. resumed is true when the
	// welcome came from a reconnect directive, meaning upstream carried
	// the subscriptions over to the new socket.
	OnWelcome func(sessionID string, resumed bool)
	// OnNotification fires per routed notification frame.
	OnNotification func(Notification)
	// OnRevocation fires when upstream revokes a subscription.
	OnRevocation func(Subscription)
	// OnDown fires when a connected session is lost.
	OnDown func(reason string)
}

// sessionManager keeps exactly one upstream session alive. It dials, runs
// the handshake, pumps frames, follows reconnect directives with an
// overlapping socket, and reconnects with jittered exponential backoff.
type sessionManager struct {
	cfg     SessionConfig
	hooks   SessionHooks
	store   registry.HubStateStore
	burst   *burstCounter
	metrics *instruments
	logger  *log.Logger

	mu        sync.Mutex
	state     SessionState
	sessionID string
}

func newSessionManager(cfg SessionConfig, hooks SessionHooks, store registry.HubStateStore, burst *burstCounter, metrics *instruments, logger *log.Logger) *sessionManager {
	if logger == nil {
		logger = log.Default()
	}
	if burst == nil {
		burst = newBurstCounter()
	}
	return &sessionManager{
		cfg:     cfg.withDefaults(),
		hooks:   hooks,
		store:   store,
		burst:   burst,
		metrics: metrics,
		logger:  logger,
		state:   StateDown,
	}
}

// State returns the current lifecycle state.
func (m *sessionManager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID returns the live upstream session id, empty when not connected.
func (m *sessionManager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return ""
	}
	return m.sessionID
}

// Run keeps the session alive until ctx is canceled. Each reconnect pass
// sleeps min(base*2^k, max) with 25% jitter, doubled while the error-burst
// level sits above the threshold.
func (m *sessionManager) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.BackoffBase
	bo.RandomizationFactor = 0.25
	bo.Multiplier = 2
	bo.MaxInterval = m.cfg.BackoffMax

	for {
		select {
		case <-ctx.Done():
			m.setState(StateDown)
			return ctx.Err()
		default:
		}

		m.setState(StateConnecting)
		conn, sess, err := m.dial(ctx, m.cfg.URL)
		if err != nil {
			if ctx.Err() != nil {
				m.setState(StateDown)
				return ctx.Err()
			}
			m.burst.Bump()
			m.metrics.recordReconnect(ctx, "error")
			m.logger.Printf("hub session: dial: %v", err)
			m.setState(StateReconnecting)
			m.bumpReconnectCount()
			if !m.sleepBackoff(ctx, bo) {
				m.setState(StateDown)
				return ctx.Err()
			}
			continue
		}
		bo.Reset()
		m.metrics.recordReconnect(ctx, "success")

		err = m.runSession(ctx, conn, sess)
		if ctx.Err() != nil {
			m.setState(StateDown)
			return ctx.Err()
		}
		m.burst.Bump()
		reason := "connection lost"
		if err != nil {
			reason = err.Error()
		}
		m.logger.Printf("hub session: lost: %s", reason)
		if m.hooks.OnDown != nil {
			m.hooks.OnDown(reason)
		}
		m.setState(StateReconnecting)
		m.bumpReconnectCount()
		if !m.sleepBackoff(ctx, bo) {
			m.setState(StateDown)
			return ctx.Err()
		}
	}
}

// dial opens a socket and waits for its welcome. The handshake timeout
// covers both; anything other than a first-frame welcome fails the dial.
func (m *sessionManager) dial(ctx context.Context, wsURL string) (*websocket.Conn, Session, error) {
	handshakeCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(handshakeCtx, wsURL, nil)
	if err != nil {
		return nil, Session{}, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(sessionReadLimit)

	_, data, err := conn.Read(handshakeCtx)
	if err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "handshake failed")
		return nil, Session{}, fmt.Errorf("await welcome: %w", err)
	}
	env, err := ParseEnvelope(data)
	if err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "handshake failed")
		return nil, Session{}, err
	}
	if env.Metadata.MessageType != TypeWelcome {
		_ = conn.Close(websocket.StatusNormalClosure, "handshake failed")
		return nil, Session{}, errs.New("hub/session", errs.CodeProtocol,
			errs.WithMessage("first frame was not a welcome"),
			errs.WithField("message_type", env.Metadata.MessageType))
	}
	sess, err := env.SessionInfo()
	if err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "handshake failed")
		return nil, Session{}, err
	}
	return conn, sess, nil
}

// runSession owns one logical connected period, which may span several
// sockets when upstream issues reconnect directives.
func (m *sessionManager) runSession(ctx context.Context, conn *websocket.Conn, sess Session) error {
	resumed := false
	for {
		m.setConnected(sess.ID)
		if m.hooks.OnWelcome != nil {
			m.hooks.OnWelcome(sess.ID, resumed)
		}

		nextConn, nextSess, err := m.pumpSocket(ctx, conn, sess)
		if err != nil {
			return err
		}
		// Upstream moved the session to a new socket.
		m.metrics.recordReconnect(ctx, "moved")
		m.bumpReconnectCount()
		conn, sess, resumed = nextConn, nextSess, true
	}
}

type readSignals struct {
	directive chan string
	done      chan error
	lastFrame atomic.Int64
}

// pumpSocket reads one socket until it dies, shutdown, or a reconnect
// directive completes. On a directive the new socket is dialed while the
// old one keeps delivering events; only a confirmed welcome closes it.
func (m *sessionManager) pumpSocket(ctx context.Context, conn *websocket.Conn, sess Session) (*websocket.Conn, Session, error) {
	keepalive := keepaliveInterval(sess)
	deadline := time.Duration(float64(keepalive) * keepaliveSlack)

	sig := &readSignals{
		directive: make(chan string, 1),
		done:      make(chan error, 1),
	}
	sig.lastFrame.Store(time.Now().UnixNano())
	go m.readLoop(conn, sig)

	tick := keepalive / 2
	if tick < 500*time.Millisecond {
		tick = 500 * time.Millisecond
	}
	watchdog := time.NewTicker(tick)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
			<-sig.done
			return nil, Session{}, ctx.Err()

		case err := <-sig.done:
			_ = conn.Close(websocket.StatusNormalClosure, "read ended")
			if err == nil {
				err = errs.New("hub/session", errs.CodeNetwork, errs.WithMessage("upstream closed the session"))
			}
			return nil, Session{}, err

		case reconnectURL := <-sig.directive:
			newConn, newSess, err := m.dial(ctx, reconnectURL)
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "reconnect failed")
				<-sig.done
				return nil, Session{}, fmt.Errorf("reconnect directive: %w", err)
			}
			_ = conn.Close(websocket.StatusNormalClosure, "session moved")
			<-sig.done
			return newConn, newSess, nil

		case <-watchdog.C:
			last := time.Unix(0, sig.lastFrame.Load())
			if time.Since(last) > deadline {
				_ = conn.Close(websocket.StatusNormalClosure, "keepalive timeout")
				<-sig.done
				return nil, Session{}, errs.New("hub/session", errs.CodeNetwork,
					errs.WithMessage("keepalive timeout"),
					errs.WithField("deadline", deadline.String()))
			}
		}
	}
}

// readLoop pumps frames until the socket dies. Malformed frames are logged
// and dropped individually; they never kill the session.
func (m *sessionManager) readLoop(conn *websocket.Conn, sig *readSignals) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			sig.done <- normalizeReadError(err)
			return
		}
		sig.lastFrame.Store(time.Now().UnixNano())

		env, err := ParseEnvelope(data)
		if err != nil {
			m.logger.Printf("hub session: %v", err)
			continue
		}
		switch env.Metadata.MessageType {
		case TypeKeepalive:
		case TypeNotification:
			note, err := env.Notification()
			if err != nil {
				m.logger.Printf("hub session: %v", err)
				continue
			}
			if m.hooks.OnNotification != nil {
				m.hooks.OnNotification(note)
			}
		case TypeReconnect:
			sess, err := env.SessionInfo()
			if err != nil || sess.ReconnectURL == "" {
				m.logger.Printf("hub session: unusable reconnect directive: %v", err)
				continue
			}
			select {
			case sig.directive <- sess.ReconnectURL:
			default:
			}
		case TypeRevocation:
			sub, err := env.Revocation()
			if err != nil {
				m.logger.Printf("hub session: %v", err)
				continue
			}
			if m.hooks.OnRevocation != nil {
				m.hooks.OnRevocation(sub)
			}
		case TypeWelcome:
			m.logger.Printf("hub session: unexpected welcome mid-session, ignoring")
		default:
			m.logger.Printf("hub session: unknown frame type %q", env.Metadata.MessageType)
		}
	}
}

// normalizeReadError folds transport shutdown noise into nil so callers can
// tell a clean close from a real failure.
func normalizeReadError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	if status := websocket.CloseStatus(err); status != -1 {
		if status == websocket.StatusNormalClosure {
			return nil
		}
		return fmt.Errorf("read: remote closed with status %d", status)
	}
	return fmt.Errorf("read: %w", err)
}

// sleepBackoff waits out the next reconnect delay. It returns false when
// ctx ended first.
func (m *sessionManager) sleepBackoff(ctx context.Context, bo *backoff.ExponentialBackOff) bool {
	next := bo.NextBackOff()
	if next == backoff.Stop {
		bo.Reset()
		next = m.cfg.BackoffMax
	}
	if m.burst.Level() > m.cfg.BurstThreshold {
		next *= 2
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(next):
		return true
	}
}

func keepaliveInterval(sess Session) time.Duration {
	if sess.KeepaliveTimeoutSeconds <= 0 {
		return defaultKeepaliveInterval
	}
	return time.Duration(sess.KeepaliveTimeoutSeconds) * time.Second
}

// setState transitions the lifecycle state and persists it best-effort.
func (m *sessionManager) setState(next SessionState) {
	m.mu.Lock()
	prev := m.state
	if !validTransition(prev, next) {
		m.logger.Printf("hub session: illegal state transition %s -> %s", prev, next)
	}
	m.state = next
	if next != StateConnected {
		m.sessionID = ""
	}
	m.mu.Unlock()

	m.persist(func(ctx context.Context, store registry.HubStateStore) error {
		return store.Set(ctx, registry.HubKeyWSState, string(next))
	})
}

// setConnected records the live session id and connect timestamp.
func (m *sessionManager) setConnected(sessionID string) {
	m.mu.Lock()
	prev := m.state
	if !validTransition(prev, StateConnected) {
		m.logger.Printf("hub session: illegal state transition %s -> %s", prev, StateConnected)
	}
	m.state = StateConnected
	m.sessionID = sessionID
	m.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	m.persist(func(ctx context.Context, store registry.HubStateStore) error {
		if err := store.Set(ctx, registry.HubKeyWSState, string(StateConnected)); err != nil {
			return err
		}
		return store.Set(ctx, registry.HubKeyLastWSConnectTS, now)
	})
}

func (m *sessionManager) bumpReconnectCount() {
	m.persist(func(ctx context.Context, store registry.HubStateStore) error {
		_, err := store.Add(ctx, registry.HubKeyWSReconnectCount, 1)
		return err
	})
}

// persist runs a hub_state write off the session goroutine so the store can
// never stall the socket.
func (m *sessionManager) persist(write func(context.Context, registry.HubStateStore) error) {
	if m.store == nil {
		return
	}
	store := m.store
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), statePersistTimeout)
		defer cancel()
		if err := write(ctx, store); err != nil {
			m.logger.Printf("hub session: persist state: %v", err)
		}
	}()
}

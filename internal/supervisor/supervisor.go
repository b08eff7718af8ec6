// Package supervisor owns the platform process tree: it boots the monitor,
// hub, and one worker per channel in order, restarts crashed children with
// capped exponential backoff, disables children that crash too often, and
// executes operator commands from a file-based inbox.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/perchbot/perch/errs"
	"github.com/perchbot/perch/internal/config"
	"github.com/perchbot/perch/internal/credential"
	"github.com/perchbot/perch/internal/registry"
)

const (
	socketPollInterval  = 100 * time.Millisecond
	socketDialTimeout   = time.Second
	monitorSocketBudget = 5 * time.Second
	hubSocketBudget     = 10 * time.Second
	credentialTimeout   = 5 * time.Second
	auditTimeout        = 3 * time.Second
)

// Default child binary names, resolved under BinDir when set.
const (
	monitorBinary = "perch-monitor"
	hubBinary     = "perch-hub"
	workerBinary  = "perch-worker"
)

// Binaries overrides the child executable paths, mainly for tests.
type Binaries struct {
	Monitor string
	Hub     string
	Worker  string
}

// Config assembles a supervisor from its slice of the platform configuration.
type Config struct {
	// RunDir holds sockets, PID files, and the command inbox.
	RunDir string
	// BinDir is where child binaries live. Empty means PATH lookup.
	BinDir string
	// ConfigPath is forwarded to every child via -config. Empty children
	// fall back to their built-in defaults.
	ConfigPath string

	Channels []config.ChannelConfig
	Sockets  config.SocketsConfig

	HealthCheckInterval time.Duration
	MaxCrashCount       int
	CrashWindow         time.Duration
	InterStartDelay     time.Duration
	StopTimeout         time.Duration

	// MonitorEnabled gates the telemetry sidecar.
	MonitorEnabled bool
	// BotUserID names the shared bot account credential that bot-role
	// workers depend on. Empty skips the restart reauth gate for them.
	BotUserID string

	Binaries Binaries
}

func (c Config) withDefaults() Config {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.MaxCrashCount <= 0 {
		c.MaxCrashCount = 3
	}
	if c.CrashWindow <= 0 {
		c.CrashWindow = 10 * time.Minute
	}
	if c.InterStartDelay <= 0 {
		c.InterStartDelay = 500 * time.Millisecond
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.Binaries.Monitor == "" {
		c.Binaries.Monitor = c.resolveBinary(monitorBinary)
	}
	if c.Binaries.Hub == "" {
		c.Binaries.Hub = c.resolveBinary(hubBinary)
	}
	if c.Binaries.Worker == "" {
		c.Binaries.Worker = c.resolveBinary(workerBinary)
	}
	return c
}

func (c Config) resolveBinary(name string) string {
	if strings.TrimSpace(c.BinDir) == "" {
		return name
	}
	return filepath.Join(c.BinDir, name)
}

type childKind int

const (
	kindMonitor childKind = iota
	kindHub
	kindWorker
)

// childState is everything the supervisor tracks about one slot in the
// process tree. All fields are guarded by Supervisor.mu.
type childState struct {
	name    string
	kind    childKind
	spec    ProcessSpec
	channel config.ChannelConfig // workers only

	// child is the running (or just-exited, not yet counted) process. Nil
	// means down with the exit already folded into rec.
	child *Child
	rec   crashRecord
	// stopped marks an operator stop; the health loop leaves it alone.
	stopped bool
	// reauthReported dedupes the reauth audit for one credential outage.
	reauthReported bool
}

// Supervisor runs the platform process tree until its context ends or an
// operator sends quit.
type Supervisor struct {
	cfg    Config
	creds  credential.Source
	audits registry.AuditStore
	logger *log.Logger
	policy restartPolicy
	inbox  *inbox

	// Socket readiness budgets, overridable in tests.
	monitorWait time.Duration
	hubWait     time.Duration

	mu       sync.Mutex
	order    []*childState
	byLogin  map[string]*childState
	shutdown context.CancelFunc
}

// New wires a supervisor. creds gates worker restarts on credential health
// and audits land in the audit store; both may be nil in tests.
func New(cfg Config, creds credential.Source, audits registry.AuditStore, logger *log.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = log.Default()
	}
	if strings.TrimSpace(cfg.RunDir) == "" {
		return nil, fmt.Errorf("supervisor: run dir required")
	}
	cfg = cfg.withDefaults()

	s := &Supervisor{
		cfg:         cfg,
		creds:       creds,
		audits:      audits,
		logger:      logger,
		policy:      restartPolicy{maxCrashes: cfg.MaxCrashCount, crashWindow: cfg.CrashWindow},
		monitorWait: monitorSocketBudget,
		hubWait:     hubSocketBudget,
		byLogin:     make(map[string]*childState, len(cfg.Channels)),
	}

	childArgs := []string(nil)
	if strings.TrimSpace(cfg.ConfigPath) != "" {
		childArgs = []string{"-config", cfg.ConfigPath}
	}

	if cfg.MonitorEnabled {
		s.order = append(s.order, &childState{
			name: "monitor",
			kind: kindMonitor,
			spec: ProcessSpec{Path: cfg.Binaries.Monitor, Args: childArgs},
		})
	}
	s.order = append(s.order, &childState{
		name: "hub",
		kind: kindHub,
		spec: ProcessSpec{Path: cfg.Binaries.Hub, Args: childArgs},
	})
	for _, ch := range cfg.Channels {
		st := &childState{
			name:    "worker-" + ch.Login,
			kind:    kindWorker,
			channel: ch,
			spec: ProcessSpec{
				Path: cfg.Binaries.Worker,
				Args: append(append([]string(nil), childArgs...), "-channel", ch.Login),
			},
		}
		s.order = append(s.order, st)
		s.byLogin[ch.Login] = st
	}

	s.inbox = newInbox(cfg.RunDir, s.execute, logger)
	return s, nil
}

// Run boots the process tree, then supervises it until ctx ends or a quit
// command arrives. The tree is always torn down in reverse start order
// before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.shutdown = cancel
	s.mu.Unlock()

	if err := os.MkdirAll(s.cfg.RunDir, 0o755); err != nil {
		return fmt.Errorf("supervisor: run dir: %w", err)
	}

	workers := len(s.byLogin)
	s.logger.Printf("supervisor: starting (monitor=%v, workers=%d)", s.cfg.MonitorEnabled, workers)
	s.audit(runCtx, registry.AuditSupervisorStart, "", map[string]any{"workers": workers})

	if err := s.boot(runCtx); err != nil {
		s.stopAll()
		s.audit(context.Background(), registry.AuditSupervisorStop, "", map[string]any{"reason": "boot failed"})
		return err
	}

	var wg conc.WaitGroup
	wg.Go(func() { s.inbox.run(runCtx) })
	wg.Go(func() { s.healthLoop(runCtx) })
	wg.Wait()

	s.stopAll()
	s.audit(context.Background(), registry.AuditSupervisorStop, "", nil)
	s.logger.Printf("supervisor: stopped")
	return runCtx.Err()
}

// boot starts children in order: monitor, hub, then workers serially. The
// monitor and hub must open their sockets before anything that depends on
// them launches; a worker that fails to start is left to the health loop.
func (s *Supervisor) boot(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.order {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch st.kind {
		case kindMonitor:
			if err := s.startLocked(ctx, st); err != nil {
				return err
			}
			if err := waitForSocket(ctx, s.cfg.Sockets.Monitor, s.monitorWait); err != nil {
				return err
			}
		case kindHub:
			if err := s.startLocked(ctx, st); err != nil {
				return err
			}
			if err := waitForSocket(ctx, s.cfg.Sockets.Hub, s.hubWait); err != nil {
				return err
			}
		case kindWorker:
			if err := s.startLocked(ctx, st); err != nil {
				s.logger.Printf("supervisor: boot %s: %v", st.name, err)
			}
			select {
			case <-time.After(s.cfg.InterStartDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// startLocked launches one child. A start failure counts as a crash so the
// health loop backs off instead of hammering a broken binary.
func (s *Supervisor) startLocked(ctx context.Context, st *childState) error {
	child, err := startChild(st.name, st.spec, s.cfg.RunDir, s.logger)
	if err != nil {
		now := time.Now()
		if disabled := s.policy.noteCrash(&st.rec, now, 0); disabled {
			s.disableLocked(ctx, st, err)
		}
		return err
	}
	st.child = child
	st.reauthReported = false
	s.logger.Printf("supervisor: started %s pid=%d", st.name, child.PID())
	if st.kind == kindWorker {
		s.audit(ctx, registry.AuditWorkerStart, st.channel.Login, map[string]any{"pid": child.PID()})
	}
	return nil
}

func (s *Supervisor) disableLocked(ctx context.Context, st *childState, cause error) {
	detail := map[string]any{
		"crashes": len(st.rec.window),
		"window":  s.cfg.CrashWindow.String(),
	}
	if cause != nil {
		detail["error"] = cause.Error()
	}
	s.logger.Printf("supervisor: %s disabled after %d crashes in %s", st.name, len(st.rec.window), s.cfg.CrashWindow)
	s.audit(ctx, registry.AuditWorkerDisabled, s.subject(st), detail)
}

// subject names a child in audit events: workers by channel login, the hub
// and monitor by their role.
func (s *Supervisor) subject(st *childState) string {
	if st.kind == kindWorker {
		return st.channel.Login
	}
	return st.name
}

func (s *Supervisor) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.healthPass(ctx)
		}
	}
}

// healthPass folds fresh exits into crash records, then restarts whatever is
// down, eligible, and not blocked by an operator stop, disablement, or a
// credential awaiting re-auth.
func (s *Supervisor) healthPass(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, st := range s.order {
		if st.child != nil && !st.child.Alive() {
			s.noteExitLocked(ctx, st)
		}
		if st.child != nil || st.stopped || st.rec.disabled {
			continue
		}
		if !st.rec.eligible(now) {
			continue
		}
		if st.kind == kindWorker && s.blockedOnReauthLocked(ctx, st) {
			continue
		}
		if err := s.startLocked(ctx, st); err != nil {
			s.logger.Printf("supervisor: restart %s: %v", st.name, err)
		}
	}
}

// noteExitLocked consumes one child exit: it records the crash, emits the
// audit trail, and leaves the slot empty for the restart scan.
func (s *Supervisor) noteExitLocked(ctx context.Context, st *childState) {
	exitErr, exitAt := st.child.ExitState()
	run := exitAt.Sub(st.child.StartedAt())
	st.child = nil

	detail := map[string]any{"run_seconds": int64(run.Seconds())}
	if exitErr != nil {
		detail["exit"] = exitErr.Error()
	}
	s.logger.Printf("supervisor: %s exited after %s: %v", st.name, run.Round(time.Second), exitErr)
	s.audit(ctx, registry.AuditWorkerCrash, s.subject(st), detail)

	if disabled := s.policy.noteCrash(&st.rec, exitAt, run); disabled {
		s.disableLocked(ctx, st, exitErr)
	}
}

// blockedOnReauthLocked checks the credential a worker depends on. A token
// flagged needs_reauth blocks the restart and is audited once per outage;
// store errors never block a restart.
func (s *Supervisor) blockedOnReauthLocked(ctx context.Context, st *childState) bool {
	if s.creds == nil {
		return false
	}
	userID := s.cfg.BotUserID
	if st.channel.Role == config.RoleBroadcaster {
		userID = st.channel.ID
	}
	if userID == "" {
		return false
	}

	tctx, cancel := context.WithTimeout(ctx, credentialTimeout)
	tok, err := s.creds.Token(tctx, userID)
	cancel()
	if err != nil {
		s.logger.Printf("supervisor: credential check %s: %v", st.name, err)
		return false
	}
	if !tok.NeedsReauth {
		st.reauthReported = false
		return false
	}
	if !st.reauthReported {
		st.reauthReported = true
		s.logger.Printf("supervisor: %s blocked, credential %s needs re-auth", st.name, userID)
		s.audit(ctx, registry.AuditCredentialReauth, st.channel.Login, map[string]any{"user_id": userID})
	}
	return true
}

// execute handles one operator command from the inbox.
func (s *Supervisor) execute(ctx context.Context, cmd command) (string, error) {
	msg, err := s.dispatchCommand(ctx, cmd)

	subject := cmd.channel
	if subject == "" {
		subject = cmd.verb
	}
	detail := map[string]any{"command": cmd.String()}
	if err != nil {
		detail["error"] = err.Error()
	} else {
		detail["result"] = msg
	}
	s.audit(ctx, registry.AuditCommandExecuted, subject, detail)
	return msg, err
}

func (s *Supervisor) dispatchCommand(ctx context.Context, cmd command) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cmd.verb == "quit" {
		if s.shutdown != nil {
			s.shutdown()
		}
		return "shutting down", nil
	}

	st, ok := s.byLogin[cmd.channel]
	if !ok {
		return "", fmt.Errorf("unknown channel %q", cmd.channel)
	}

	switch cmd.verb {
	case "start":
		st.stopped = false
		st.rec.reset()
		if st.child != nil && st.child.Alive() {
			return st.name + " already running", nil
		}
		st.child = nil
		if err := s.startLocked(ctx, st); err != nil {
			return "", err
		}
		return "started " + st.name, nil

	case "stop":
		st.stopped = true
		if err := s.stopChildLocked(st); err != nil {
			return "", err
		}
		s.audit(ctx, registry.AuditWorkerStop, st.channel.Login, nil)
		return "stopped " + st.name, nil

	case "restart":
		st.stopped = false
		st.rec.reset()
		if err := s.stopChildLocked(st); err != nil {
			return "", err
		}
		if err := s.startLocked(ctx, st); err != nil {
			return "", err
		}
		return "restarted " + st.name, nil
	}
	return "", fmt.Errorf("unknown command %q", cmd.verb)
}

// stopChildLocked brings one child down and clears its slot. An unreapable
// process surfaces as a timeout to the operator.
func (s *Supervisor) stopChildLocked(st *childState) error {
	if st.child == nil {
		return nil
	}
	if st.child.Alive() {
		if err := st.child.Stop(s.cfg.StopTimeout); err != nil {
			return errTimeout
		}
	}
	st.child = nil
	return nil
}

// stopAll tears the tree down in reverse start order: workers first, then
// the hub, then the monitor.
func (s *Supervisor) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.order) - 1; i >= 0; i-- {
		st := s.order[i]
		if st.child == nil {
			continue
		}
		if st.child.Alive() {
			s.logger.Printf("supervisor: stopping %s", st.name)
			if err := st.child.Stop(s.cfg.StopTimeout); err != nil {
				s.logger.Printf("supervisor: stop %s: %v", st.name, err)
			}
		}
		st.child = nil
	}
}

func (s *Supervisor) audit(ctx context.Context, kind, subject string, detail map[string]any) {
	if s.audits == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	event := registry.AuditEvent{Kind: kind, Subject: subject, Detail: detail}
	if err := s.audits.Append(actx, event); err != nil {
		s.logger.Printf("supervisor: audit %s: %v", kind, err)
	}
}

// waitForSocket polls until the Unix socket accepts a connection or the
// budget runs out.
func waitForSocket(ctx context.Context, path string, budget time.Duration) error {
	deadline := time.Now().Add(budget)
	for {
		dialer := net.Dialer{Timeout: socketDialTimeout}
		conn, err := dialer.DialContext(ctx, "unix", path)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return errs.New("supervisor/boot", errs.CodeUnavailable,
				errs.WithMessage(fmt.Sprintf("socket %s not ready after %s", path, budget)),
				errs.WithCause(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(socketPollInterval):
		}
	}
}

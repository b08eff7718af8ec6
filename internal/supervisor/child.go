package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
)

// reapGrace bounds how long Stop waits for the exit status after SIGKILL.
const reapGrace = 2 * time.Second

// ProcessSpec describes how to launch one child binary.
type ProcessSpec struct {
	Path string
	Args []string
	// Env entries are appended to the parent environment.
	Env []string
}

// Child is one supervised OS process. Its stdout and stderr are forwarded
// line by line to the supervisor log under the child's name, and its PID is
// written to <runDir>/<name>.pid until the process is reaped.
type Child struct {
	name    string
	pidFile string
	logger  *log.Logger

	cmd     *exec.Cmd
	started time.Time

	done chan struct{}

	mu      sync.Mutex
	exitErr error
	exitAt  time.Time
}

// startChild launches spec under the given name. The returned Child is
// already running; callers own its lifecycle from here.
func startChild(name string, spec ProcessSpec, runDir string, logger *log.Logger) (*Child, error) {
	if logger == nil {
		logger = log.Default()
	}
	cmd := exec.Command(spec.Path, spec.Args...)
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stdout pipe for %s: %w", name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stderr pipe for %s: %w", name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: start %s: %w", name, err)
	}

	c := &Child{
		name:    name,
		pidFile: filepath.Join(runDir, name+".pid"),
		logger:  logger,
		cmd:     cmd,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	c.writePIDFile()

	// Both pipes must hit EOF before Wait may run.
	var pipes conc.WaitGroup
	pipes.Go(func() { c.forward(stdout) })
	pipes.Go(func() { c.forward(stderr) })
	go func() {
		pipes.Wait()
		err := cmd.Wait()
		c.mu.Lock()
		c.exitErr = err
		c.exitAt = time.Now()
		c.mu.Unlock()
		_ = os.Remove(c.pidFile)
		close(c.done)
	}()
	return c, nil
}

// Name returns the child's supervisor-facing name.
func (c *Child) Name() string { return c.name }

// PID returns the OS process id.
func (c *Child) PID() int { return c.cmd.Process.Pid }

// StartedAt returns when the process launched.
func (c *Child) StartedAt() time.Time { return c.started }

// Alive reports whether the process has not yet been reaped.
func (c *Child) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Done is closed once the process has exited and been reaped.
func (c *Child) Done() <-chan struct{} { return c.done }

// ExitState returns the exit error and exit time. Valid only after Done.
func (c *Child) ExitState() (error, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr, c.exitAt
}

// Stop asks the process to exit with SIGTERM, escalating to SIGKILL after
// the grace period. It returns an error only when the process cannot be
// reaped even after the kill.
func (c *Child) Stop(grace time.Duration) error {
	if !c.Alive() {
		return nil
	}
	// Signal errors mean the process is already gone; the reaper will
	// close done either way.
	_ = c.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-c.done:
		return nil
	case <-time.After(grace):
	}

	c.logger.Printf("supervisor: %s ignored SIGTERM, killing", c.name)
	_ = c.cmd.Process.Kill()
	select {
	case <-c.done:
		return nil
	case <-time.After(reapGrace):
		return fmt.Errorf("supervisor: %s not reaped after kill", c.name)
	}
}

func (c *Child) writePIDFile() {
	data := []byte(strconv.Itoa(c.PID()) + "\n")
	if err := os.WriteFile(c.pidFile, data, 0o644); err != nil {
		c.logger.Printf("supervisor: write %s: %v", c.pidFile, err)
	}
}

// forward copies one child output stream into the supervisor log, one line
// per entry.
func (c *Child) forward(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		c.logger.Printf("%s: %s", c.name, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		c.logger.Printf("supervisor: read %s output: %v", c.name, err)
	}
}

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	inboxPollInterval = 100 * time.Millisecond
	commandFileName   = "supervisor.cmd"
)

// errTimeout marks command failures that should surface to the operator as a
// plain timeout.
var errTimeout = errors.New("timeout")

// command is one parsed operator instruction.
type command struct {
	verb    string
	channel string
}

func (c command) String() string {
	if c.channel == "" {
		return c.verb
	}
	return c.verb + " " + c.channel
}

func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, errors.New("empty command")
	}
	verb := fields[0]
	switch verb {
	case "quit":
		if len(fields) != 1 {
			return command{}, errors.New("usage: quit")
		}
		return command{verb: verb}, nil
	case "start", "stop", "restart":
		if len(fields) != 2 {
			return command{}, fmt.Errorf("usage: %s <channel>", verb)
		}
		return command{verb: verb, channel: fields[1]}, nil
	default:
		return command{}, fmt.Errorf("unknown command %q", verb)
	}
}

// inbox watches the command file. A command is consumed as soon as it is
// read; its outcome lands in the sibling result file, which survives until
// the next command arrives.
type inbox struct {
	path    string
	result  string
	execute func(context.Context, command) (string, error)
	logger  *log.Logger
}

func newInbox(runDir string, execute func(context.Context, command) (string, error), logger *log.Logger) *inbox {
	if logger == nil {
		logger = log.Default()
	}
	path := filepath.Join(runDir, commandFileName)
	return &inbox{
		path:    path,
		result:  path + ".result",
		execute: execute,
		logger:  logger,
	}
}

func (ib *inbox) run(ctx context.Context) {
	ticker := time.NewTicker(inboxPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ib.pollOnce(ctx)
		}
	}
}

func (ib *inbox) pollOnce(ctx context.Context) {
	data, err := os.ReadFile(ib.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			ib.logger.Printf("supervisor: read command file: %v", err)
		}
		return
	}
	_ = os.Remove(ib.result)
	_ = os.Remove(ib.path)

	cmd, err := parseCommand(string(data))
	if err != nil {
		ib.writeResult("ERROR: " + err.Error())
		return
	}
	ib.logger.Printf("supervisor: command %q", cmd)

	msg, err := ib.execute(ctx, cmd)
	if err != nil {
		if errors.Is(err, errTimeout) {
			ib.writeResult("ERROR: timeout")
			return
		}
		ib.writeResult("ERROR: " + err.Error())
		return
	}
	ib.writeResult("SUCCESS: " + msg)
}

func (ib *inbox) writeResult(msg string) {
	if err := os.WriteFile(ib.result, []byte(msg+"\n"), 0o644); err != nil {
		ib.logger.Printf("supervisor: write command result: %v", err)
	}
}

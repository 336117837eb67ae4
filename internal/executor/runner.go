package executor

import (
	"bytes"
	"context"
	"os/exec"
	"time"
)

// Command is one process invocation.
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string
	Stdin string
}

// CommandRunner starts processes. Tests swap in a fake.
type CommandRunner interface {
	Run(ctx context.Context, c Command) (stdout, stderr []byte, err error)
}

// HostRunner runs commands on the host in their own process group so a
// timeout or shutdown kills the agent and everything it spawned.
type HostRunner struct {
	// WaitDelay bounds how long Wait waits for output pipes after the
	// group is killed.
	WaitDelay time.Duration
}

func NewHostRunner() *HostRunner {
	return &HostRunner{WaitDelay: 5 * time.Second}
}

func (r *HostRunner) Run(ctx context.Context, c Command) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}
	if c.Stdin != "" {
		cmd.Stdin = bytes.NewBufferString(c.Stdin)
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	setProcessGroup(cmd)
	cmd.WaitDelay = r.WaitDelay

	err := cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

var _ CommandRunner = (*HostRunner)(nil)

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/basket/taskrelay/internal/config"
	"github.com/basket/taskrelay/internal/shared"
)

const (
	// PromptPlaceholder in a profile command is replaced by the prompt;
	// without it the prompt goes to stdin.
	PromptPlaceholder = "{prompt}"
	maxResultBytes    = 64 * 1024
	maxStderrTail     = 2 * 1024
)

// ProfileSource looks up an agent's execution profile.
type ProfileSource interface {
	Profile(name string) (config.AgentConfig, bool)
}

// Headless runs agents as non-interactive CLI processes.
type Headless struct {
	profiles       ProfileSource
	runner         CommandRunner
	parser         *OutputParser
	defaultTimeout time.Duration
	logger         *slog.Logger
}

func NewHeadless(profiles ProfileSource, runner CommandRunner, defaultTimeout time.Duration, logger *slog.Logger) (*Headless, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = NewHostRunner()
	}
	parser, err := NewOutputParser()
	if err != nil {
		return nil, err
	}
	return &Headless{
		profiles:       profiles,
		runner:         runner,
		parser:         parser,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}, nil
}

func (h *Headless) Execute(ctx context.Context, req Request) (Result, error) {
	profile, ok := h.profiles.Profile(req.Agent)
	if !ok {
		return Result{}, fmt.Errorf("no execution profile for agent %s", req.Agent)
	}
	if len(profile.Command) == 0 {
		return Result{}, fmt.Errorf("agent %s has an empty command", req.Agent)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = profile.Timeout(h.defaultTimeout)
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := buildCommand(profile, req)
	logger := h.logger.With("agent", req.Agent, "task_id", req.TaskID, "response_id", req.ResponseID,
		"trace_id", shared.TraceID(ctx))
	logger.Info("headless execution started", "command", cmd.Name,
		"args", shared.RedactArgs(profile.Command[1:]), "timeout", timeout.String())
	if len(profile.Env) > 0 {
		logger.Debug("headless execution env", "env", shared.RedactEnv(profile.Env))
	}

	start := time.Now()
	stdout, stderr, err := h.runner.Run(runCtx, cmd)
	elapsed := time.Since(start)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		logger.Warn("headless execution timed out", "elapsed", elapsed.String())
		return Result{Duration: elapsed}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	if ctx.Err() != nil {
		return Result{Duration: elapsed}, fmt.Errorf("execution cancelled: %w", ctx.Err())
	}
	if err != nil {
		tail := shared.Redact(tailString(string(stderr), maxStderrTail))
		if tail != "" {
			return Result{Duration: elapsed}, fmt.Errorf("agent %s exited: %w: %s", req.Agent, err, tail)
		}
		return Result{Duration: elapsed}, fmt.Errorf("agent %s exited: %w", req.Agent, err)
	}

	res := Result{Duration: elapsed}
	if profile.Output == "text" {
		res.Output = truncate(strings.TrimSpace(string(stdout)), maxResultBytes)
		return res, nil
	}
	out, err := h.parser.Parse(string(stdout))
	if err != nil {
		return res, fmt.Errorf("agent %s: %w", req.Agent, err)
	}
	res.SessionID = out.SessionID
	res.Output = truncate(out.Result, maxResultBytes)
	if out.IsError {
		return res, fmt.Errorf("agent %s reported an error: %s", req.Agent, truncate(out.Result, maxStderrTail))
	}
	logger.Info("headless execution finished", "elapsed", elapsed.String(), "session_id", out.SessionID)
	return res, nil
}

func buildCommand(profile config.AgentConfig, req Request) Command {
	args := make([]string, 0, len(profile.Command)-1)
	substituted := false
	for _, a := range profile.Command[1:] {
		if strings.Contains(a, PromptPlaceholder) {
			a = strings.ReplaceAll(a, PromptPlaceholder, req.Prompt)
			substituted = true
		}
		args = append(args, a)
	}
	cmd := Command{
		Name: profile.Command[0],
		Args: args,
		Dir:  profile.Workdir,
		Env:  buildEnv(profile.Env, req),
	}
	if !substituted {
		cmd.Stdin = req.Prompt
	}
	return cmd
}

func buildEnv(extra map[string]string, req Request) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return append(env,
		"TASKRELAY_AGENT="+req.Agent,
		"TASKRELAY_TASK_ID="+req.TaskID,
		"TASKRELAY_RESPONSE_ID="+req.ResponseID,
		"TASKRELAY_ISSUE_REF="+req.IssueRef,
	)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return shared.Truncate(s, n) + "\n[truncated]"
}

func tailString(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return shared.Tail(s, n)
}

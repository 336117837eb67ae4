// Package executor runs a claimed task through an external agent process.
package executor

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout marks an execution that outlived its deadline.
var ErrTimeout = errors.New("execution timed out")

// Request describes one execution of a dispatched task.
type Request struct {
	Agent      string
	TaskID     string
	ResponseID string
	IssueRef   string
	Prompt     string
	// Timeout overrides the agent profile; zero uses the profile or default.
	Timeout time.Duration
}

// Result is what the agent reported back.
type Result struct {
	Output    string
	SessionID string
	Duration  time.Duration
}

// Executor runs a request to completion. Implementations honour ctx
// cancellation and return ErrTimeout (wrapped) when the deadline passes.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Package dispatch hands ready tasks to idle agents and supervises the
// resulting executions.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/taskrelay/internal/approval"
	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/executor"
	"github.com/basket/taskrelay/internal/otel"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/prompt"
	"github.com/basket/taskrelay/internal/shared"
	"github.com/basket/taskrelay/internal/telemetry"
)

// ReasonShuttingDown is reported when the worker pool no longer accepts work.
const ReasonShuttingDown = "shutting_down"

// Result is the outcome of one Dispatch call. Success means a task was
// claimed and handed to the worker pool; otherwise Reason says why not.
type Result struct {
	Success    bool                   `json:"success"`
	Reason     string                 `json:"reason,omitempty"`
	Agent      string                 `json:"agent"`
	TaskID     string                 `json:"task_id,omitempty"`
	IssueRef   string                 `json:"issue_ref,omitempty"`
	Summary    string                 `json:"summary,omitempty"`
	Status     persistence.TaskStatus `json:"status,omitempty"`
	ResponseID string                 `json:"response_id,omitempty"`
}

// Outcome is what an execution produced, handed to the Completer.
type Outcome struct {
	Agent      string
	TaskID     string
	ResponseID string
	Status     persistence.TaskStatus
	Result     string
	Resolution string
	SessionID  string
}

// Completer records execution outcomes. The lifecycle manager implements it
// so completions go through the same path as API completions.
type Completer interface {
	CompleteExecution(ctx context.Context, out Outcome) error
}

// AgentResolver is the registry surface the coordinator needs.
type AgentResolver interface {
	Resolve(ctx context.Context, name string) (*persistence.Agent, error)
	Active(ctx context.Context) ([]persistence.Agent, error)
}

type Config struct {
	WorkerCount int
	Bus         *bus.Bus
	Metrics     *otel.Metrics
	Tracer      trace.Tracer
	Logger      *slog.Logger
}

type Status struct {
	WorkerCount int    `json:"worker_count"`
	InFlight    int    `json:"in_flight"`
	Running     int32  `json:"running"`
	LastError   string `json:"last_error,omitempty"`
}

type Coordinator struct {
	store     *persistence.Store
	agents    AgentResolver
	exec      executor.Executor
	prompts   *prompt.Renderer
	completer Completer
	config    Config
	tracer    trace.Tracer
	logger    *slog.Logger
	locks     AgentLocks

	once sync.Once
	pool *Pool

	// inflight holds every response this process claimed and has not yet
	// resolved. The cancel func is nil until the job gets a worker slot.
	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc

	running   atomic.Int32
	lastError atomic.Pointer[string]
}

func New(store *persistence.Store, agents AgentResolver, exec executor.Executor, prompts *prompt.Renderer, cfg Config) *Coordinator {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if prompts == nil {
		prompts, _ = prompt.NewRenderer("")
	}
	return &Coordinator{
		store:    store,
		agents:   agents,
		exec:     exec,
		prompts:  prompts,
		config:   cfg,
		tracer:   otel.TracerOrNoop(cfg.Tracer),
		logger:   telemetry.Component(cfg.Logger, "dispatch"),
		inflight: make(map[string]context.CancelFunc),
	}
}

// SetCompleter installs the completion callback. Call before Start.
func (c *Coordinator) SetCompleter(cm Completer) {
	c.completer = cm
}

// Start creates the worker pool bound to ctx. Later calls are no-ops.
func (c *Coordinator) Start(ctx context.Context) {
	c.once.Do(func() {
		c.pool = NewPool(ctx, c.config.WorkerCount, c.logger)
	})
}

// LockAgent enters the agent's critical section. Pull-style accepts share it
// with dispatch so the two never race for the same agent.
func (c *Coordinator) LockAgent(agent string) (unlock func()) {
	return c.locks.Lock(agent)
}

type chainedKey struct{}

// WithChained marks ctx as an auto-dispatch hop.
func WithChained(ctx context.Context) context.Context {
	return context.WithValue(ctx, chainedKey{}, true)
}

func isChained(ctx context.Context) bool {
	v, _ := ctx.Value(chainedKey{}).(bool)
	return v
}

// Dispatch claims the oldest ready task for agent and submits it for
// execution. Unknown or inactive agents yield persistence.ErrNotFound; every
// other non-claim is a Result with a Reason, not an error.
func (c *Coordinator) Dispatch(ctx context.Context, agent, issueRef string) (Result, error) {
	ctx = shared.WithAgent(shared.EnsureTraceID(ctx), agent)
	ctx, span := otel.StartSpan(ctx, c.tracer, "dispatch.claim",
		otel.AttrAgent.String(agent),
		otel.AttrIssueRef.String(issueRef),
		otel.AttrChained.Bool(isChained(ctx)),
	)
	defer span.End()

	if _, err := c.agents.Resolve(ctx, agent); err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("dispatch to %s: %w", agent, err)
	}

	if c.pool == nil || c.pool.Closed() {
		return c.report(ctx, span, Result{Agent: agent, Reason: ReasonShuttingDown}), nil
	}

	unlock := c.locks.Lock(agent)
	defer unlock()

	claim, err := c.store.ClaimNextTask(ctx, agent, issueRef, approval.Gate)
	if err != nil {
		otel.FailSpan(span, err, "claim failed")
		c.setLastError(err)
		return Result{}, fmt.Errorf("dispatch to %s: %w", agent, err)
	}
	if claim.Task == nil {
		return c.report(ctx, span, Result{Agent: agent, Reason: claim.Reason}), nil
	}

	task, resp := *claim.Task, *claim.Response
	res := Result{
		Success:    true,
		Agent:      agent,
		TaskID:     task.ID,
		IssueRef:   task.IssueRef,
		Summary:    task.Summary,
		Status:     task.Status,
		ResponseID: resp.ID,
	}

	c.inflightMu.Lock()
	c.inflight[resp.ID] = nil
	c.inflightMu.Unlock()

	text := c.prompts.MustRender(task)
	jobCtx := shared.WithExecution(context.WithoutCancel(ctx), shared.Agent(ctx), task.ID, resp.ID)
	job := func(poolCtx context.Context) {
		c.run(poolCtx, jobCtx, task, resp, text)
	}
	abort := func(err error) {
		c.finish(jobCtx, Outcome{
			Agent:      agent,
			TaskID:     task.ID,
			ResponseID: resp.ID,
			Status:     persistence.TaskStatusFailed,
			Result:     "execution aborted: " + err.Error(),
			Resolution: persistence.ResolutionCancelled,
		}, 0)
	}
	if err := c.pool.Submit(job, abort); err != nil {
		// Lost the race with Drain: resolve the claim now.
		abort(err)
		res.Success = false
		res.Reason = ReasonShuttingDown
		res.Status = persistence.TaskStatusFailed
		return c.report(ctx, span, res), nil
	}

	c.logger.Info("task dispatched", append(shared.LogAttrs(jobCtx), "issue_ref", task.IssueRef)...)
	return c.report(ctx, span, res), nil
}

func (c *Coordinator) report(ctx context.Context, span trace.Span, res Result) Result {
	reason := res.Reason
	if res.Success {
		reason = string(persistence.TaskStatusSent)
	}
	span.SetAttributes(otel.AttrReason.String(reason), otel.AttrTaskID.String(res.TaskID))
	c.config.Metrics.RecordDispatch(ctx, res.Agent, reason)
	if c.config.Bus != nil {
		c.config.Bus.Publish(bus.TopicDispatchAttempted, bus.DispatchEvent{
			Agent:      res.Agent,
			TaskID:     res.TaskID,
			ResponseID: res.ResponseID,
			Success:    res.Success,
			Reason:     reason,
			Chained:    isChained(ctx),
		})
	}
	if !res.Success {
		c.logger.Debug("dispatch skipped", "agent", res.Agent, "reason", reason, "trace_id", shared.TraceID(ctx))
	}
	return res
}

// run executes one claimed task on a worker slot. poolCtx is cancelled on
// forced drain; jobCtx carries the correlation ids.
func (c *Coordinator) run(poolCtx, jobCtx context.Context, task persistence.Task, resp persistence.AgentResponse, text string) {
	execCtx, cancel := context.WithCancel(poolCtx)
	defer cancel()
	execCtx = shared.WithExecution(shared.WithTraceID(execCtx, shared.TraceID(jobCtx)), shared.Agent(jobCtx), task.ID, resp.ID)

	c.inflightMu.Lock()
	c.inflight[resp.ID] = cancel
	c.inflightMu.Unlock()

	c.running.Add(1)
	defer c.running.Add(-1)
	c.config.Metrics.AddInFlight(jobCtx, 1)
	defer c.config.Metrics.AddInFlight(jobCtx, -1)

	spanCtx, span := otel.StartClientSpan(execCtx, c.tracer, "dispatch.execute", otel.ExecutionAttrs(execCtx)...)
	defer span.End()

	start := time.Now()
	result, err := c.exec.Execute(spanCtx, executor.Request{
		Agent:      resp.AgentName,
		TaskID:     task.ID,
		ResponseID: resp.ID,
		IssueRef:   task.IssueRef,
		Prompt:     text,
	})
	elapsed := time.Since(start)

	out := Outcome{
		Agent:      resp.AgentName,
		TaskID:     task.ID,
		ResponseID: resp.ID,
		SessionID:  result.SessionID,
	}
	switch {
	case err == nil:
		out.Status = persistence.TaskStatusCompleted
		out.Resolution = persistence.ResolutionSucceeded
		out.Result = result.Output
	case errors.Is(err, executor.ErrTimeout):
		out.Status = persistence.TaskStatusFailed
		out.Resolution = persistence.ResolutionTimeout
		out.Result = err.Error()
	case poolCtx.Err() != nil:
		out.Status = persistence.TaskStatusFailed
		out.Resolution = persistence.ResolutionCancelled
		out.Result = "execution cancelled during shutdown"
	case execCtx.Err() != nil:
		out.Status = persistence.TaskStatusFailed
		out.Resolution = persistence.ResolutionCancelled
		out.Result = "execution aborted by operator"
	default:
		out.Status = persistence.TaskStatusFailed
		out.Resolution = persistence.ResolutionFailed
		out.Result = err.Error()
	}
	if err != nil {
		otel.FailSpan(span, err, out.Resolution)
	}
	c.finish(jobCtx, out, elapsed)
}

// finish hands the outcome to the completer and releases the in-flight slot.
func (c *Coordinator) finish(ctx context.Context, out Outcome, elapsed time.Duration) {
	defer func() {
		c.inflightMu.Lock()
		delete(c.inflight, out.ResponseID)
		c.inflightMu.Unlock()
	}()

	logger := telemetry.WithContext(ctx, c.logger)
	var err error
	if c.completer != nil {
		err = c.completer.CompleteExecution(ctx, out)
	} else {
		_, err = c.store.CompleteTask(ctx, persistence.CompleteParams{
			TaskID:     out.TaskID,
			Outcome:    out.Status,
			Result:     out.Result,
			Resolution: out.Resolution,
			SessionID:  out.SessionID,
		})
	}
	if err != nil {
		c.setLastError(err)
		logger.Error("recording execution outcome failed", "resolution", out.Resolution, "error", err)
	} else {
		logger.Info("execution finished", "resolution", out.Resolution, "elapsed", elapsed.String())
	}

	c.config.Metrics.RecordExecution(ctx, out.Agent, out.Resolution, elapsed.Seconds())
	if c.config.Bus != nil {
		c.config.Bus.Publish(bus.TopicExecutionFinished, bus.ExecutionFinishedEvent{
			Agent:      out.Agent,
			TaskID:     out.TaskID,
			ResponseID: out.ResponseID,
			Resolution: out.Resolution,
			DurationMS: elapsed.Milliseconds(),
		})
	}
}

// Sweep dispatches once for every active agent.
func (c *Coordinator) Sweep(ctx context.Context) []Result {
	agents, err := c.agents.Active(ctx)
	if err != nil {
		c.setLastError(err)
		c.logger.Error("dispatch sweep: list agents failed", "error", err)
		return nil
	}
	var out []Result
	for _, a := range agents {
		res, err := c.Dispatch(ctx, a.Name, "")
		if err != nil {
			c.logger.Warn("dispatch sweep failed for agent", "agent", a.Name, "error", err)
			continue
		}
		out = append(out, res)
	}
	return out
}

// InFlight returns the response ids owned by this process.
func (c *Coordinator) InFlight() map[string]struct{} {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	out := make(map[string]struct{}, len(c.inflight))
	for id := range c.inflight {
		out[id] = struct{}{}
	}
	return out
}

// Abort cancels a running execution. It reports false when the response is
// not running in this process.
func (c *Coordinator) Abort(responseID string) bool {
	c.inflightMu.Lock()
	cancel, ok := c.inflight[responseID]
	c.inflightMu.Unlock()
	if !ok || cancel == nil {
		return false
	}
	cancel()
	return true
}

// Drain stops accepting dispatches, waits up to timeout for executions, then
// cancels the rest. Cancelled executions are recorded as failed.
func (c *Coordinator) Drain(timeout time.Duration) bool {
	if c.pool == nil {
		return true
	}
	return c.pool.Drain(timeout)
}

func (c *Coordinator) Status() Status {
	c.inflightMu.Lock()
	n := len(c.inflight)
	c.inflightMu.Unlock()
	st := Status{WorkerCount: c.config.WorkerCount, InFlight: n, Running: c.running.Load()}
	if p := c.lastError.Load(); p != nil {
		st.LastError = *p
	}
	return st
}

func (c *Coordinator) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	c.lastError.Store(&msg)
}

// Package lifecycle owns the task state machine operations exposed to
// agents and operators: create, approve, cancel, complete, notify, accept
// and reopen, plus the one-hop auto-dispatch after a completion.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/taskrelay/internal/approval"
	"github.com/basket/taskrelay/internal/audit"
	"github.com/basket/taskrelay/internal/dispatch"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/prompt"
	"github.com/basket/taskrelay/internal/shared"
	"github.com/basket/taskrelay/internal/telemetry"
)

// Dispatcher is the coordinator surface the manager needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, agent, issueRef string) (dispatch.Result, error)
	LockAgent(agent string) (unlock func())
}

// AgentChecker reports whether a name is a known, active agent.
type AgentChecker interface {
	Known(ctx context.Context, name string) (bool, error)
}

type CreateRequest struct {
	SourceAgent      string `json:"source_agent,omitempty"`
	TargetAgent      string `json:"target_agent,omitempty"`
	Content          string `json:"content"`
	RequiresApproval bool   `json:"requires_approval"`
	IssueRef         string `json:"issue_ref,omitempty"`
}

type CreateResult struct {
	Task     *persistence.Task `json:"task"`
	Reopened bool              `json:"reopened"`
}

// CompletionResult carries the completed task and, for a completed outcome,
// the auto-dispatch that followed it.
type CompletionResult struct {
	Task *persistence.Task `json:"task"`
	Next *dispatch.Result  `json:"next,omitempty"`
}

type Manager struct {
	store      *persistence.Store
	agents     AgentChecker
	dispatcher Dispatcher
	prompts    *prompt.Renderer
	logger     *slog.Logger
}

func NewManager(store *persistence.Store, agents AgentChecker, dispatcher Dispatcher, prompts *prompt.Renderer, logger *slog.Logger) *Manager {
	if prompts == nil {
		prompts, _ = prompt.NewRenderer("")
	}
	return &Manager{
		store:      store,
		agents:     agents,
		dispatcher: dispatcher,
		prompts:    prompts,
		logger:     telemetry.Component(logger, "lifecycle"),
	}
}

func (m *Manager) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return CreateResult{}, fmt.Errorf("%w: task content is empty", persistence.ErrValidation)
	}
	target := strings.TrimSpace(req.TargetAgent)
	if target != "" {
		ok, err := m.agents.Known(ctx, target)
		if err != nil {
			return CreateResult{}, err
		}
		if !ok {
			return CreateResult{}, fmt.Errorf("%w: unknown or inactive agent %q", persistence.ErrValidation, target)
		}
	}
	task, reopened, err := m.store.CreateTask(ctx, persistence.NewTask{
		IssueRef:         strings.TrimSpace(req.IssueRef),
		Summary:          content,
		CreatedByAgent:   strings.TrimSpace(req.SourceAgent),
		TargetAgent:      target,
		RequiresApproval: req.RequiresApproval,
	})
	if err != nil {
		return CreateResult{}, err
	}
	m.log(ctx, task.ID).Info("task created", "issue_ref", task.IssueRef, "target_agent", task.TargetAgent,
		"requires_approval", task.RequiresApproval, "reopened", reopened)
	return CreateResult{Task: task, Reopened: reopened}, nil
}

func (m *Manager) Approve(ctx context.Context, taskID string) (*persistence.Task, error) {
	task, err := m.store.ApproveTask(ctx, taskID)
	if err != nil {
		audit.RecordContext(ctx, audit.Deny, "task.approve", err.Error(), taskID)
		return nil, err
	}
	audit.RecordContext(ctx, audit.Allow, "task.approve", "operator approval", taskID)
	m.log(ctx, taskID).Info("task approved")
	return task, nil
}

func (m *Manager) Cancel(ctx context.Context, taskID string) (*persistence.Task, error) {
	task, err := m.store.CancelTask(ctx, taskID)
	if err != nil {
		audit.RecordContext(ctx, audit.Deny, "task.cancel", err.Error(), taskID)
		return nil, err
	}
	audit.RecordContext(ctx, audit.Allow, "task.cancel", "cancelled before delivery", taskID)
	m.log(ctx, taskID).Info("task cancelled")
	return task, nil
}

// CompleteWithResult records an outcome for a sent task. A completed outcome
// triggers exactly one dispatch for the same agent.
func (m *Manager) CompleteWithResult(ctx context.Context, taskID, result string, outcome persistence.TaskStatus) (CompletionResult, error) {
	task, err := m.store.CompleteTask(ctx, persistence.CompleteParams{
		TaskID:  taskID,
		Outcome: outcome,
		Result:  result,
	})
	if err != nil {
		return CompletionResult{}, err
	}
	m.log(ctx, taskID).Info("task finished", "outcome", outcome, "agent", task.TargetAgent)
	return CompletionResult{Task: task, Next: m.chain(ctx, task)}, nil
}

// CompleteExecution is the worker pool's completion callback. When the task
// already left sent (the agent reported through the API, or an operator
// intervened) only the agent response is closed.
func (m *Manager) CompleteExecution(ctx context.Context, out dispatch.Outcome) error {
	resp, err := m.store.GetAgentResponse(ctx, out.ResponseID)
	if err != nil {
		return err
	}
	if resp.Status != persistence.ResponseStatusInProgress {
		m.log(ctx, out.TaskID).Info("execution finished after response was closed", "resolution", resp.Resolution)
		return nil
	}

	task, err := m.store.CompleteTask(ctx, persistence.CompleteParams{
		TaskID:     out.TaskID,
		Outcome:    out.Status,
		Result:     out.Result,
		Resolution: out.Resolution,
		SessionID:  out.SessionID,
	})
	if errors.Is(err, persistence.ErrInvalidState) {
		if _, err := m.store.CloseAgentResponse(ctx, out.ResponseID, out.Resolution, out.Result, out.SessionID); err != nil {
			return fmt.Errorf("close response %s: %w", out.ResponseID, err)
		}
		return nil
	}
	if err != nil {
		return err
	}
	if err := m.store.RecordTaskSend(ctx, task.ID, out.Agent, persistence.DeliveryPush, truncateResult(out.Result)); err != nil {
		m.log(ctx, task.ID).Warn("record executor reply failed", "error", err)
	}
	m.chain(ctx, task)
	return nil
}

// chain runs the auto-dispatch hop after a completed outcome. Failures are
// logged; the completion itself already succeeded.
func (m *Manager) chain(ctx context.Context, task *persistence.Task) *dispatch.Result {
	if m.dispatcher == nil || task.Status != persistence.TaskStatusCompleted || task.TargetAgent == "" {
		return nil
	}
	res, err := m.dispatcher.Dispatch(dispatch.WithChained(ctx), task.TargetAgent, "")
	if err != nil {
		m.log(ctx, task.ID).Warn("auto-dispatch after completion failed", "agent", task.TargetAgent, "error", err)
		return nil
	}
	m.log(ctx, task.ID).Info("auto-dispatch after completion", "agent", task.TargetAgent,
		"success", res.Success, "reason", res.Reason, "next_task_id", res.TaskID)
	return &res
}

// Notify tells the target agent about a ready task without handing it over
// and returns the prompt to deliver.
func (m *Manager) Notify(ctx context.Context, taskID string) (string, error) {
	task, err := m.store.MarkNotified(ctx, taskID, approval.Gate)
	if err != nil {
		return "", err
	}
	m.log(ctx, taskID).Info("task notified", "agent", task.TargetAgent)
	return m.prompts.Render(*task)
}

// Accept is the agent pulling a ready task itself. It shares the per-agent
// critical section with dispatch.
func (m *Manager) Accept(ctx context.Context, taskID string) (string, error) {
	current, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if current.TargetAgent != "" && m.dispatcher != nil {
		unlock := m.dispatcher.LockAgent(current.TargetAgent)
		defer unlock()
	}
	task, _, err := m.store.AcceptTask(ctx, taskID, approval.Gate)
	if err != nil {
		return "", err
	}
	m.log(ctx, taskID).Info("task accepted", "agent", task.TargetAgent)
	return m.prompts.Render(*task)
}

// Reopen moves a terminal task back to pending; reopening a pending task is
// a no-op.
func (m *Manager) Reopen(ctx context.Context, taskID string) (*persistence.Task, error) {
	task, changed, err := m.store.ReopenTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if changed {
		audit.RecordContext(ctx, audit.Allow, "task.reopen", "operator reopen", taskID)
		m.log(ctx, taskID).Info("task reopened")
	}
	return task, nil
}

func (m *Manager) Get(ctx context.Context, taskID string) (*persistence.Task, error) {
	return m.store.GetTask(ctx, taskID)
}

func (m *Manager) List(ctx context.Context, filter persistence.TaskFilter) ([]persistence.Task, error) {
	return m.store.ListTasks(ctx, filter)
}

func (m *Manager) Events(ctx context.Context, taskID string) ([]persistence.TaskEvent, error) {
	if _, err := m.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return m.store.ListTaskEvents(ctx, taskID)
}

func (m *Manager) log(ctx context.Context, taskID string) *slog.Logger {
	return telemetry.WithContext(shared.WithTaskID(ctx, taskID), m.logger)
}

// maxResultLen caps the agent output copied into task_sends.response.
const maxResultLen = 4096

func truncateResult(s string) string {
	return shared.Truncate(s, maxResultLen)
}

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/basket/taskrelay/internal/bus"
	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusApproved  TaskStatus = "approved"
	TaskStatusSent      TaskStatus = "sent"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusBlocked   TaskStatus = "blocked"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further work happens on a task in this state
// without an explicit reopen.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusBlocked, TaskStatusCancelled:
		return true
	}
	return false
}

// Outcome reports whether s is a legal completion outcome.
func (s TaskStatus) Outcome() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusBlocked:
		return true
	}
	return false
}

var terminalStatuses = []TaskStatus{
	TaskStatusCompleted, TaskStatusFailed, TaskStatusBlocked, TaskStatusCancelled,
}

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusApproved:  {},
		TaskStatusSent:      {},
		TaskStatusCancelled: {},
	},
	TaskStatusApproved: {
		TaskStatusSent:      {},
		TaskStatusCancelled: {},
	},
	TaskStatusSent: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusBlocked:   {},
		TaskStatusPending:   {}, // Orphan reset.
	},
	TaskStatusCompleted: {TaskStatusPending: {}},
	TaskStatusFailed:    {TaskStatusPending: {}},
	TaskStatusBlocked:   {TaskStatusPending: {}},
	TaskStatusCancelled: {TaskStatusPending: {}},
}

// Delivery methods recorded in task_sends.
const (
	DeliveryPush   = "push"
	DeliveryPull   = "pull"
	DeliveryNotify = "notify"
)

// Claim reasons returned by ClaimNextTask when nothing was claimed.
const (
	ReasonAgentBusy      = "agent_busy"
	ReasonNoPendingTasks = "no_pending_tasks"
	ReasonNotApproved    = "not_approved"
)

type Task struct {
	ID               string     `json:"id"`
	IssueRef         string     `json:"issue_ref,omitempty"`
	Summary          string     `json:"summary"`
	CreatedByAgent   string     `json:"created_by_agent,omitempty"`
	TargetAgent      string     `json:"target_agent,omitempty"`
	Status           TaskStatus `json:"status"`
	RequiresApproval bool       `json:"requires_approval"`
	Result           string     `json:"result,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`
	NotifiedAt       *time.Time `json:"notified_at,omitempty"`
	SentAt           *time.Time `json:"sent_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Gate decides whether a ready task may be handed to an agent.
type Gate func(Task) bool

// NewTask carries the caller-supplied fields of a task.
type NewTask struct {
	IssueRef         string
	Summary          string
	CreatedByAgent   string
	TargetAgent      string
	RequiresApproval bool
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Status      TaskStatus
	TargetAgent string
	Limit       int
}

// ClaimResult is the outcome of one claim attempt. Task and Response are set
// only when a task was claimed; otherwise Reason explains why not.
type ClaimResult struct {
	Task     *Task
	Response *AgentResponse
	Reason   string
}

// CompleteParams describes a completion. Resolution and SessionID annotate the
// agent response closed alongside the task; Resolution defaults to
// ResolutionTaskCompleted.
type CompleteParams struct {
	TaskID     string
	Outcome    TaskStatus
	Result     string
	Resolution string
	SessionID  string
}

const taskColumns = `id, issue_ref, summary, created_by_agent, target_agent, status,
	requires_approval, result, created_at, approved_at, notified_at, sent_at,
	completed_at, updated_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var issueRef, createdBy, target, result sql.NullString
	var approvedAt, notifiedAt, sentAt, completedAt sql.NullString
	var createdAt, updatedAt string
	var requiresApproval int
	if err := scanFn(
		&task.ID,
		&issueRef,
		&task.Summary,
		&createdBy,
		&target,
		&task.Status,
		&requiresApproval,
		&result,
		&createdAt,
		&approvedAt,
		&notifiedAt,
		&sentAt,
		&completedAt,
		&updatedAt,
	); err != nil {
		return err
	}
	task.IssueRef = issueRef.String
	task.CreatedByAgent = createdBy.String
	task.TargetAgent = target.String
	task.Result = result.String
	task.RequiresApproval = requiresApproval != 0
	task.CreatedAt = parseTimestamp(createdAt)
	task.UpdatedAt = parseTimestamp(updatedAt)
	task.ApprovedAt = parseNullTimestamp(approvedAt)
	task.NotifiedAt = parseNullTimestamp(notifiedAt)
	task.SentAt = parseNullTimestamp(sentAt)
	task.CompletedAt = parseNullTimestamp(completedAt)
	return nil
}

func getTask(ctx context.Context, q queryer, taskID string) (*Task, error) {
	var task Task
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// taskUpdate lists the column side effects of a transition.
type taskUpdate struct {
	stamp  []string // columns set to the current time
	clear  bool     // reopen: drop approval, delivery and completion data
	result *string
	target string // bind target_agent when non-empty
}

const (
	colApprovedAt  = "approved_at"
	colSentAt      = "sent_at"
	colCompletedAt = "completed_at"
)

func (s *Store) transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	allowedFrom []TaskStatus,
	to TaskStatus,
	eventType string,
	payload string,
	upd taskUpdate,
) (TaskStatus, error) {
	var current TaskStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return "", fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return current, fmt.Errorf("%w: task %s is %s, cannot move to %s", ErrInvalidState, taskID, current, to)
	}
	if !canTransition(current, to) {
		return current, fmt.Errorf("%w: illegal transition %s -> %s", ErrInvalidState, current, to)
	}

	now := s.timestamp()
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{to, now}
	if upd.clear {
		sets = append(sets, "approved_at = NULL", "notified_at = NULL", "sent_at = NULL",
			"completed_at = NULL", "result = NULL")
	}
	for _, col := range upd.stamp {
		sets = append(sets, col+" = ?")
		args = append(args, now)
	}
	if upd.result != nil {
		sets = append(sets, "result = ?")
		args = append(args, *upd.result)
	}
	if upd.target != "" {
		sets = append(sets, "target_agent = ?")
		args = append(args, upd.target)
	}
	args = append(args, taskID, current)

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?;`, args...)
	if err != nil {
		return current, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return current, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return current, fmt.Errorf("%w: task %s changed concurrently", ErrInvalidState, taskID)
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, current, to, eventType, payload); err != nil {
		return current, err
	}
	return current, nil
}

func (s *Store) publishTransition(task *Task, from TaskStatus) {
	if s.bus == nil || task == nil {
		return
	}
	s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:      task.ID,
		IssueRef:    task.IssueRef,
		TargetAgent: task.TargetAgent,
		OldStatus:   string(from),
		NewStatus:   string(task.Status),
	})
}

// CreateTask inserts a pending task. When an issue reference is already bound
// to a terminal task, that task is reopened in place with the new fields and
// reopened is true. A non-terminal binding yields ErrConflict.
func (s *Store) CreateTask(ctx context.Context, in NewTask) (task *Task, reopened bool, err error) {
	if strings.TrimSpace(in.Summary) == "" {
		return nil, false, fmt.Errorf("%w: task content is empty", ErrValidation)
	}
	var from TaskStatus
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		reopened = false
		from = ""
		taskID := ""
		if in.IssueRef != "" {
			var existingID string
			var existingStatus TaskStatus
			err := tx.QueryRowContext(ctx, `SELECT id, status FROM tasks WHERE issue_ref = ?;`, in.IssueRef).
				Scan(&existingID, &existingStatus)
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return fmt.Errorf("lookup issue ref: %w", err)
			case !existingStatus.Terminal():
				return fmt.Errorf("%w: issue %s already bound to %s task %s", ErrConflict, in.IssueRef, existingStatus, existingID)
			default:
				if _, err := tx.ExecContext(ctx, `
					UPDATE tasks
					SET summary = ?, created_by_agent = NULLIF(?, ''), target_agent = NULLIF(?, ''),
						requires_approval = ?, updated_at = ?
					WHERE id = ?;
				`, in.Summary, in.CreatedByAgent, in.TargetAgent, boolToInt(in.RequiresApproval), s.timestamp(), existingID); err != nil {
					return fmt.Errorf("refresh reopened task: %w", err)
				}
				if _, err := s.transitionTaskTx(ctx, tx, existingID, terminalStatuses, TaskStatusPending,
					"task.reopened", `{"reason":"issue_ref_upsert"}`, taskUpdate{clear: true}); err != nil {
					return err
				}
				taskID = existingID
				from = existingStatus
				reopened = true
			}
		}

		if taskID == "" {
			taskID = uuid.NewString()
			now := s.timestamp()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (id, issue_ref, summary, created_by_agent, target_agent, status,
					requires_approval, created_at, updated_at)
				VALUES (?, NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?);
			`, taskID, in.IssueRef, in.Summary, in.CreatedByAgent, in.TargetAgent, TaskStatusPending,
				boolToInt(in.RequiresApproval), now, now); err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: issue %s already bound", ErrConflict, in.IssueRef)
				}
				return fmt.Errorf("insert task: %w", err)
			}
			if err := s.appendTaskEventTx(ctx, tx, taskID, "", TaskStatusPending, "task.created", "{}"); err != nil {
				return err
			}
		}

		created, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create task tx: %w", err)
		}
		task = created
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	s.publishTransition(task, from)
	return task, reopened, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	return getTask(ctx, s.db, taskID)
}

func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.TargetAgent != "" {
		where = append(where, "target_agent = ?")
		args = append(args, filter.TargetAgent)
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: iterate: %w", err)
	}
	return out, nil
}

// mutateTask runs a single transition in its own transaction and returns the
// updated row.
func (s *Store) mutateTask(ctx context.Context, taskID string, allowedFrom []TaskStatus, to TaskStatus, eventType string, upd taskUpdate) (*Task, error) {
	var task *Task
	var from TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s tx: %w", eventType, err)
		}
		defer func() { _ = tx.Rollback() }()

		from, err = s.transitionTaskTx(ctx, tx, taskID, allowedFrom, to, eventType, "{}", upd)
		if err != nil {
			return err
		}
		updated, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s tx: %w", eventType, err)
		}
		task = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishTransition(task, from)
	return task, nil
}

func (s *Store) ApproveTask(ctx context.Context, taskID string) (*Task, error) {
	return s.mutateTask(ctx, taskID, []TaskStatus{TaskStatusPending}, TaskStatusApproved,
		"task.approved", taskUpdate{stamp: []string{colApprovedAt}})
}

func (s *Store) CancelTask(ctx context.Context, taskID string) (*Task, error) {
	return s.mutateTask(ctx, taskID, []TaskStatus{TaskStatusPending, TaskStatusApproved}, TaskStatusCancelled,
		"task.cancelled", taskUpdate{})
}

// ReopenTask moves a terminal task back to pending. A task that is already
// pending is returned unchanged with changed=false.
func (s *Store) ReopenTask(ctx context.Context, taskID string) (task *Task, changed bool, err error) {
	current, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	if current.Status == TaskStatusPending {
		return current, false, nil
	}
	task, err = s.mutateTask(ctx, taskID, terminalStatuses, TaskStatusPending, "task.reopened",
		taskUpdate{clear: true})
	if err != nil {
		return nil, false, err
	}
	return task, true, nil
}

// MarkNotified records that the task's agent was told about it. notified_at is
// set once; later calls only append a notify send.
func (s *Store) MarkNotified(ctx context.Context, taskID string, gate Gate) (*Task, error) {
	var task *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin notify tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := checkDeliverable(current, gate); err != nil {
			return err
		}
		now := s.timestamp()
		if current.NotifiedAt == nil {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET notified_at = ?, updated_at = ? WHERE id = ?;
			`, now, now, taskID); err != nil {
				return fmt.Errorf("set notified_at: %w", err)
			}
			if err := s.appendTaskEventTx(ctx, tx, taskID, current.Status, current.Status, "task.notified", "{}"); err != nil {
				return err
			}
		}
		if err := s.insertTaskSendTx(ctx, tx, taskID, current.TargetAgent, DeliveryNotify, ""); err != nil {
			return err
		}
		updated, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit notify tx: %w", err)
		}
		task = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func checkDeliverable(task *Task, gate Gate) error {
	if task.Status != TaskStatusPending && task.Status != TaskStatusApproved {
		return fmt.Errorf("%w: task %s is %s", ErrInvalidState, task.ID, task.Status)
	}
	if gate != nil && !gate(*task) {
		return fmt.Errorf("%w: task %s awaits approval", ErrInvalidState, task.ID)
	}
	return nil
}

// AcceptTask is the pull-delivery claim: the agent takes the task itself.
// When the task names a target agent an in-progress response is opened for
// it, so a busy agent cannot accept a second task.
func (s *Store) AcceptTask(ctx context.Context, taskID string, gate Gate) (*Task, *AgentResponse, error) {
	var task *Task
	var resp *AgentResponse
	var from TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin accept tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := checkDeliverable(current, gate); err != nil {
			return err
		}
		resp = nil
		if current.TargetAgent != "" {
			resp, err = s.openResponseTx(ctx, tx, current.TargetAgent, taskID)
			if err != nil {
				if errors.Is(err, ErrAgentBusy) {
					return fmt.Errorf("%w: %w", ErrInvalidState, err)
				}
				return err
			}
		}
		from, err = s.transitionTaskTx(ctx, tx, taskID, []TaskStatus{TaskStatusPending, TaskStatusApproved},
			TaskStatusSent, "task.accepted", "{}", taskUpdate{stamp: []string{colSentAt}})
		if err != nil {
			return err
		}
		if err := s.insertTaskSendTx(ctx, tx, taskID, current.TargetAgent, DeliveryPull, ""); err != nil {
			return err
		}
		updated, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit accept tx: %w", err)
		}
		task = updated
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.publishTransition(task, from)
	return task, resp, nil
}

// ClaimNextTask is the store half of dispatch: in one transaction it checks
// the agent is idle, picks the oldest deliverable task (created_at, then id)
// addressed to the agent or unassigned, opens an in-progress response and
// moves the task to sent.
func (s *Store) ClaimNextTask(ctx context.Context, agentName, issueRefFilter string, gate Gate) (ClaimResult, error) {
	var out ClaimResult
	err := retryOnBusy(ctx, 5, func() error {
		out = ClaimResult{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		busy, err := agentBusy(ctx, tx, agentName)
		if err != nil {
			return err
		}
		if busy {
			out.Reason = ReasonAgentBusy
			return nil
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks
			WHERE status IN (?, ?)
			  AND (target_agent = ? OR target_agent IS NULL)
			  AND (? = '' OR issue_ref = ?)
			ORDER BY created_at ASC, id ASC;
		`, TaskStatusPending, TaskStatusApproved, agentName, issueRefFilter, issueRefFilter)
		if err != nil {
			return fmt.Errorf("select claim candidates: %w", err)
		}
		var candidates []Task
		for rows.Next() {
			var t Task
			if err := scanTask(rows.Scan, &t); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan claim candidate: %w", err)
			}
			candidates = append(candidates, t)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close claim candidates: %w", err)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate claim candidates: %w", err)
		}

		var chosen *Task
		for i := range candidates {
			if gate == nil || gate(candidates[i]) {
				chosen = &candidates[i]
				break
			}
		}
		if chosen == nil {
			if len(candidates) > 0 {
				out.Reason = ReasonNotApproved
			} else {
				out.Reason = ReasonNoPendingTasks
			}
			return nil
		}

		resp, err := s.openResponseTx(ctx, tx, agentName, chosen.ID)
		if err != nil {
			if errors.Is(err, ErrAgentBusy) {
				out.Reason = ReasonAgentBusy
				return nil
			}
			return err
		}
		from, err := s.transitionTaskTx(ctx, tx, chosen.ID, []TaskStatus{TaskStatusPending, TaskStatusApproved},
			TaskStatusSent, "task.dispatched", fmt.Sprintf(`{"response_id":%q}`, resp.ID),
			taskUpdate{stamp: []string{colSentAt}, target: agentName})
		if err != nil {
			return err
		}
		if err := s.insertTaskSendTx(ctx, tx, chosen.ID, agentName, DeliveryPush, ""); err != nil {
			return err
		}
		claimed, err := getTask(ctx, tx, chosen.ID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		out.Task = claimed
		out.Response = resp
		s.publishTransition(claimed, from)
		return nil
	})
	if err != nil {
		return ClaimResult{}, err
	}
	return out, nil
}

// CompleteTask records the outcome of a sent task and closes the task's
// in-progress agent response in the same transaction.
func (s *Store) CompleteTask(ctx context.Context, p CompleteParams) (*Task, error) {
	if !p.Outcome.Outcome() {
		return nil, fmt.Errorf("%w: outcome %q must be completed, failed or blocked", ErrValidation, p.Outcome)
	}
	resolution := p.Resolution
	if resolution == "" {
		resolution = ResolutionTaskCompleted
	}
	var task *Task
	var from TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		result := p.Result
		from, err = s.transitionTaskTx(ctx, tx, p.TaskID, []TaskStatus{TaskStatusSent}, p.Outcome,
			"task."+string(p.Outcome), "{}", taskUpdate{stamp: []string{colCompletedAt}, result: &result})
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agent_responses
			SET status = ?, completed_at = ?, resolution = ?,
				session_id = CASE WHEN ? != '' THEN ? ELSE session_id END
			WHERE task_id = ? AND status = ?;
		`, ResponseStatusCompleted, s.timestamp(), resolution, p.SessionID, p.SessionID,
			p.TaskID, ResponseStatusInProgress); err != nil {
			return fmt.Errorf("close task responses: %w", err)
		}
		updated, err := getTask(ctx, tx, p.TaskID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit complete tx: %w", err)
		}
		task = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishTransition(task, from)
	return task, nil
}

// TaskCounts returns the number of tasks in each status.
func (s *Store) TaskCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("task counts: %w", err)
	}
	defer rows.Close()
	out := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/taskrelay/internal/bus"
	"github.com/google/uuid"
)

type ResponseStatus string

const (
	ResponseStatusInProgress ResponseStatus = "in_progress"
	ResponseStatusCompleted  ResponseStatus = "completed"
)

// Resolutions explain why a response was closed.
const (
	ResolutionSucceeded       = "succeeded"
	ResolutionFailed          = "failed"
	ResolutionTimeout         = "timeout"
	ResolutionCancelled       = "cancelled"
	ResolutionTaskCompleted   = "task_completed"
	ResolutionOrphanCompleted = "orphan_completed"
	ResolutionOrphanReset     = "orphan_reset"
	ResolutionOrphanIgnored   = "orphan_ignored"
)

// Orphan actions a human may take on a stuck response.
type OrphanAction string

const (
	OrphanActionComplete OrphanAction = "complete"
	OrphanActionReset    OrphanAction = "reset"
	OrphanActionIgnore   OrphanAction = "ignore"
)

func (a OrphanAction) Valid() bool {
	switch a {
	case OrphanActionComplete, OrphanActionReset, OrphanActionIgnore:
		return true
	}
	return false
}

// AgentResponse is one execution attempt by an agent. An agent is busy
// exactly while it has a response in progress.
type AgentResponse struct {
	ID          string         `json:"id"`
	AgentName   string         `json:"agent_name"`
	TaskID      string         `json:"task_id,omitempty"`
	Status      ResponseStatus `json:"status"`
	SessionID   string         `json:"session_id,omitempty"`
	Resolution  string         `json:"resolution,omitempty"`
	Detail      string         `json:"detail,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// OrphanRow pairs a stuck response with its linked task, when there is one.
type OrphanRow struct {
	Response AgentResponse `json:"response"`
	Task     *Task         `json:"task,omitempty"`
}

// OrphanResolution reports what ResolveOrphan did. Changed is false when the
// response had already been closed.
type OrphanResolution struct {
	Response AgentResponse `json:"response"`
	Task     *Task         `json:"task,omitempty"`
	Changed  bool          `json:"changed"`
}

const responseColumns = `id, agent_name, task_id, status, session_id, resolution, detail, started_at, completed_at`

func scanResponse(scanFn func(dest ...any) error, r *AgentResponse) error {
	var taskID, completedAt sql.NullString
	var startedAt string
	if err := scanFn(&r.ID, &r.AgentName, &taskID, &r.Status, &r.SessionID, &r.Resolution,
		&r.Detail, &startedAt, &completedAt); err != nil {
		return err
	}
	r.TaskID = taskID.String
	r.StartedAt = parseTimestamp(startedAt)
	r.CompletedAt = parseNullTimestamp(completedAt)
	return nil
}

func getResponse(ctx context.Context, q queryer, id string) (*AgentResponse, error) {
	var r AgentResponse
	row := q.QueryRowContext(ctx, `SELECT `+responseColumns+` FROM agent_responses WHERE id = ?;`, id)
	if err := scanResponse(row.Scan, &r); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent response %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get agent response: %w", err)
	}
	return &r, nil
}

func agentBusy(ctx context.Context, q queryer, agentName string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agent_responses WHERE agent_name = ? AND status = ?;
	`, agentName, ResponseStatusInProgress).Scan(&n); err != nil {
		return false, fmt.Errorf("check agent busy: %w", err)
	}
	return n > 0, nil
}

// openResponseTx inserts an in-progress response. The partial unique index
// turns a second concurrent insert for the same agent into ErrAgentBusy.
func (s *Store) openResponseTx(ctx context.Context, tx *sql.Tx, agentName, taskID string) (*AgentResponse, error) {
	resp := &AgentResponse{
		ID:        uuid.NewString(),
		AgentName: agentName,
		TaskID:    taskID,
		Status:    ResponseStatusInProgress,
	}
	now := s.timestamp()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agent_responses (id, agent_name, task_id, status, started_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?);
	`, resp.ID, agentName, taskID, ResponseStatusInProgress, now); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("agent %s: %w", agentName, ErrAgentBusy)
		}
		return nil, fmt.Errorf("insert agent response: %w", err)
	}
	resp.StartedAt = parseTimestamp(now)
	return resp, nil
}

func (s *Store) closeResponseTx(ctx context.Context, tx *sql.Tx, id, resolution, detail, sessionID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE agent_responses
		SET status = ?, completed_at = ?, resolution = ?, detail = ?,
			session_id = CASE WHEN ? != '' THEN ? ELSE session_id END
		WHERE id = ? AND status = ?;
	`, ResponseStatusCompleted, s.timestamp(), resolution, detail, sessionID, sessionID,
		id, ResponseStatusInProgress)
	if err != nil {
		return false, fmt.Errorf("close agent response: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close agent response rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) GetAgentResponse(ctx context.Context, id string) (*AgentResponse, error) {
	return getResponse(ctx, s.db, id)
}

// IsAgentBusy reports whether the agent has an in-progress response.
func (s *Store) IsAgentBusy(ctx context.Context, agentName string) (bool, error) {
	return agentBusy(ctx, s.db, agentName)
}

// InProgressCount counts in-progress responses for an agent. The schema keeps
// it at most one.
func (s *Store) InProgressCount(ctx context.Context, agentName string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agent_responses WHERE agent_name = ? AND status = ?;
	`, agentName, ResponseStatusInProgress).Scan(&n); err != nil {
		return 0, fmt.Errorf("count in-progress responses: %w", err)
	}
	return n, nil
}

// CloseAgentResponse closes an in-progress response without touching its
// task. It returns false when the response was already closed.
func (s *Store) CloseAgentResponse(ctx context.Context, id, resolution, detail, sessionID string) (bool, error) {
	var closed bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin close response tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := getResponse(ctx, tx, id); err != nil {
			return err
		}
		closed, err = s.closeResponseTx(ctx, tx, id, resolution, detail, sessionID)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err == nil && closed && s.bus != nil {
		s.bus.Publish(bus.TopicResponseClosed, bus.ResponseClosedEvent{ResponseID: id, Resolution: resolution})
	}
	return closed, err
}

// ListAgentResponses returns the newest responses first, optionally for one agent.
func (s *Store) ListAgentResponses(ctx context.Context, agentName string, limit int) ([]AgentResponse, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+responseColumns+`
		FROM agent_responses
		WHERE (? = '' OR agent_name = ?)
		ORDER BY started_at DESC, id DESC
		LIMIT ?;
	`, agentName, agentName, limit)
	if err != nil {
		return nil, fmt.Errorf("list agent responses: %w", err)
	}
	defer rows.Close()
	var out []AgentResponse
	for rows.Next() {
		var r AgentResponse
		if err := scanResponse(rows.Scan, &r); err != nil {
			return nil, fmt.Errorf("scan agent response: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListOrphanedResponses returns in-progress responses with no completion time,
// oldest first, skipping ids in exclude (executions this process still owns).
func (s *Store) ListOrphanedResponses(ctx context.Context, exclude map[string]struct{}) ([]OrphanRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+responseColumns+`
		FROM agent_responses
		WHERE status = ? AND completed_at IS NULL
		ORDER BY started_at ASC, id ASC;
	`, ResponseStatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("list orphaned responses: %w", err)
	}
	var responses []AgentResponse
	for rows.Next() {
		var r AgentResponse
		if err := scanResponse(rows.Scan, &r); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan orphaned response: %w", err)
		}
		if _, skip := exclude[r.ID]; skip {
			continue
		}
		responses = append(responses, r)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close orphaned responses: %w", err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orphaned responses: %w", err)
	}

	out := make([]OrphanRow, 0, len(responses))
	for _, r := range responses {
		row := OrphanRow{Response: r}
		if r.TaskID != "" {
			task, err := s.GetTask(ctx, r.TaskID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return nil, err
			}
			row.Task = task
		}
		out = append(out, row)
	}
	return out, nil
}

// ResolveOrphan applies a human decision to a stuck response. The response is
// always closed; complete also completes a sent task, reset reopens the task
// to pending, ignore leaves it alone. Resolving a closed response is a no-op.
func (s *Store) ResolveOrphan(ctx context.Context, responseID string, action OrphanAction) (OrphanResolution, error) {
	if !action.Valid() {
		return OrphanResolution{}, fmt.Errorf("%w: unknown orphan action %q", ErrValidation, action)
	}
	var out OrphanResolution
	var from TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		out = OrphanResolution{}
		from = ""
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin resolve orphan tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		resp, err := getResponse(ctx, tx, responseID)
		if err != nil {
			return err
		}
		if resp.Status != ResponseStatusInProgress {
			out.Response = *resp
			if resp.TaskID != "" {
				out.Task, _ = getTask(ctx, tx, resp.TaskID)
			}
			return nil
		}

		resolution := map[OrphanAction]string{
			OrphanActionComplete: ResolutionOrphanCompleted,
			OrphanActionReset:    ResolutionOrphanReset,
			OrphanActionIgnore:   ResolutionOrphanIgnored,
		}[action]
		if _, err := s.closeResponseTx(ctx, tx, responseID, resolution, "resolved after crash recovery", ""); err != nil {
			return err
		}

		if resp.TaskID != "" {
			task, err := getTask(ctx, tx, resp.TaskID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			payload := fmt.Sprintf(`{"response_id":%q,"action":%q}`, responseID, action)
			switch {
			case task == nil:
			case action == OrphanActionComplete && task.Status == TaskStatusSent:
				result := "marked completed during crash recovery"
				if from, err = s.transitionTaskTx(ctx, tx, task.ID, []TaskStatus{TaskStatusSent}, TaskStatusCompleted,
					"task.completed", payload, taskUpdate{stamp: []string{colCompletedAt}, result: &result}); err != nil {
					return err
				}
			case action == OrphanActionReset && (task.Status == TaskStatusSent || task.Status.Terminal()):
				allowed := append([]TaskStatus{TaskStatusSent}, terminalStatuses...)
				if from, err = s.transitionTaskTx(ctx, tx, task.ID, allowed, TaskStatusPending,
					"task.reset", payload, taskUpdate{clear: true}); err != nil {
					return err
				}
			}
			if task != nil {
				out.Task, err = getTask(ctx, tx, task.ID)
				if err != nil {
					return err
				}
			}
		}

		closed, err := getResponse(ctx, tx, responseID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit resolve orphan tx: %w", err)
		}
		out.Response = *closed
		out.Changed = true
		return nil
	})
	if err != nil {
		return OrphanResolution{}, err
	}
	if out.Changed && s.bus != nil {
		s.bus.Publish(bus.TopicResponseClosed, bus.ResponseClosedEvent{
			ResponseID: responseID,
			AgentName:  out.Response.AgentName,
			TaskID:     out.Response.TaskID,
			Resolution: out.Response.Resolution,
		})
		if from != "" {
			s.publishTransition(out.Task, from)
		}
	}
	return out, nil
}

package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/taskrelay/internal/shared"
)

// TaskEvent is one row of the append-only task audit ledger.
type TaskEvent struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	TraceID   string     `json:"trace_id"`
	EventType string     `json:"event_type"`
	StateFrom TaskStatus `json:"state_from,omitempty"`
	StateTo   TaskStatus `json:"state_to"`
	Payload   string     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

// TaskSend records one delivery attempt. Informational only.
type TaskSend struct {
	ID             int64     `json:"id"`
	TaskID         string    `json:"task_id"`
	AgentID        string    `json:"agent_id"`
	SentAt         time.Time `json:"sent_at"`
	DeliveryMethod string    `json:"delivery_method"`
	Response       string    `json:"response,omitempty"`
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?);
	`, taskID, shared.TraceID(ctx), eventType, string(from), string(to), payload, s.timestamp())
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

func (s *Store) insertTaskSendTx(ctx context.Context, tx *sql.Tx, taskID, agentID, method, response string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_sends (task_id, agent_id, sent_at, delivery_method, response)
		VALUES (?, ?, ?, ?, ?);
	`, taskID, agentID, s.timestamp(), method, response); err != nil {
		return fmt.Errorf("insert task_send: %w", err)
	}
	return nil
}

// RecordTaskSend appends a delivery record outside any transition, e.g. the
// executor's reply for a pushed task.
func (s *Store) RecordTaskSend(ctx context.Context, taskID, agentID, method, response string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin task send tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := s.insertTaskSendTx(ctx, tx, taskID, agentID, method, response); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, trace_id, event_type, COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()
	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		var createdAt string
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.TraceID, &ev.EventType, &ev.StateFrom,
			&ev.StateTo, &ev.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.CreatedAt = parseTimestamp(createdAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) ListTaskSends(ctx context.Context, taskID string) ([]TaskSend, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, agent_id, sent_at, delivery_method, response
		FROM task_sends
		WHERE task_id = ?
		ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task sends: %w", err)
	}
	defer rows.Close()
	var out []TaskSend
	for rows.Next() {
		var ts TaskSend
		var sentAt string
		if err := rows.Scan(&ts.ID, &ts.TaskID, &ts.AgentID, &sentAt, &ts.DeliveryMethod, &ts.Response); err != nil {
			return nil, fmt.Errorf("scan task send: %w", err)
		}
		ts.SentAt = parseTimestamp(sentAt)
		out = append(out, ts)
	}
	return out, rows.Err()
}

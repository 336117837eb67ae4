package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// --- Agent CRUD ---

type Agent struct {
	Name      string    `json:"name"`
	Label     string    `json:"label"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertAgent creates the agent or refreshes its label and active flag.
func (s *Store) UpsertAgent(ctx context.Context, a Agent) error {
	name := strings.TrimSpace(a.Name)
	if name == "" {
		return fmt.Errorf("%w: agent name must be non-empty", ErrValidation)
	}
	now := s.timestamp()
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (name, label, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				label = excluded.label,
				is_active = excluded.is_active,
				updated_at = excluded.updated_at;
		`, name, a.Label, boolToInt(a.IsActive), now, now)
		if err != nil {
			return fmt.Errorf("upsert agent: %w", err)
		}
		return nil
	})
}

func (s *Store) GetAgent(ctx context.Context, name string) (*Agent, error) {
	var a Agent
	var active int
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT name, label, is_active, created_at, updated_at FROM agents WHERE name = ?;
	`, name).Scan(&a.Name, &a.Label, &active, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	a.IsActive = active != 0
	a.CreatedAt = parseTimestamp(createdAt)
	a.UpdatedAt = parseTimestamp(updatedAt)
	return &a, nil
}

// ListAgents returns all agents ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, label, is_active, created_at, updated_at FROM agents ORDER BY name ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		var a Agent
		var active int
		var createdAt, updatedAt string
		if err := rows.Scan(&a.Name, &a.Label, &active, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.IsActive = active != 0
		a.CreatedAt = parseTimestamp(createdAt)
		a.UpdatedAt = parseTimestamp(updatedAt)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents: iterate: %w", err)
	}
	return out, nil
}

// SetAgentActive soft-enables or soft-disables an agent.
func (s *Store) SetAgentActive(ctx context.Context, name string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET is_active = ?, updated_at = ? WHERE name = ?;
	`, boolToInt(active), s.timestamp(), name)
	if err != nil {
		return fmt.Errorf("set agent active: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set agent active rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("agent %s: %w", name, ErrNotFound)
	}
	return nil
}

// BusyAgentCount returns how many agents currently hold an in-progress response.
func (s *Store) BusyAgentCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT agent_name) FROM agent_responses WHERE status = ?;
	`, ResponseStatusInProgress).Scan(&n); err != nil {
		return 0, fmt.Errorf("busy agent count: %w", err)
	}
	return n, nil
}

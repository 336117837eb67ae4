package persistence

import (
	"context"
	"fmt"

	"github.com/basket/taskrelay/internal/audit"
)

// migration is one schema version. Statements must be idempotent: an
// upgrade replays every version up to the latest, which also repairs a
// ledger whose tables were lost.
type migration struct {
	version  int
	checksum string
	stmts    []string
}

var migrations = []migration{
	{
		version:  1,
		checksum: "tr-v1-2026-09-28-tasks-responses",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS agents (
				name TEXT PRIMARY KEY,
				label TEXT NOT NULL DEFAULT '',
				is_active INTEGER NOT NULL DEFAULT 1,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				issue_ref TEXT UNIQUE,
				summary TEXT NOT NULL,
				created_by_agent TEXT,
				target_agent TEXT,
				status TEXT NOT NULL CHECK(status IN ('pending','approved','sent','completed','failed','blocked','cancelled')),
				requires_approval INTEGER NOT NULL DEFAULT 0,
				result TEXT,
				created_at TEXT NOT NULL,
				approved_at TEXT,
				notified_at TEXT,
				sent_at TEXT,
				completed_at TEXT,
				updated_at TEXT NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS agent_responses (
				id TEXT PRIMARY KEY,
				agent_name TEXT NOT NULL,
				task_id TEXT REFERENCES tasks(id),
				status TEXT NOT NULL CHECK(status IN ('in_progress','completed')),
				session_id TEXT NOT NULL DEFAULT '',
				resolution TEXT NOT NULL DEFAULT '',
				detail TEXT NOT NULL DEFAULT '',
				started_at TEXT NOT NULL,
				completed_at TEXT
			);`,
			`CREATE TABLE IF NOT EXISTS task_sends (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id TEXT NOT NULL REFERENCES tasks(id),
				agent_id TEXT NOT NULL DEFAULT '',
				sent_at TEXT NOT NULL,
				delivery_method TEXT NOT NULL,
				response TEXT NOT NULL DEFAULT ''
			);`,
			`CREATE TABLE IF NOT EXISTS task_events (
				event_id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id TEXT NOT NULL REFERENCES tasks(id),
				trace_id TEXT NOT NULL DEFAULT '-',
				event_type TEXT NOT NULL,
				state_from TEXT,
				state_to TEXT NOT NULL,
				payload_json TEXT NOT NULL DEFAULT '{}',
				created_at TEXT NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS audit_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				trace_id TEXT NOT NULL DEFAULT '',
				subject TEXT NOT NULL DEFAULT '',
				action TEXT NOT NULL,
				decision TEXT NOT NULL,
				reason TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at, id);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_target_status ON tasks(target_agent, status);`,
			`CREATE INDEX IF NOT EXISTS idx_agent_responses_task ON agent_responses(task_id);`,
			`CREATE INDEX IF NOT EXISTS idx_agent_responses_status ON agent_responses(status, started_at);`,
			`CREATE INDEX IF NOT EXISTS idx_task_events_task_event_id ON task_events(task_id, event_id);`,
			`CREATE INDEX IF NOT EXISTS idx_task_sends_task ON task_sends(task_id, id);`,
		},
	},
	{
		// One in-progress response per agent. A v1 database already holding
		// two for the same agent fails here and the upgrade rolls back.
		version:  2,
		checksum: "tr-v2-2026-10-06-busy-index",
		stmts: []string{
			`CREATE UNIQUE INDEX IF NOT EXISTS ux_agent_responses_in_progress ON agent_responses(agent_name) WHERE status = 'in_progress';`,
		},
	},
}

func latestMigration() migration {
	return migrations[len(migrations)-1]
}

// migrate brings the schema to the latest version in one transaction. The
// checksum of the recorded version must match, so an edited migration is
// caught instead of silently diverging.
func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	latest := latestMigration()
	if current > latest.version {
		return fmt.Errorf("db schema version %d is newer than supported %d", current, latest.version)
	}
	if current > 0 {
		var got string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, current).Scan(&got); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if want := migrations[current-1].checksum; got != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", current, got, want)
		}
	}
	if current == latest.version {
		return tx.Commit()
	}

	for _, m := range migrations {
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema v%d: %w", m.version, err)
			}
		}
		if m.version <= current {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);`,
			m.version, m.checksum); err != nil {
			return fmt.Errorf("record schema v%d: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	audit.Record(audit.Allow, "data.migration", "migration_applied",
		fmt.Sprintf("schema migrated from v%d to v%d (checksum %s)", current, latest.version, latest.checksum))
	return nil
}

// Package audit keeps the operator-facing record of human and system
// decisions: approvals, cancellations, orphan resolutions, startup fatals.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/taskrelay/internal/shared"
)

// FileName is the append-only JSONL file under <home>/logs.
const FileName = "audit.jsonl"

// Decision is the outcome recorded for an audited action.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
	Fatal Decision = "fatal"
)

type entry struct {
	Timestamp string   `json:"timestamp"`
	TraceID   string   `json:"trace_id,omitempty"`
	Agent     string   `json:"agent,omitempty"`
	Decision  Decision `json:"decision"`
	Action    string   `json:"action"`
	Reason    string   `json:"reason"`
	Subject   string   `json:"subject,omitempty"`
}

// sink fans entries out to the JSONL file and, once the store is open, the
// audit_log table. Either may be absent.
type sink struct {
	mu   sync.Mutex
	file *os.File
	db   *sql.DB
	now  func() time.Time
}

var std = &sink{now: time.Now}

// Init opens <home>/logs/audit.jsonl. Calling it again is a no-op until Close.
func Init(homeDir string) error {
	std.mu.Lock()
	defer std.mu.Unlock()
	if std.file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	std.file = f
	return nil
}

// SetDB enables audit_log rows. Pass nil before closing the store.
func SetDB(d *sql.DB) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.db = d
}

func Close() error {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.db = nil
	if std.file == nil {
		return nil
	}
	err := std.file.Close()
	std.file = nil
	return err
}

// Record writes an entry with no trace correlation.
func Record(decision Decision, action, reason, subject string) {
	RecordContext(context.Background(), decision, action, reason, subject)
}

// RecordContext writes an entry tagged with the trace_id and agent carried
// by ctx. Write failures are dropped; auditing never fails the caller.
func RecordContext(ctx context.Context, decision Decision, action, reason, subject string) {
	e := entry{
		Agent:    shared.Agent(ctx),
		Decision: decision,
		Action:   action,
		Reason:   shared.Redact(reason),
		Subject:  shared.Redact(subject),
	}
	if id := shared.TraceID(ctx); id != "-" {
		e.TraceID = id
	}
	// A cancelled request still gets its row.
	std.write(context.WithoutCancel(ctx), e)
}

func (s *sink) write(ctx context.Context, e entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.Timestamp = s.now().UTC().Format(time.RFC3339Nano)
	if s.file != nil {
		if b, err := json.Marshal(e); err == nil {
			_, _ = s.file.Write(append(b, '\n'))
		}
	}
	if s.db != nil {
		_, _ = s.db.ExecContext(ctx, `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason)
			VALUES (?, ?, ?, ?, ?);
		`, e.TraceID, e.Subject, e.Action, string(e.Decision), e.Reason)
	}
}

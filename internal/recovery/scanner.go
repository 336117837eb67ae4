// Package recovery finds agent responses left in progress by a previous
// process and lets an operator resolve them. It never resolves anything on
// its own.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/taskrelay/internal/audit"
	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/issues"
	"github.com/basket/taskrelay/internal/notify"
	"github.com/basket/taskrelay/internal/otel"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/shared"
	"github.com/basket/taskrelay/internal/telemetry"
)

// DefaultGrace is how long Start waits before the first scan.
const DefaultGrace = 10 * time.Second

// ExternalStateUnknown is reported when the issue tracker lookup fails.
const ExternalStateUnknown = "unknown"

// InFlightSource reports the response ids the running coordinator owns.
type InFlightSource interface {
	InFlight() map[string]struct{}
}

// OrphanReport describes one stuck response.
type OrphanReport struct {
	AgentResponseID string                 `json:"agent_response_id"`
	AgentName       string                 `json:"agent_name"`
	TaskID          string                 `json:"task_id,omitempty"`
	TaskStatus      persistence.TaskStatus `json:"task_status,omitempty"`
	IssueRef        string                 `json:"issue_ref,omitempty"`
	Summary         string                 `json:"summary,omitempty"`
	ExternalState   string                 `json:"external_state,omitempty"`
	StartedAt       time.Time              `json:"started_at"`
}

type Config struct {
	Grace   time.Duration
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

type Scanner struct {
	store    *persistence.Store
	inflight InFlightSource
	resolver issues.Resolver
	sink     notify.Sink
	config   Config
	tracer   trace.Tracer
	logger   *slog.Logger
}

// New builds a scanner. inflight may be nil when no coordinator runs in this
// process (the CLI); resolver and sink default to no-ops.
func New(store *persistence.Store, inflight InFlightSource, resolver issues.Resolver, sink notify.Sink, cfg Config) *Scanner {
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if resolver == nil {
		resolver = issues.None{}
	}
	logger := telemetry.Component(cfg.Logger, "recovery")
	if sink == nil {
		sink = notify.LogSink{Logger: logger}
	}
	return &Scanner{
		store:    store,
		inflight: inflight,
		resolver: resolver,
		sink:     sink,
		config:   cfg,
		tracer:   otel.TracerOrNoop(cfg.Tracer),
		logger:   logger,
	}
}

// Start runs one Scan after the grace delay. The delay lets executions that
// were handed out during startup register before anything is called an
// orphan. The returned channel closes once the scan ran or ctx ended.
func (s *Scanner) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		timer := time.NewTimer(s.config.Grace)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if _, err := s.Scan(ctx); err != nil {
			s.logger.Error("startup orphan scan failed", "error", err)
		}
	}()
	return done
}

// ListOrphaned returns in-progress responses not owned by this process,
// oldest first, with the linked issue's external state when there is one.
func (s *Scanner) ListOrphaned(ctx context.Context) ([]OrphanReport, error) {
	var exclude map[string]struct{}
	if s.inflight != nil {
		exclude = s.inflight.InFlight()
	}
	rows, err := s.store.ListOrphanedResponses(ctx, exclude)
	if err != nil {
		return nil, fmt.Errorf("list orphaned responses: %w", err)
	}
	out := make([]OrphanReport, 0, len(rows))
	for _, row := range rows {
		rep := OrphanReport{
			AgentResponseID: row.Response.ID,
			AgentName:       row.Response.AgentName,
			TaskID:          row.Response.TaskID,
			StartedAt:       row.Response.StartedAt,
		}
		if row.Task != nil {
			rep.TaskStatus = row.Task.Status
			rep.IssueRef = row.Task.IssueRef
			rep.Summary = row.Task.Summary
		}
		if rep.IssueRef != "" {
			state, err := s.resolver.Status(ctx, rep.IssueRef)
			if err != nil {
				s.logger.Warn("issue state lookup failed", "issue_ref", rep.IssueRef, "error", err)
				state = ExternalStateUnknown
			}
			rep.ExternalState = state
		}
		out = append(out, rep)
	}
	return out, nil
}

// Scan lists orphans and reports each one plus a summary.
func (s *Scanner) Scan(ctx context.Context) ([]OrphanReport, error) {
	ctx = shared.EnsureTraceID(ctx)
	ctx, span := otel.StartSpan(ctx, s.tracer, "recovery.scan")
	defer span.End()

	reports, err := s.ListOrphaned(ctx)
	if err != nil {
		otel.FailSpan(span, err, "scan failed")
		return nil, err
	}
	s.config.Metrics.RecordOrphans(ctx, len(reports))
	if len(reports) == 0 {
		s.logger.Info("orphan scan found nothing")
		return reports, nil
	}

	for _, rep := range reports {
		s.publish(bus.TopicOrphanDetected, rep, "")
		s.notify(ctx, notify.Message{
			Severity: notify.SeverityWarning,
			Title:    "Orphaned agent response",
			Body:     describe(rep),
		})
	}
	s.notify(ctx, summary("Orphan scan", reports))
	s.logger.Warn("orphaned responses found", "count", len(reports))
	return reports, nil
}

// Remind re-sends the summary while orphans remain unresolved.
func (s *Scanner) Remind(ctx context.Context) error {
	reports, err := s.ListOrphaned(ctx)
	if err != nil {
		return err
	}
	s.config.Metrics.RecordOrphans(ctx, len(reports))
	if len(reports) == 0 {
		return nil
	}
	s.notify(ctx, summary("Orphan reminder", reports))
	return nil
}

// running reports whether responseID is executing in this process. Such a
// response is not an orphan and must not be resolved.
func (s *Scanner) running(responseID string) bool {
	if s.inflight == nil {
		return false
	}
	_, ok := s.inflight.InFlight()[responseID]
	return ok
}

// Resolve applies an operator decision. Resolving a response that is already
// closed changes nothing and reports Changed=false. A response still running
// in this process is refused with ErrInvalidState.
func (s *Scanner) Resolve(ctx context.Context, responseID string, action persistence.OrphanAction) (persistence.OrphanResolution, error) {
	ctx = shared.WithResponseID(shared.EnsureTraceID(ctx), responseID)
	ctx, span := otel.StartSpan(ctx, s.tracer, "recovery.resolve",
		otel.AttrResponseID.String(responseID),
		otel.AttrOrphanAction.String(string(action)),
	)
	defer span.End()

	if s.running(responseID) {
		err := fmt.Errorf("%w: response %s is running; abort it instead", persistence.ErrInvalidState, responseID)
		otel.FailSpan(span, err, "response in flight")
		audit.RecordContext(ctx, audit.Deny, "orphan.resolve", fmt.Sprintf("%s: %v", action, err), responseID)
		return persistence.OrphanResolution{}, err
	}

	res, err := s.store.ResolveOrphan(ctx, responseID, action)
	if err != nil {
		otel.FailSpan(span, err, "resolve failed")
		audit.RecordContext(ctx, audit.Deny, "orphan.resolve", fmt.Sprintf("%s: %v", action, err), responseID)
		return persistence.OrphanResolution{}, err
	}

	logger := telemetry.WithContext(ctx, s.logger)
	if !res.Changed {
		audit.RecordContext(ctx, audit.Allow, "orphan.resolve", fmt.Sprintf("%s: already closed (%s)", action, res.Response.Resolution), responseID)
		logger.Info("orphan already resolved", "resolution", res.Response.Resolution)
		return res, nil
	}

	audit.RecordContext(ctx, audit.Allow, "orphan.resolve", string(action), responseID)
	s.config.Metrics.RecordOrphanResolved(ctx, string(action))
	rep := OrphanReport{
		AgentResponseID: res.Response.ID,
		AgentName:       res.Response.AgentName,
		TaskID:          res.Response.TaskID,
		StartedAt:       res.Response.StartedAt,
	}
	if res.Task != nil {
		rep.TaskStatus = res.Task.Status
		rep.IssueRef = res.Task.IssueRef
	}
	s.publish(bus.TopicOrphanResolved, rep, string(action))
	logger.Info("orphan resolved", "action", action, "agent", res.Response.AgentName, "task_id", res.Response.TaskID)
	return res, nil
}

func (s *Scanner) notify(ctx context.Context, msg notify.Message) {
	if err := s.sink.Notify(ctx, msg); err != nil {
		s.logger.Warn("orphan notification failed", "title", msg.Title, "error", err)
	}
}

func (s *Scanner) publish(topic string, rep OrphanReport, action string) {
	if s.config.Bus == nil {
		return
	}
	s.config.Bus.Publish(topic, bus.OrphanEvent{
		ResponseID:    rep.AgentResponseID,
		Agent:         rep.AgentName,
		TaskID:        rep.TaskID,
		IssueRef:      rep.IssueRef,
		ExternalState: rep.ExternalState,
		Action:        action,
	})
}

func describe(rep OrphanReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "agent %s response %s in progress since %s",
		rep.AgentName, rep.AgentResponseID, rep.StartedAt.UTC().Format(time.RFC3339))
	if rep.TaskID != "" {
		fmt.Fprintf(&b, "\ntask %s (%s)", rep.TaskID, rep.TaskStatus)
	}
	if rep.IssueRef != "" {
		state := rep.ExternalState
		if state == "" {
			state = "n/a"
		}
		fmt.Fprintf(&b, "\nissue %s: %s", rep.IssueRef, state)
	}
	fmt.Fprintf(&b, "\nresolve with: taskrelay orphans resolve %s complete|reset|ignore", rep.AgentResponseID)
	return b.String()
}

func summary(title string, reports []OrphanReport) notify.Message {
	agents := make(map[string]int)
	for _, r := range reports {
		agents[r.AgentName]++
	}
	parts := make([]string, 0, len(agents))
	for name, n := range agents {
		parts = append(parts, fmt.Sprintf("%s=%d", name, n))
	}
	slices.Sort(parts)
	return notify.Message{
		Severity: notify.SeverityWarning,
		Title:    title,
		Body:     fmt.Sprintf("%d orphaned response(s) awaiting resolution: %s", len(reports), strings.Join(parts, ", ")),
	}
}

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/taskrelay/internal/dispatch"
	"github.com/basket/taskrelay/internal/lifecycle"
	"github.com/basket/taskrelay/internal/otel"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/recovery"
	"github.com/basket/taskrelay/internal/shared"
	"github.com/basket/taskrelay/internal/telemetry"
)

type completeRequest struct {
	Result  string `json:"result"`
	Outcome string `json:"outcome"`
}

type dispatchRequest struct {
	IssueRef string `json:"issue_ref"`
}

type resolveRequest struct {
	Action string `json:"action"`
}

type promptResponse struct {
	TaskID string `json:"task_id"`
	Prompt string `json:"prompt"`
}

type agentView struct {
	persistence.Agent
	Busy bool `json:"busy"`
}

// decodeBody reads an optional JSON body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: decode request body: %v", persistence.ErrValidation, err)
	}
	return nil
}

// writeStoreError maps domain sentinels onto HTTP status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
	case errors.Is(err, persistence.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, persistence.ErrInvalidState),
		errors.Is(err, persistence.ErrConflict),
		errors.Is(err, persistence.ErrAgentBusy):
		writeError(w, http.StatusConflict, err.Error())
	default:
		telemetry.WithContext(r.Context(), s.logger).Error("api request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	ctx := shared.EnsureTraceID(r.Context())
	ctx, span := otel.StartServerSpan(ctx, s.tracer, "api.tasks.create", otel.AttrHTTPRoute.String("POST /api/tasks"))
	defer span.End()

	var req lifecycle.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	res, err := s.cfg.Lifecycle.Create(ctx, req)
	if err != nil {
		otel.FailSpan(span, err, "create failed")
		s.writeStoreError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Reopened {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := persistence.TaskFilter{
		Status:      persistence.TaskStatus(q.Get("status")),
		TargetAgent: q.Get("agent"),
		Limit:       50,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	tasks, err := s.cfg.Lifecycle.List(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Lifecycle.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events, err := s.cfg.Lifecycle.Events(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	sends, err := s.cfg.Store.ListTaskSends(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if events == nil {
		events = []persistence.TaskEvent{}
	}
	if sends == nil {
		sends = []persistence.TaskSend{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "events": events, "sends": sends})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	ctx := shared.EnsureTraceID(r.Context())
	task, err := s.cfg.Lifecycle.Approve(ctx, r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := shared.EnsureTraceID(r.Context())
	task, err := s.cfg.Lifecycle.Cancel(ctx, r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	ctx := shared.EnsureTraceID(r.Context())
	id := r.PathValue("id")
	ctx, span := otel.StartServerSpan(ctx, s.tracer, "api.tasks.complete",
		otel.AttrHTTPRoute.String("POST /api/tasks/{id}/complete"),
		otel.AttrTaskID.String(id),
	)
	defer span.End()

	var req completeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	outcome := persistence.TaskStatusCompleted
	if req.Outcome != "" {
		outcome = persistence.TaskStatus(strings.ToLower(strings.TrimSpace(req.Outcome)))
	}
	res, err := s.cfg.Lifecycle.CompleteWithResult(ctx, id, req.Result, outcome)
	if err != nil {
		otel.FailSpan(span, err, "complete failed")
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	text, err := s.cfg.Lifecycle.Notify(shared.EnsureTraceID(r.Context()), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, promptResponse{TaskID: id, Prompt: text})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	text, err := s.cfg.Lifecycle.Accept(shared.EnsureTraceID(r.Context()), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, promptResponse{TaskID: id, Prompt: text})
}

func (s *Server) handleReopen(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Lifecycle.Reopen(shared.EnsureTraceID(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.cfg.Registry.List(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	out := make([]agentView, 0, len(agents))
	for _, a := range agents {
		busy, err := s.cfg.Store.IsAgentBusy(r.Context(), a.Name)
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		out = append(out, agentView{Agent: a, Busy: busy})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatcher not running")
		return
	}
	var req dispatchRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	res, err := s.cfg.Dispatcher.Dispatch(shared.EnsureTraceID(r.Context()), r.PathValue("name"), strings.TrimSpace(req.IssueRef))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Success {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Server) handleListOrphans(w http.ResponseWriter, r *http.Request) {
	reports, err := s.cfg.Recovery.ListOrphaned(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if reports == nil {
		reports = []recovery.OrphanReport{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orphans": reports})
}

func (s *Server) handleResolveOrphan(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	action := persistence.OrphanAction(strings.ToLower(strings.TrimSpace(req.Action)))
	res, err := s.cfg.Recovery.Resolve(r.Context(), r.PathValue("id"), action)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

var _ Dispatcher = (*dispatch.Coordinator)(nil)

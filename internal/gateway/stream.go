package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/persistence"
)

// streamSSEEvent represents a single SSE event sent to the client.
type streamSSEEvent struct {
	Type       string `json:"type"`
	TaskID     string `json:"task_id"`
	Status     string `json:"status,omitempty"`
	From       string `json:"from,omitempty"`
	Agent      string `json:"agent,omitempty"`
	ResponseID string `json:"response_id,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// handleTaskStream implements GET /api/tasks/{id}/stream. It sends the
// current status first, then every state change and dispatch attempt for
// the task, and closes once the task reaches a terminal status.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming not available: event bus not configured")
		return
	}
	taskID := r.PathValue("id")

	// Subscribe before reading the task so no transition falls in between.
	sub := s.cfg.Bus.Subscribe("task.", "dispatch.")
	defer s.cfg.Bus.Unsubscribe(sub)

	task, err := s.cfg.Lifecycle.Get(r.Context(), taskID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(ev streamSSEEvent) bool {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("sse: marshal event", "error", err)
			return true
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			s.logger.Debug("sse: write failed", "task_id", taskID, "error", err)
			return false
		}
		flusher.Flush()
		return true
	}

	if !send(streamSSEEvent{Type: "status", TaskID: taskID, Status: string(task.Status), Agent: task.TargetAgent}) {
		return
	}
	if task.Status.Terminal() {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: client disconnected", "task_id", taskID)
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			if bus.TaskIDOf(event) != taskID {
				continue
			}
			var ev streamSSEEvent
			switch p := event.Payload.(type) {
			case bus.TaskStateChangedEvent:
				ev = streamSSEEvent{Type: "status", TaskID: taskID, Status: p.NewStatus, From: p.OldStatus, Agent: p.TargetAgent}
			case bus.DispatchEvent:
				ev = streamSSEEvent{Type: "dispatch", TaskID: taskID, Agent: p.Agent, ResponseID: p.ResponseID}
			case bus.ExecutionFinishedEvent:
				ev = streamSSEEvent{Type: "execution", TaskID: taskID, Agent: p.Agent, ResponseID: p.ResponseID, Resolution: p.Resolution}
			default:
				continue
			}
			if !send(ev) {
				return
			}
			if ev.Type == "status" && persistence.TaskStatus(ev.Status).Terminal() {
				return
			}
		}
	}
}

package bus

// Dispatch and recovery topics.
const (
	TopicDispatchAttempted = "dispatch.attempted"
	TopicExecutionFinished = "dispatch.execution_finished"
	TopicOrphanDetected    = "recovery.orphan_detected"
	TopicOrphanResolved    = "recovery.orphan_resolved"
	TopicNotification      = "notify.message"
)

// DispatchEvent is published for every dispatch attempt, claimed or not.
type DispatchEvent struct {
	Agent      string `json:"agent"`
	TaskID     string `json:"task_id"`     // empty when nothing was claimed
	ResponseID string `json:"response_id"`
	Success    bool   `json:"success"`
	Reason     string `json:"reason"`      // agent_busy, no_pending_tasks, not_approved; empty on success
	Chained    bool   `json:"chained"`     // true when triggered by a completion
}

// ExecutionFinishedEvent is published when a headless execution returns.
type ExecutionFinishedEvent struct {
	Agent      string `json:"agent"`
	TaskID     string `json:"task_id"`
	ResponseID string `json:"response_id"`
	Resolution string `json:"resolution"`
	DurationMS int64  `json:"duration_ms"`
}

// OrphanEvent is published by the recovery scanner.
type OrphanEvent struct {
	ResponseID    string `json:"response_id"`
	Agent         string `json:"agent"`
	TaskID        string `json:"task_id"`
	IssueRef      string `json:"issue_ref"`
	ExternalState string `json:"external_state"`
	Action        string `json:"action"`         // set on resolution only
}

// NotificationEvent mirrors a message sent through the notification sinks.
type NotificationEvent struct {
	Severity string `json:"severity"` // "info", "warning", or "error"
	Title    string `json:"title"`
	Body     string `json:"body"`
}

// TaskIDOf returns the task an event concerns, or "" when it has none.
func TaskIDOf(ev Event) string {
	switch p := ev.Payload.(type) {
	case TaskStateChangedEvent:
		return p.TaskID
	case ResponseClosedEvent:
		return p.TaskID
	case DispatchEvent:
		return p.TaskID
	case ExecutionFinishedEvent:
		return p.TaskID
	case OrphanEvent:
		return p.TaskID
	}
	return ""
}

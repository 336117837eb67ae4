package bus

import (
	"strings"
	"testing"
	"time"
)

func TestTopics_UniqueAndPrefixed(t *testing.T) {
	topics := []string{
		TopicTaskStateChanged,
		TopicResponseClosed,
		TopicDispatchAttempted,
		TopicExecutionFinished,
		TopicOrphanDetected,
		TopicOrphanResolved,
		TopicNotification,
	}
	seen := map[string]bool{}
	for _, topic := range topics {
		if topic == "" {
			t.Fatal("empty topic constant")
		}
		if seen[topic] {
			t.Fatalf("duplicate topic %q", topic)
		}
		seen[topic] = true
		if !strings.Contains(topic, ".") {
			t.Fatalf("topic %q has no namespace prefix", topic)
		}
	}
}

func TestBus_DispatchPrefixSeesExecutionEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe("dispatch.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicOrphanDetected, OrphanEvent{ResponseID: "r-1"})
	b.Publish(TopicExecutionFinished, ExecutionFinishedEvent{Agent: "claude", TaskID: "t-1", Resolution: "succeeded"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicExecutionFinished {
			t.Fatalf("topic = %q, want %q", ev.Topic, TopicExecutionFinished)
		}
		payload, ok := ev.Payload.(ExecutionFinishedEvent)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if payload.Agent != "claude" || payload.TaskID != "t-1" {
			t.Fatalf("unexpected payload: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for execution event")
	}
}

func TestTaskIDOf(t *testing.T) {
	tests := []struct {
		payload any
		want    string
	}{
		{TaskStateChangedEvent{TaskID: "t-1"}, "t-1"},
		{ResponseClosedEvent{TaskID: "t-2"}, "t-2"},
		{DispatchEvent{TaskID: "t-3"}, "t-3"},
		{ExecutionFinishedEvent{TaskID: "t-4"}, "t-4"},
		{OrphanEvent{TaskID: "t-5"}, "t-5"},
		{DispatchEvent{Agent: "claude", Reason: "no_pending_tasks"}, ""},
		{NotificationEvent{Title: "orphans"}, ""},
		{"raw", ""},
	}
	for _, tc := range tests {
		if got := TaskIDOf(Event{Payload: tc.payload}); got != tc.want {
			t.Errorf("TaskIDOf(%T) = %q, want %q", tc.payload, got, tc.want)
		}
	}
}

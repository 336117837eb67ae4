// Package bus is the in-process event feed: task transitions, dispatch
// attempts, execution results and orphan reports. The gateway's websocket
// and task streams and the bus notification sink read from it.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 100

// Event is a message published on the bus. Seq increases by one per Publish
// across all topics, so a subscriber can spot gaps left by dropped events.
type Event struct {
	Seq     uint64
	Topic   string
	At      time.Time
	Payload any
}

// Task and response topics.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicResponseClosed   = "response.closed"
)

// TaskStateChangedEvent is published after a task status change commits.
type TaskStateChangedEvent struct {
	TaskID      string `json:"task_id"`
	IssueRef    string `json:"issue_ref"`
	TargetAgent string `json:"target_agent"`
	OldStatus   string `json:"old_status"` // empty for a newly created task
	NewStatus   string `json:"new_status"`
}

// ResponseClosedEvent is published when an agent response leaves in_progress
// outside a task completion (executor leftovers, orphan resolution).
type ResponseClosedEvent struct {
	ResponseID string `json:"response_id"`
	AgentName  string `json:"agent_name"`
	TaskID     string `json:"task_id"`
	Resolution string `json:"resolution"`
}

type Subscription struct {
	id       int
	prefixes []string
	ch       chan Event
	dropped  atomic.Uint64
}

func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped is the number of events discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(topic string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	seq    atomic.Uint64
	now    func() time.Time
}

func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
		now:  time.Now,
	}
}

// Subscribe returns a subscription for topics starting with any of the
// given prefixes; none (or an empty prefix) matches everything. Slow
// consumers lose events rather than block publishers; see Dropped.
func (b *Bus) Subscribe(prefixes ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	var keep []string
	for _, p := range prefixes {
		if p == "" {
			keep = nil
			break
		}
		keep = append(keep, p)
	}
	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		prefixes: keep,
		ch:       make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish stamps the event and offers it to every matching subscriber
// without blocking.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{
		Seq:     b.seq.Add(1),
		Topic:   topic,
		At:      b.now().UTC(),
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskrelay/internal/bus"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (r *recordingSink) Notify(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func TestMulti_SwallowsFailures(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))
	failing := &recordingSink{err: errors.New("network down")}
	ok := &recordingSink{}

	m := NewMulti(logger, failing, ok)
	if err := m.Notify(context.Background(), Message{Title: "orphan found"}); err != nil {
		t.Fatalf("multi should swallow sink errors, got %v", err)
	}
	if len(failing.msgs) != 1 || len(ok.msgs) != 1 {
		t.Fatalf("every sink should receive the message: failing=%d ok=%d", len(failing.msgs), len(ok.msgs))
	}
	if !strings.Contains(logBuf.String(), "network down") {
		t.Fatalf("failure should be logged, got %s", logBuf.String())
	}
}

func TestLogSink(t *testing.T) {
	var logBuf bytes.Buffer
	s := LogSink{Logger: slog.New(slog.NewJSONHandler(&logBuf, nil))}
	if err := s.Notify(context.Background(), Message{Severity: SeverityWarning, Title: "stuck", Body: "details"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(logBuf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log: %v", err)
	}
	if entry["level"] != "WARN" || entry["msg"] != "stuck" || entry["body"] != "details" {
		t.Fatalf("unexpected entry: %#v", entry)
	}
}

func TestBusSink(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicNotification)
	defer b.Unsubscribe(sub)

	if err := (BusSink{Bus: b}).Notify(context.Background(), Message{Severity: SeverityInfo, Title: "hello"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.NotificationEvent)
		if !ok || payload.Title != "hello" || payload.Severity != "info" {
			t.Fatalf("unexpected event: %#v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no bus event")
	}
	if err := (BusSink{}).Notify(context.Background(), Message{}); err == nil {
		t.Fatal("expected error without bus")
	}
}

func TestTelegramSink_SendsToEveryChat(t *testing.T) {
	var mu sync.Mutex
	var sentTo []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"relay","username":"relay_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			_ = r.ParseForm()
			mu.Lock()
			sentTo = append(sentTo, r.FormValue("chat_id"))
			mu.Unlock()
			io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":1,"type":"private"}}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	sink := NewTelegramSink("123:abc", []int64{10, 20}, nil).WithEndpoint(srv.URL + "/bot%s/%s")
	if err := sink.Notify(context.Background(), Message{Title: "task done", Body: "basket/taskrelay#7"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sentTo) != 2 || sentTo[0] != "10" || sentTo[1] != "20" {
		t.Fatalf("unexpected recipients: %v", sentTo)
	}
}

func TestTelegramSink_NoChatsIsNoop(t *testing.T) {
	sink := NewTelegramSink("123:abc", nil, nil).WithEndpoint("http://127.0.0.1:1/bot%s/%s")
	if err := sink.Notify(context.Background(), Message{Title: "x"}); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

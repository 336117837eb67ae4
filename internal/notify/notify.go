// Package notify delivers operator-facing messages. Delivery is best effort:
// a failing sink never blocks or fails the caller.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/basket/taskrelay/internal/bus"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
)

type Message struct {
	Severity Severity
	Title    string
	Body     string
}

type Sink interface {
	Notify(ctx context.Context, msg Message) error
}

// LogSink writes messages to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Notify(ctx context.Context, msg Message) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if msg.Severity == SeverityWarning {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, msg.Title, "component", "notify", "body", msg.Body)
	return nil
}

// BusSink publishes messages for websocket subscribers.
type BusSink struct {
	Bus *bus.Bus
}

func (s BusSink) Notify(_ context.Context, msg Message) error {
	if s.Bus == nil {
		return errors.New("bus sink has no bus")
	}
	s.Bus.Publish(bus.TopicNotification, bus.NotificationEvent{
		Severity: string(msg.Severity),
		Title:    msg.Title,
		Body:     msg.Body,
	})
	return nil
}

// Multi fans a message out to every sink, logging failures.
type Multi struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewMulti(logger *slog.Logger, sinks ...Sink) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{sinks: sinks, logger: logger}
}

func (m *Multi) Notify(ctx context.Context, msg Message) error {
	for _, s := range m.sinks {
		if err := s.Notify(ctx, msg); err != nil {
			m.logger.Warn("notification sink failed", "component", "notify", "title", msg.Title, "error", err)
		}
	}
	return nil
}

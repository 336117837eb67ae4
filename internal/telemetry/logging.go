// Package telemetry builds the daemon's structured JSONL logger.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/taskrelay/internal/shared"
)

// LogFileName is the JSONL file under <home>/logs written by NewLogger.
const LogFileName = "taskrelay.jsonl"

// maxValueLen caps string attributes. Agent output and prompts can run to
// tens of kilobytes and belong in the store, not the log.
const maxValueLen = 4096

func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	file, err := os.OpenFile(filepath.Join(logDir, LogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer
	if quiet {
		w = file
	} else {
		w = io.MultiWriter(os.Stderr, file)
	}
	return newJSONLogger(w, parseLevel(level)), file, nil
}

func newJSONLogger(w io.Writer, lvl slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: replaceAttr,
	})
	return slog.New(&correlationHandler{Handler: handler}).With("component", "daemon")
}

// Component returns logger tagged with a component name; nil uses slog.Default.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

// WithContext binds the correlation ids carried by ctx, for call sites that
// log without passing the context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(shared.LogAttrs(ctx)...)
}

// correlationHandler stamps each record with trace_id, agent, task_id and
// response_id from the record's context, unless a trace_id was already
// bound with With. Records logged without a context get trace_id "-".
type correlationHandler struct {
	slog.Handler
	bound bool
}

func (h *correlationHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.bound {
		if ctx == nil {
			ctx = context.Background()
		}
		r = r.Clone()
		r.Add(shared.LogAttrs(ctx)...)
	}
	return h.Handler.Handle(ctx, r)
}

func (h *correlationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := h.bound
	for _, a := range attrs {
		if a.Key == "trace_id" {
			bound = true
		}
	}
	return &correlationHandler{Handler: h.Handler.WithAttrs(attrs), bound: bound}
}

func (h *correlationHandler) WithGroup(name string) slog.Handler {
	return &correlationHandler{Handler: h.Handler.WithGroup(name), bound: h.bound}
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, shared.RedactedPlaceholder)
	}
	switch a.Value.Kind() {
	case slog.KindString:
		if v, ok := cleanString(a.Value.String()); ok {
			return slog.String(a.Key, v)
		}
	case slog.KindAny:
		// Executor errors quote agent stderr.
		if err, isErr := a.Value.Any().(error); isErr && err != nil {
			v, _ := cleanString(err.Error())
			return slog.String(a.Key, v)
		}
	}
	return a
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "authorization" || strings.Contains(lower, "bearer") {
		return true
	}
	return shared.IsSensitiveName(lower)
}

// cleanString redacts and truncates v, reporting whether it changed.
func cleanString(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return shared.RedactedPlaceholder, true
	}
	out := shared.Redact(v)
	if len(out) > maxValueLen {
		out = shared.Truncate(out, maxValueLen) + "...[truncated]"
	}
	return out, out != v
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

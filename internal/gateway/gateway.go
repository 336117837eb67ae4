// Package gateway serves the task API, a websocket event stream, and the
// Prometheus endpoint in front of the lifecycle manager.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/taskrelay/internal/agent"
	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/config"
	"github.com/basket/taskrelay/internal/dispatch"
	"github.com/basket/taskrelay/internal/lifecycle"
	"github.com/basket/taskrelay/internal/otel"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/recovery"
	"github.com/basket/taskrelay/internal/telemetry"
)

const wsWriteTimeout = 5 * time.Second

// Dispatcher is the coordinator surface the gateway needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, agent, issueRef string) (dispatch.Result, error)
	InFlight() map[string]struct{}
	Status() dispatch.Status
}

type Config struct {
	Store      *persistence.Store
	Lifecycle  *lifecycle.Manager
	Dispatcher Dispatcher
	Recovery   *recovery.Scanner
	Registry   *agent.Registry
	Bus        *bus.Bus

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser clients.
	// Empty means same-origin only.
	AllowOrigins []string
	MaxBodyBytes int64
	RateLimit    config.RateLimitConfig

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string

	Tracer  trace.Tracer
	Metrics *otel.Metrics
	Logger  *slog.Logger
}

type Server struct {
	cfg     Config
	tracer  trace.Tracer
	logger  *slog.Logger
	limiter *RateLimiter

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// wsEvent is one bus event as sent to websocket clients.
type wsEvent struct {
	Seq     uint64    `json:"seq"`
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
	// Dropped counts events this client missed because it read too slowly.
	Dropped uint64 `json:"dropped,omitempty"`
}

func New(cfg Config) *Server {
	logger := telemetry.Component(cfg.Logger, "gateway")
	return &Server{
		cfg:     cfg,
		tracer:  otel.TracerOrNoop(cfg.Tracer),
		logger:  logger,
		limiter: NewRateLimiter(cfg.RateLimit, logger),
		clients: map[*client]struct{}{},
	}
}

// StartEviction keeps the rate limiter's bucket map bounded until ctx ends.
func (s *Server) StartEviction(ctx context.Context) {
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.metricsHandler())
	mux.HandleFunc("GET /ws", s.requireAuth(s.handleWS))

	mux.HandleFunc("POST /api/tasks", s.requireAuth(s.handleCreateTask))
	mux.HandleFunc("GET /api/tasks", s.requireAuth(s.handleListTasks))
	mux.HandleFunc("GET /api/tasks/{id}", s.requireAuth(s.handleGetTask))
	mux.HandleFunc("GET /api/tasks/{id}/events", s.requireAuth(s.handleTaskEvents))
	mux.HandleFunc("GET /api/tasks/{id}/stream", s.requireAuth(s.handleTaskStream))
	mux.HandleFunc("POST /api/tasks/{id}/approve", s.requireAuth(s.handleApprove))
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.requireAuth(s.handleCancel))
	mux.HandleFunc("POST /api/tasks/{id}/complete", s.requireAuth(s.handleComplete))
	mux.HandleFunc("POST /api/tasks/{id}/notify", s.requireAuth(s.handleNotify))
	mux.HandleFunc("POST /api/tasks/{id}/accept", s.requireAuth(s.handleAccept))
	mux.HandleFunc("POST /api/tasks/{id}/reopen", s.requireAuth(s.handleReopen))

	mux.HandleFunc("GET /api/agents", s.requireAuth(s.handleListAgents))
	mux.HandleFunc("POST /api/agents/{name}/dispatch", s.requireAuth(s.handleDispatch))

	mux.HandleFunc("GET /api/orphans", s.requireAuth(s.handleListOrphans))
	mux.HandleFunc("POST /api/orphans/{id}/resolve", s.requireAuth(s.handleResolveOrphan))

	// instrument must wrap the mux directly to see the matched pattern.
	h := s.instrument(mux)
	h = s.limiter.Wrap(h)
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	counts, err := s.cfg.Store.TaskCounts(r.Context())
	if err != nil {
		dbOK = false
		s.logger.Error("healthz: task counts", "error", err)
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"tasks":              counts,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"ws_clients":         s.clientCount(),
	}
	if s.cfg.Dispatcher != nil {
		payload["dispatch"] = s.cfg.Dispatcher.Status()
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// handleWS streams bus events to the client. The optional topic query
// parameter is a comma-separated list of topic prefixes ("task.",
// "dispatch.", "recovery.").
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not available")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	topics := r.URL.Query().Get("topic")
	var prefixes []string
	for _, p := range strings.Split(topics, ",") {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, p)
		}
	}
	c := &client{conn: conn}
	s.addClient(c)
	sub := s.cfg.Bus.Subscribe(prefixes...)
	s.logger.Info("ws: client connected", "topic", topics)
	defer func() {
		s.cfg.Bus.Unsubscribe(sub)
		s.removeClient(c)
		s.logger.Info("ws: client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// Clients only listen; CloseRead handles control frames and ends ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := c.write(ctx, wsEvent{Seq: ev.Seq, Topic: ev.Topic, Payload: ev.Payload, At: ev.At, Dropped: sub.Dropped()}); err != nil {
				s.logger.Debug("ws: write failed", "topic", ev.Topic, "error", err)
				return
			}
		}
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

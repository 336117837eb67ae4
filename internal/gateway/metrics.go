package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/basket/taskrelay/internal/persistence"
)

const scrapeTimeout = 5 * time.Second

var (
	tasksDesc = prometheus.NewDesc(
		"taskrelay_tasks",
		"Number of tasks by status.",
		[]string{"status"}, nil,
	)
	busyAgentsDesc = prometheus.NewDesc(
		"taskrelay_busy_agents",
		"Agents with a response in progress.",
		nil, nil,
	)
	orphansDesc = prometheus.NewDesc(
		"taskrelay_orphaned_responses",
		"In-progress responses not owned by this process.",
		nil, nil,
	)
	inFlightDesc = prometheus.NewDesc(
		"taskrelay_dispatch_in_flight",
		"Executions claimed by this process and not yet resolved.",
		nil, nil,
	)
)

// storeCollector reads live gauges from the store on every scrape, so the
// numbers include work done by CLI processes sharing the database.
type storeCollector struct {
	store      *persistence.Store
	dispatcher Dispatcher
	logger     *slog.Logger
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- tasksDesc
	ch <- busyAgentsDesc
	ch <- orphansDesc
	ch <- inFlightDesc
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	counts, err := c.store.TaskCounts(ctx)
	if err != nil {
		c.logger.Warn("metrics: task counts", "error", err)
		ch <- prometheus.NewInvalidMetric(tasksDesc, err)
	} else {
		for _, st := range []persistence.TaskStatus{
			persistence.TaskStatusPending,
			persistence.TaskStatusApproved,
			persistence.TaskStatusSent,
			persistence.TaskStatusCompleted,
			persistence.TaskStatusFailed,
			persistence.TaskStatusBlocked,
			persistence.TaskStatusCancelled,
		} {
			ch <- prometheus.MustNewConstMetric(tasksDesc, prometheus.GaugeValue, float64(counts[st]), string(st))
		}
	}

	busy, err := c.store.BusyAgentCount(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(busyAgentsDesc, err)
	} else {
		ch <- prometheus.MustNewConstMetric(busyAgentsDesc, prometheus.GaugeValue, float64(busy))
	}

	var owned map[string]struct{}
	if c.dispatcher != nil {
		owned = c.dispatcher.InFlight()
		ch <- prometheus.MustNewConstMetric(inFlightDesc, prometheus.GaugeValue, float64(len(owned)))
	}
	orphans, err := c.store.ListOrphanedResponses(ctx, owned)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(orphansDesc, err)
	} else {
		ch <- prometheus.MustNewConstMetric(orphansDesc, prometheus.GaugeValue, float64(len(orphans)))
	}
}

// metricsHandler serves a private registry: the store collector plus the
// Go runtime and process collectors.
func (s *Server) metricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		&storeCollector{store: s.cfg.Store, dispatcher: s.cfg.Dispatcher, logger: s.logger},
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog:      slog.NewLogLogger(s.logger.Handler(), slog.LevelError),
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// instrument records request durations by route pattern. The websocket
// upgrade bypasses it because the library needs the raw writer.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.cfg.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.cfg.Metrics.RecordRequest(r.Context(), route, rec.status, time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps the task stream working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/taskrelay/internal/config"
	"github.com/basket/taskrelay/internal/cron"
	"github.com/basket/taskrelay/internal/gateway"
)

const (
	jobDispatchSweep  = "dispatch-sweep"
	jobOrphanReminder = "orphan-reminder"
)

var serveQuiet bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatch daemon and HTTP API",
	Long: `Run the daemon: the task API on bind_addr, the websocket event stream,
the Prometheus endpoint, the periodic dispatch sweep and the orphan
reminder. On SIGINT or SIGTERM it stops intake and drains running
executions for up to drain_timeout_seconds.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveQuiet, "quiet", false, "log to the log file only")
}

func runServe(ctx context.Context) {
	a, err := openApp(ctx, appOptions{Quiet: serveQuiet, Owner: true})
	if err != nil {
		var se *startupError
		if errors.As(err, &se) {
			fatalStartup(slog.Default(), se.Code, se.Err)
		}
		fatalStartup(nil, "E_STARTUP", err)
	}
	cfg, logger := a.cfg, a.logger
	logger.Info("startup phase", "phase", "engine_ready", "home", cfg.HomeDir, "agents", len(cfg.Agents))

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.Gateway.AllowOrigins) == 0 {
			logger.Warn("gateway.allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	authToken, err := gateway.LoadOrCreateToken(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN", err)
	}

	recoveryDone := a.scanner.Start(ctx)
	logger.Info("startup phase", "phase", "recovery_scheduled", "grace", cfg.OrphanGrace().String())

	sched := cron.NewScheduler(cron.Config{Logger: logger})
	installJobs(sched, a, cfg)
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	watcher := config.NewWatcher(cfg, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				reloadConfig(ctx, a, sched)
			}
		}()
	}

	gw := gateway.New(gateway.Config{
		Store:             a.store,
		Lifecycle:         a.manager,
		Dispatcher:        a.coord,
		Recovery:          a.scanner,
		Registry:          a.registry,
		Bus:               a.bus,
		AuthToken:         authToken,
		AllowOrigins:      cfg.Gateway.AllowOrigins,
		MaxBodyBytes:      cfg.Gateway.MaxBodyBytes,
		RateLimit:         cfg.Gateway.RateLimit,
		ConfigFingerprint: cfg.Fingerprint(),
		Tracer:            a.provider.Tracer,
		Metrics:           a.metrics,
		Logger:            logger,
	})
	gw.StartEviction(ctx)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_API_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_API_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "api_listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws", "metrics", "/metrics")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first so no new dispatch starts while draining.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	<-recoveryDone
	a.Drain(cfg.DrainTimeout())
	logger.Info("shutdown complete")
}

func installJobs(sched *cron.Scheduler, a *app, cfg config.Config) {
	jobs := []cron.Job{
		{
			Name: jobDispatchSweep,
			Expr: cfg.DispatchSweep,
			Run: func(ctx context.Context) error {
				for _, res := range a.coord.Sweep(ctx) {
					if res.Success {
						a.logger.Info("sweep dispatched task", "agent", res.Agent, "task_id", res.TaskID)
					}
				}
				return nil
			},
		},
		{
			Name: jobOrphanReminder,
			Expr: cfg.OrphanReminder,
			Run:  a.scanner.Remind,
		},
	}
	for _, job := range jobs {
		if err := sched.Set(job); err != nil {
			a.logger.Error("cron job not installed", "job", job.Name, "error", err)
		}
	}
}

// reloadConfig applies the hot-reloadable settings: the agent list, the
// prompt template and the cron expressions. Listener, worker count and
// storage changes need a restart.
func reloadConfig(ctx context.Context, a *app, sched *cron.Scheduler) {
	next, err := config.LoadDir(a.cfg.HomeDir)
	if err != nil {
		a.logger.Error("config reload rejected", "error", err)
		return
	}
	if err := a.registry.Sync(ctx, next.Agents); err != nil {
		a.logger.Error("agent sync after reload failed", "error", err)
		return
	}
	if err := a.prompts.Reload(next.PromptText); err != nil {
		a.logger.Error("prompt template reload rejected; keeping previous", "error", err)
	}
	installJobs(sched, a, next)
	if next.WorkerCount != a.cfg.WorkerCount || next.BindAddr != a.cfg.BindAddr {
		a.logger.Warn("worker_count and bind_addr changes apply after restart")
	}
	a.logger.Info("config reloaded", "fingerprint", next.Fingerprint(), "agents", len(next.Agents))
}

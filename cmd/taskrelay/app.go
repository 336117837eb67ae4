package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/basket/taskrelay/internal/agent"
	"github.com/basket/taskrelay/internal/audit"
	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/config"
	"github.com/basket/taskrelay/internal/dispatch"
	"github.com/basket/taskrelay/internal/executor"
	"github.com/basket/taskrelay/internal/issues"
	"github.com/basket/taskrelay/internal/lifecycle"
	"github.com/basket/taskrelay/internal/notify"
	otelPkg "github.com/basket/taskrelay/internal/otel"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/prompt"
	"github.com/basket/taskrelay/internal/recovery"
	"github.com/basket/taskrelay/internal/telemetry"
)

// DBFileName is the SQLite database under the taskrelay home.
const DBFileName = "taskrelay.db"

// app is the engine wired for one process. The daemon and every CLI command
// build the same graph so a CLI completion chains exactly like an API one.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	bus      *bus.Bus
	provider *otelPkg.Provider
	metrics  *otelPkg.Metrics
	store    *persistence.Store
	registry *agent.Registry
	prompts  *prompt.Renderer
	runner   executor.CommandRunner
	coord    *dispatch.Coordinator
	manager  *lifecycle.Manager
	scanner  *recovery.Scanner

	logCloser io.Closer
}

type appOptions struct {
	// Quiet sends logs to the log file only. CLI commands keep stderr for
	// their own output.
	Quiet bool
	// Owner marks the process that owns executions (the daemon). Other
	// processes report every in-progress response they see as an orphan.
	Owner bool
}

// openApp loads config and builds the engine. Errors carry the startup
// reason code so serve can hand them to fatalStartup.
func openApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, &startupError{Code: "E_CONFIG_LOAD", Err: err}
	}
	if err := audit.Init(cfg.HomeDir); err != nil {
		return nil, &startupError{Code: "E_AUDIT_INIT", Err: err}
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, opts.Quiet)
	if err != nil {
		return nil, &startupError{Code: "E_LOGGER_INIT", Err: err}
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger, logCloser: logCloser, bus: bus.New()}

	otelCfg := cfg.OTel
	otelCfg.Role = "cli"
	if opts.Owner {
		otelCfg.Role = "daemon"
	}
	a.provider, err = otelPkg.Init(ctx, otelCfg)
	if err != nil {
		a.Close()
		return nil, &startupError{Code: "E_OTEL_INIT", Err: err}
	}
	a.metrics, err = otelPkg.NewMetrics(a.provider.Meter)
	if err != nil {
		a.Close()
		return nil, &startupError{Code: "E_OTEL_INIT", Err: err}
	}

	a.store, err = persistence.Open(filepath.Join(cfg.HomeDir, DBFileName), a.bus)
	if err != nil {
		a.Close()
		return nil, &startupError{Code: "E_DB_OPEN", Err: err}
	}
	audit.SetDB(a.store.DB())

	a.registry = agent.NewRegistry(a.store, logger)
	if err := a.registry.Sync(ctx, cfg.Agents); err != nil {
		a.Close()
		return nil, &startupError{Code: "E_AGENT_SYNC", Err: err}
	}

	a.prompts, err = prompt.NewRenderer(cfg.PromptText)
	if err != nil {
		a.Close()
		return nil, &startupError{Code: "E_PROMPT_TEMPLATE", Err: err}
	}

	a.runner = executor.NewHostRunner()
	headless, err := executor.NewHeadless(a.registry, a.runner, cfg.TaskTimeout(), logger)
	if err != nil {
		a.Close()
		return nil, &startupError{Code: "E_EXECUTOR_INIT", Err: err}
	}

	a.coord = dispatch.New(a.store, a.registry, headless, a.prompts, dispatch.Config{
		WorkerCount: cfg.WorkerCount,
		Bus:         a.bus,
		Metrics:     a.metrics,
		Tracer:      a.provider.Tracer,
		Logger:      logger,
	})
	a.manager = lifecycle.NewManager(a.store, a.registry, a.coord, a.prompts, logger)
	a.coord.SetCompleter(a.manager)
	// Drain owns cancellation of running executions, not the signal context.
	a.coord.Start(context.WithoutCancel(ctx))

	var inflight recovery.InFlightSource
	if opts.Owner {
		inflight = a.coord
	}
	a.scanner = recovery.New(a.store, inflight, a.issueResolver(), a.notifier(), recovery.Config{
		Grace:   cfg.OrphanGrace(),
		Bus:     a.bus,
		Metrics: a.metrics,
		Tracer:  a.provider.Tracer,
		Logger:  logger,
	})
	return a, nil
}

func (a *app) issueResolver() issues.Resolver {
	if a.cfg.Issues.Provider == "none" {
		return issues.None{}
	}
	return issues.NewGH(a.cfg.Issues.GHPath, a.cfg.Issues.DefaultRepo, a.runner)
}

func (a *app) notifier() notify.Sink {
	sinks := []notify.Sink{
		notify.LogSink{Logger: telemetry.Component(a.logger, "notify")},
		notify.BusSink{Bus: a.bus},
	}
	if tg := a.cfg.Notify.Telegram; tg.Enabled {
		sinks = append(sinks, notify.NewTelegramSink(tg.Token, tg.ChatIDs, a.logger))
	}
	return notify.NewMulti(a.logger, sinks...)
}

// Wait blocks until the executions this process started finish or ctx ends.
// Anything still running when the process exits stays in progress and is
// picked up by the orphan scan.
func (a *app) Wait(ctx context.Context) bool {
	done := make(chan bool, 1)
	go func() {
		done <- a.coord.Drain(a.cfg.TaskTimeout() + a.cfg.DrainTimeout())
	}()
	select {
	case ok := <-done:
		return ok
	case <-ctx.Done():
		return false
	}
}

// Drain waits for running executions, then closes everything.
func (a *app) Drain(timeout time.Duration) bool {
	drained := true
	if a.coord != nil {
		drained = a.coord.Drain(timeout)
		if !drained {
			a.logger.Warn("drain timed out; executions left in progress", "timeout", timeout.String())
		}
	}
	a.Close()
	return drained
}

func (a *app) Close() {
	if a.provider != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.provider.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("otel shutdown failed", "error", err)
		}
		cancel()
		a.provider = nil
	}
	if a.store != nil {
		audit.SetDB(nil)
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", "error", err)
		}
		a.store = nil
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
		a.logCloser = nil
	}
}

// startupError carries a reason code for fatalStartup.
type startupError struct {
	Code string
	Err  error
}

func (e *startupError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *startupError) Unwrap() error {
	return e.Err
}

// Package cron runs the daemon's periodic maintenance jobs (the dispatch
// sweep and the orphan reminder) on standard cron expressions.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is one named periodic action. An empty Expr disables the job.
type Job struct {
	Name string
	Expr string
	Run  func(ctx context.Context) error
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 30 seconds if zero
	Now      func() time.Time
}

type entry struct {
	job  Job
	next time.Time
}

// Scheduler checks its jobs on every tick and runs the ones that are due.
// Jobs run one at a time on the scheduler goroutine.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		logger:   logger.With("component", "cron"),
		interval: interval,
		now:      now,
		entries:  make(map[string]*entry),
	}
}

// Set installs or replaces a job. The next run is computed from now, so a
// replaced job never fires twice for the same slot.
func (s *Scheduler) Set(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("cron: job name is required")
	}
	if job.Expr == "" {
		s.Remove(job.Name)
		return nil
	}
	if job.Run == nil {
		return fmt.Errorf("cron: job %s has no run func", job.Name)
	}
	next, err := NextRunTime(job.Expr, s.now())
	if err != nil {
		return fmt.Errorf("cron: job %s: %w", job.Name, err)
	}
	s.mu.Lock()
	s.entries[job.Name] = &entry{job: job, next: next}
	s.mu.Unlock()
	s.logger.Info("cron: job scheduled", "job", job.Name, "cron_expr", job.Expr, "next_run_at", next)
	return nil
}

func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	delete(s.entries, name)
	s.mu.Unlock()
}

// NextRun reports when the named job fires next.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return time.Time{}, false
	}
	return e.next, true
}

// Jobs lists scheduled job names in order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every due job and advances its next run time.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	var due []Job
	s.mu.Lock()
	for _, e := range s.entries {
		if now.Before(e.next) {
			continue
		}
		due = append(due, e.job)
		next, err := NextRunTime(e.job.Expr, now)
		if err != nil {
			// Set validated the expression; keep the job from spinning.
			next = now.Add(time.Hour)
		}
		e.next = next
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].Name < due[j].Name })
	for _, job := range due {
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, job)
	}
}

func (s *Scheduler) fire(ctx context.Context, job Job) {
	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cron: job panicked", "job", job.Name, "panic", r)
		}
	}()
	if err := job.Run(ctx); err != nil {
		s.logger.Error("cron: job failed", "job", job.Name, "error", err)
		return
	}
	s.logger.Debug("cron: job fired", "job", job.Name, "elapsed", s.now().Sub(start).String())
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// Validate reports whether expr is a usable 5-field cron expression.
func Validate(expr string) error {
	if expr == "" {
		return nil
	}
	_, err := cronParser.Parse(expr)
	return err
}

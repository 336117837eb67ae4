package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// ErrPoolClosed is returned by Submit once Drain has begun.
var ErrPoolClosed = errors.New("worker pool closed")

// Pool runs jobs on at most size goroutines at a time. Submit never blocks:
// jobs queue for a slot. Drain stops intake, waits, then cancels the pool
// context so whatever is still running observes cancellation.
type Pool struct {
	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewPool(parent context.Context, size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Pool{
		sem:    make(chan struct{}, size),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Submit schedules job. If the job panics, or the pool is cancelled before
// the job gets a slot, onAbort is called so the caller can still resolve
// whatever the job owned.
func (p *Pool) Submit(job func(ctx context.Context), onAbort func(err error)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		select {
		case p.sem <- struct{}{}:
		case <-p.ctx.Done():
			if onAbort != nil {
				onAbort(fmt.Errorf("%w before start", ErrPoolClosed))
			}
			return
		}
		defer func() { <-p.sem }()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("worker panic recovered", "panic", r, "stack", string(debug.Stack()))
				if onAbort != nil {
					onAbort(fmt.Errorf("worker panic: %v", r))
				}
			}
		}()
		job(p.ctx)
	}()
	return nil
}

// Closed reports whether Drain has started.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Drain stops intake and waits up to timeout for jobs to finish, then
// cancels the rest and waits for them to unwind. It reports whether the pool
// drained without cancellation.
func (p *Pool) Drain(timeout time.Duration) bool {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool drained cleanly")
		return true
	case <-time.After(timeout):
		p.logger.Warn("worker pool drain timeout; cancelling in-flight executions", "timeout", timeout)
		p.cancel()
		<-done
		return false
	}
}

package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/platinummonkey/tokenmeter/pkg/observability"
)

// SafeGo runs fn in a goroutine bounded by timeout. Errors and panics are
// logged with the logger carried by parentCtx and never reach the caller.
//
// Example:
//
//	SafeGo(context.WithoutCancel(ctx), 30*time.Second, "usage alert evaluation", func(ctx context.Context) error {
//	    return engine.Evaluate(ctx, teamID, planType, now)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		logger := observability.FromContext(parentCtx).WithField("task", taskName)
		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(map[string]interface{}{
					"panic": fmt.Sprintf("%v", r),
					"stack": string(debug.Stack()),
				}).Error("Background task panicked")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithError(err).Warn("Background task failed")
		}
	}()
}

// WorkerPool runs submitted tasks on a fixed number of workers. Task errors
// are collected on Errors.
type WorkerPool struct {
	workers      int
	taskName     string
	timeout      time.Duration
	workCh       chan func(context.Context) error
	doneCh       chan struct{}
	errCh        chan error
	ctx          context.Context
	cancel       context.CancelFunc
	logger       *observability.Logger
	shutdownOnce sync.Once
}

// NewWorkerPool starts workers goroutines. Each task gets its own timeout.
//
//	pool := NewWorkerPool(ctx, 4, "alert sweep", time.Minute)
//	defer pool.Shutdown(5 * time.Second)
func NewWorkerPool(ctx context.Context, workers int, taskName string, timeout time.Duration) *WorkerPool {
	logger := observability.FromContext(ctx).WithField("task", taskName)
	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		workers:  workers,
		taskName: taskName,
		timeout:  timeout,
		workCh:   make(chan func(context.Context) error, workers*2),
		doneCh:   make(chan struct{}),
		errCh:    make(chan error, workers*10),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				pool.worker(id)
			}(i)
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit queues a task. It fails once the pool is shut down.
func (p *WorkerPool) Submit(fn func(context.Context) error) (err error) {
	select {
	case <-p.doneCh:
		return fmt.Errorf("worker pool shut down")
	default:
	}

	// Shutdown may close workCh between the check above and the send below
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker pool shut down")
		}
	}()

	select {
	case p.workCh <- fn:
		return nil
	case <-p.doneCh:
		return fmt.Errorf("worker pool shut down")
	}
}

// Shutdown drains queued tasks, waiting up to timeout.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var shutdownErr error

	p.shutdownOnce.Do(func() {
		close(p.workCh)

		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			shutdownErr = fmt.Errorf("worker pool shutdown timed out after %v", timeout)
		}
	})

	return shutdownErr
}

// Errors returns the channel task errors are sent on
func (p *WorkerPool) Errors() <-chan error {
	return p.errCh
}

func (p *WorkerPool) worker(id int) {
	for {
		select {
		case <-p.ctx.Done():
			return

		case fn, ok := <-p.workCh:
			if !ok {
				return
			}
			p.run(id, fn)
		}
	}
}

func (p *WorkerPool) run(id int, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				p.logger.WithFields(map[string]interface{}{
					"worker": id,
					"stack":  string(debug.Stack()),
				}).WithError(err).Error("Worker task panicked")
			}
		}()
		err = fn(ctx)
	}()

	if err == nil {
		return
	}
	select {
	case p.errCh <- err:
	default:
		p.logger.WithError(err).Warn("Worker error channel full, dropping error")
	}
}

// Batch runs fn over items on a temporary pool and returns every error.
//
//	errs := Batch(ctx, teams, 4, "alert sweep", time.Minute, func(ctx context.Context, team int64) error {
//	    return engine.Evaluate(ctx, team, plan, now)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	if err := ctx.Err(); err != nil {
		return []error{err}
	}
	pool := NewWorkerPool(ctx, workers, taskName, timeout)

	for _, item := range items {
		item := item
		if err := pool.Submit(func(ctx context.Context) error {
			return fn(ctx, item)
		}); err != nil {
			pool.Shutdown(time.Second)
			return []error{err}
		}
	}

	// Drain every queued task; the timeout here only bounds a stuck task
	pool.Shutdown(timeout + time.Second)

	var errs []error
	for {
		select {
		case err := <-pool.errCh:
			errs = append(errs, err)
		default:
			return errs
		}
	}
}

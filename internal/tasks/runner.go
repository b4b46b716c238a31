// Package tasks provides a detached background task runner.
//
// Best-effort side effects (file deletion after soft delete, cache refresh)
// are scheduled here instead of with bare goroutines so that every error lands
// in the structured log, panics are contained, and shutdown can wait for
// in-flight work to finish.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Runner schedules detached background work. The zero value is not usable;
// call NewRunner.
type Runner struct {
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	timeout time.Duration
}

// NewRunner creates a Runner. taskTimeout bounds each detached task; zero
// means no per-task timeout.
func NewRunner(taskTimeout time.Duration) *Runner {
	return &Runner{timeout: taskTimeout}
}

// Go schedules fn on a background goroutine and returns immediately.
// The task's error (or recovered panic) is logged, never returned; detached
// work is best-effort from the caller's point of view.
// After Shutdown, new tasks are rejected and logged.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		log.Warn().Str("task", name).Msg("Detached task rejected: runner is shut down")
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()

		ctx := context.Background()
		cancel := func() {}
		if r.timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
		}
		defer cancel()

		start := time.Now()
		err := runRecovered(ctx, fn)
		if err != nil {
			log.Error().
				Err(err).
				Str("task", name).
				Dur("duration", time.Since(start)).
				Msg("Detached task failed")
			return
		}
		log.Debug().
			Str("task", name).
			Dur("duration", time.Since(start)).
			Msg("Detached task completed")
	}()
}

// Shutdown stops accepting new tasks and waits for in-flight tasks to finish,
// or for ctx to be cancelled, whichever comes first.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown wait: %w", ctx.Err())
	}
}

func runRecovered(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx)
}

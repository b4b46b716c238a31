package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunnerRunsTask(t *testing.T) {
	r := NewRunner(0)

	var ran atomic.Bool
	r.Go("test-task", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !ran.Load() {
		t.Error("task did not run before Shutdown returned")
	}
}

func TestRunnerSwallowsErrorsAndPanics(t *testing.T) {
	r := NewRunner(0)

	r.Go("erroring", func(ctx context.Context) error {
		return errors.New("boom")
	})
	r.Go("panicking", func(ctx context.Context) error {
		panic("very boom")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// Errors and panics must be contained; Shutdown still succeeds.
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestRunnerRejectsAfterShutdown(t *testing.T) {
	r := NewRunner(0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	var ran atomic.Bool
	r.Go("late", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	time.Sleep(50 * time.Millisecond)
	if ran.Load() {
		t.Error("task scheduled after Shutdown should not run")
	}
}

func TestRunnerShutdownTimeout(t *testing.T) {
	r := NewRunner(0)

	release := make(chan struct{})
	r.Go("slow", func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.Shutdown(ctx); err == nil {
		t.Error("expected Shutdown to fail while a task is still running")
	}
	close(release)
}

package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func deadline(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunsEverySubmittedTask(t *testing.T) {
	p := New("test", 2, 10)
	var count atomic.Int32

	for i := 0; i < 5; i++ {
		if err := p.Submit(func(context.Context) { count.Add(1) }); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	if !p.Drain(deadline(t)) {
		t.Fatal("Drain timed out")
	}
	if got := count.Load(); got != 5 {
		t.Fatalf("count = %d, want 5", got)
	}
}

func TestSubmitAfterDrain(t *testing.T) {
	p := New("test", 1, 1)
	p.Drain(deadline(t))

	if err := p.Submit(func(context.Context) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	p := New("test", 1, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	p.Submit(func(context.Context) {
		close(started)
		<-release
	})
	<-started
	if err := p.Submit(func(context.Context) {}); err != nil {
		t.Fatalf("second Submit: %v", err)
	}

	if err := p.Submit(func(context.Context) {}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}

	close(release)
	p.Shutdown(deadline(t))
}

func TestShutdownCancelsRunningTask(t *testing.T) {
	p := New("test", 1, 1)
	observed := make(chan struct{})
	p.Submit(func(ctx context.Context) {
		<-ctx.Done()
		close(observed)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	p.Shutdown(ctx)
	if time.Since(start) > time.Second {
		t.Fatal("Shutdown should return once its context expires")
	}

	select {
	case <-observed:
	case <-time.After(5 * time.Second):
		t.Fatal("running task never saw cancellation")
	}
	if p.Context().Err() == nil {
		t.Fatal("pool context should be cancelled")
	}
}

func TestSingleWorkerPreservesOrder(t *testing.T) {
	p := New("test", 1, 10)
	var order []int
	for i := 0; i < 5; i++ {
		p.Submit(func(context.Context) { order = append(order, i) })
	}
	p.Drain(deadline(t))

	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v", order)
		}
	}
	if len(order) != 5 {
		t.Fatalf("ran %d tasks", len(order))
	}
}

func TestPanickingTaskDoesNotKillWorker(t *testing.T) {
	p := New("test", 1, 10)
	var ran atomic.Bool

	p.Submit(func(context.Context) { panic("boom") })
	p.Submit(func(context.Context) { ran.Store(true) })
	p.Drain(deadline(t))

	if !ran.Load() {
		t.Fatal("task after a panic should still run")
	}
}

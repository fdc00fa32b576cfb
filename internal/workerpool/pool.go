package workerpool

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	"github.com/lanternops/gamepatch/internal/logging"
)

var log = logging.L("workerpool")

var (
	ErrClosed    = errors.New("workerpool: closed")
	ErrQueueFull = errors.New("workerpool: queue full")
)

// Task receives the pool context, which Shutdown cancels.
type Task func(ctx context.Context)

// Pool runs tasks on a fixed number of goroutines fed by a bounded queue.
type Pool struct {
	name string

	mu     sync.Mutex
	closed bool
	queue  chan Task

	pending sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New starts workers goroutines sharing a queue of queueSize slots.
func New(name string, workers, queueSize int) *Pool {
	workers = max(workers, 1)
	queueSize = max(queueSize, 1)

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:   name,
		queue:  make(chan Task, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for range workers {
		go p.work()
	}
	log.Debug("pool started", "pool", name, "workers", workers, "queue", queueSize)
	return p
}

// Context is cancelled by Shutdown.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Submit queues task without blocking.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	p.pending.Add(1)
	select {
	case p.queue <- task:
		return nil
	default:
		p.pending.Done()
		log.Warn("task rejected, queue full", "pool", p.name)
		return ErrQueueFull
	}
}

// Drain refuses new tasks and waits until queued and running tasks finish
// or ctx expires. It reports whether everything finished.
func (p *Pool) Drain(ctx context.Context) bool {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		log.Warn("pool drain timed out", "pool", p.name)
		return false
	}
}

// Shutdown drains the pool and then cancels the context handed to tasks
// that are still running.
func (p *Pool) Shutdown(ctx context.Context) {
	p.Drain(ctx)
	p.cancel()
}

func (p *Pool) work() {
	for task := range p.queue {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer p.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "pool", p.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task(p.ctx)
}

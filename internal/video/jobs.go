package video

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of background ingestion work.
type Task func(ctx context.Context)

type queuedTask struct {
	name string
	run  Task
}

// WorkerPool runs ingestion tasks off the request path on a fixed number of
// workers fed by a bounded queue.
type WorkerPool struct {
	tasks   chan queuedTask
	workers int
	timeout time.Duration

	mu     sync.RWMutex
	closed bool

	group      errgroup.Group
	baseCtx    context.Context
	cancelBase context.CancelFunc
	startOnce  sync.Once
}

func NewWorkerPool(workers, queueSize int, timeout time.Duration) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		tasks:      make(chan queuedTask, queueSize),
		workers:    workers,
		timeout:    timeout,
		baseCtx:    ctx,
		cancelBase: cancel,
	}
}

func (p *WorkerPool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.group.Go(func() error {
				for t := range p.tasks {
					p.run(t)
				}
				return nil
			})
		}
		slog.Info("ingest: worker pool started", "workers", p.workers, "queue_size", cap(p.tasks))
	})
}

func (p *WorkerPool) run(t queuedTask) {
	ctx := p.baseCtx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("ingest: task panicked", "task", t.name, "panic", r)
		}
	}()
	t.run(ctx)
}

// Enqueue never blocks; a full or closed queue yields ErrIngestionQueueFull.
func (p *WorkerPool) Enqueue(name string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrIngestionQueueFull
	}
	select {
	case p.tasks <- queuedTask{name: name, run: task}:
		return nil
	default:
		return ErrIngestionQueueFull
	}
}

// Shutdown stops intake and waits for queued and in-flight tasks. When ctx
// expires first, running tasks are cancelled and ctx's error is returned.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	p.Start()

	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancelBase()
		slog.Info("ingest: worker pool drained")
		return nil
	case <-ctx.Done():
		p.cancelBase()
		slog.Warn("ingest: shutdown deadline reached, cancelling tasks")
		return ctx.Err()
	}
}

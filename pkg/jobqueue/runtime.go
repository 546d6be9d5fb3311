package jobqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RuntimeOptions configures the background maintenance of a Runtime.
type RuntimeOptions struct {
	JanitorInterval time.Duration
	JanitorBatch    int
}

// Runtime runs the workers registered on it, plus one Janitor covering their queues.
type Runtime struct {
	Queue   *Queue
	Log     *zap.Logger
	Options RuntimeOptions

	mu      sync.Mutex
	workers []*Worker
}

// NewRuntime creates an empty runtime.
func NewRuntime(q *Queue, log *zap.Logger, opts RuntimeOptions) *Runtime {
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = time.Second
	}
	if opts.JanitorBatch <= 0 {
		opts.JanitorBatch = 128
	}
	return &Runtime{Queue: q, Log: log, Options: opts}
}

// RegisterWorker adds a worker for the named queue.
// Must be called before Run.
func (r *Runtime) RegisterWorker(queue string, handler Handler, opts WorkerOptions) *Worker {
	w := NewWorker(r.Queue, r.Log, queue, handler, opts)
	r.mu.Lock()
	r.workers = append(r.workers, w)
	r.mu.Unlock()
	return w
}

// Workers returns the registered workers.
func (r *Runtime) Workers() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Worker(nil), r.workers...)
}

// Run runs all workers and the janitor until ctx is canceled,
// then waits for workers to drain.
// Returns ErrShutdownTimeout if any worker exceeded its grace period.
func (r *Runtime) Run(ctx context.Context) error {
	workers := r.Workers()
	if len(workers) == 0 {
		return errors.New("no workers registered")
	}
	queues := make([]string, 0, len(workers))
	seen := make(map[string]bool)
	for _, w := range workers {
		if !seen[w.Name] {
			seen[w.Name] = true
			queues = append(queues, w.Name)
		}
	}
	janitor := &Janitor{
		Queue:     r.Queue,
		Log:       r.Log.Named("janitor"),
		Queues:    queues,
		Owner:     newOwnerID(),
		Interval:  r.Options.JanitorInterval,
		BatchSize: r.Options.JanitorBatch,
	}
	var group errgroup.Group
	group.Go(func() error {
		if err := janitor.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	for _, w := range workers {
		w := w
		group.Go(func() error {
			return w.Run(ctx)
		})
	}
	return group.Wait()
}

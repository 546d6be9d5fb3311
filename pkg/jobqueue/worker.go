package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Handler processes a leased job. A returned error fails the attempt.
// Handlers must tolerate being invoked more than once for the same job.
type Handler func(ctx context.Context, job *Job) error

// WorkerOptions configures how a worker drains its queue.
type WorkerOptions struct {
	Concurrency  int           // max jobs leased at once
	LeaseTTL     time.Duration // time until an unfinished lease expires
	PollInterval time.Duration // sleep when the queue is empty
	GracePeriod  time.Duration // max time to wait for in-flight handlers on shutdown
	RateLimit    rate.Limit    // max leases per second, zero for no limit
	Burst        int           // rate limit burst
}

// DefaultWorkerOptions fills in zero WorkerOptions fields.
var DefaultWorkerOptions = WorkerOptions{
	Concurrency:  1,
	LeaseTTL:     5 * time.Minute,
	PollInterval: time.Second,
	GracePeriod:  30 * time.Second,
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultWorkerOptions.Concurrency
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = DefaultWorkerOptions.LeaseTTL
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultWorkerOptions.PollInterval
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultWorkerOptions.GracePeriod
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	return o
}

// Worker leases jobs from one queue and runs a handler on each.
type Worker struct {
	// Required components
	Queue   *Queue
	Log     *zap.Logger
	Handler Handler
	// Required config
	Name    string // queue name
	Owner   string // lease owner ID, unique per worker
	Options WorkerOptions

	inflight int64
	released chan struct{}
}

// NewWorker creates a worker for the named queue with a random owner ID.
func NewWorker(q *Queue, log *zap.Logger, name string, handler Handler, opts WorkerOptions) *Worker {
	return &Worker{
		Queue:   q,
		Log:     log.Named("worker").With(zap.String("job.queue", name)),
		Handler: handler,
		Name:    name,
		Owner:   newOwnerID(),
		Options: opts.withDefaults(),
	}
}

func newOwnerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString())
}

// Inflight returns the number of jobs currently being handled.
func (w *Worker) Inflight() int {
	return int(atomic.LoadInt64(&w.inflight))
}

// Run leases and handles jobs until ctx is canceled.
//
// After cancellation no new leases are taken. Handlers run on a context that shutdown never cancels.
// If they outlive GracePeriod, Run returns ErrShutdownTimeout and their jobs stay leased.
func (w *Worker) Run(ctx context.Context) error {
	opts := w.Options.withDefaults()
	w.released = make(chan struct{}, opts.Concurrency)
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(opts.RateLimit, opts.Burst)
	}
	// Shutdown never cancels a running handler.
	handlerCtx := context.WithoutCancel(ctx)

	w.Log.Info("Starting worker",
		zap.String("worker.owner", w.Owner),
		zap.Int("worker.concurrency", opts.Concurrency))
	var wg sync.WaitGroup
	for ctx.Err() == nil {
		free := opts.Concurrency - w.Inflight()
		if free <= 0 {
			w.sleep(ctx, opts.PollInterval)
			continue
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				break
			}
			free = 1
		}
		jobs, err := w.Queue.Store.Lease(ctx, w.Name, w.Owner, free, opts.LeaseTTL)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.Log.Error("Failed to lease jobs", zap.Error(err))
			w.sleep(ctx, opts.PollInterval)
			continue
		}
		if len(jobs) == 0 {
			w.sleep(ctx, opts.PollInterval)
			continue
		}
		for _, job := range jobs {
			atomic.AddInt64(&w.inflight, 1)
			wg.Add(1)
			go func(job *Job) {
				defer wg.Done()
				defer w.release()
				w.process(handlerCtx, job)
			}(job)
		}
	}

	w.Log.Info("Stopping worker, waiting for in-flight jobs",
		zap.Int("worker.inflight", w.Inflight()))
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	grace := time.NewTimer(opts.GracePeriod)
	defer grace.Stop()
	select {
	case <-finished:
		w.Log.Info("Worker stopped")
		return nil
	case <-grace.C:
		// Unfinished jobs keep their leases and are redelivered by the janitor once those expire.
		w.Log.Warn("Grace period exceeded, leaving in-flight jobs leased",
			zap.Int("worker.inflight", w.Inflight()))
		return ErrShutdownTimeout
	}
}

func (w *Worker) release() {
	atomic.AddInt64(&w.inflight, -1)
	select {
	case w.released <- struct{}{}:
	default:
	}
}

// sleep waits for d, cancellation or a released slot, whichever comes first.
func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-w.released:
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	log := w.Log.With(
		zap.String("job.id", job.ID),
		zap.Int("job.attempt", job.Attempts))
	if job.Repeat != nil {
		if err := w.Queue.scheduleNext(ctx, job); err != nil {
			log.Warn("Failed to schedule next occurrence", zap.Error(err))
		}
	}
	start := time.Now()
	handlerErr := w.invoke(ctx, job)
	var err error
	if handlerErr == nil {
		log.Debug("Job completed", zap.Duration("job.duration", time.Since(start)))
		err = w.Queue.complete(ctx, job, w.Owner)
	} else {
		err = w.Queue.fail(ctx, job, w.Owner, handlerErr)
	}
	if errors.Is(err, ErrLeaseLost) {
		log.Warn("Lease expired before job finished", zap.Error(err))
	} else if err != nil {
		log.Error("Failed to report job result", zap.Error(err))
	}
}

func (w *Worker) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return w.Handler(ctx, job)
}

// Package queue dispatches created jobs to a fixed pool of worker goroutines.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/omnibrowser/jobstream/internal/executor"
	"github.com/omnibrowser/jobstream/internal/job"
	"github.com/omnibrowser/jobstream/internal/logger"
	"github.com/omnibrowser/jobstream/internal/worker"
)

var ErrQueueFull = errors.New("queue full")

// Notifier is told about every job that reached a terminal state.
type Notifier interface {
	Notify(ctx context.Context, j *job.Job)
}

type Options struct {
	Concurrency int
	Size        int
	Logger      *zap.Logger
}

// Queue manages the dispatch channel and workers.
type Queue struct {
	jobs     chan string
	store    job.Store
	worker   *worker.Worker
	registry *executor.Registry
	notifier Notifier
	opts     Options
	log      *zap.Logger
	wg       sync.WaitGroup
}

// New creates a Queue. notifier may be nil.
func New(store job.Store, w *worker.Worker, registry *executor.Registry, notifier Notifier, opts Options) *Queue {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Size < 1 {
		opts.Size = 1000
	}
	return &Queue{
		jobs:     make(chan string, opts.Size),
		store:    store,
		worker:   w,
		registry: registry,
		notifier: notifier,
		opts:     opts,
		log:      logger.OrNop(opts.Logger),
	}
}

// Enqueue adds a job ID to the queue. Returns ErrQueueFull if the queue is full.
func (q *Queue) Enqueue(jobID string) error {
	select {
	case q.jobs <- jobID:
		return nil
	default:
		return fmt.Errorf("enqueue job %s: %w", jobID, ErrQueueFull)
	}
}

// Len returns the number of jobs waiting for a worker.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Start launches Concurrency workers. They stop when ctx is done; running jobs
// are paused by the worker.
func (q *Queue) Start(ctx context.Context) {
	for range q.opts.Concurrency {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.runWorker(ctx)
		}()
	}
}

// Wait blocks until every worker goroutine has returned.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-q.jobs:
			q.processJob(ctx, jobID)
		}
	}
}

func (q *Queue) processJob(ctx context.Context, jobID string) {
	log := q.log.With(zap.String("job_id", jobID))

	j, err := q.store.Get(ctx, jobID)
	if err != nil {
		log.Error("load job", zap.Error(err))
		return
	}

	// An unknown type still goes through the worker so the failure is streamed.
	exec, lookupErr := q.registry.Lookup(j.Type)
	process := func(context.Context, *worker.Streamer) error { return lookupErr }
	if lookupErr == nil {
		process = exec.Process
	}

	runErr := q.worker.Execute(ctx, jobID, process)
	switch {
	case runErr == nil:
	case errors.Is(runErr, worker.ErrJobCancelled), errors.Is(runErr, worker.ErrJobPaused):
		log.Info("job interrupted", zap.Error(runErr))
	case errors.Is(runErr, job.ErrInvalidTransition):
		// Cancelled while waiting in the queue, or already picked up elsewhere.
		// Only the first case is ours to report; the other worker reports its own.
		log.Info("job skipped", zap.Error(runErr))
		q.notify(ctx, jobID, func(s job.State) bool { return s == job.StateCancelled })
		return
	default:
		log.Warn("job failed", zap.Error(runErr))
	}
	q.notify(ctx, jobID, job.State.IsTerminal)
}

// notify reloads the job and hands it to the notifier when want accepts its state.
func (q *Queue) notify(ctx context.Context, jobID string, want func(job.State) bool) {
	if q.notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	final, err := q.store.Get(ctx, jobID)
	if err != nil {
		q.log.Error("reload job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if want(final.State) {
		q.notifier.Notify(ctx, final)
	}
}

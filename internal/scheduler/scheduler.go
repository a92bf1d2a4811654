// Package scheduler runs the periodic maintenance of the job table: failing
// jobs whose worker went silent, purging old terminal jobs and recovering the
// jobs a previous process left behind.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omnibrowser/jobstream/internal/bus"
	"github.com/omnibrowser/jobstream/internal/job"
	"github.com/omnibrowser/jobstream/internal/logger"
)

// ErrWorkerTimeout is recorded on running jobs that stopped reporting activity.
var ErrWorkerTimeout = errors.New("worker timeout")

// errWorkerRestarted is recorded on running jobs found at startup without a checkpoint.
var errWorkerRestarted = errors.New("worker restarted")

const (
	DefaultInterval   = 5 * time.Minute
	DefaultStaleAfter = 60 * time.Minute
	DefaultRetention  = 24 * time.Hour

	pageSize = 100
)

// Dispatcher hands a job to a worker.
type Dispatcher interface {
	Enqueue(jobID string) error
}

// Notifier is told about jobs the supervisor moved to a terminal state.
type Notifier interface {
	Notify(ctx context.Context, j *job.Job)
}

type Options struct {
	Interval   time.Duration
	StaleAfter time.Duration
	Retention  time.Duration
	// AutoResume re-dispatches paused jobs with a checkpoint during Recover.
	AutoResume bool
	// Dispatcher is required by Recover; Sweep does not use it.
	Dispatcher Dispatcher
	// Notifier may be nil.
	Notifier Notifier
	Logger   *zap.Logger
}

// Report summarizes one sweep.
type Report struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	TimedOut  []string      `json:"timed_out,omitempty"`
	Purged    int64         `json:"purged"`
	Resumable int           `json:"resumable"`
	Errors    []string      `json:"errors,omitempty"`
}

// RecoveryReport summarizes a startup recovery.
type RecoveryReport struct {
	Paused     int `json:"paused"`
	Failed     int `json:"failed"`
	Requeued   int `json:"requeued"`
	Resumed    int `json:"resumed"`
	Unenqueued int `json:"unenqueued"`
}

type Supervisor struct {
	store job.Store
	pub   bus.Publisher
	opts  Options
	log   *zap.Logger
	now   func() time.Time

	mu   sync.Mutex
	last *Report
}

func New(store job.Store, pub bus.Publisher, opts Options) *Supervisor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	return &Supervisor{
		store: store,
		pub:   pub,
		opts:  opts,
		log:   logger.OrNop(opts.Logger).Named("scheduler"),
		now:   time.Now,
	}
}

// Run sweeps every Interval until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error("sweep", zap.Error(err))
			}
		}
	}
}

// Sweep fails stale running jobs, purges expired terminal jobs and counts the
// resumable ones. Per-job failures are recorded in the report and do not stop
// the sweep; the next sweep picks the job up again.
func (s *Supervisor) Sweep(ctx context.Context) (*Report, error) {
	r := &Report{StartedAt: s.now()}
	defer func() {
		r.Duration = s.now().Sub(r.StartedAt)
		s.mu.Lock()
		s.last = r
		s.mu.Unlock()
	}()

	stale, err := s.store.FindStaleRunning(ctx, s.opts.StaleAfter)
	if err != nil {
		return r, err
	}
	for _, j := range stale {
		if err := s.fail(ctx, j, ErrWorkerTimeout); err != nil {
			s.log.Warn("fail stale job", zap.String("job_id", j.ID), zap.Error(err))
			r.Errors = append(r.Errors, j.ID+": "+err.Error())
			continue
		}
		r.TimedOut = append(r.TimedOut, j.ID)
		s.log.Info("stale job failed", zap.String("job_id", j.ID), zap.Time("last_activity", j.LastActivity))
	}

	r.Purged, err = s.store.PurgeTerminal(ctx, s.now().Add(-s.opts.Retention))
	if err != nil {
		return r, err
	}

	resumable, err := s.store.FindResumable(ctx)
	if err != nil {
		return r, err
	}
	r.Resumable = len(resumable)

	s.log.Info("sweep done",
		zap.Int("timed_out", len(r.TimedOut)), zap.Int64("purged", r.Purged), zap.Int("resumable", r.Resumable))
	return r, nil
}

// LastReport returns the most recent sweep report, or nil before the first sweep.
func (s *Supervisor) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Resumable returns the owner's paused jobs that carry a checkpoint.
func (s *Supervisor) Resumable(ctx context.Context, ownerID string) ([]*job.Job, error) {
	all, err := s.store.FindResumable(ctx)
	if err != nil {
		return nil, err
	}
	out := []*job.Job{}
	for _, j := range all {
		if j.OwnerID == ownerID {
			out = append(out, j)
		}
	}
	return out, nil
}

// Recover settles jobs left behind by a previous process. Running jobs are
// paused when they have a checkpoint and failed otherwise; created jobs are
// dispatched again, and with AutoResume so are paused jobs with a checkpoint.
// It must run before the workers start.
func (s *Supervisor) Recover(ctx context.Context) (*RecoveryReport, error) {
	r := &RecoveryReport{}

	running, err := s.store.FindRunning(ctx)
	if err != nil {
		return nil, err
	}
	for _, j := range running {
		if j.Checkpoint == nil {
			if err := s.fail(ctx, j, errWorkerRestarted); err != nil {
				s.log.Warn("fail orphaned job", zap.String("job_id", j.ID), zap.Error(err))
				continue
			}
			r.Failed++
			continue
		}
		if err := s.store.SetState(ctx, j.ID, job.StatePaused); err != nil {
			s.log.Warn("pause orphaned job", zap.String("job_id", j.ID), zap.Error(err))
			continue
		}
		s.publish(ctx, j, bus.KindPaused, bus.PausedPayload{CheckpointSequence: j.Checkpoint.Sequence})
		r.Paused++
	}

	if s.opts.Dispatcher != nil {
		for offset := 0; ; offset += pageSize {
			created, err := s.store.List(ctx, job.Query{States: []job.State{job.StateCreated}, Limit: pageSize, Offset: offset})
			if err != nil {
				return r, err
			}
			for _, j := range created {
				if s.dispatch(j.ID) {
					r.Requeued++
				} else {
					r.Unenqueued++
				}
			}
			if len(created) < pageSize {
				break
			}
		}

		if s.opts.AutoResume {
			paused, err := s.store.FindResumable(ctx)
			if err != nil {
				return r, err
			}
			for _, j := range paused {
				if s.dispatch(j.ID) {
					r.Resumed++
				} else {
					r.Unenqueued++
				}
			}
		}
	}

	s.log.Info("recovery done",
		zap.Int("paused", r.Paused), zap.Int("failed", r.Failed),
		zap.Int("requeued", r.Requeued), zap.Int("resumed", r.Resumed))
	return r, nil
}

func (s *Supervisor) dispatch(jobID string) bool {
	if err := s.opts.Dispatcher.Enqueue(jobID); err != nil {
		s.log.Warn("recovery enqueue", zap.String("job_id", jobID), zap.Error(err))
		return false
	}
	return true
}

// fail records cause on j and announces it with an out-of-band failed event;
// the worker that owned the sequence is gone.
func (s *Supervisor) fail(ctx context.Context, j *job.Job, cause error) error {
	if err := s.store.SetError(ctx, j.ID, cause.Error()); err != nil {
		return err
	}
	s.publish(ctx, j, bus.KindFailed, bus.FailedPayload{Error: cause.Error(), PartialOutput: j.PartialOutput()})
	s.notify(ctx, j.ID)
	return nil
}

func (s *Supervisor) notify(ctx context.Context, jobID string) {
	if s.opts.Notifier == nil {
		return
	}
	final, err := s.store.Get(ctx, jobID)
	if err != nil {
		s.log.Warn("reload job for notification", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	s.opts.Notifier.Notify(context.WithoutCancel(ctx), final)
}

func (s *Supervisor) publish(ctx context.Context, j *job.Job, kind bus.Kind, payload any) {
	ev := bus.Event{
		Kind:      kind,
		OwnerID:   j.OwnerID,
		JobID:     j.ID,
		Payload:   bus.MustPayload(payload),
		Timestamp: s.now(),
	}
	if err := s.pub.Publish(ctx, bus.EventsChannel(j.ID), ev); err != nil {
		s.log.Warn("publish", zap.String("job_id", j.ID), zap.String("kind", string(kind)), zap.Error(err))
	}
}

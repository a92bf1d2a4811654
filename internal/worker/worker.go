// Package worker executes jobs and streams their output as sequenced events.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/omnibrowser/jobstream/internal/bus"
	"github.com/omnibrowser/jobstream/internal/job"
	"github.com/omnibrowser/jobstream/internal/logger"
)

const (
	DefaultCheckpointInterval = 10
	DefaultHeartbeatInterval  = 5 * time.Second
)

// ProcessFunc performs the work of one job, reporting through s.
type ProcessFunc func(ctx context.Context, s *Streamer) error

type Options struct {
	// CheckpointInterval is the number of chunks between checkpoint writes.
	CheckpointInterval int
	// HeartbeatInterval throttles heartbeats written from the chunk path.
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

type Worker struct {
	store    job.Store
	pub      bus.Publisher
	controls *Controls
	opts     Options
	log      *zap.Logger
	now      func() time.Time
}

// New returns a worker. controls may be nil, in which case the worker keeps
// its own registry (reachable through Controls).
func New(store job.Store, pub bus.Publisher, controls *Controls, opts Options) *Worker {
	if opts.CheckpointInterval < 1 {
		opts.CheckpointInterval = DefaultCheckpointInterval
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	log := logger.OrNop(opts.Logger)
	if controls == nil {
		controls = NewControls(log)
	}
	return &Worker{
		store:    store,
		pub:      pub,
		controls: controls,
		opts:     opts,
		log:      log,
		now:      time.Now,
	}
}

func (w *Worker) Controls() *Controls { return w.controls }

// Execute runs fn for the job. The job must be created or paused. A paused job
// with a checkpoint resumes after the checkpoint sequence; without one it restarts.
//
// Execute returns nil when the job completed, ErrJobCancelled or ErrJobPaused
// when it was interrupted, and the processing error when it failed.
func (w *Worker) Execute(ctx context.Context, jobID string, fn ProcessFunc) error {
	j, err := w.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State != job.StateCreated && j.State != job.StatePaused {
		return &job.TransitionError{JobID: jobID, From: j.State, To: job.StateRunning}
	}

	// The claim is a compare-and-set from the state read above: of two workers
	// handed the same job, the second fails here.
	if err := w.store.Claim(ctx, jobID, j.State); err != nil {
		return err
	}

	jctx, release := w.controls.register(ctx, jobID)
	defer release()

	s := newStreamer(jctx, w, j)
	kind := bus.KindStarted
	payload := bus.StartedPayload{Type: j.Type}
	if j.State == job.StatePaused {
		if j.Checkpoint != nil {
			s.resumeFrom(j.Checkpoint)
			kind = bus.KindResumed
			payload.ResumedFrom = j.Checkpoint.Sequence
		} else {
			kind = bus.KindRestarted
		}
	}
	s.mu.Lock()
	s.seq++
	s.publish(kind, bus.MustPayload(payload), s.seq)
	s.mu.Unlock()

	w.log.Info("job started",
		zap.String("job_id", jobID), zap.String("type", j.Type), zap.String("event", string(kind)))

	return s.finish(s.run(fn))
}

// run calls fn, turning a panic into an error.
func (s *Streamer) run(fn ProcessFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx, s)
}

// finish settles the job after fn returned.
func (s *Streamer) finish(runErr error) error {
	s.mu.Lock()
	terminal, interrupted := s.terminal, s.interrupted()
	s.mu.Unlock()
	if terminal {
		if runErr != nil && !errors.Is(runErr, errStreamClosed) {
			s.log.Warn("process returned after terminal event", zap.Error(runErr))
		}
		return s.outcome
	}

	switch {
	case errors.Is(runErr, ErrJobCancelled), errors.Is(interrupted, ErrJobCancelled):
		s.unwindCancelled()
		return ErrJobCancelled
	case errors.Is(runErr, ErrJobPaused), errors.Is(interrupted, ErrJobPaused):
		return s.unwindPaused()
	case errors.Is(runErr, errJobFinished), errors.Is(interrupted, errJobFinished):
		s.log.Warn("job finished elsewhere, dropping worker output")
		return errJobFinished
	case runErr != nil:
		if err := s.EmitFailed(runErr); err != nil {
			s.log.Error("record failure", zap.Error(err))
		}
		return runErr
	}

	if err := s.EmitCompleted(nil); err != nil {
		s.log.Error("record completion", zap.Error(err))
		return err
	}
	return nil
}

func (s *Streamer) unwindCancelled() {
	err := s.w.store.Cancel(s.bg, s.job.ID)
	if err != nil && !s.alreadyIn(job.StateCancelled) {
		s.log.Error("mark job cancelled", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminal = true
	s.seq++
	s.publish(bus.KindCancelled, nil, s.seq)
	s.log.Info("job cancelled", zap.Int64("sequence", s.seq))
}

func (s *Streamer) unwindPaused() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.seq + 1
	if err := s.w.store.Checkpoint(s.bg, s.job.ID, s.snapshot(seq)); err != nil {
		s.log.Error("checkpoint on pause", zap.Error(err))
		return fmt.Errorf("pause job %s: %w", s.job.ID, err)
	}
	if err := s.w.store.SetState(s.bg, s.job.ID, job.StatePaused); err != nil {
		s.log.Error("mark job paused", zap.Error(err))
		return fmt.Errorf("pause job %s: %w", s.job.ID, err)
	}
	s.seq = seq
	s.terminal = true
	s.publish(bus.KindPaused, bus.MustPayload(bus.PausedPayload{CheckpointSequence: seq}), seq)
	s.log.Info("job paused", zap.Int64("sequence", seq))
	return ErrJobPaused
}

func (s *Streamer) alreadyIn(state job.State) bool {
	j, err := s.w.store.Get(s.bg, s.job.ID)
	return err == nil && j.State == state
}

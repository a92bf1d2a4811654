package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omnibrowser/jobstream/internal/bus"
	"github.com/omnibrowser/jobstream/internal/job"
)

var (
	errStreamClosed = errors.New("stream already reached a terminal event")
	// errJobFinished means the store moved the job to a terminal state behind
	// this worker's back, e.g. the supervisor timed it out.
	errJobFinished = errors.New("job finished elsewhere")
)

// Streamer is the handle a ProcessFunc reports through. Sequence numbers are
// assigned here, so events of one job are strictly increasing.
type Streamer struct {
	w   *Worker
	ctx context.Context
	// bg outlives ctx so the unwind path can still write after a cancel.
	bg  context.Context
	job *job.Job
	log *zap.Logger

	mu            sync.Mutex
	seq           int64
	output        strings.Builder
	chunks        int
	metadata      json.RawMessage
	resumed       *job.Checkpoint
	lastHeartbeat time.Time
	terminal      bool
	external      error
	outcome       error
}

func newStreamer(ctx context.Context, w *Worker, j *job.Job) *Streamer {
	return &Streamer{
		w:             w,
		ctx:           ctx,
		bg:            context.WithoutCancel(ctx),
		job:           j,
		log:           w.log.With(zap.String("job_id", j.ID)),
		lastHeartbeat: w.now(),
	}
}

func (s *Streamer) resumeFrom(cp *job.Checkpoint) {
	s.seq = cp.Sequence
	s.output.WriteString(cp.PartialOutput)
	s.metadata = cp.Metadata
	s.resumed = cp
}

// JobID returns the id of the job being executed.
func (s *Streamer) JobID() string { return s.job.ID }

// Input returns the job's opaque input payload.
func (s *Streamer) Input() json.RawMessage { return s.job.Input }

// Resumed returns the checkpoint the job resumed from, or nil for a fresh run.
func (s *Streamer) Resumed() *job.Checkpoint { return s.resumed }

// Output returns everything emitted so far, including resumed output.
func (s *Streamer) Output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output.String()
}

// Sequence returns the last sequence number assigned.
func (s *Streamer) Sequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// SaveMetadata stores executor-specific resume data with the next checkpoint.
func (s *Streamer) SaveMetadata(meta json.RawMessage) {
	s.mu.Lock()
	s.metadata = meta
	s.mu.Unlock()
}

// interrupted returns ErrJobCancelled, ErrJobPaused or errJobFinished when the
// job must stop. A context cancelled without a cause (shutdown) counts as pause.
func (s *Streamer) interrupted() error {
	if s.external != nil {
		return s.external
	}
	if s.ctx.Err() == nil {
		return nil
	}
	if errors.Is(context.Cause(s.ctx), ErrJobCancelled) {
		return ErrJobCancelled
	}
	return ErrJobPaused
}

// check must be called with s.mu held.
func (s *Streamer) check() error {
	if s.terminal {
		return errStreamClosed
	}
	return s.interrupted()
}

// EmitChunk publishes a piece of output and checkpoints every CheckpointInterval chunks.
func (s *Streamer) EmitChunk(data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	s.seq++
	s.publish(bus.KindChunk, bus.MustPayload(bus.ChunkPayload{Data: data}), s.seq)
	s.output.WriteString(data)
	s.chunks++

	if s.chunks >= s.w.opts.CheckpointInterval {
		s.chunks = 0
		s.checkpoint()
	} else if now := s.w.now(); now.Sub(s.lastHeartbeat) >= s.w.opts.HeartbeatInterval {
		s.lastHeartbeat = now
		if err := s.w.store.Heartbeat(s.bg, s.job.ID); err != nil {
			s.degrade("heartbeat", err)
		}
	}
	return nil
}

// checkpoint writes a checkpoint under its own sequence number and announces it.
func (s *Streamer) checkpoint() {
	cp := s.snapshot(s.seq + 1)
	if err := s.w.store.Checkpoint(s.bg, s.job.ID, cp); err != nil {
		s.degrade("checkpoint", err)
		return
	}
	s.seq = cp.Sequence
	s.lastHeartbeat = s.w.now()
	s.publish(bus.KindCheckpoint, bus.MustPayload(bus.CheckpointPayload{
		Sequence:      cp.Sequence,
		PartialOutput: cp.PartialOutput,
		Metadata:      cp.Metadata,
	}), cp.Sequence)
}

func (s *Streamer) snapshot(seq int64) *job.Checkpoint {
	return &job.Checkpoint{
		Sequence:      seq,
		PartialOutput: s.output.String(),
		Metadata:      s.metadata,
		Timestamp:     s.w.now(),
	}
}

// EmitProgress publishes progress as a percentage of current/total.
func (s *Streamer) EmitProgress(current, total int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	pct := 0
	if total > 0 {
		pct = min(max(current*100/total, 0), 100)
	}
	if err := s.w.store.SetProgress(s.bg, s.job.ID, pct, message); err != nil {
		s.degrade("progress", err)
	}
	s.lastHeartbeat = s.w.now()

	s.seq++
	s.publish(bus.KindProgress, bus.MustPayload(bus.ProgressPayload{
		Progress: pct,
		Current:  current,
		Total:    total,
		Message:  message,
	}), s.seq)
	return nil
}

// EmitCompleted stores the result and publishes the completed event. A nil
// result records the accumulated output as {"output": "..."}.
func (s *Streamer) EmitCompleted(result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	if result == nil {
		data, err := json.Marshal(map[string]string{"output": s.output.String()})
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		result = data
	}
	if err := s.w.store.SetResult(s.bg, s.job.ID, result); err != nil {
		if errors.Is(err, job.ErrInvalidTransition) {
			s.external = errJobFinished
		}
		return fmt.Errorf("complete job %s: %w", s.job.ID, err)
	}

	s.terminal = true
	s.outcome = nil
	s.seq++
	s.publish(bus.KindCompleted, bus.MustPayload(bus.CompletedPayload{Result: result}), s.seq)
	s.log.Info("job completed", zap.Int64("sequence", s.seq))
	return nil
}

// EmitFailed writes a final checkpoint so partial output survives, marks the
// job failed and publishes the failed event.
func (s *Streamer) EmitFailed(cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	seq := s.seq + 1
	if err := s.w.store.Checkpoint(s.bg, s.job.ID, s.snapshot(seq)); err != nil {
		s.degrade("final checkpoint", err)
	}
	if err := s.w.store.SetError(s.bg, s.job.ID, cause.Error()); err != nil {
		if errors.Is(err, job.ErrInvalidTransition) {
			s.external = errJobFinished
		}
		return fmt.Errorf("fail job %s: %w", s.job.ID, err)
	}

	s.terminal = true
	s.outcome = cause
	s.seq = seq
	s.publish(bus.KindFailed, bus.MustPayload(bus.FailedPayload{
		Error:         cause.Error(),
		PartialOutput: s.output.String(),
	}), seq)
	s.log.Warn("job failed", zap.Int64("sequence", seq), zap.Error(cause))
	return nil
}

// degrade logs a store error without stopping the stream. If the store
// rejected the write because the job is no longer active, the next emit stops.
func (s *Streamer) degrade(op string, err error) {
	if errors.Is(err, job.ErrInvalidTransition) {
		if j, gerr := s.w.store.Get(s.bg, s.job.ID); gerr == nil && j.State.IsTerminal() {
			if j.State == job.StateCancelled {
				s.external = ErrJobCancelled
			} else {
				s.external = errJobFinished
			}
		}
	}
	s.log.Warn("store write failed, continuing", zap.String("op", op), zap.Error(err))
}

// publish must be called with s.mu held so events leave in sequence order.
func (s *Streamer) publish(kind bus.Kind, payload json.RawMessage, seq int64) {
	ev := bus.Event{
		Kind:      kind,
		OwnerID:   s.job.OwnerID,
		JobID:     s.job.ID,
		Payload:   payload,
		Sequence:  seq,
		Timestamp: s.w.now().UTC(),
	}
	if err := s.w.pub.Publish(s.bg, bus.EventsChannel(s.job.ID), ev); err != nil {
		s.log.Warn("publish event", zap.String("event", string(kind)), zap.Int64("sequence", seq), zap.Error(err))
	}
}

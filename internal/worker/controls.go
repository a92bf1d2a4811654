package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/omnibrowser/jobstream/internal/bus"
	"github.com/omnibrowser/jobstream/internal/logger"
)

var (
	ErrJobCancelled = errors.New("job cancelled")
	ErrJobPaused    = errors.New("job paused")
)

// Controls maps running job ids to the cancel functions of their contexts so
// that cancel and pause signals reach the goroutine executing the job.
type Controls struct {
	mu      sync.Mutex
	running map[string]*control
	log     *zap.Logger
}

type control struct {
	cancel context.CancelCauseFunc
}

func NewControls(log *zap.Logger) *Controls {
	return &Controls{
		running: make(map[string]*control),
		log:     logger.OrNop(log),
	}
}

// register derives a job context from parent. The returned release func must
// be called when the job stops executing; it only removes its own entry.
func (c *Controls) register(parent context.Context, jobID string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	ctl := &control{cancel: cancel}
	c.mu.Lock()
	// A paused run may still be unwinding when its resumed run registers.
	c.running[jobID] = ctl
	c.mu.Unlock()

	return ctx, func() {
		c.mu.Lock()
		if c.running[jobID] == ctl {
			delete(c.running, jobID)
		}
		c.mu.Unlock()
		cancel(nil)
	}
}

func (c *Controls) signal(jobID string, cause error) bool {
	c.mu.Lock()
	ctl, ok := c.running[jobID]
	c.mu.Unlock()
	if ok {
		ctl.cancel(cause)
	}
	return ok
}

// Cancel interrupts a job running in this process. It reports whether the job was found.
func (c *Controls) Cancel(jobID string) bool { return c.signal(jobID, ErrJobCancelled) }

// Pause asks a job running in this process to checkpoint and stop.
func (c *Controls) Pause(jobID string) bool { return c.signal(jobID, ErrJobPaused) }

// Running returns the number of jobs currently executing.
func (c *Controls) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}

// Listen subscribes to the cancel and pause channels of every job. Signals
// for jobs running elsewhere are ignored.
func (c *Controls) Listen(ctx context.Context, b bus.Bus) error {
	handler := func(_ context.Context, channel string, _ bus.Event) {
		jobID := bus.JobIDFromChannel(channel)
		var found bool
		switch {
		case bus.IsCancelChannel(channel):
			found = c.Cancel(jobID)
		case bus.IsPauseChannel(channel):
			found = c.Pause(jobID)
		}
		if found {
			c.log.Info("control signal delivered", zap.String("job_id", jobID), zap.String("channel", channel))
		}
	}

	if _, err := b.Subscribe(ctx, bus.CancelPattern, handler); err != nil {
		return err
	}
	if _, err := b.Subscribe(ctx, bus.PausePattern, handler); err != nil {
		return err
	}
	return nil
}

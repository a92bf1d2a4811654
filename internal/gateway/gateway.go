// Package gateway fans job events out to connected clients. Each instance
// subscribes to every job's event channel, restores per-job order, keeps a
// short backlog per job and lets reconnecting clients catch up from it.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/omnibrowser/jobstream/internal/bus"
	"github.com/omnibrowser/jobstream/internal/job"
	"github.com/omnibrowser/jobstream/internal/logger"
)

const (
	DefaultBacklogJobs = 10000
	DefaultReplayLimit = 20
)

// Dispatcher hands a created or paused job to a worker.
type Dispatcher interface {
	Enqueue(jobID string) error
}

// Notifier is told about paused jobs cancelled here, which no worker or
// queue will see again.
type Notifier interface {
	Notify(ctx context.Context, j *job.Job)
}

// Validator checks job input for a job type before the job is created.
type Validator interface {
	Validate(jobType string, input json.RawMessage) error
}

type Options struct {
	BacklogCapacity int
	// BacklogJobs bounds how many job backlogs are kept; the least recently
	// active job is evicted first.
	BacklogJobs int
	ReplayLimit int
	ReorderWait time.Duration
	// Notifier may be nil.
	Notifier Notifier
	Logger   *zap.Logger
}

type Gateway struct {
	store      job.Store
	bus        bus.Bus
	dispatcher Dispatcher
	validator  Validator
	hub        *Hub
	backlogs   *lru.Cache[string, *Backlog]
	seq        *Sequencer
	opts       Options
	log        *zap.Logger
	now        func() time.Time
}

// New creates a Gateway. validator may be nil.
func New(store job.Store, b bus.Bus, dispatcher Dispatcher, validator Validator, opts Options) (*Gateway, error) {
	if opts.BacklogCapacity < 1 {
		opts.BacklogCapacity = DefaultBacklogCapacity
	}
	if opts.BacklogJobs < 1 {
		opts.BacklogJobs = DefaultBacklogJobs
	}
	if opts.ReplayLimit < 1 {
		opts.ReplayLimit = DefaultReplayLimit
	}
	log := logger.OrNop(opts.Logger).Named("gateway")

	backlogs, err := lru.New[string, *Backlog](opts.BacklogJobs)
	if err != nil {
		return nil, fmt.Errorf("create backlog cache: %w", err)
	}
	g := &Gateway{
		store:      store,
		bus:        b,
		dispatcher: dispatcher,
		validator:  validator,
		hub:        NewHub(log),
		backlogs:   backlogs,
		opts:       opts,
		log:        log,
		now:        time.Now,
	}
	g.seq, err = NewSequencer(opts.BacklogJobs, opts.ReorderWait, g.deliver)
	if err != nil {
		return nil, fmt.Errorf("create sequencer: %w", err)
	}
	return g, nil
}

// Listen subscribes to every job's events. Events are delivered until ctx is
// done or the subscription is closed.
func (g *Gateway) Listen(ctx context.Context) (bus.Subscription, error) {
	sub, err := g.bus.Subscribe(ctx, bus.EventsPattern, func(_ context.Context, _ string, ev bus.Event) {
		g.seq.Push(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", bus.EventsPattern, err)
	}
	g.log.Info("gateway subscribed", zap.String("pattern", bus.EventsPattern))
	return sub, nil
}

// Run listens until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	sub, err := g.Listen(ctx)
	if err != nil {
		return err
	}
	<-ctx.Done()
	g.seq.Close()
	return sub.Close()
}

// deliver records ev in the job's backlog and fans it out. It runs under the
// sequencer lock, so deliveries are ordered.
func (g *Gateway) deliver(ev bus.Event, outOfOrder bool) {
	if !ev.OutOfBand() {
		b := g.backlog(ev.JobID)
		switch ev.Kind {
		case bus.KindRestarted:
			b.Reset()
		case bus.KindResumed:
			b.TruncateFrom(ev.Sequence)
		}
		b.Append(ev)
	}
	if outOfOrder {
		g.log.Debug("flushing out-of-order event",
			zap.String("job_id", ev.JobID), zap.Int64("sequence", ev.Sequence))
	}
	g.hub.Broadcast(newFrame(ev, outOfOrder), userRoom(ev.OwnerID), jobRoom(ev.JobID))
}

func (g *Gateway) backlog(jobID string) *Backlog {
	if b, ok := g.backlogs.Get(jobID); ok {
		return b
	}
	b := NewBacklog(g.opts.BacklogCapacity)
	g.backlogs.Add(jobID, b)
	return b
}

// Connect registers a new client for ownerID. It receives every event of the
// owner's jobs until Disconnect.
func (g *Gateway) Connect(ownerID string) *Client {
	c := newClient(ownerID)
	g.hub.Register(c)
	g.hub.Join(c, userRoom(ownerID))
	g.log.Debug("client connected", zap.String("client_id", c.ID), zap.String("owner_id", ownerID))
	return c
}

// ConnectScoped registers a client that only receives the jobs it subscribes
// or syncs to.
func (g *Gateway) ConnectScoped(ownerID string) *Client {
	c := newClient(ownerID)
	g.hub.Register(c)
	return c
}

func (g *Gateway) Disconnect(c *Client) {
	g.hub.Unregister(c)
	g.log.Debug("client disconnected", zap.String("client_id", c.ID))
}

// Stats reports the connected clients and the number of tracked backlogs.
func (g *Gateway) Stats() Stats {
	return Stats{HubStats: g.hub.Stats(), Backlogs: g.backlogs.Len()}
}

type Stats struct {
	HubStats
	Backlogs int `json:"backlogs"`
}

// Job returns the job when ownerID owns it. Other owners get job.ErrNotFound.
func (g *Gateway) Job(ctx context.Context, ownerID, jobID string) (*job.Job, error) {
	j, err := g.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.OwnerID != ownerID {
		return nil, fmt.Errorf("get job %s: %w", jobID, job.ErrNotFound)
	}
	return j, nil
}

// Start creates a job for ownerID and dispatches it.
func (g *Gateway) Start(ctx context.Context, ownerID string, req *job.CreateRequest) (*job.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, &ValidationError{Err: err}
	}
	if g.validator != nil {
		if err := g.validator.Validate(req.Type, req.Input); err != nil {
			return nil, &ValidationError{Err: err}
		}
	}

	j, err := g.store.Create(ctx, req, ownerID)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := g.dispatcher.Enqueue(j.ID); err != nil {
		if cerr := g.store.Cancel(context.WithoutCancel(ctx), j.ID); cerr != nil {
			g.log.Error("cancel undispatched job", zap.String("job_id", j.ID), zap.Error(cerr))
		}
		return nil, err
	}
	g.log.Info("job created", zap.String("job_id", j.ID), zap.String("type", j.Type), zap.String("owner_id", ownerID))
	return j, nil
}

// Subscribe joins c to the job's room and replays the most recent events.
// Joining and replaying happen between two deliveries, so the client sees
// neither a gap nor a duplicate.
func (g *Gateway) Subscribe(ctx context.Context, c *Client, jobID string) error {
	if _, err := g.Job(ctx, c.OwnerID, jobID); err != nil {
		return err
	}
	g.seq.Locked(func() {
		g.hub.Join(c, jobRoom(jobID))
		if b, ok := g.backlogs.Get(jobID); ok {
			g.send(c, framesOf(b.Tail(g.opts.ReplayLimit)))
		}
	})
	return nil
}

func (g *Gateway) Unsubscribe(c *Client, jobID string) {
	g.hub.Leave(c, jobRoom(jobID))
}

// Sync joins c to the job's room and sends what it missed after lastSequence.
func (g *Gateway) Sync(ctx context.Context, c *Client, jobID string, lastSequence int64) error {
	j, err := g.Job(ctx, c.OwnerID, jobID)
	if err != nil {
		return err
	}
	g.seq.Locked(func() {
		g.hub.Join(c, jobRoom(jobID))
		g.send(c, g.CatchUp(j, lastSequence))
	})
	return nil
}

// CatchUp returns the frames a client that last saw lastSequence needs. When
// the backlog no longer reaches back to lastSequence+1 and the stored
// checkpoint is newer, a checkpoint snapshot comes first and only the events
// after it follow.
func (g *Gateway) CatchUp(j *job.Job, lastSequence int64) []Frame {
	var events []bus.Event
	oldest := int64(0)
	if b, ok := g.backlogs.Get(j.ID); ok {
		events = b.Since(lastSequence)
		oldest = b.Oldest()
	}
	gap := oldest == 0 || oldest > lastSequence+1

	var frames []Frame
	if cp := j.Checkpoint; gap && cp != nil && cp.Sequence > lastSequence {
		frames = append(frames, Frame{
			Type:  bus.KindCheckpoint.WireName(),
			JobID: j.ID,
			Payload: bus.MustPayload(bus.CheckpointPayload{
				Sequence:      cp.Sequence,
				PartialOutput: cp.PartialOutput,
				Metadata:      cp.Metadata,
				Snapshot:      true,
			}),
			Sequence:  cp.Sequence,
			Timestamp: cp.Timestamp,
		})
		kept := events[:0]
		for _, ev := range events {
			if ev.Sequence > cp.Sequence {
				kept = append(kept, ev)
			}
		}
		events = kept
	}
	return append(frames, framesOf(events)...)
}

func (g *Gateway) send(c *Client, frames []Frame) {
	for _, f := range frames {
		if !g.hub.Send(c, f) {
			g.log.Warn("client overflowed during replay", zap.String("client_id", c.ID))
			return
		}
	}
}

// Cancel marks the job cancelled and signals the worker running it. Jobs with
// no live worker get an out-of-band cancelled event instead.
func (g *Gateway) Cancel(ctx context.Context, ownerID, jobID string) error {
	j, err := g.Job(ctx, ownerID, jobID)
	if err != nil {
		return err
	}
	if err := g.store.Cancel(ctx, jobID); err != nil {
		return err
	}
	signal := bus.Event{Kind: bus.KindCancelled, OwnerID: ownerID, JobID: jobID, Timestamp: g.now()}
	if err := g.bus.Publish(ctx, bus.CancelChannel(jobID), signal); err != nil {
		g.log.Warn("publish cancel signal", zap.String("job_id", jobID), zap.Error(err))
	}
	if j.State != job.StateRunning {
		if err := g.bus.Publish(ctx, bus.EventsChannel(jobID), signal); err != nil {
			g.log.Warn("publish cancelled event", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	// Created jobs are reported by the queue when it skips them.
	if j.State == job.StatePaused && g.opts.Notifier != nil {
		if final, err := g.store.Get(ctx, jobID); err == nil {
			g.opts.Notifier.Notify(context.WithoutCancel(ctx), final)
		}
	}
	g.log.Info("job cancel requested", zap.String("job_id", jobID), zap.String("state", string(j.State)))
	return nil
}

// Pause asks the worker running the job to checkpoint and stop.
func (g *Gateway) Pause(ctx context.Context, ownerID, jobID string) error {
	j, err := g.Job(ctx, ownerID, jobID)
	if err != nil {
		return err
	}
	if j.State != job.StateRunning {
		return &job.TransitionError{JobID: jobID, From: j.State, To: job.StatePaused}
	}
	signal := bus.Event{Kind: bus.KindPaused, OwnerID: ownerID, JobID: jobID, Timestamp: g.now()}
	if err := g.bus.Publish(ctx, bus.PauseChannel(jobID), signal); err != nil {
		return fmt.Errorf("pause job %s: %w", jobID, err)
	}
	g.log.Info("job pause requested", zap.String("job_id", jobID))
	return nil
}

// Resume dispatches a paused job again.
func (g *Gateway) Resume(ctx context.Context, ownerID, jobID string) (*job.Job, error) {
	j, err := g.Job(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	if j.State != job.StatePaused {
		return nil, &job.TransitionError{JobID: jobID, From: j.State, To: job.StateRunning}
	}
	if err := g.dispatcher.Enqueue(jobID); err != nil {
		return nil, err
	}
	g.log.Info("job resume requested", zap.String("job_id", jobID))
	return j, nil
}

// ValidationError marks a rejected start request.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "invalid request: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err was caused by a rejected start request.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

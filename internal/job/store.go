package job

import (
	"context"
	"encoding/json"
	"time"
)

// Store persists jobs and is the only place job state is mutated.
// Every mutating method validates against the state machine and fails with
// ErrInvalidTransition (or ErrNotFound) without touching the record.
type Store interface {
	Create(ctx context.Context, req *CreateRequest, ownerID string) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, q Query) ([]*Job, error)
	FindOne(ctx context.Context, q Query) (*Job, error)
	Count(ctx context.Context, q Query) (int, error)

	SetState(ctx context.Context, id string, state State) error
	// Claim moves a job from the given state to running, failing when the job
	// has left that state. It is how a worker takes ownership of a job.
	Claim(ctx context.Context, id string, from State) error
	SetProgress(ctx context.Context, id string, progress int, step string) error
	Heartbeat(ctx context.Context, id string) error
	Checkpoint(ctx context.Context, id string, cp *Checkpoint) error
	ClearCheckpoint(ctx context.Context, id string) error
	SetError(ctx context.Context, id string, message string) error
	SetResult(ctx context.Context, id string, result json.RawMessage) error
	Cancel(ctx context.Context, id string) error

	FindRunning(ctx context.Context) ([]*Job, error)
	// FindStaleRunning returns running jobs whose last activity is older than maxIdle.
	FindStaleRunning(ctx context.Context, maxIdle time.Duration) ([]*Job, error)
	// FindResumable returns paused jobs that carry a checkpoint.
	FindResumable(ctx context.Context) ([]*Job, error)
	GetStats(ctx context.Context) (*Stats, error)
	// PurgeTerminal hard-deletes terminal jobs last active before the given time.
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
}

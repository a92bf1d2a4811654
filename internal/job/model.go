package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{StateCreated, StateRunning, StatePaused, StateCompleted, StateFailed, StateCancelled}

// transitions holds the legal edges of the lifecycle. Terminal states have none.
var transitions = map[State][]State{
	StateCreated: {StateRunning, StateCancelled},
	StateRunning: {StatePaused, StateCompleted, StateFailed, StateCancelled},
	StatePaused:  {StateRunning, StateCancelled},
}

// IsTerminal returns true for states that represent a final state.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	for _, st := range AllStates {
		if s == st {
			return true
		}
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed.
// A non-terminal state may "transition" to itself; this only refreshes activity.
func (s State) CanTransition(next State) bool {
	if s == next {
		return !s.IsTerminal()
	}
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// TransitionError describes a rejected state change.
type TransitionError struct {
	JobID string
	From  State
	To    State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot move from %s to %s", e.JobID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Checkpoint is a point-in-time snapshot of a job's partial output.
type Checkpoint struct {
	Sequence      int64           `json:"sequence"`
	PartialOutput string          `json:"partial_output"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

type Job struct {
	ID           string          `json:"job_id"`
	OwnerID      string          `json:"owner_id"`
	Type         string          `json:"type"`
	Input        json.RawMessage `json:"input,omitempty"`
	State        State           `json:"state"`
	Progress     int             `json:"progress"`
	Step         string          `json:"step,omitempty"`
	Checkpoint   *Checkpoint     `json:"checkpoint,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	CallbackURL  string          `json:"callback_url,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	FailedAt     *time.Time      `json:"failed_at,omitempty"`
	LastActivity time.Time       `json:"last_activity"`
}

// PartialOutput returns the checkpointed output, or "" when there is none.
func (j *Job) PartialOutput() string {
	if j.Checkpoint == nil {
		return ""
	}
	return j.Checkpoint.PartialOutput
}

// CreateRequest is the payload used to start a new job.
type CreateRequest struct {
	Type        string          `json:"type" validate:"required,max=64"`
	Input       json.RawMessage `json:"input,omitempty"`
	CallbackURL string          `json:"callback_url,omitempty" validate:"omitempty,url"`
}

var validate = validator.New()

func (r *CreateRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%s is invalid (%s)", jsonName(verrs[0].Field()), verrs[0].Tag())
		}
		return err
	}
	if len(r.Input) > 0 && !json.Valid(r.Input) {
		return errors.New("input must be valid JSON")
	}
	return nil
}

func jsonName(field string) string {
	switch field {
	case "Type":
		return "type"
	case "CallbackURL":
		return "callback_url"
	}
	return field
}

// Query filters List, FindOne and Count. Zero values mean "no filter".
type Query struct {
	OwnerID       string
	States        []State
	Type          string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
	Offset        int
}

// Stats aggregates the job table.
type Stats struct {
	Total             int           `json:"total"`
	ByState           map[State]int `json:"by_state"`
	Errors            int           `json:"errors"`
	AvgCompletedMilli int64         `json:"avg_completed_ms"`
}

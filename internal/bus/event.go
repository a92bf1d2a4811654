package bus

import (
	"encoding/json"
	"strings"
	"time"
)

type Kind string

const (
	KindStarted    Kind = "started"
	KindChunk      Kind = "chunk"
	KindProgress   Kind = "progress"
	KindCheckpoint Kind = "checkpoint"
	KindCompleted  Kind = "completed"
	KindFailed     Kind = "failed"
	KindCancelled  Kind = "cancelled"
	KindResumed    Kind = "resumed"
	KindPaused     Kind = "paused"
	KindRestarted  Kind = "restarted"
)

// WireName is the name clients see, e.g. "job:chunk".
func (k Kind) WireName() string {
	return "job:" + string(k)
}

// Terminal reports whether the event ends the job's stream.
func (k Kind) Terminal() bool {
	return k == KindCompleted || k == KindFailed || k == KindCancelled
}

// Event is one message about a job. Sequence is strictly increasing per job;
// zero marks an out-of-band event that bypasses ordering.
type Event struct {
	Kind      Kind            `json:"kind"`
	OwnerID   string          `json:"owner_id"`
	JobID     string          `json:"job_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Sequence  int64           `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
}

// OutOfBand reports whether the event carries no sequence number.
func (e Event) OutOfBand() bool {
	return e.Sequence == 0
}

const (
	eventsPrefix = "jobs:events:"
	cancelPrefix = "jobs:cancel:"
	pausePrefix  = "jobs:pause:"

	EventsPattern = eventsPrefix + "*"
	CancelPattern = cancelPrefix + "*"
	PausePattern  = pausePrefix + "*"
)

func EventsChannel(jobID string) string { return eventsPrefix + jobID }
func CancelChannel(jobID string) string { return cancelPrefix + jobID }
func PauseChannel(jobID string) string  { return pausePrefix + jobID }

// JobIDFromChannel returns the job id suffix of a jobs:<kind>:<id> channel.
func JobIDFromChannel(channel string) string {
	for _, p := range []string{eventsPrefix, cancelPrefix, pausePrefix} {
		if id, ok := strings.CutPrefix(channel, p); ok {
			return id
		}
	}
	return ""
}

// IsCancelChannel reports whether channel carries cancel signals.
func IsCancelChannel(channel string) bool {
	return strings.HasPrefix(channel, cancelPrefix)
}

// IsPauseChannel reports whether channel carries pause signals.
func IsPauseChannel(channel string) bool {
	return strings.HasPrefix(channel, pausePrefix)
}

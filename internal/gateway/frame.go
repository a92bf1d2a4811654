package gateway

import (
	"encoding/json"
	"time"

	"github.com/omnibrowser/jobstream/internal/bus"
)

// Frame is what a connected client receives for every job event.
type Frame struct {
	Type       string          `json:"type"`
	JobID      string          `json:"job_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Sequence   int64           `json:"sequence"`
	Timestamp  time.Time       `json:"timestamp"`
	OutOfOrder bool            `json:"out_of_order,omitempty"`
}

func newFrame(ev bus.Event, outOfOrder bool) Frame {
	return Frame{
		Type:       ev.Kind.WireName(),
		JobID:      ev.JobID,
		Payload:    ev.Payload,
		Sequence:   ev.Sequence,
		Timestamp:  ev.Timestamp,
		OutOfOrder: outOfOrder,
	}
}

func framesOf(events []bus.Event) []Frame {
	out := make([]Frame, len(events))
	for i, ev := range events {
		out[i] = newFrame(ev, false)
	}
	return out
}

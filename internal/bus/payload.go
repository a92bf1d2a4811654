package bus

import "encoding/json"

// Payload shapes carried by each event kind.

type StartedPayload struct {
	Type string `json:"type"`
	// ResumedFrom is the checkpoint sequence a resumed job continues after.
	ResumedFrom int64 `json:"resumed_from,omitempty"`
}

type ChunkPayload struct {
	Data string `json:"data"`
}

type ProgressPayload struct {
	Progress int    `json:"progress"`
	Current  int    `json:"current"`
	Total    int    `json:"total"`
	Message  string `json:"message,omitempty"`
}

type CheckpointPayload struct {
	Sequence      int64           `json:"sequence"`
	PartialOutput string          `json:"partial_output"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	// Snapshot is set when the gateway synthesizes the event from the store
	// for a client whose gap cannot be filled from the backlog.
	Snapshot bool `json:"snapshot,omitempty"`
}

type CompletedPayload struct {
	Result json.RawMessage `json:"result,omitempty"`
}

type FailedPayload struct {
	Error         string `json:"error"`
	PartialOutput string `json:"partial_output,omitempty"`
}

type PausedPayload struct {
	CheckpointSequence int64 `json:"checkpoint_sequence"`
}

// MustPayload marshals v, which must be one of the payload types above.
func MustPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("bus: marshal payload: " + err.Error())
	}
	return data
}

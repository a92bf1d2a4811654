package job

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestIsTerminal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state    State
		terminal bool
	}{
		{StateCreated, false},
		{StateRunning, false},
		{StatePaused, false},
		{StateCompleted, true},
		{StateFailed, true},
		{StateCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.state.IsTerminal(); got != tt.terminal {
			t.Errorf("State(%q).IsTerminal() = %v, want %v", tt.state, got, tt.terminal)
		}
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()
	legal := map[[2]State]bool{
		{StateCreated, StateRunning}:   true,
		{StateCreated, StateCancelled}: true,
		{StateRunning, StatePaused}:    true,
		{StateRunning, StateCompleted}: true,
		{StateRunning, StateFailed}:    true,
		{StateRunning, StateCancelled}: true,
		{StatePaused, StateRunning}:    true,
		{StatePaused, StateCancelled}:  true,
		// Self-transitions on non-terminal states only refresh activity.
		{StateCreated, StateCreated}: true,
		{StateRunning, StateRunning}: true,
		{StatePaused, StatePaused}:   true,
	}
	for _, from := range AllStates {
		for _, to := range AllStates {
			want := legal[[2]State{from, to}]
			if got := from.CanTransition(to); got != want {
				t.Errorf("%s -> %s = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	t.Parallel()
	for _, from := range []State{StateCompleted, StateFailed, StateCancelled} {
		for _, to := range AllStates {
			if from.CanTransition(to) {
				t.Errorf("%s -> %s allowed, want rejected", from, to)
			}
		}
	}
}

func TestTransitionError_Unwrap(t *testing.T) {
	t.Parallel()
	var err error = &TransitionError{JobID: "j1", From: StateCompleted, To: StateRunning}
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("errors.Is(%v, ErrInvalidTransition) = false, want true", err)
	}
}

func TestStateValid(t *testing.T) {
	t.Parallel()
	if !StatePaused.Valid() {
		t.Error("paused should be valid")
	}
	if State("queued").Valid() {
		t.Error("queued should not be valid")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		req     CreateRequest
		wantErr bool
	}{
		{"minimal", CreateRequest{Type: "echo"}, false},
		{"with input", CreateRequest{Type: "echo", Input: json.RawMessage(`{"text":"hi"}`)}, false},
		{"with callback", CreateRequest{Type: "echo", CallbackURL: "https://example.com/hook"}, false},
		{"missing type", CreateRequest{}, true},
		{"bad callback", CreateRequest{Type: "echo", CallbackURL: "not a url"}, true},
		{"bad input", CreateRequest{Type: "echo", Input: json.RawMessage(`{nope`)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPartialOutput(t *testing.T) {
	t.Parallel()
	j := &Job{}
	if got := j.PartialOutput(); got != "" {
		t.Errorf("PartialOutput() = %q, want empty", got)
	}
	j.Checkpoint = &Checkpoint{Sequence: 3, PartialOutput: "abc"}
	if got := j.PartialOutput(); got != "abc" {
		t.Errorf("PartialOutput() = %q, want %q", got, "abc")
	}
}

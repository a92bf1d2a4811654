// Package executor holds the work implementations the worker runs, keyed by job type.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/omnibrowser/jobstream/internal/worker"
)

var ErrUnknownType = errors.New("unknown job type")

// Executor performs one kind of work. Validate runs before the job is created;
// Process runs inside the worker.
type Executor interface {
	Validate(input json.RawMessage) error
	Process(ctx context.Context, s *worker.Streamer) error
}

type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

func (r *Registry) Register(jobType string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[jobType] = e
}

func (r *Registry) Lookup(jobType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, jobType)
	}
	return e, nil
}

// Validate checks that jobType is registered and that its executor accepts input.
func (r *Registry) Validate(jobType string, input json.RawMessage) error {
	e, err := r.Lookup(jobType)
	if err != nil {
		return err
	}
	return e.Validate(input)
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

var validate = validator.New()

// decodeInput strictly decodes raw into T and runs struct validation on it.
func decodeInput[T any](raw json.RawMessage) (*T, error) {
	var v T
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("decode input: %w", err)
		}
	}
	if err := validate.Struct(&v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, fmt.Errorf("input.%s is invalid (%s)", verrs[0].Field(), verrs[0].Tag())
		}
		return nil, err
	}
	return &v, nil
}

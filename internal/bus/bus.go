// Package bus moves job events and control signals between workers and gateways.
// Channels follow the jobs:<kind>:<jobId> convention and subscriptions take
// Redis-style glob patterns.
package bus

import (
	"context"
	"errors"
	"fmt"
	"path"
)

// ErrTransport is wrapped by every error caused by the underlying transport.
var ErrTransport = errors.New("bus transport error")

// TransportError records which operation failed on which channel.
type TransportError struct {
	Op      string
	Channel string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("bus %s %s: %v", e.Op, e.Channel, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// Handler receives events for a subscription. channel is the concrete channel,
// not the pattern.
type Handler func(ctx context.Context, channel string, ev Event)

type Publisher interface {
	Publish(ctx context.Context, channel string, ev Event) error
}

type Subscription interface {
	Close() error
}

// Bus is a publish/subscribe transport.
type Bus interface {
	Publisher
	// Subscribe registers h for every channel matching pattern. The subscription
	// ends when ctx is done or Close is called.
	Subscribe(ctx context.Context, pattern string, h Handler) (Subscription, error)
	Close() error
}

// Match reports whether channel matches a glob pattern ("*" matches any run of characters).
func Match(pattern, channel string) bool {
	ok, err := path.Match(pattern, channel)
	return err == nil && ok
}

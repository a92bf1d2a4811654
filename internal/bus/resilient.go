package bus

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/omnibrowser/jobstream/internal/logger"
)

// RetryPolicy controls publish retries: exponential backoff with full jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   50 * time.Millisecond,
	MaxDelay:    time.Second,
}

// Resilient wraps a Bus so that Publish retries transport errors and stops
// calling the transport while its circuit breaker is open.
type Resilient struct {
	Bus
	policy RetryPolicy
	cb     *gobreaker.CircuitBreaker
	log    *zap.Logger
}

func NewResilient(b Bus, policy RetryPolicy, log *zap.Logger) *Resilient {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	log = logger.OrNop(log)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bus-publish",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})
	return &Resilient{Bus: b, policy: policy, cb: cb, log: log}
}

func (r *Resilient) Publish(ctx context.Context, channel string, ev Event) error {
	var err error
	for attempt := range r.policy.MaxAttempts {
		if attempt > 0 {
			t := time.NewTimer(r.backoff(attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return &TransportError{Op: "publish", Channel: channel, Err: ctx.Err()}
			case <-t.C:
			}
		}

		_, err = r.cb.Execute(func() (any, error) {
			return nil, r.Bus.Publish(ctx, channel, ev)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if !errors.Is(err, ErrTransport) {
			// Encoding errors will not get better with a retry.
			return err
		}
	}

	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: "publish", Channel: channel, Err: err}
}

// State exposes the breaker state for health reporting.
func (r *Resilient) State() gobreaker.State {
	return r.cb.State()
}

func (r *Resilient) backoff(attempt int) time.Duration {
	d := r.policy.BaseDelay << (attempt - 1)
	if d <= 0 || d > r.policy.MaxDelay {
		d = r.policy.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	return rand.N(d)
}

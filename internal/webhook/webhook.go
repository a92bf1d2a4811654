// Package webhook delivers terminal job notifications to per-job callback URLs.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omnibrowser/jobstream/internal/job"
	"github.com/omnibrowser/jobstream/internal/logger"
)

const (
	defaultAttempts = 8
	defaultBase     = time.Second
	defaultCap      = 5 * time.Minute
)

// Notification is the JSON body POSTed to a job's callback URL.
type Notification struct {
	JobID         string          `json:"job_id"`
	OwnerID       string          `json:"owner_id"`
	Type          string          `json:"type"`
	State         job.State       `json:"state"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	PartialOutput string          `json:"partial_output,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

type Options struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
	Client   *http.Client
	// AllowPrivate disables the private address check. Tests only.
	AllowPrivate bool
	Logger       *zap.Logger
}

// Sender posts notifications with full-jitter exponential backoff.
type Sender struct {
	opts Options
	log  *zap.Logger
	wg   sync.WaitGroup
}

func NewSender(opts Options) *Sender {
	if opts.Attempts < 1 {
		opts.Attempts = defaultAttempts
	}
	if opts.Base <= 0 {
		opts.Base = defaultBase
	}
	if opts.Cap <= 0 {
		opts.Cap = defaultCap
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Sender{opts: opts, log: logger.OrNop(opts.Logger)}
}

// Notify sends j's terminal state to its callback URL in the background.
// Jobs without a callback URL or in a non-terminal state are ignored.
// ctx should outlive the job (context.WithoutCancel) and end on shutdown.
func (s *Sender) Notify(ctx context.Context, j *job.Job) {
	if j.CallbackURL == "" || !j.State.IsTerminal() {
		return
	}
	if !s.opts.AllowPrivate {
		if err := validateURL(j.CallbackURL); err != nil {
			s.log.Warn("rejected callback URL", zap.String("job_id", j.ID), zap.String("url", j.CallbackURL), zap.Error(err))
			return
		}
	}

	payload, err := json.Marshal(Notification{
		JobID:         j.ID,
		OwnerID:       j.OwnerID,
		Type:          j.Type,
		State:         j.State,
		Result:        j.Result,
		Error:         j.Error,
		PartialOutput: j.PartialOutput(),
		Timestamp:     j.LastActivity,
	})
	if err != nil {
		s.log.Error("marshal notification", zap.String("job_id", j.ID), zap.Error(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.send(ctx, j.ID, j.CallbackURL, payload)
	}()
}

// Wait blocks until every in-flight notification finished or gave up.
func (s *Sender) Wait() {
	s.wg.Wait()
}

// validateURL blocks non-HTTP schemes and private/internal IP ranges.
func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	ips, err := net.LookupHost(u.Hostname())
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}
	return nil
}

func (s *Sender) send(ctx context.Context, jobID, callbackURL string, payload []byte) {
	log := s.log.With(zap.String("job_id", jobID), zap.String("url", callbackURL))
	for attempt := 1; attempt <= s.opts.Attempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := s.post(ctx, callbackURL, payload)
		if err == nil {
			log.Debug("webhook delivered", zap.Int("attempt", attempt))
			return
		}
		log.Warn("webhook attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < s.opts.Attempts {
			t := time.NewTimer(s.jitter(attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
	log.Error("webhook retries exhausted")
}

// jitter returns a random duration in [0, min(cap, base*2^attempt)).
func (s *Sender) jitter(attempt int) time.Duration {
	exp := s.opts.Base * (1 << attempt)
	if exp > s.opts.Cap || exp <= 0 {
		exp = s.opts.Cap
	}
	return rand.N(exp)
}

func (s *Sender) post(ctx context.Context, callbackURL string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.opts.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}

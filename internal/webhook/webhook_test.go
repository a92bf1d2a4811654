package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/omnibrowser/jobstream/internal/job"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{
			name:    "valid public IP",
			url:     "http://93.184.216.34/hook",
			wantErr: false,
		},
		{
			name:    "invalid scheme ftp",
			url:     "ftp://example.com/hook",
			wantErr: true,
		},
		{
			name:    "loopback IP blocked",
			url:     "http://127.0.0.1/hook",
			wantErr: true,
		},
		{
			name:    "private IP blocked",
			url:     "http://10.0.0.8/hook",
			wantErr: true,
		},
		{
			name:    "link-local IP blocked (cloud metadata)",
			url:     "http://169.254.169.254/hook",
			wantErr: true,
		},
		{
			name:    "garbled URL",
			url:     "://not a valid url%%",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestNotify_DeliversAfterRetry(t *testing.T) {
	var calls atomic.Int32
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewSender(Options{Attempts: 3, Base: time.Millisecond, Cap: 5 * time.Millisecond, AllowPrivate: true})
	s.Notify(context.Background(), &job.Job{
		ID:          "j1",
		OwnerID:     "alice",
		State:       job.StateFailed,
		Error:       "boom",
		Checkpoint:  &job.Checkpoint{PartialOutput: "half"},
		CallbackURL: srv.URL,
	})
	s.Wait()

	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	if got.JobID != "j1" || got.State != job.StateFailed || got.Error != "boom" || got.PartialOutput != "half" {
		t.Errorf("notification = %+v", got)
	}
}

func TestNotify_SkipsNonTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	s := NewSender(Options{AllowPrivate: true})
	s.Notify(context.Background(), &job.Job{ID: "j1", State: job.StateRunning, CallbackURL: srv.URL})
	s.Notify(context.Background(), &job.Job{ID: "j2", State: job.StateCompleted})
	s.Wait()

	if calls.Load() != 0 {
		t.Errorf("calls = %d, want 0", calls.Load())
	}
}

func TestNotify_RejectsPrivateByDefault(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	s := NewSender(Options{})
	s.Notify(context.Background(), &job.Job{ID: "j1", State: job.StateCompleted, CallbackURL: srv.URL})
	s.Wait()

	if calls.Load() != 0 {
		t.Errorf("calls = %d, want 0 for loopback callback", calls.Load())
	}
}

func TestJitterBounded(t *testing.T) {
	s := NewSender(Options{Base: time.Second, Cap: 5 * time.Second})
	for attempt := 1; attempt <= 10; attempt++ {
		if d := s.jitter(attempt); d < 0 || d >= 5*time.Second {
			t.Errorf("jitter(%d) = %v, want in [0, 5s)", attempt, d)
		}
	}
}

package main

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/omnibrowser/jobstream/internal/bus"
	"github.com/omnibrowser/jobstream/internal/config"
)

func TestNewBus(t *testing.T) {
	t.Parallel()
	b, err := newBus(context.Background(), &config.Config{Bus: "memory"}, zap.NewNop())
	if err != nil {
		t.Fatalf("newBus(memory) error = %v", err)
	}
	defer b.Close()
	if _, ok := b.(*bus.MemoryBus); !ok {
		t.Errorf("newBus(memory) = %T, want *bus.MemoryBus", b)
	}

	if _, err := newBus(context.Background(), &config.Config{Bus: "kafka"}, zap.NewNop()); err == nil {
		t.Error("newBus(kafka) error = nil, want error")
	}
}

func TestNewRegistry(t *testing.T) {
	t.Parallel()
	r := newRegistry(&config.Config{CLIPath: "claude", CLIModel: "haiku"})
	if err := r.Validate("echo", json.RawMessage(`{"text":"hi"}`)); err != nil {
		t.Errorf("Validate(echo) error = %v", err)
	}
	if err := r.Validate("nope", nil); err == nil {
		t.Error("Validate(nope) error = nil, want unknown type")
	}
}

func TestNewAuthenticator(t *testing.T) {
	t.Parallel()
	auth := newAuthenticator(&config.Config{APIKeys: []string{"alice:k1"}, JWTSecret: "s3cret"})

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-API-Key", "k1")
	if owner, err := auth.Authenticate(r); err != nil || owner != "alice" {
		t.Errorf("api key: owner = %q, err = %v", owner, err)
	}

	r = httptest.NewRequest("GET", "/", nil)
	if _, err := auth.Authenticate(r); err == nil {
		t.Error("no credentials: err = nil, want error")
	}
}

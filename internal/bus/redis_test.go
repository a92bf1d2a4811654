package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisBus(t *testing.T) (*RedisBus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := NewRedisBus(context.Background(), RedisOptions{Addr: mr.Addr()}, nil)
	if err != nil {
		t.Fatalf("NewRedisBus: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b, mr
}

func TestRedisBus_PublishSubscribe(t *testing.T) {
	b, _ := newTestRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Event, 10)
	channels := make(chan string, 10)
	_, err := b.Subscribe(ctx, EventsPattern, func(_ context.Context, channel string, ev Event) {
		channels <- channel
		got <- ev
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := int64(1); i <= 3; i++ {
		ev := Event{Kind: KindChunk, JobID: "j1", OwnerID: "alice", Sequence: i, Payload: []byte(`"x"`)}
		if err := b.Publish(ctx, EventsChannel("j1"), ev); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	for i := int64(1); i <= 3; i++ {
		select {
		case ev := <-got:
			if ev.Sequence != i {
				t.Errorf("Sequence = %d, want %d", ev.Sequence, i)
			}
			if ev.OwnerID != "alice" || ev.Kind != KindChunk {
				t.Errorf("event = %+v, want alice/chunk", ev)
			}
			if ch := <-channels; ch != "jobs:events:j1" {
				t.Errorf("channel = %q, want %q", ch, "jobs:events:j1")
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestRedisBus_PublishAfterServerClose(t *testing.T) {
	b, mr := newTestRedisBus(t)
	mr.Close()

	err := b.Publish(context.Background(), EventsChannel("j1"), Event{JobID: "j1"})
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Publish error = %v, want ErrTransport", err)
	}
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "publish" {
		t.Errorf("error = %#v, want *TransportError{Op: publish}", err)
	}
}

func TestNewRedisBus_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := NewRedisBus(ctx, RedisOptions{Addr: "127.0.0.1:1"}, nil)
	if !errors.Is(err, ErrTransport) {
		t.Errorf("NewRedisBus error = %v, want ErrTransport", err)
	}
}

package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/omnibrowser/jobstream/internal/bus"
)

type emitted struct {
	seq        int64
	outOfOrder bool
}

type sink struct {
	mu  sync.Mutex
	out []emitted
}

func (s *sink) emit(ev bus.Event, outOfOrder bool) {
	s.mu.Lock()
	s.out = append(s.out, emitted{ev.Sequence, outOfOrder})
	s.mu.Unlock()
}

func (s *sink) snapshot() []emitted {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]emitted(nil), s.out...)
}

func newTestSequencer(t *testing.T, wait time.Duration) (*Sequencer, *sink) {
	t.Helper()
	out := &sink{}
	s, err := NewSequencer(100, wait, out.emit)
	if err != nil {
		t.Fatalf("NewSequencer: %v", err)
	}
	t.Cleanup(s.Close)
	return s, out
}

func ev(kind bus.Kind, seq int64) bus.Event {
	return bus.Event{Kind: kind, JobID: "j1", OwnerID: "alice", Sequence: seq}
}

func TestSequencer_InOrderAndDuplicates(t *testing.T) {
	t.Parallel()
	s, out := newTestSequencer(t, time.Hour)

	s.Push(ev(bus.KindStarted, 1))
	s.Push(ev(bus.KindChunk, 2))
	s.Push(ev(bus.KindChunk, 2))
	s.Push(ev(bus.KindStarted, 1))
	s.Push(ev(bus.KindChunk, 3))

	got := out.snapshot()
	want := []emitted{{1, false}, {2, false}, {3, false}}
	if len(got) != len(want) {
		t.Fatalf("emitted %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("emitted[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if s.Last("j1") != 3 {
		t.Errorf("Last() = %d, want 3", s.Last("j1"))
	}
}

func TestSequencer_ReordersWithinWindow(t *testing.T) {
	t.Parallel()
	s, out := newTestSequencer(t, time.Hour)

	s.Push(ev(bus.KindStarted, 1))
	s.Push(ev(bus.KindChunk, 3))
	s.Push(ev(bus.KindChunk, 4))
	if n := len(out.snapshot()); n != 1 {
		t.Fatalf("emitted %d events before the gap closed, want 1", n)
	}
	s.Push(ev(bus.KindChunk, 2))

	got := out.snapshot()
	for i, e := range got {
		if e.seq != int64(i+1) || e.outOfOrder {
			t.Errorf("emitted[%d] = %v, want {%d false}", i, e, i+1)
		}
	}
	if len(got) != 4 {
		t.Errorf("emitted %d events, want 4", len(got))
	}
}

func TestSequencer_FlushesAfterWait(t *testing.T) {
	t.Parallel()
	s, out := newTestSequencer(t, 20*time.Millisecond)

	s.Push(ev(bus.KindStarted, 1))
	s.Push(ev(bus.KindChunk, 4))
	s.Push(ev(bus.KindChunk, 3))

	deadline := time.Now().Add(2 * time.Second)
	for len(out.snapshot()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := out.snapshot()
	want := []emitted{{1, false}, {3, true}, {4, true}}
	if len(got) != len(want) {
		t.Fatalf("emitted %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("emitted[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	// The missing event is now late and dropped.
	s.Push(ev(bus.KindChunk, 2))
	if n := len(out.snapshot()); n != 3 {
		t.Errorf("late event emitted, total %d, want 3", n)
	}
}

func TestSequencer_OutOfBandBypassesOrdering(t *testing.T) {
	t.Parallel()
	s, out := newTestSequencer(t, time.Hour)

	s.Push(ev(bus.KindStarted, 1))
	s.Push(ev(bus.KindChunk, 5))
	s.Push(ev(bus.KindFailed, 0))

	got := out.snapshot()
	if len(got) != 2 || got[1].seq != 0 {
		t.Errorf("emitted %v, want started then the out-of-band event", got)
	}
}

func waitEmitted(out *sink, n int) []emitted {
	deadline := time.Now().Add(2 * time.Second)
	for len(out.snapshot()) < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return out.snapshot()
}

func TestSequencer_MidStreamBaseline(t *testing.T) {
	t.Parallel()
	s, out := newTestSequencer(t, 20*time.Millisecond)

	// 41 overtakes 40 on first sight of the job; neither is lost.
	s.Push(ev(bus.KindChunk, 41))
	s.Push(ev(bus.KindChunk, 40))
	s.Push(ev(bus.KindChunk, 43))
	if n := len(out.snapshot()); n != 0 {
		t.Fatalf("emitted %d events before the window closed, want 0", n)
	}

	got := waitEmitted(out, 3)
	want := []emitted{{40, false}, {41, false}, {43, true}}
	if len(got) != len(want) {
		t.Fatalf("emitted %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("emitted[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	s.Push(ev(bus.KindChunk, 44))
	s.Push(ev(bus.KindChunk, 39))
	if got := out.snapshot(); len(got) != 4 || got[3] != (emitted{44, false}) {
		t.Errorf("after baseline emitted %v, want 44 in order and 39 dropped", got)
	}
}

func TestSequencer_StartAnchorsImmediately(t *testing.T) {
	t.Parallel()
	s, out := newTestSequencer(t, time.Hour)

	s.Push(ev(bus.KindChunk, 2))
	s.Push(ev(bus.KindStarted, 1))
	got := out.snapshot()
	if len(got) != 2 || got[0] != (emitted{1, false}) || got[1] != (emitted{2, false}) {
		t.Errorf("emitted %v, want 1 and 2 in order without waiting", got)
	}
	if s.Last("j1") != 2 {
		t.Errorf("Last() = %d, want 2", s.Last("j1"))
	}
}

func TestSequencer_RestartResetsOrdering(t *testing.T) {
	t.Parallel()
	s, out := newTestSequencer(t, time.Hour)

	s.Push(ev(bus.KindStarted, 1))
	s.Push(ev(bus.KindChunk, 2))
	s.Push(ev(bus.KindPaused, 3))
	s.Push(ev(bus.KindRestarted, 1))
	s.Push(ev(bus.KindChunk, 2))

	got := out.snapshot()
	if len(got) != 5 {
		t.Fatalf("emitted %v, want 5 events", got)
	}
	if got[3].seq != 1 || got[4].seq != 2 {
		t.Errorf("after restart emitted %v, want sequences 1 and 2", got[3:])
	}
}

func TestSequencer_ResumeRewindsToCheckpoint(t *testing.T) {
	t.Parallel()
	s, out := newTestSequencer(t, time.Hour)

	for seq := int64(1); seq <= 8; seq++ {
		s.Push(ev(bus.KindChunk, seq))
	}
	// A recovered job resumes after checkpoint 5 and re-emits 6 onwards.
	s.Push(ev(bus.KindResumed, 6))
	s.Push(ev(bus.KindChunk, 7))

	got := out.snapshot()
	if len(got) != 10 {
		t.Fatalf("emitted %d events, want 10", len(got))
	}
	if got[8].seq != 6 || got[9].seq != 7 {
		t.Errorf("after resume emitted %v, want 6 and 7", got[8:])
	}
}

package gateway

import (
	"testing"

	"github.com/omnibrowser/jobstream/internal/bus"
)

func seqs(events []bus.Event) []int64 {
	out := make([]int64, len(events))
	for i, ev := range events {
		out[i] = ev.Sequence
	}
	return out
}

func equalSeqs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func fill(b *Backlog, from, to int64) {
	for s := from; s <= to; s++ {
		b.Append(bus.Event{Kind: bus.KindChunk, JobID: "j1", Sequence: s})
	}
}

func TestBacklog_EvictsOldest(t *testing.T) {
	t.Parallel()
	b := NewBacklog(3)
	fill(b, 1, 5)

	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", b.Len())
	}
	if got := b.Oldest(); got != 3 {
		t.Errorf("Oldest() = %d, want 3", got)
	}
	if got := seqs(b.Since(0)); !equalSeqs(got, []int64{3, 4, 5}) {
		t.Errorf("Since(0) = %v, want [3 4 5]", got)
	}
}

func TestBacklog_SinceAndTail(t *testing.T) {
	t.Parallel()
	b := NewBacklog(10)
	fill(b, 1, 6)

	if got := seqs(b.Since(4)); !equalSeqs(got, []int64{5, 6}) {
		t.Errorf("Since(4) = %v, want [5 6]", got)
	}
	if got := b.Since(6); len(got) != 0 {
		t.Errorf("Since(6) = %v, want empty", seqs(got))
	}
	if got := seqs(b.Tail(2)); !equalSeqs(got, []int64{5, 6}) {
		t.Errorf("Tail(2) = %v, want [5 6]", got)
	}
	if got := seqs(b.Tail(50)); len(got) != 6 {
		t.Errorf("Tail(50) returned %d events, want 6", len(got))
	}
}

func TestBacklog_IgnoresOutOfBand(t *testing.T) {
	t.Parallel()
	b := NewBacklog(10)
	b.Append(bus.Event{Kind: bus.KindFailed, JobID: "j1"})
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0", b.Len())
	}
}

func TestBacklog_TruncateAndReset(t *testing.T) {
	t.Parallel()
	b := NewBacklog(4)
	fill(b, 1, 6)

	b.TruncateFrom(5)
	if got := seqs(b.Since(0)); !equalSeqs(got, []int64{3, 4}) {
		t.Errorf("after TruncateFrom(5) = %v, want [3 4]", got)
	}
	fill(b, 5, 7)
	if got := seqs(b.Since(0)); !equalSeqs(got, []int64{4, 5, 6, 7}) {
		t.Errorf("after refill = %v, want [4 5 6 7]", got)
	}

	b.Reset()
	if b.Len() != 0 || b.Oldest() != 0 {
		t.Errorf("after Reset Len=%d Oldest=%d, want 0 0", b.Len(), b.Oldest())
	}
}

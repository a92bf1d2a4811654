package gateway

import (
	"sync"

	"github.com/omnibrowser/jobstream/internal/bus"
)

// DefaultBacklogCapacity is the number of events kept per job.
const DefaultBacklogCapacity = 200

// Backlog is a fixed-size ring of the most recent events of one job, in
// sequence order. Out-of-band events are never stored.
type Backlog struct {
	mu    sync.Mutex
	buf   []bus.Event
	start int
	n     int
}

func NewBacklog(capacity int) *Backlog {
	if capacity < 1 {
		capacity = DefaultBacklogCapacity
	}
	return &Backlog{buf: make([]bus.Event, capacity)}
}

// Append stores ev, evicting the oldest event when full.
func (b *Backlog) Append(ev bus.Event) {
	if ev.OutOfBand() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.n < len(b.buf) {
		b.buf[(b.start+b.n)%len(b.buf)] = ev
		b.n++
		return
	}
	b.buf[b.start] = ev
	b.start = (b.start + 1) % len(b.buf)
}

func (b *Backlog) at(i int) bus.Event {
	return b.buf[(b.start+i)%len(b.buf)]
}

// Since returns the stored events with a sequence greater than seq.
func (b *Backlog) Since(seq int64) []bus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []bus.Event
	for i := 0; i < b.n; i++ {
		if ev := b.at(i); ev.Sequence > seq {
			out = append(out, ev)
		}
	}
	return out
}

// Tail returns up to n of the most recent events, oldest first.
func (b *Backlog) Tail(n int) []bus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.n {
		n = b.n
	}
	out := make([]bus.Event, 0, n)
	for i := b.n - n; i < b.n; i++ {
		out = append(out, b.at(i))
	}
	return out
}

// Oldest returns the sequence of the oldest stored event, or 0 when empty.
func (b *Backlog) Oldest() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.n == 0 {
		return 0
	}
	return b.at(0).Sequence
}

func (b *Backlog) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// TruncateFrom drops every event with a sequence of seq or higher. A resumed
// job re-emits everything after its checkpoint.
func (b *Backlog) TruncateFrom(seq int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.n > 0 && b.at(b.n-1).Sequence >= seq {
		b.n--
	}
}

func (b *Backlog) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.start, b.n = 0, 0
}

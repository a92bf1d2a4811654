package gateway

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/omnibrowser/jobstream/internal/bus"
)

// DefaultReorderWait is how long a gap in a job's sequence is held open.
const DefaultReorderWait = 500 * time.Millisecond

type emitFunc func(ev bus.Event, outOfOrder bool)

type ordering struct {
	last int64
	// anchored is false until last is known. A job first seen mid-stream is
	// anchored when its reorder window closes.
	anchored bool
	pending  map[int64]bus.Event
	timer    *time.Timer
	gen      int
}

func (o *ordering) stop() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.gen++
}

// Sequencer restores per-job order. In-order events are emitted at once,
// duplicates are dropped and events after a gap wait up to the reorder window
// before being flushed with the out-of-order flag set.
type Sequencer struct {
	mu   sync.Mutex
	wait time.Duration
	jobs *lru.Cache[string, *ordering]
	emit emitFunc
}

// NewSequencer tracks at most size jobs; the least recently active is forgotten first.
func NewSequencer(size int, wait time.Duration, emit emitFunc) (*Sequencer, error) {
	if wait <= 0 {
		wait = DefaultReorderWait
	}
	jobs, err := lru.NewWithEvict(size, func(_ string, o *ordering) { o.stop() })
	if err != nil {
		return nil, err
	}
	return &Sequencer{wait: wait, jobs: jobs, emit: emit}, nil
}

// Push feeds one event. emit is called synchronously for every event that is
// ready, under the sequencer lock, so deliveries for all jobs are serialized.
func (s *Sequencer) Push(ev bus.Event) {
	if ev.OutOfBand() {
		s.emit(ev, false)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.jobs.Get(ev.JobID)
	if !ok {
		o = &ordering{pending: make(map[int64]bus.Event)}
		s.jobs.Add(ev.JobID, o)
	}

	switch {
	case ev.Kind == bus.KindRestarted, ev.Kind == bus.KindResumed:
		// The worker starts a new run at this sequence; anything held from
		// the previous run is obsolete.
		o.stop()
		clear(o.pending)
		o.last = ev.Sequence - 1
		o.anchored = true
	case !o.anchored && (ev.Kind == bus.KindStarted || ev.Sequence == 1):
		o.last = ev.Sequence - 1
		o.anchored = true
	}

	if !o.anchored {
		// First sight of a job mid-stream: an earlier event may still be in
		// flight, so hold everything until the window closes.
		o.pending[ev.Sequence] = ev
		s.arm(o)
		return
	}

	switch {
	case ev.Sequence <= o.last:
		return
	case ev.Sequence == o.last+1:
		s.emit(ev, false)
		o.last = ev.Sequence
		s.drain(o)
	default:
		o.pending[ev.Sequence] = ev
		s.arm(o)
	}
}

// arm starts the reorder window for o unless one is already open.
func (s *Sequencer) arm(o *ordering) {
	if o.timer != nil {
		return
	}
	o.gen++
	gen := o.gen
	o.timer = time.AfterFunc(s.wait, func() { s.flush(o, gen) })
}

// drain emits pending events that have become contiguous.
func (s *Sequencer) drain(o *ordering) {
	for {
		ev, ok := o.pending[o.last+1]
		if !ok {
			break
		}
		delete(o.pending, ev.Sequence)
		s.emit(ev, false)
		o.last = ev.Sequence
	}
	if len(o.pending) == 0 {
		o.stop()
	}
}

func (s *Sequencer) flush(o *ordering, gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.gen != gen {
		return
	}
	o.timer = nil
	seqs := make([]int64, 0, len(o.pending))
	for seq := range o.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	if len(seqs) == 0 {
		return
	}
	// An anchored job only holds events behind a gap. An unanchored one takes
	// its lowest held sequence as the baseline and is in order up to its first gap.
	outOfOrder := o.anchored
	if !o.anchored {
		o.last = seqs[0] - 1
		o.anchored = true
	}
	for _, seq := range seqs {
		if seq != o.last+1 {
			outOfOrder = true
		}
		s.emit(o.pending[seq], outOfOrder)
		o.last = seq
	}
	clear(o.pending)
}

// Locked runs fn while no event is being emitted.
func (s *Sequencer) Locked(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// Last returns the highest sequence emitted for jobID.
func (s *Sequencer) Last(jobID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.jobs.Peek(jobID); ok {
		return o.last
	}
	return 0
}

// Close stops every pending flush timer.
func (s *Sequencer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs.Purge()
}

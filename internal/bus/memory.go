package bus

import (
	"context"
	"sync"
)

// MemoryBus delivers events synchronously, in publish order, to handlers in the
// same process. It is the default for single-instance deployments and tests.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int]*memorySub
	nextID int
}

type memorySub struct {
	bus     *MemoryBus
	id      int
	pattern string
	handler Handler
	ctx     context.Context
	once    sync.Once
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]*memorySub)}
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, ev Event) error {
	b.mu.RLock()
	var matched []*memorySub
	for _, s := range b.subs {
		if Match(s.pattern, channel) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	// Handlers run without the lock so they may publish themselves.
	for _, s := range matched {
		if s.ctx.Err() != nil {
			continue
		}
		s.handler(s.ctx, channel, ev)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, pattern string, h Handler) (Subscription, error) {
	b.mu.Lock()
	b.nextID++
	s := &memorySub{bus: b, id: b.nextID, pattern: pattern, handler: h, ctx: ctx}
	b.subs[s.id] = s
	b.mu.Unlock()

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			s.Close()
		}()
	}
	return s, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.subs = make(map[int]*memorySub)
	b.mu.Unlock()
	return nil
}

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
	})
	return nil
}

package bus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-memory event bus. Slow subscribers lose events rather than
// stall publishers.
type MemBus struct {
	mu         sync.RWMutex
	subs       map[string][]*memSub // tool -> subscribers
	globalSubs []*memSub
	bufSize    int
	closed     bool
	seq        atomic.Uint64
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		subs:    make(map[string][]*memSub),
		bufSize: bufSize,
	}
}

// Publish stamps the event with the next sequence number and sends it to the
// tool's subscribers and to global subscribers. Events published after Close
// are dropped.
func (b *MemBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	event.Seq = b.seq.Add(1)
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	for _, sub := range b.subs[event.Tool] {
		sub.send(event)
	}
	for _, sub := range b.globalSubs {
		sub.send(event)
	}
}

// Subscribe registers a subscriber for one tool.
func (b *MemBus) Subscribe(tool string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b, tool, b.bufSize)
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[tool] = append(b.subs[tool], sub)
	return sub
}

// SubscribeAll registers a subscriber that receives every event.
func (b *MemBus) SubscribeAll() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b, "", b.bufSize)
	sub.global = true
	if b.closed {
		sub.close()
		return sub
	}
	b.globalSubs = append(b.globalSubs, sub)
	return sub
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range b.globalSubs {
		sub.close()
	}
	b.subs = make(map[string][]*memSub)
	b.globalSubs = nil
	return nil
}

func (b *MemBus) remove(sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.global {
		b.globalSubs = slices.DeleteFunc(b.globalSubs, func(s *memSub) bool { return s == sub })
		return
	}
	b.subs[sub.tool] = slices.DeleteFunc(b.subs[sub.tool], func(s *memSub) bool { return s == sub })
	if len(b.subs[sub.tool]) == 0 {
		delete(b.subs, sub.tool)
	}
}

// memSub is an in-memory subscription.
type memSub struct {
	bus    *MemBus
	tool   string
	global bool

	ch      chan Event
	mu      sync.Mutex
	closed  bool
	dropped atomic.Int64
}

func newMemSub(b *MemBus, tool string, bufSize int) *memSub {
	return &memSub{
		bus:  b,
		tool: tool,
		ch:   make(chan Event, bufSize),
	}
}

// Events returns a channel of events for this subscription.
func (s *memSub) Events() <-chan Event {
	return s.ch
}

// Close unsubscribes and releases resources.
func (s *memSub) Close() error {
	s.bus.remove(s)
	s.close()
	return nil
}

func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers an event. If the channel is full or the subscription is
// closed, the event is dropped.
func (s *memSub) send(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		s.dropped.Add(1)
	}
}

var (
	_ EventBus     = (*MemBus)(nil)
	_ Subscription = (*memSub)(nil)
)

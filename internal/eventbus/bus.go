// Package eventbus is an in-process fanout for relay lifecycle events.
//
// Publish never blocks. Subscribers get a buffered channel and miss events
// when they fall behind.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the relay.
const (
	TopicCaptured     = "forward.captured"
	TopicDispatched   = "forward.dispatched"
	TopicDelivered    = "forward.delivered"
	TopicStats        = "forward.stats"
	TopicScheduleRun  = "schedule.run"
	TopicScheduleSkip = "schedule.skipped"
	TopicConfigReload = "config.reloaded"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[*subscriber]struct{}{}}
}

type subscriber struct {
	ch     chan Event
	closed bool
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

// Publish holds the read lock for the whole fanout. Sends never block, and
// unsubscribe closes a channel only under the write lock.
func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, max(buffer, 1))}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return s.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if !s.closed {
			s.closed = true
			delete(b.subs, s)
			close(s.ch)
		}
	}
}

// Dropped reports how many events slow subscribers missed on b.
// It returns 0 for buses not created by New.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}

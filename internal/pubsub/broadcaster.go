package pubsub

import (
	"sync"
	"sync/atomic"
)

const DefaultBuffer = 64

// Broadcaster fans values out to subscribers. Each subscriber gets its own
// buffered channel, so per-subscriber order is preserved; a subscriber whose
// buffer is full misses the value (at-most-once delivery).
type Broadcaster[T any] struct {
	subscribers map[uint64]chan T
	nextID      atomic.Uint64
	dropped     atomic.Uint64
	buffer      int
	closed      bool
	mu          sync.RWMutex
	listeners   sync.WaitGroup
}

func NewBroadcaster[T any](buffer int) *Broadcaster[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster[T]{
		subscribers: make(map[uint64]chan T),
		buffer:      buffer,
	}
}

func (b *Broadcaster[T]) Subscribe() (uint64, <-chan T) {
	id := b.nextID.Add(1)
	ch := make(chan T, b.buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch
	return id, ch
}

func (b *Broadcaster[T]) Unsubscribe(id uint64) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

// Publish returns how many subscribers received v.
func (b *Broadcaster[T]) Publish(v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, ch := range b.subscribers {
		select {
		case ch <- v:
			delivered++
		default:
			// Skip slow subscribers
			b.dropped.Add(1)
		}
	}
	return delivered
}

// Listen runs handler for every published value on its own goroutine until
// the returned stop func is called or the broadcaster is closed.
func (b *Broadcaster[T]) Listen(handler func(T)) (stop func()) {
	id, ch := b.Subscribe()
	b.listeners.Add(1)
	go func() {
		defer b.listeners.Done()
		for v := range ch {
			handler(v)
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { b.Unsubscribe(id) })
	}
}

func (b *Broadcaster[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broadcaster[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels. Later Subscribe calls get a closed
// channel.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Wait blocks until every Listen goroutine has returned. Must not be called
// from inside a handler.
func (b *Broadcaster[T]) Wait() {
	b.listeners.Wait()
}

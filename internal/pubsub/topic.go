// Package pubsub provides a typed observer list with unsubscribe handles.
package pubsub

import (
	"sort"
	"sync"

	"github.com/kimhsiao/offlinesync/internal/logging"
)

// Topic delivers published values to every current subscriber, synchronously
// and in subscription order.
type Topic[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]func(T)
	nextID uint64
}

// NewTopic creates an empty topic.
func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{subs: make(map[uint64]func(T))}
}

// Subscribe registers fn and returns a handle that removes it. The handle is
// safe to call more than once.
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.subs[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

// Publish calls every subscriber with v. Subscribers run outside the lock, so
// they may subscribe or unsubscribe from inside the callback. A panicking
// subscriber is logged and does not stop delivery to the others.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	ids := make([]uint64, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(T), len(ids))
	for i, id := range ids {
		fns[i] = t.subs[id]
	}
	t.mu.RUnlock()

	for _, fn := range fns {
		deliver(fn, v)
	}
}

func deliver[T any](fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("subscriber panicked", map[string]interface{}{"panic": r})
		}
	}()
	fn(v)
}

// Len returns the number of subscribers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Package emitter provides the ordered callback registries the sync core
// fans events out through. Delivery order is registration order and every
// Subscribe returns its own unsubscribe handle, so independent consumers can
// come and go without affecting each other.
package emitter

import "sync"

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Registry is a set of callbacks for one event stream.
type Registry[T any] struct {
	mu   sync.Mutex
	next uint64
	subs []subscriber[T]
}

// Subscribe registers fn and returns a handle that removes it. Unsubscribing
// twice is harmless.
func (r *Registry[T]) Subscribe(fn func(T)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	r.subs = append(r.subs, subscriber[T]{id: id, fn: fn})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.subs {
			if s.id == id {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish invokes every registered callback in registration order. Callbacks
// run synchronously on the caller's goroutine; a subscriber registered or
// removed during delivery takes effect from the next Publish.
func (r *Registry[T]) Publish(v T) {
	r.mu.Lock()
	subs := make([]subscriber[T], len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	for _, s := range subs {
		s.fn(v)
	}
}

// Len reports the number of registered subscribers.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

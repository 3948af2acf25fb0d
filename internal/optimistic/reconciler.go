// Package optimistic implements the apply-then-reconcile pattern used
// wherever a local action must feel instantaneous: the tentative value is
// visible immediately and is later confirmed by the authoritative response
// (or a pushed event) or rolled back to the previous value.
package optimistic

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"garden-sync/internal/emitter"
)

// Status of a mutation slot.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusRolledBack Status = "rolled_back"
)

// Change notifies subscribers that the visible value for a key moved.
type Change[T any] struct {
	Key   string
	Value T
}

type mutation[T any] struct {
	id          string
	applied     T
	previous    T
	status      Status
	submittedAt time.Time
	timer       *time.Timer
}

// Reconciler tracks one optimistic slot per target key. Mutations on
// different keys are independent; a new mutation on a still-pending key
// supersedes it, inheriting its previous value so a later rollback restores
// the true pre-optimistic state.
type Reconciler[T any] struct {
	mu      sync.Mutex
	timeout time.Duration
	logger  *slog.Logger
	values  map[string]T
	pending map[string]*mutation[T]
	subs    emitter.Registry[Change[T]]
}

func New[T any](timeout time.Duration, logger *slog.Logger) *Reconciler[T] {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler[T]{
		timeout: timeout,
		logger:  logger,
		values:  make(map[string]T),
		pending: make(map[string]*mutation[T]),
	}
}

// Subscribe registers a callback for visible-value changes.
func (r *Reconciler[T]) Subscribe(fn func(Change[T])) func() {
	return r.subs.Subscribe(fn)
}

// Seed sets the confirmed baseline value for a key.
func (r *Reconciler[T]) Seed(key string, v T) {
	r.mu.Lock()
	r.values[key] = v
	r.mu.Unlock()
	r.subs.Publish(Change[T]{Key: key, Value: v})
}

// Get returns the currently visible value for a key.
func (r *Reconciler[T]) Get(key string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[key]
	return v, ok
}

// IsPending reports whether a mutation is awaiting confirmation for key.
func (r *Reconciler[T]) IsPending(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[key] != nil
}

// Apply records an optimistic mutation and makes v visible immediately. It
// returns the mutation id the authoritative outcome must be matched against.
// An unconfirmed mutation never stays pending: after the timeout it rolls
// back on its own.
func (r *Reconciler[T]) Apply(key string, v T) string {
	r.mu.Lock()
	var previous T
	if p := r.pending[key]; p != nil {
		p.timer.Stop()
		previous = p.previous
		r.logger.Debug("superseding pending mutation", "key", key, "mutationID", p.id)
	} else {
		previous = r.values[key]
	}

	id := uuid.New().String()
	m := &mutation[T]{
		id:          id,
		applied:     v,
		previous:    previous,
		status:      StatusPending,
		submittedAt: time.Now(),
	}
	m.timer = time.AfterFunc(r.timeout, func() { r.expire(key, id) })
	r.pending[key] = m
	r.values[key] = v
	r.mu.Unlock()

	r.subs.Publish(Change[T]{Key: key, Value: v})
	return id
}

// Confirm resolves a pending mutation with the authoritative outcome. When
// the server's value differs from the optimistic one, the server wins. It
// returns false when the mutation was already resolved, e.g. short-circuited
// by a pushed event.
func (r *Reconciler[T]) Confirm(key, id string, serverValue *T) bool {
	r.mu.Lock()
	p := r.pending[key]
	if p == nil || p.id != id {
		r.mu.Unlock()
		return false
	}
	p.timer.Stop()
	p.status = StatusConfirmed
	delete(r.pending, key)

	published := false
	var v T
	if serverValue != nil {
		r.values[key] = *serverValue
		v = *serverValue
		published = true
	}
	r.mu.Unlock()

	if published {
		r.subs.Publish(Change[T]{Key: key, Value: v})
	}
	return true
}

// Reject rolls a pending mutation back to its previous value.
func (r *Reconciler[T]) Reject(key, id string) bool {
	r.mu.Lock()
	p := r.pending[key]
	if p == nil || p.id != id {
		r.mu.Unlock()
		return false
	}
	p.timer.Stop()
	p.status = StatusRolledBack
	delete(r.pending, key)
	r.values[key] = p.previous
	v := p.previous
	r.mu.Unlock()

	r.subs.Publish(Change[T]{Key: key, Value: v})
	return true
}

// Resolve applies an authoritative pushed value for key, confirming and
// short-circuiting any pending mutation on it.
func (r *Reconciler[T]) Resolve(key string, v T) {
	r.mu.Lock()
	if p := r.pending[key]; p != nil {
		p.timer.Stop()
		p.status = StatusConfirmed
		delete(r.pending, key)
	}
	r.values[key] = v
	r.mu.Unlock()

	r.subs.Publish(Change[T]{Key: key, Value: v})
}

func (r *Reconciler[T]) expire(key, id string) {
	r.mu.Lock()
	p := r.pending[key]
	if p == nil || p.id != id {
		r.mu.Unlock()
		return
	}
	p.status = StatusRolledBack
	delete(r.pending, key)
	r.values[key] = p.previous
	v := p.previous
	r.mu.Unlock()

	r.logger.Warn("optimistic mutation timed out, rolling back", "key", key, "mutationID", id)
	r.subs.Publish(Change[T]{Key: key, Value: v})
}

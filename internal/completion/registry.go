// Package completion correlates asynchronous replies with the callers waiting
// on them. Each caller registers a correlation id, sends its request, and
// waits; whoever receives the reply resolves the id exactly once.
package completion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrDuplicateID is returned when registering an id that is still pending.
	ErrDuplicateID = errors.New("completion: duplicate id")
	// ErrClosed is returned when registering on a closed registry.
	ErrClosed = errors.New("completion: registry closed")
	// ErrEvicted fails entries removed by EvictOlderThan.
	ErrEvicted = errors.New("completion: evicted after max age")
	// ErrDeregistered completes entries removed by Deregister.
	ErrDeregistered = errors.New("completion: deregistered")
)

// Pending is a single outstanding call. It completes exactly once.
type Pending[T any] struct {
	id      string
	created time.Time
	done    chan struct{}
	once    sync.Once
	val     T
	err     error
	reg     *Registry[T]
}

// ID returns the correlation id.
func (p *Pending[T]) ID() string { return p.id }

// Done is closed when the call has completed.
func (p *Pending[T]) Done() <-chan struct{} { return p.done }

// Wait blocks until the call completes or ctx ends. On ctx expiry the entry is
// removed from the registry and completed with ctx's error, unless a resolver
// already claimed it, in which case the resolved value is returned. Once an
// entry has timed out, later Waits return that same error.
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.val, p.err
	case <-ctx.Done():
	}

	if p.reg.m.CompareAndDelete(p.id, p) {
		p.reg.size.Add(-1)
		var zero T
		p.complete(zero, ctx.Err())
	}
	// Every path that removes an entry completes it.
	<-p.done
	return p.val, p.err
}

func (p *Pending[T]) complete(v T, err error) {
	p.once.Do(func() {
		p.val = v
		p.err = err
		close(p.done)
	})
}

// Registry maps correlation ids to pending calls.
type Registry[T any] struct {
	m      sync.Map // id -> *Pending[T]
	size   atomic.Int64
	mu     sync.RWMutex
	closed bool
}

// NewRegistry returns an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{}
}

// Register creates a pending entry for id.
func (r *Registry[T]) Register(id string) (*Pending[T], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}

	p := &Pending[T]{
		id:      id,
		created: time.Now(),
		done:    make(chan struct{}),
		reg:     r,
	}
	if _, loaded := r.m.LoadOrStore(id, p); loaded {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	r.size.Add(1)
	return p, nil
}

// Resolve completes id with v. It reports false when id is not pending.
func (r *Registry[T]) Resolve(id string, v T) bool {
	p, ok := r.take(id)
	if !ok {
		return false
	}
	p.complete(v, nil)
	return true
}

// Fail completes id with err. It reports false when id is not pending.
func (r *Registry[T]) Fail(id string, err error) bool {
	p, ok := r.take(id)
	if !ok {
		return false
	}
	var zero T
	p.complete(zero, err)
	return true
}

// Deregister removes p if it is still the entry for its id and completes it
// with ErrDeregistered.
func (r *Registry[T]) Deregister(p *Pending[T]) bool {
	if r.m.CompareAndDelete(p.id, p) {
		r.size.Add(-1)
		var zero T
		p.complete(zero, ErrDeregistered)
		return true
	}
	return false
}

// EvictOlderThan fails every entry registered more than age ago with
// ErrEvicted and returns how many were evicted.
func (r *Registry[T]) EvictOlderThan(age time.Duration) int {
	cutoff := time.Now().Add(-age)
	n := 0
	r.m.Range(func(key, value any) bool {
		p := value.(*Pending[T])
		if p.created.Before(cutoff) && r.m.CompareAndDelete(key, p) {
			r.size.Add(-1)
			var zero T
			p.complete(zero, ErrEvicted)
			n++
		}
		return true
	})
	return n
}

// Len returns the number of pending entries.
func (r *Registry[T]) Len() int {
	return int(r.size.Load())
}

// Close fails every pending entry with err and rejects later registrations.
// A nil err is replaced with ErrClosed.
func (r *Registry[T]) Close(err error) {
	if err == nil {
		err = ErrClosed
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.m.Range(func(key, value any) bool {
		p := value.(*Pending[T])
		if r.m.CompareAndDelete(key, p) {
			r.size.Add(-1)
			var zero T
			p.complete(zero, err)
		}
		return true
	})
}

func (r *Registry[T]) take(id string) (*Pending[T], bool) {
	v, ok := r.m.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	r.size.Add(-1)
	return v.(*Pending[T]), true
}

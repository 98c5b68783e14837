package xstorage

import (
	"sync"
	"time"
)

type OptimisticState int

const (
	// Authoritative means the value comes from the latest snapshot.
	Authoritative OptimisticState = iota
	// Pending means a locally issued value shadows the snapshot.
	Pending
)

func (s OptimisticState) String() string {
	if s == Pending {
		return "pending"
	}
	return "authoritative"
}

// Reading is what a reader of an optimistic field gets back.
type Reading[T any] struct {
	Value    T
	Known    bool
	State    OptimisticState
	IssuedAt time.Time
}

// Optimistic holds a value requested from the device until the next snapshot
// arrives. The next successful swap always clears it, whether or not the
// device applied the change.
type Optimistic[T any] struct {
	mu       sync.Mutex
	state    OptimisticState
	value    T
	issuedAt time.Time
}

func (o *Optimistic[T]) Set(value T, issuedAt time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.state = Pending
	o.value = value
	o.issuedAt = issuedAt
}

func (o *Optimistic[T]) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()

	var zero T
	o.state = Authoritative
	o.value = zero
	o.issuedAt = time.Time{}
}

func (o *Optimistic[T]) State() OptimisticState {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.state
}

// Resolve returns the pending value if there is one, otherwise the
// authoritative value passed in.
func (o *Optimistic[T]) Resolve(authoritative T, ok bool) Reading[T] {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == Pending {
		return Reading[T]{Value: o.value, Known: true, State: Pending, IssuedAt: o.issuedAt}
	}
	return Reading[T]{Value: authoritative, Known: ok, State: Authoritative}
}

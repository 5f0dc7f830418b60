// Package pool implements a bounded free list of reusable values. Unlike
// sync.Pool the retained set has a fixed upper bound and values are only
// dropped when that bound is reached, which keeps reuse deterministic.
package pool

import (
	"errors"
	"sync"
)

var (
	// ErrNilFactory is returned when a pool is built without a constructor.
	ErrNilFactory = errors.New("pool: factory function is required")
	// ErrNegativeCapacity is returned for capacities below zero.
	ErrNegativeCapacity = errors.New("pool: capacity must not be negative")
)

// Stats is a snapshot of pool activity.
type Stats struct {
	Reused    uint64
	Created   uint64
	Released  uint64
	Discarded uint64
	Available int
	Capacity  int
}

// Pool holds up to Capacity idle values. Values handed out by Acquire are
// owned by the caller until passed to Release, which resets them before they
// become available again.
type Pool[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	factory  func() T
	reset    func(T)
	stats    Stats
}

// New builds a pool. reset may be nil when values carry no state.
func New[T any](capacity int, factory func() T, reset func(T)) (*Pool[T], error) {
	if factory == nil {
		return nil, ErrNilFactory
	}
	if capacity < 0 {
		return nil, ErrNegativeCapacity
	}
	return &Pool[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
		factory:  factory,
		reset:    reset,
	}, nil
}

// Acquire pops an idle value or constructs a new one.
func (p *Pool[T]) Acquire() T {
	p.mu.Lock()
	if n := len(p.items); n > 0 {
		item := p.items[n-1]
		var zero T
		p.items[n-1] = zero
		p.items = p.items[:n-1]
		p.stats.Reused++
		p.mu.Unlock()
		return item
	}
	p.stats.Created++
	p.mu.Unlock()
	return p.factory()
}

// Release resets item and keeps it for reuse while the pool has room.
// Surplus values are dropped for the garbage collector.
func (p *Pool[T]) Release(item T) {
	if p.reset != nil {
		p.reset(item)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Released++
	if len(p.items) >= p.capacity {
		p.stats.Discarded++
		return
	}
	p.items = append(p.items, item)
}

// With acquires a value, runs fn with it and releases it on every exit path,
// including a panic inside fn.
func (p *Pool[T]) With(fn func(T) error) error {
	item := p.Acquire()
	defer p.Release(item)
	return fn(item)
}

// Len reports the number of idle values.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Capacity returns the configured bound.
func (p *Pool[T]) Capacity() int {
	return p.capacity
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	s.Available = len(p.items)
	s.Capacity = p.capacity
	return s
}

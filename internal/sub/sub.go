// Package sub provides a typed subscriber set with ordered asynchronous
// delivery and an inline synchronous path for callers that are already
// inside a callback chain.
package sub

import (
	"log"
	"sync"
)

// Registry is a set of callbacks of type func(T). Subscribing returns an
// unsubscribe function that is safe to call more than once. Notification
// uses a snapshot of the set taken at enqueue time, so a callback that
// subscribes or unsubscribes during delivery cannot affect the current
// round. A panicking callback is logged and never stops the others.
type Registry[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	subs   map[int]func(T)
	nextID int

	queue  []batch[T]
	closed bool
}

type batch[T any] struct {
	event T
	fns   []func(T)
}

// New creates a Registry and starts its delivery goroutine.
func New[T any]() *Registry[T] {
	r := &Registry[T]{subs: make(map[int]func(T))}
	r.cond = sync.NewCond(&r.mu)
	go r.deliver()
	return r
}

// Subscribe registers fn and returns its unsubscribe function.
func (r *Registry[T]) Subscribe(fn func(T)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

// Notify enqueues event for delivery on the registry's goroutine. Events
// from a single caller are delivered in the order they were enqueued.
func (r *Registry[T]) Notify(event T) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, batch[T]{event: event, fns: r.snapshotLocked()})
	r.mu.Unlock()
	r.cond.Signal()
}

// NotifySync invokes every current subscriber inline, on the caller's
// goroutine, before returning.
func (r *Registry[T]) NotifySync(event T) {
	r.mu.Lock()
	fns := r.snapshotLocked()
	r.mu.Unlock()
	for _, fn := range fns {
		invoke(fn, event)
	}
}

// Len reports the number of registered subscribers.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Clear drops every subscriber without stopping delivery of already
// enqueued events.
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	r.subs = make(map[int]func(T))
	r.mu.Unlock()
}

// Close drops all subscribers and stops the delivery goroutine once the
// queue drains.
func (r *Registry[T]) Close() {
	r.mu.Lock()
	r.closed = true
	r.subs = make(map[int]func(T))
	r.mu.Unlock()
	r.cond.Signal()
}

func (r *Registry[T]) snapshotLocked() []func(T) {
	fns := make([]func(T), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	return fns
}

func (r *Registry[T]) deliver() {
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.closed {
			r.cond.Wait()
		}
		if len(r.queue) == 0 && r.closed {
			r.mu.Unlock()
			return
		}
		b := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		for _, fn := range b.fns {
			invoke(fn, b.event)
		}
	}
}

func invoke[T any](fn func(T), event T) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("sub: subscriber panic: %v", p)
		}
	}()
	fn(event)
}

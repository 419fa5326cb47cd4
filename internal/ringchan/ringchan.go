// Package ringchan provides a bounded channel that overwrites its oldest element
// instead of blocking the producer. The adapter publishes host events through it
// so that a slow consumer can never stall the dispatcher.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a bounded channel-like buffer with overwrite-oldest semantics.
//
//	rc := ringchan.New[adapter.Event](64)
//	rc.Send(ev)            // never blocks; drops the oldest when full
//	for ev := range rc.C() {
//	    render(ev)
//	}
//
// Sends after Close are dropped and counted as errors.
type RingChannel[T any] struct {
	mu      sync.RWMutex
	closed  bool
	ch      chan T
	metrics Metrics
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. Reads through C are not counted as processed.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element when full.
// It reports whether an element was overwritten.
func (rc *RingChannel[T]) Send(v T) bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.closed {
		atomic.AddInt64(&rc.metrics.Errors, 1)
		return false
	}

	dropped := false
	for {
		select {
		case rc.ch <- v:
			atomic.AddInt64(&rc.metrics.Written, 1)
			return dropped
		default:
		}
		// full: drop the oldest and retry, a concurrent producer may win the slot
		select {
		case <-rc.ch:
			atomic.AddInt64(&rc.metrics.Overwritten, 1)
			dropped = true
		default:
		}
	}
}

// TrySend inserts v only if there is room.
func (rc *RingChannel[T]) TrySend(v T) bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.closed {
		atomic.AddInt64(&rc.metrics.Errors, 1)
		return false
	}
	select {
	case rc.ch <- v:
		atomic.AddInt64(&rc.metrics.Written, 1)
		return true
	default:
		return false
	}
}

// Receive blocks until a value is available or the channel is closed and drained.
func (rc *RingChannel[T]) Receive() (v T, ok bool) {
	v, ok = <-rc.ch
	if ok {
		atomic.AddInt64(&rc.metrics.Processed, 1)
	}
	return
}

// TryReceive returns (zero, false) if no value is ready.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			atomic.AddInt64(&rc.metrics.Processed, 1)
		}
		return
	default:
		var zero T
		return zero, false
	}
}

func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the receive side once; later sends are dropped.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	rc.closed = true
	close(rc.ch)
}

// GetMetrics returns a snapshot of the counters.
func (rc *RingChannel[T]) GetMetrics() Metrics {
	return Metrics{
		Processed:   atomic.LoadInt64(&rc.metrics.Processed),
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
		Errors:      atomic.LoadInt64(&rc.metrics.Errors),
	}
}

// Metrics counts channel traffic. Fields are updated atomically.
type Metrics struct {
	Processed   int64
	Written     int64
	Overwritten int64
	Errors      int64
}

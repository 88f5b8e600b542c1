package bus

import (
	"sync"
	"sync/atomic"
)

// Latest keeps the most recent values written to it. Writers never block:
// when full, the oldest value is overwritten and counted as dropped.
type Latest[T any] struct {
	mu    sync.Mutex
	buf   []T
	start int
	n     int

	notify  chan struct{}
	dropped atomic.Uint64
}

// NewLatest returns a ring retaining up to capacity values (at least 1).
func NewLatest[T any](capacity int) *Latest[T] {
	return &Latest[T]{
		buf:    make([]T, max(capacity, 1)),
		notify: make(chan struct{}, 1),
	}
}

// Put stores v as the newest value.
func (l *Latest[T]) Put(v T) {
	l.mu.Lock()
	if l.n == len(l.buf) {
		l.buf[l.start] = v
		l.start = (l.start + 1) % len(l.buf)
		l.dropped.Add(1)
	} else {
		l.buf[(l.start+l.n)%len(l.buf)] = v
		l.n++
	}
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Snapshot returns up to n of the newest values, oldest first. n <= 0
// returns every retained value.
func (l *Latest[T]) Snapshot(n int) []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > l.n {
		n = l.n
	}
	out := make([]T, n)
	skip := l.n - n
	for i := range n {
		out[i] = l.buf[(l.start+skip+i)%len(l.buf)]
	}
	return out
}

// Newest returns the most recent value and false when the ring is empty.
func (l *Latest[T]) Newest() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.n == 0 {
		var zero T
		return zero, false
	}
	return l.buf[(l.start+l.n-1)%len(l.buf)], true
}

// Len returns the number of retained values.
func (l *Latest[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

// Notify is signalled (coalesced) after every Put.
func (l *Latest[T]) Notify() <-chan struct{} { return l.notify }

// Dropped returns how many values were overwritten before being read out.
func (l *Latest[T]) Dropped() uint64 { return l.dropped.Load() }

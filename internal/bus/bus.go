// Package bus provides the typed channels that connect pipeline stages.
//
// A [Pipe] is bounded and ordered: a full pipe blocks its producer until the
// consumer catches up or the producer's context ends. Pipes never drop.
// A [Latest] is the one lossy exception, keeping only the freshest values;
// the session uses it for video.
package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/conversify/internal/observe"
)

// Option configures a [Pipe].
type Option func(*options)

type options struct {
	metrics *observe.Metrics
}

// WithMetrics records blocked sends on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Pipe is a named, bounded, ordered channel with a single producer.
//
// The producer calls [Pipe.Send] and finally [Pipe.Close]; consumers range
// over [Pipe.C]. Send must not be called after Close.
type Pipe[T any] struct {
	name      string
	ch        chan T
	metrics   *observe.Metrics
	blocked   atomic.Uint64
	closeOnce sync.Once
}

// NewPipe creates a pipe holding up to capacity values. A capacity below 1
// is raised to 1.
func NewPipe[T any](name string, capacity int, opts ...Option) *Pipe[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Pipe[T]{
		name:    name,
		ch:      make(chan T, max(capacity, 1)),
		metrics: o.metrics,
	}
}

// Name returns the pipe name used in logs and metrics.
func (p *Pipe[T]) Name() string { return p.name }

// Send enqueues v, blocking while the pipe is full. It returns ctx.Err() if
// ctx ends first, in which case v was not enqueued.
func (p *Pipe[T]) Send(ctx context.Context, v T) error {
	select {
	case p.ch <- v:
		return nil
	default:
	}

	p.blocked.Add(1)
	if p.metrics != nil {
		p.metrics.RecordBusBlocked(ctx, p.name)
	}
	select {
	case p.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// C returns the receive side. It is closed after [Pipe.Close] once drained.
func (p *Pipe[T]) C() <-chan T { return p.ch }

// Close marks the end of the stream. Safe to call more than once.
func (p *Pipe[T]) Close() {
	p.closeOnce.Do(func() { close(p.ch) })
}

// Len returns the number of queued values.
func (p *Pipe[T]) Len() int { return len(p.ch) }

// Cap returns the pipe capacity.
func (p *Pipe[T]) Cap() int { return cap(p.ch) }

// Blocked returns how many sends found the pipe full.
func (p *Pipe[T]) Blocked() uint64 { return p.blocked.Load() }

// Forward copies src into dst until src is closed or ctx ends, then closes
// dst. It returns nil when src was exhausted and ctx.Err() otherwise.
// Forward must be dst's only producer.
func Forward[T any](ctx context.Context, src <-chan T, dst *Pipe[T]) error {
	defer dst.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v, ok := <-src:
			if !ok {
				return nil
			}
			if err := dst.Send(ctx, v); err != nil {
				return err
			}
		}
	}
}

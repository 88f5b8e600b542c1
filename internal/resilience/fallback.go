package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/conversify/internal/observe"
)

// ErrAllFailed is returned when every backend of a [Group] failed or had an
// open breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures a [Group].
type FallbackConfig struct {
	// CircuitBreaker is the template for every backend's breaker. Name is
	// set per backend.
	CircuitBreaker CircuitBreakerConfig

	// Metrics receives provider errors. Nil uses the default instruments.
	Metrics *observe.Metrics
}

type backend[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Group holds a primary backend and any number of fallbacks of the same
// provider kind. Calls go to the first backend whose breaker is not open;
// failures move on to the next one in registration order.
//
// Backends must be added before the group is shared.
type Group[T any] struct {
	kind     string
	cfg      FallbackConfig
	backends []backend[T]
}

// NewGroup returns a group of the given provider kind ("llm", "stt", "tts")
// with primary as its first backend.
func NewGroup[T any](kind string, primary T, primaryName string, cfg FallbackConfig) *Group[T] {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	g := &Group[T]{kind: kind, cfg: cfg}
	g.Add(primaryName, primary)
	return g
}

// Add appends a fallback backend.
func (g *Group[T]) Add(name string, value T) {
	cb := g.cfg.CircuitBreaker
	cb.Name = g.kind + "/" + name
	g.backends = append(g.backends, backend[T]{name: name, value: value, breaker: NewCircuitBreaker(cb)})
}

// Names returns the backend names in the order they are tried.
func (g *Group[T]) Names() []string {
	out := make([]string, len(g.backends))
	for i, b := range g.backends {
		out[i] = b.name
	}
	return out
}

// Primary returns the first backend.
func (g *Group[T]) Primary() T { return g.backends[0].value }

// Breaker returns the breaker of the named backend.
func (g *Group[T]) Breaker(name string) (*CircuitBreaker, bool) {
	for _, b := range g.backends {
		if b.name == name {
			return b.breaker, true
		}
	}
	return nil, false
}

// Do runs fn against each backend in turn until one succeeds. It stops
// early when ctx ends and returns ctx's error.
func (g *Group[T]) Do(ctx context.Context, fn func(context.Context, T) error) error {
	_, err := Call(ctx, g, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return err
}

// Call is [Group.Do] for functions that return a value. It is a function
// because methods cannot declare type parameters.
func Call[T, R any](ctx context.Context, g *Group[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	log := observe.Logger(ctx)
	for i := range g.backends {
		b := &g.backends[i]
		var out R
		err := b.breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			out, err = fn(ctx, b.value)
			return err
		})
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			log.Debug("resilience: skipping provider, circuit open", "kind", g.kind, "provider", b.name)
			continue
		}
		g.cfg.Metrics.RecordProviderError(ctx, b.name, g.kind)
		if i < len(g.backends)-1 {
			log.Warn("resilience: provider failed, trying next", "kind", g.kind, "provider", b.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %s: %w", ErrAllFailed, g.kind, lastErr)
}

package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func newStringGroup(maxFailures int) *Group[string] {
	g := NewGroup("test", "primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: maxFailures, ResetTimeout: time.Hour},
	})
	g.Add("secondary", "secondary")
	return g
}

func TestGroup_PrimarySuccess(t *testing.T) {
	t.Parallel()

	g := newStringGroup(3)
	var calls []string
	err := g.Do(context.Background(), func(_ context.Context, v string) error {
		calls = append(calls, v)
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !slices.Equal(calls, []string{"primary"}) {
		t.Errorf("calls = %v, want [primary]", calls)
	}
	if got := g.Names(); !slices.Equal(got, []string{"primary", "secondary"}) {
		t.Errorf("Names = %v", got)
	}
}

func TestGroup_Failover(t *testing.T) {
	t.Parallel()

	g := newStringGroup(3)
	got, err := Call(context.Background(), g, func(_ context.Context, v string) (string, error) {
		if v == "primary" {
			return "", errTest
		}
		return "ok from " + v, nil
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != "ok from secondary" {
		t.Errorf("result = %q, want %q", got, "ok from secondary")
	}
}

func TestGroup_AllFail(t *testing.T) {
	t.Parallel()

	g := newStringGroup(3)
	err := g.Do(context.Background(), func(context.Context, string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Errorf("err = %v, want it to wrap the last failure", err)
	}
}

func TestGroup_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()

	g := newStringGroup(2)
	for range 2 {
		_ = g.Do(context.Background(), func(_ context.Context, v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}
	if cb, _ := g.Breaker("primary"); cb.State() != StateOpen {
		t.Fatalf("primary breaker = %v, want open", cb.State())
	}

	var called []string
	_ = g.Do(context.Background(), func(_ context.Context, v string) error {
		called = append(called, v)
		return nil
	})
	if !slices.Equal(called, []string{"secondary"}) {
		t.Errorf("called = %v, want [secondary]", called)
	}
}

func TestGroup_StopsWhenCancelled(t *testing.T) {
	t.Parallel()

	g := newStringGroup(1)
	ctx, cancel := context.WithCancel(context.Background())
	var called []string
	err := g.Do(ctx, func(ctx context.Context, v string) error {
		called = append(called, v)
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if !slices.Equal(called, []string{"primary"}) {
		t.Errorf("called = %v, want only the primary", called)
	}
	if cb, _ := g.Breaker("primary"); cb.State() != StateClosed {
		t.Errorf("primary breaker = %v, want closed after a cancelled call", cb.State())
	}
}

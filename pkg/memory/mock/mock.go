// Package mock provides an in-memory test double for [memory.Store].
//
// Store delegates to a [memstore.Store], so tests of the memory manager see
// realistic ranking. It records every method call for assertion and exposes
// exported fields that inject failures or latency. All methods are safe for
// concurrent use.
//
// Typical usage:
//
//	store := mock.NewStore()
//	// inject store into the system under test …
//	if got := store.CallCount("Upsert"); got != 1 {
//	    t.Errorf("expected 1 Upsert call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/conversify/pkg/memory"
	"github.com/MrWong99/conversify/pkg/memory/memstore"
	"github.com/MrWong99/conversify/pkg/types"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is an in-memory [memory.Store] with call recording.
type Store struct {
	inner *memstore.Store

	mu    sync.Mutex
	calls []Call

	// UpsertErr is returned by Upsert when non-nil.
	UpsertErr error

	// SearchErr is returned by Search when non-nil.
	SearchErr error

	// RecentErr is returned by Recent when non-nil.
	RecentErr error

	// PingErr is returned by Ping when non-nil.
	PingErr error

	// Delay, if positive, is waited (or until ctx ends) at the start of
	// Search and Recent to simulate a slow backend.
	Delay time.Duration

	// changed is signalled (coalesced) after each successful Upsert.
	changed chan struct{}
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{inner: memstore.New(), changed: make(chan struct{}, 1)}
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Records returns a copy of every stored record, ordered by key.
func (m *Store) Records() []types.MemoryRecord { return m.inner.Records() }

// Changed is signalled after every successful Upsert.
func (m *Store) Changed() <-chan struct{} { return m.changed }

// record appends a call and returns the injected error and delay.
func (m *Store) record(c Call, errp *error) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
	var err error
	if errp != nil {
		err = *errp
	}
	return m.Delay, err
}

// Upsert implements [memory.Store].
func (m *Store) Upsert(ctx context.Context, rec types.MemoryRecord, embedding []float32) error {
	if _, err := m.record(Call{Method: "Upsert", Args: []any{rec, embedding}}, &m.UpsertErr); err != nil {
		return err
	}
	if err := m.inner.Upsert(ctx, rec, embedding); err != nil {
		return err
	}
	select {
	case m.changed <- struct{}{}:
	default:
	}
	return nil
}

// Search implements [memory.Store].
func (m *Store) Search(ctx context.Context, participant string, embedding []float32, opts ...memory.SearchOpt) ([]types.MemoryRecord, error) {
	p := memory.ApplySearchOpts(opts)
	delay, err := m.record(Call{Method: "Search", Args: []any{participant, embedding, p}}, &m.SearchErr)
	if werr := wait(ctx, delay); werr != nil {
		return nil, werr
	}
	if err != nil {
		return nil, err
	}
	return m.inner.Search(ctx, participant, embedding, opts...)
}

// Recent implements [memory.Store].
func (m *Store) Recent(ctx context.Context, participant string, kind types.MemoryKind, n int) ([]types.MemoryRecord, error) {
	delay, err := m.record(Call{Method: "Recent", Args: []any{participant, kind, n}}, &m.RecentErr)
	if werr := wait(ctx, delay); werr != nil {
		return nil, werr
	}
	if err != nil {
		return nil, err
	}
	return m.inner.Recent(ctx, participant, kind, n)
}

// Ping implements [memory.Store].
func (m *Store) Ping(_ context.Context) error {
	_, err := m.record(Call{Method: "Ping"}, &m.PingErr)
	return err
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ memory.Store = (*Store)(nil)

// Package memstore is an in-process [memory.Store].
//
// Records live in a map and are lost when the process exits. Embedding
// queries rank by cosine similarity; text queries rank by the fraction of
// query words found in the record. It serves deployments without a database
// and is the backing store of the memory test double.
package memstore

import (
	"cmp"
	"context"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/conversify/pkg/memory"
	"github.com/MrWong99/conversify/pkg/types"
)

var _ memory.Store = (*Store)(nil)

type entry struct {
	rec types.MemoryRecord
	vec []float32
}

// Store is a thread-safe, in-memory implementation of [memory.Store].
type Store struct {
	mu      sync.RWMutex
	records map[string]entry
}

// New returns an empty Store.
func New() *Store {
	return &Store{records: make(map[string]entry)}
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Records returns a copy of every stored record, ordered by key.
func (s *Store) Records() []types.MemoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.MemoryRecord, 0, len(s.records))
	for _, e := range s.records {
		out = append(out, e.rec)
	}
	slices.SortFunc(out, func(a, b types.MemoryRecord) int { return strings.Compare(a.Key, b.Key) })
	return out
}

// Upsert implements [memory.Store].
func (s *Store) Upsert(_ context.Context, rec types.MemoryRecord, embedding []float32) error {
	if err := memory.Validate(rec); err != nil {
		return err
	}
	if rec.WrittenAt.IsZero() {
		rec.WrittenAt = time.Now()
	}
	rec.Score = 0

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key] = entry{rec: rec, vec: slices.Clone(embedding)}
	return nil
}

// Search implements [memory.Store].
func (s *Store) Search(ctx context.Context, participant string, embedding []float32, opts ...memory.SearchOpt) ([]types.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := memory.ApplySearchOpts(opts)

	s.mu.RLock()
	var hits []types.MemoryRecord
	for _, e := range s.records {
		if e.rec.Participant != participant || !p.Allows(e.rec.Kind) {
			continue
		}
		var score float64
		switch {
		case len(embedding) > 0:
			if len(e.vec) == 0 {
				continue
			}
			score = Cosine(embedding, e.vec)
		case p.Text != "":
			score = overlap(p.Text, e.rec.Value)
			if score == 0 {
				continue
			}
		default:
			continue
		}
		if p.MinScore != 0 && score < p.MinScore {
			continue
		}
		rec := e.rec
		rec.Score = score
		hits = append(hits, rec)
	}
	s.mu.RUnlock()

	slices.SortFunc(hits, func(a, b types.MemoryRecord) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})
	if len(hits) > p.Limit {
		hits = hits[:p.Limit]
	}
	if hits == nil {
		hits = []types.MemoryRecord{}
	}
	return hits, nil
}

// Recent implements [memory.Store].
func (s *Store) Recent(ctx context.Context, participant string, kind types.MemoryKind, n int) ([]types.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var out []types.MemoryRecord
	for _, e := range s.records {
		if e.rec.Participant == participant && e.rec.Kind == kind {
			out = append(out, e.rec)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b types.MemoryRecord) int {
		if c := a.WrittenAt.Compare(b.WrittenAt); c != 0 {
			return c
		}
		return cmp.Compare(a.TurnID, b.TurnID)
	})
	if n >= 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	if out == nil {
		out = []types.MemoryRecord{}
	}
	return out, nil
}

// Ping implements [memory.Store]. The store is always reachable.
func (s *Store) Ping(context.Context) error { return nil }

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// overlap is the fraction of query words found in text.
func overlap(query, text string) float64 {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	found := 0
	for _, w := range words {
		if strings.Contains(lower, w) {
			found++
		}
	}
	return float64(found) / float64(len(words))
}

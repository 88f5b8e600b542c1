// Package memory defines the persistence contract for conversational memory.
//
// A [Store] holds [types.MemoryRecord] values of two kinds: committed
// user/agent interactions and background knowledge. Records are scoped to a
// participant so memory carries across sessions of the same user, keyed so
// that re-committing the same turn overwrites instead of duplicating, and
// retrieved by semantic relevance to the current transcript.
//
// The package holds only the interface and query options; see
// memory/postgres for the pgvector-backed implementation, memory/memstore
// for the in-process store and memory/mock for a test double. Every
// implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"

	"github.com/MrWong99/conversify/pkg/types"
)

// ErrInvalidRecord is returned by Upsert for records without a key,
// participant or value.
var ErrInvalidRecord = errors.New("memory: record needs key, participant and value")

// Store persists memory records and answers relevance queries.
type Store interface {
	// Upsert inserts rec or replaces the record with the same Key. embedding
	// may be nil; such records are only found by text search and Recent.
	Upsert(ctx context.Context, rec types.MemoryRecord, embedding []float32) error

	// Search returns the participant's records ranked by relevance, best
	// first, with Score set. The query embedding is used when non-nil;
	// otherwise the WithText query drives a full-text ranking. Neither
	// yields no results.
	Search(ctx context.Context, participant string, embedding []float32, opts ...SearchOpt) ([]types.MemoryRecord, error)

	// Recent returns up to n of the participant's newest records of kind,
	// oldest first.
	Recent(ctx context.Context, participant string, kind types.MemoryKind, n int) ([]types.MemoryRecord, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// Validate returns ErrInvalidRecord when rec cannot be stored.
func Validate(rec types.MemoryRecord) error {
	if rec.Key == "" || rec.Participant == "" || rec.Value == "" {
		return ErrInvalidRecord
	}
	return nil
}

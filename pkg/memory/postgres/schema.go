// Package postgres provides a PostgreSQL-backed [memory.Store] using pgx and
// the pgvector extension.
//
// Records live in one table with an HNSW cosine index over the embedding
// column and a GIN full-text index over the value, so the same store serves
// embedding ranking, text fallback and recency queries. [Migrate] installs
// the extension and schema idempotently.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 768)
//	if err != nil { … }
//	_ = store.Upsert(ctx, rec, vec)
//	hits, _ := store.Search(ctx, "alice", queryVec, memory.WithLimit(3))
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlRecords returns the DDL with the embedding dimension substituted. The
// dimension is baked into the column type at creation time.
func ddlRecords(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memory_records (
    key          TEXT         PRIMARY KEY,
    kind         TEXT         NOT NULL,
    participant  TEXT         NOT NULL,
    session_id   TEXT         NOT NULL DEFAULT '',
    turn_id      BIGINT       NOT NULL DEFAULT 0,
    user_text    TEXT         NOT NULL DEFAULT '',
    agent_text   TEXT         NOT NULL DEFAULT '',
    value        TEXT         NOT NULL,
    topics       TEXT[]       NOT NULL DEFAULT '{}',
    embedding    vector(%d),
    written_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memory_records_participant_kind_time
    ON memory_records (participant, kind, written_at DESC);

CREATE INDEX IF NOT EXISTS idx_memory_records_embedding
    ON memory_records USING hnsw (embedding vector_cosine_ops);

CREATE INDEX IF NOT EXISTS idx_memory_records_fts
    ON memory_records USING GIN (to_tsvector('english', value));
`, embeddingDimensions)
}

// Migrate creates or ensures the extension, table and indexes exist. It is
// safe to call on every start. Changing embeddingDimensions after the first
// migration requires a manual schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("postgres migrate: embedding dimensions must be positive, got %d", embeddingDimensions)
	}
	if _, err := pool.Exec(ctx, ddlRecords(embeddingDimensions)); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

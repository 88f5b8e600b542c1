package postgres

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/conversify/pkg/memory"
	"github.com/MrWong99/conversify/pkg/types"
)

const recordColumns = `key, kind, participant, session_id, turn_id, user_text, agent_text, value, topics, written_at`

// Upsert implements [memory.Store]. A record with the same key is replaced
// completely, which makes re-committing a turn idempotent.
func (s *Store) Upsert(ctx context.Context, rec types.MemoryRecord, embedding []float32) error {
	if err := memory.Validate(rec); err != nil {
		return err
	}
	if len(embedding) > 0 && len(embedding) != s.dims {
		return fmt.Errorf("memory records: embedding has %d dimensions, schema has %d", len(embedding), s.dims)
	}

	const q = `
		INSERT INTO memory_records
		    (key, kind, participant, session_id, turn_id, user_text, agent_text, value, topics, embedding, written_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (key) DO UPDATE SET
		    kind        = EXCLUDED.kind,
		    participant = EXCLUDED.participant,
		    session_id  = EXCLUDED.session_id,
		    turn_id     = EXCLUDED.turn_id,
		    user_text   = EXCLUDED.user_text,
		    agent_text  = EXCLUDED.agent_text,
		    value       = EXCLUDED.value,
		    topics      = EXCLUDED.topics,
		    embedding   = EXCLUDED.embedding,
		    written_at  = EXCLUDED.written_at`

	var vec any
	if len(embedding) > 0 {
		vec = pgvector.NewVector(embedding)
	}
	writtenAt := rec.WrittenAt
	if writtenAt.IsZero() {
		writtenAt = time.Now()
	}
	topics := rec.Topics
	if topics == nil {
		topics = []string{}
	}

	_, err := s.pool.Exec(ctx, q,
		rec.Key,
		string(rec.Kind),
		rec.Participant,
		rec.SessionID,
		int64(rec.TurnID),
		rec.UserText,
		rec.AgentText,
		rec.Value,
		topics,
		vec,
		writtenAt,
	)
	if err != nil {
		return fmt.Errorf("memory records: upsert: %w", err)
	}
	return nil
}

// Search implements [memory.Store]. With an embedding, results are ordered
// by ascending cosine distance and scored 1 - distance. Without one, the
// WithText query ranks records by ts_rank.
func (s *Store) Search(ctx context.Context, participant string, embedding []float32, opts ...memory.SearchOpt) ([]types.MemoryRecord, error) {
	p := memory.ApplySearchOpts(opts)
	if len(embedding) == 0 && strings.TrimSpace(p.Text) == "" {
		return []types.MemoryRecord{}, nil
	}

	args := []any{participant} // $1
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"participant = $1"}
	if len(p.Kinds) > 0 {
		kinds := make([]string, len(p.Kinds))
		for i, k := range p.Kinds {
			kinds[i] = string(k)
		}
		conditions = append(conditions, "kind = ANY("+next(kinds)+")")
	}

	var score, order string
	if len(embedding) > 0 {
		q := next(pgvector.NewVector(embedding))
		conditions = append(conditions, "embedding IS NOT NULL")
		score = "1 - (embedding <=> " + q + ")"
		order = "embedding <=> " + q
	} else {
		q := "plainto_tsquery('english', " + next(p.Text) + ")"
		conditions = append(conditions, "to_tsvector('english', value) @@ "+q)
		score = "ts_rank(to_tsvector('english', value), " + q + ")"
		order = "score DESC"
	}
	if p.MinScore != 0 {
		conditions = append(conditions, score+" >= "+next(p.MinScore))
	}
	limit := next(p.Limit)

	q := fmt.Sprintf(`
		SELECT %s, %s AS score
		FROM   memory_records
		WHERE  %s
		ORDER  BY %s
		LIMIT  %s`, recordColumns, score, strings.Join(conditions, "\n\t\t  AND  "), order, limit)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memory records: search: %w", err)
	}
	return collectRecords(rows, true)
}

// Recent implements [memory.Store].
func (s *Store) Recent(ctx context.Context, participant string, kind types.MemoryKind, n int) ([]types.MemoryRecord, error) {
	if n <= 0 {
		return []types.MemoryRecord{}, nil
	}
	q := `
		SELECT ` + recordColumns + `
		FROM   memory_records
		WHERE  participant = $1 AND kind = $2
		ORDER  BY written_at DESC, turn_id DESC
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, participant, string(kind), n)
	if err != nil {
		return nil, fmt.Errorf("memory records: recent: %w", err)
	}
	recs, err := collectRecords(rows, false)
	if err != nil {
		return nil, err
	}
	slices.Reverse(recs)
	return recs, nil
}

// collectRecords scans rows of recordColumns, plus a trailing score column
// when withScore is set.
func collectRecords(rows pgx.Rows, withScore bool) ([]types.MemoryRecord, error) {
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.MemoryRecord, error) {
		var (
			rec    types.MemoryRecord
			kind   string
			turnID int64
		)
		dest := []any{
			&rec.Key,
			&kind,
			&rec.Participant,
			&rec.SessionID,
			&turnID,
			&rec.UserText,
			&rec.AgentText,
			&rec.Value,
			&rec.Topics,
			&rec.WrittenAt,
		}
		if withScore {
			dest = append(dest, &rec.Score)
		}
		if err := row.Scan(dest...); err != nil {
			return types.MemoryRecord{}, err
		}
		rec.Kind = types.MemoryKind(kind)
		rec.TurnID = uint64(turnID)
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("memory records: scan rows: %w", err)
	}
	if recs == nil {
		recs = []types.MemoryRecord{}
	}
	return recs, nil
}

// Package recall is the memory manager of a conversify session.
//
// A [Manager] wraps a [memory.Store] shared by all sessions. Before each
// response the orchestrator asks it for context relevant to the user's
// transcript ([Manager.FetchContext]); the lookup is bounded and degrades to
// no context on timeout or error. After a turn ends the orchestrator hands it
// over through a per-session [Committer], which writes on a background worker
// so the audio path never waits on the store.
//
// A nil *Manager is a valid, disabled manager: lookups return nothing and
// commits are dropped.
package recall

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/conversify/internal/fault"
	"github.com/MrWong99/conversify/internal/observe"
	"github.com/MrWong99/conversify/pkg/memory"
	"github.com/MrWong99/conversify/pkg/provider/embeddings"
	"github.com/MrWong99/conversify/pkg/types"
)

// ErrTurnNotCommittable is returned by Commit for turns that have not ended.
var ErrTurnNotCommittable = errors.New("recall: turn is not complete or interrupted")

// Turn statuses accepted by Commit.
const (
	StatusComplete    = "complete"
	StatusInterrupted = "interrupted"
)

// TurnRecord is the part of a finished turn that is persisted.
type TurnRecord struct {
	SessionID   string
	Participant string
	TurnID      uint64
	Status      string
	UserText    string
	AgentText   string

	// EndedAt is when the turn ended. Re-committing a turn with the same
	// EndedAt leaves the store unchanged.
	EndedAt time.Time
}

// Key returns the store key of the record.
func (r TurnRecord) Key() string {
	return fmt.Sprintf("%s/%d", r.SessionID, r.TurnID)
}

// Config configures a [Manager].
type Config struct {
	Store memory.Store

	// Embedder computes query and record vectors. Without one the store's
	// text ranking is used.
	Embedder embeddings.Provider

	// Extractor fills MemoryRecord.Topics on commit. Optional.
	Extractor ConceptExtractor

	// FetchTimeout bounds FetchContext. Default 300ms.
	FetchTimeout time.Duration

	// MaxResults caps interaction records per fetch. Default 5.
	MaxResults int

	// KnowledgeResults caps knowledge records per fetch. Default 3.
	KnowledgeResults int

	// MinScore drops weak matches.
	MinScore float64

	// CommitTimeout bounds one write including embedding. Default 5s.
	CommitTimeout time.Duration

	// ExtractTimeout bounds concept extraction. Default 3s.
	ExtractTimeout time.Duration

	Metrics *observe.Metrics
}

// Manager retrieves and persists conversational memory. It is safe for
// concurrent use by many sessions.
type Manager struct {
	cfg      Config
	degraded atomic.Bool
}

// New returns a manager for cfg.Store.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("recall: store is required")
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 300 * time.Millisecond
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.KnowledgeResults <= 0 {
		cfg.KnowledgeResults = 3
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 5 * time.Second
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = 3 * time.Second
	}
	return &Manager{cfg: cfg}, nil
}

// IsDegraded reports whether the most recent store operation failed.
func (m *Manager) IsDegraded() bool {
	return m != nil && m.degraded.Load()
}

// Ping checks the store. A disabled manager is always healthy.
func (m *Manager) Ping(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.cfg.Store.Ping(ctx)
}

// FetchContext returns the participant's memory relevant to transcript,
// knowledge and interactions merged best first. It never blocks longer than
// the fetch timeout; failures are logged and yield no records.
func (m *Manager) FetchContext(ctx context.Context, participant, transcript string) []types.MemoryRecord {
	if m == nil || strings.TrimSpace(transcript) == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()
	ctx, span := observe.StartStageSpan(ctx, "memory", "fetch")
	defer span.End()

	start := time.Now()
	defer func() {
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.MemoryFetchDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	vec, err := m.embed(ctx, transcript)
	if err != nil {
		slog.Warn("recall: query embedding failed, using text search", "participant", participant, "err", err)
	}

	var interactions, knowledge []types.MemoryRecord
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		interactions, err = m.cfg.Store.Search(gctx, participant, vec,
			memory.WithKinds(types.MemoryInteraction),
			memory.WithLimit(m.cfg.MaxResults),
			memory.WithMinScore(m.cfg.MinScore),
			memory.WithText(transcript),
		)
		return err
	})
	g.Go(func() error {
		var err error
		knowledge, err = m.cfg.Store.Search(gctx, participant, vec,
			memory.WithKinds(types.MemoryKnowledge),
			memory.WithLimit(m.cfg.KnowledgeResults),
			memory.WithMinScore(m.cfg.MinScore),
			memory.WithText(transcript),
		)
		return err
	})
	if err := g.Wait(); err != nil {
		m.fail(ctx, "fetch", err)
		return nil
	}
	m.degraded.Store(false)

	out := append(knowledge, interactions...)
	slices.SortStableFunc(out, func(a, b types.MemoryRecord) int { return cmp.Compare(b.Score, a.Score) })
	return out
}

// Commit persists a finished turn. Only complete and interrupted turns are
// accepted. Committing the same turn twice overwrites the first write.
// Failures are returned and logged; they are not retried.
func (m *Manager) Commit(ctx context.Context, rec TurnRecord) error {
	if m == nil {
		return nil
	}
	if rec.TurnID == 0 || (rec.Status != StatusComplete && rec.Status != StatusInterrupted) {
		return fmt.Errorf("%w: turn %d is %q", ErrTurnNotCommittable, rec.TurnID, rec.Status)
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CommitTimeout)
	defer cancel()
	ctx, span := observe.StartStageSpan(ctx, "memory", "commit")
	defer span.End()

	at := rec.EndedAt
	if at.IsZero() {
		at = time.Now()
	}
	value := interactionText(rec.UserText, rec.AgentText)
	mr := types.MemoryRecord{
		Key:         rec.Key(),
		Kind:        types.MemoryInteraction,
		Participant: rec.Participant,
		SessionID:   rec.SessionID,
		TurnID:      rec.TurnID,
		UserText:    rec.UserText,
		AgentText:   rec.AgentText,
		Value:       value,
		Topics:      m.extract(ctx, value),
		WrittenAt:   at,
	}

	vec, err := m.embed(ctx, value)
	if err != nil {
		slog.Warn("recall: record embedding failed, storing text only", "key", mr.Key, "err", err)
	}
	if err := m.cfg.Store.Upsert(ctx, mr, vec); err != nil {
		err = m.fail(ctx, "commit", err)
		m.recordCommit(ctx, "error")
		return err
	}
	m.degraded.Store(false)
	m.recordCommit(ctx, "ok")
	slog.Debug("recall: turn committed", "key", mr.Key, "status", rec.Status, "topics", len(mr.Topics))
	return nil
}

// History returns up to n of the participant's most recent interactions,
// oldest first. Errors yield an empty history.
func (m *Manager) History(ctx context.Context, participant string, n int) []types.MemoryRecord {
	if m == nil || n <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CommitTimeout)
	defer cancel()
	recs, err := m.cfg.Store.Recent(ctx, participant, types.MemoryInteraction, n)
	if err != nil {
		m.fail(ctx, "history", err)
		return nil
	}
	return recs
}

// AddKnowledge stores background knowledge for participant. Adding the same
// text twice keeps a single record.
func (m *Manager) AddKnowledge(ctx context.Context, participant, text string) (types.MemoryRecord, error) {
	if m == nil {
		return types.MemoryRecord{}, errors.New("recall: memory is disabled")
	}
	text = strings.TrimSpace(text)
	if participant == "" || text == "" {
		return types.MemoryRecord{}, memory.ErrInvalidRecord
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CommitTimeout)
	defer cancel()

	sum := sha256.Sum256([]byte(text))
	rec := types.MemoryRecord{
		Key:         "knowledge/" + participant + "/" + hex.EncodeToString(sum[:8]),
		Kind:        types.MemoryKnowledge,
		Participant: participant,
		Value:       text,
		Topics:      m.extract(ctx, text),
		WrittenAt:   time.Now(),
	}
	vec, err := m.embed(ctx, text)
	if err != nil {
		slog.Warn("recall: knowledge embedding failed, storing text only", "key", rec.Key, "err", err)
	}
	if err := m.cfg.Store.Upsert(ctx, rec, vec); err != nil {
		return types.MemoryRecord{}, m.fail(ctx, "add_knowledge", err)
	}
	return rec, nil
}

// Search runs a relevance query without the fetch deadline. Unlike
// FetchContext it reports errors.
func (m *Manager) Search(ctx context.Context, participant, query string, limit int, kinds ...types.MemoryKind) ([]types.MemoryRecord, error) {
	if m == nil {
		return nil, nil
	}
	vec, err := m.embed(ctx, query)
	if err != nil {
		slog.Warn("recall: query embedding failed, using text search", "err", err)
	}
	opts := []memory.SearchOpt{memory.WithLimit(limit), memory.WithText(query)}
	if len(kinds) > 0 {
		opts = append(opts, memory.WithKinds(kinds...))
	}
	recs, err := m.cfg.Store.Search(ctx, participant, vec, opts...)
	if err != nil {
		return nil, m.fail(ctx, "search", err)
	}
	return recs, nil
}

func (m *Manager) embed(ctx context.Context, text string) ([]float32, error) {
	if m.cfg.Embedder == nil {
		return nil, nil
	}
	vec, err := m.cfg.Embedder.Embed(ctx, text)
	if err != nil {
		return nil, fault.Transient("embeddings", "embed", err)
	}
	return vec, nil
}

func (m *Manager) extract(ctx context.Context, text string) []string {
	if m.cfg.Extractor == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ExtractTimeout)
	defer cancel()
	topics, err := m.cfg.Extractor.Extract(ctx, text)
	if err != nil {
		slog.Debug("recall: concept extraction failed", "err", err)
		return nil
	}
	return topics
}

// fail records a store failure and returns it as a transient error.
func (m *Manager) fail(ctx context.Context, op string, err error) error {
	err = fault.Transient("memory", op, err)
	m.degraded.Store(true)
	slog.Warn("recall: memory store failed", "op", op, "err", err)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordProviderError(context.WithoutCancel(ctx), "memory", op)
	}
	return err
}

func (m *Manager) recordCommit(ctx context.Context, status string) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordMemoryCommit(context.WithoutCancel(ctx), status)
	}
}

func interactionText(user, agent string) string {
	var sb strings.Builder
	if user = strings.TrimSpace(user); user != "" {
		sb.WriteString("User: ")
		sb.WriteString(user)
	}
	if agent = strings.TrimSpace(agent); agent != "" {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("Assistant: ")
		sb.WriteString(agent)
	}
	return sb.String()
}

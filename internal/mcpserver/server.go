// Package mcpserver exposes the agent's long-term memory and its running
// sessions as Model Context Protocol tools.
//
// Operators and external agents connect over streamable HTTP and can add
// background knowledge for a participant, search what the agent remembers
// about them and list the live voice sessions. Tools are:
//   - "add_knowledge": store a fact for a participant.
//   - "search_memory": relevance search over interactions and knowledge.
//   - "recent_interactions": the participant's latest exchanges, oldest first.
//   - "list_sessions": running sessions and the state of their turn.
package mcpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/conversify/internal/session"
	"github.com/MrWong99/conversify/pkg/types"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 100
	defaultRecent      = 5
)

// Memory is the subset of the memory manager the tools use.
type Memory interface {
	AddKnowledge(ctx context.Context, participant, text string) (types.MemoryRecord, error)
	Search(ctx context.Context, participant, query string, limit int, kinds ...types.MemoryKind) ([]types.MemoryRecord, error)
	History(ctx context.Context, participant string, n int) []types.MemoryRecord
}

// SessionLister reports running sessions.
type SessionLister interface {
	Sessions() []session.Info
}

// Server wraps an MCP server with the memory and session tools registered.
type Server struct {
	mcp      *mcp.Server
	memory   Memory
	sessions SessionLister
}

// New returns a server. memory may be nil when memory is disabled; the
// memory tools are then not registered. sessions may be nil as well.
func New(memory Memory, sessions SessionLister, version string) *Server {
	if version == "" {
		version = "dev"
	}
	s := &Server{
		mcp:      mcp.NewServer(&mcp.Implementation{Name: "conversify", Version: version}, nil),
		memory:   memory,
		sessions: sessions,
	}
	if memory != nil {
		mcp.AddTool(s.mcp, &mcp.Tool{
			Name:        "add_knowledge",
			Description: "Store a piece of background knowledge about a participant. The agent recalls it in later conversations when it is relevant. Adding the same text twice keeps one copy.",
		}, s.addKnowledge)
		mcp.AddTool(s.mcp, &mcp.Tool{
			Name:        "search_memory",
			Description: "Search what the agent remembers about a participant: earlier exchanges and stored knowledge, most relevant first.",
		}, s.searchMemory)
		mcp.AddTool(s.mcp, &mcp.Tool{
			Name:        "recent_interactions",
			Description: "Return the participant's most recent exchanges with the agent, oldest first.",
		}, s.recentInteractions)
	}
	if sessions != nil {
		mcp.AddTool(s.mcp, &mcp.Tool{
			Name:        "list_sessions",
			Description: "List the voice sessions that are currently running and the state of their current turn.",
		}, s.listSessions)
	}
	return s
}

// MCP returns the underlying server, e.g. to connect it to a custom
// transport.
func (s *Server) MCP() *mcp.Server { return s.mcp }

// Handler returns the streamable HTTP handler serving the tools.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
}

// ─── add_knowledge ────────────────────────────────────────────────────────────

type addKnowledgeArgs struct {
	Participant string `json:"participant" jsonschema:"identity of the user the knowledge belongs to"`
	Text        string `json:"text" jsonschema:"the fact to remember, in plain language"`
}

type addKnowledgeResult struct {
	Key    string   `json:"key"`
	Topics []string `json:"topics,omitempty"`
}

func (s *Server) addKnowledge(ctx context.Context, _ *mcp.CallToolRequest, a addKnowledgeArgs) (*mcp.CallToolResult, addKnowledgeResult, error) {
	if strings.TrimSpace(a.Participant) == "" || strings.TrimSpace(a.Text) == "" {
		return nil, addKnowledgeResult{}, errors.New("add_knowledge: participant and text must not be empty")
	}
	rec, err := s.memory.AddKnowledge(ctx, a.Participant, a.Text)
	if err != nil {
		return nil, addKnowledgeResult{}, err
	}
	return nil, addKnowledgeResult{Key: rec.Key, Topics: rec.Topics}, nil
}

// ─── search_memory ────────────────────────────────────────────────────────────

type searchMemoryArgs struct {
	Participant string `json:"participant" jsonschema:"identity of the user whose memory is searched"`
	Query       string `json:"query" jsonschema:"what to look for"`
	Kind        string `json:"kind,omitempty" jsonschema:"restrict to 'interaction' or 'knowledge'; omit for both"`
	Limit       int    `json:"limit,omitempty" jsonschema:"maximum number of results, default 10"`
}

// Record is one remembered item as returned by the tools.
type Record struct {
	Kind      string   `json:"kind"`
	Text      string   `json:"text"`
	User      string   `json:"user,omitempty"`
	Agent     string   `json:"agent,omitempty"`
	Topics    []string `json:"topics,omitempty"`
	Score     float64  `json:"score,omitempty"`
	WrittenAt string   `json:"written_at"`
}

type recordsResult struct {
	Records []Record `json:"records"`
}

func (s *Server) searchMemory(ctx context.Context, _ *mcp.CallToolRequest, a searchMemoryArgs) (*mcp.CallToolResult, recordsResult, error) {
	if strings.TrimSpace(a.Participant) == "" || strings.TrimSpace(a.Query) == "" {
		return nil, recordsResult{}, errors.New("search_memory: participant and query must not be empty")
	}
	var kinds []types.MemoryKind
	switch types.MemoryKind(a.Kind) {
	case "":
	case types.MemoryInteraction, types.MemoryKnowledge:
		kinds = append(kinds, types.MemoryKind(a.Kind))
	default:
		return nil, recordsResult{}, errors.New("search_memory: kind must be 'interaction' or 'knowledge'")
	}
	limit := a.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	limit = min(limit, maxSearchLimit)

	recs, err := s.memory.Search(ctx, a.Participant, a.Query, limit, kinds...)
	if err != nil {
		return nil, recordsResult{}, err
	}
	return nil, recordsResult{Records: toRecords(recs)}, nil
}

// ─── recent_interactions ──────────────────────────────────────────────────────

type recentArgs struct {
	Participant string `json:"participant" jsonschema:"identity of the user"`
	Limit       int    `json:"limit,omitempty" jsonschema:"number of exchanges, default 5"`
}

func (s *Server) recentInteractions(ctx context.Context, _ *mcp.CallToolRequest, a recentArgs) (*mcp.CallToolResult, recordsResult, error) {
	if strings.TrimSpace(a.Participant) == "" {
		return nil, recordsResult{}, errors.New("recent_interactions: participant must not be empty")
	}
	n := a.Limit
	if n <= 0 {
		n = defaultRecent
	}
	return nil, recordsResult{Records: toRecords(s.memory.History(ctx, a.Participant, min(n, maxSearchLimit)))}, nil
}

// ─── list_sessions ────────────────────────────────────────────────────────────

// SessionSummary describes one running session.
type SessionSummary struct {
	ID          string `json:"id"`
	Participant string `json:"participant"`
	StartedAt   string `json:"started_at"`
	TurnID      uint64 `json:"turn_id"`
	TurnStatus  string `json:"turn_status"`
}

type sessionsResult struct {
	Sessions []SessionSummary `json:"sessions"`
}

func (s *Server) listSessions(_ context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, sessionsResult, error) {
	infos := s.sessions.Sessions()
	out := make([]SessionSummary, 0, len(infos))
	for _, in := range infos {
		out = append(out, SessionSummary{
			ID:          in.ID,
			Participant: in.Participant,
			StartedAt:   in.StartedAt.UTC().Format(time.RFC3339),
			TurnID:      in.Turn.ID,
			TurnStatus:  in.Turn.Status.String(),
		})
	}
	return nil, sessionsResult{Sessions: out}, nil
}

func toRecords(recs []types.MemoryRecord) []Record {
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, Record{
			Kind:      string(r.Kind),
			Text:      r.Value,
			User:      r.UserText,
			Agent:     r.AgentText,
			Topics:    r.Topics,
			Score:     r.Score,
			WrittenAt: r.WrittenAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

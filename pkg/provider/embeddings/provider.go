// Package embeddings defines the Provider interface for vector embedding backends.
//
// An embeddings provider maps text to dense float32 vectors. The memory layer
// uses them to rank stored interactions and knowledge by semantic relevance
// to the current transcript.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// DefaultDimensions is assumed when a provider cannot report its vector
// length (unknown self-hosted model, failed probe).
const DefaultDimensions = 768

// Provider is the abstraction over any text-embedding backend. All vectors
// from one Provider share the same length.
type Provider interface {
	// Embed computes the embedding vector for a single text. The text is
	// passed through verbatim; model-specific prefixes are the caller's job.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds texts in one call. result[i] corresponds to texts[i].
	// On error the whole result is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector length, or 0 when it is not known.
	Dimensions() int

	// ModelID returns the provider-specific model identifier.
	ModelID() string
}

// Dimensions returns p.Dimensions(), or DefaultDimensions when p reports 0.
func Dimensions(p Provider) int {
	if d := p.Dimensions(); d > 0 {
		return d
	}
	return DefaultDimensions
}

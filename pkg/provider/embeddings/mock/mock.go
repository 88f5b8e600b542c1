// Package mock provides a test double for the embeddings.Provider interface.
//
// Use Provider to return deterministic vectors without a live model and to
// verify which texts were embedded.
//
// Example:
//
//	p := &mock.Provider{
//	    EmbedFunc:       mock.BagOfWords(8),
//	    DimensionsValue: 8,
//	}
//	vec, _ := p.Embed(ctx, "hello world")
package mock

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/MrWong99/conversify/pkg/provider/embeddings"
)

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// EmbedFunc computes the vector of each text. If nil, EmbedResult is
	// returned for every text.
	EmbedFunc func(text string) []float32

	// EmbedResult is used when EmbedFunc is nil.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned by Embed and EmbedBatch.
	EmbedErr error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	texts []string
}

// Embed records text and returns its vector.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts = append(p.texts, text)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	return p.vector(text), nil
}

// EmbedBatch records texts and returns one vector per text.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts = append(p.texts, texts...)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

func (p *Provider) vector(text string) []float32 {
	if p.EmbedFunc != nil {
		return p.EmbedFunc(text)
	}
	out := make([]float32, len(p.EmbedResult))
	copy(out, p.EmbedResult)
	return out
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int { return p.DimensionsValue }

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string { return p.ModelIDValue }

// Texts returns every text embedded so far, in call order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.texts))
	copy(out, p.texts)
	return out
}

// BagOfWords returns an EmbedFunc hashing each lower-cased word into one of
// dims buckets. Texts sharing words get a higher cosine similarity.
func BagOfWords(dims int) func(string) []float32 {
	return func(text string) []float32 {
		v := make([]float32, dims)
		for _, w := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(strings.Trim(w, ".,!?")))
			v[h.Sum32()%uint32(dims)]++
		}
		return v
	}
}

var _ embeddings.Provider = (*Provider)(nil)

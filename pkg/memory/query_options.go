package memory

import "github.com/MrWong99/conversify/pkg/types"

// DefaultSearchLimit applies when WithLimit is not given.
const DefaultSearchLimit = 5

// searchOptions accumulates options for [Store.Search]. Unexported;
// callers configure it via [SearchOpt] functional options.
type searchOptions struct {
	kinds    []types.MemoryKind
	limit    int
	minScore float64
	text     string
}

// SearchOpt is a functional option for [Store.Search].
type SearchOpt func(*searchOptions)

// WithKinds restricts results to the given record kinds. The default is all.
func WithKinds(kinds ...types.MemoryKind) SearchOpt {
	return func(o *searchOptions) { o.kinds = append(o.kinds, kinds...) }
}

// WithLimit caps the number of results.
func WithLimit(n int) SearchOpt {
	return func(o *searchOptions) { o.limit = n }
}

// WithMinScore drops results scoring below s. For embedding search the score
// is cosine similarity in [-1, 1].
func WithMinScore(s float64) SearchOpt {
	return func(o *searchOptions) { o.minScore = s }
}

// WithText sets the query text used when no embedding is supplied.
func WithText(q string) SearchOpt {
	return func(o *searchOptions) { o.text = q }
}

// SearchParams holds the resolved parameters from a slice of [SearchOpt].
type SearchParams struct {
	Kinds    []types.MemoryKind
	Limit    int
	MinScore float64
	Text     string
}

// ApplySearchOpts resolves opts, filling in DefaultSearchLimit. Storage
// backends outside this package use it to read the option values.
func ApplySearchOpts(opts []SearchOpt) SearchParams {
	o := &searchOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.limit <= 0 {
		o.limit = DefaultSearchLimit
	}
	return SearchParams{
		Kinds:    o.kinds,
		Limit:    o.limit,
		MinScore: o.minScore,
		Text:     o.text,
	}
}

// Allows reports whether kind passes the Kinds filter.
func (p SearchParams) Allows(kind types.MemoryKind) bool {
	if len(p.Kinds) == 0 {
		return true
	}
	for _, k := range p.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

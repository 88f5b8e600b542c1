package stt

// KeywordBoost is a vocabulary hint that raises the recognition probability
// of an uncommon word, such as a product or person name.
type KeywordBoost struct {
	// Keyword is the text to boost.
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}

package resilience

import (
	"context"

	"github.com/MrWong99/conversify/pkg/provider/stt"
)

// STTFallback is an [stt.Provider] that opens streams on the first healthy
// backend. A stream that fails later is not moved; the transcription stage
// reopens through the group on its next utterance.
type STTFallback struct {
	group *Group[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback returns an STTFallback with primary as the preferred
// backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewGroup("stt", primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *STTFallback) AddFallback(name string, p stt.Provider) { f.group.Add(name, p) }

// Group returns the underlying backend group.
func (f *STTFallback) Group() *Group[stt.Provider] { return f.group }

// StartStream opens a session on the first backend that accepts it.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return Call(ctx, f.group, func(ctx context.Context, p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

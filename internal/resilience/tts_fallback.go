package resilience

import (
	"context"
	"strings"

	"github.com/MrWong99/conversify/pkg/provider/tts"
	"github.com/MrWong99/conversify/pkg/types"
)

// TTSFallback is a [tts.Provider] that fails over across several backends.
//
// SynthesizeStream reads the whole text before contacting a backend so that
// a retry can replay it; the synthesis stage sends one sentence per request.
// A backend whose stream ends without any audio counts as failed and the
// next one is tried. Once audio has arrived the request stays with that
// backend.
type TTSFallback struct {
	group *Group[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback returns a TTSFallback with primary as the preferred
// backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewGroup("tts", primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) { f.group.Add(name, p) }

// Group returns the underlying backend group.
func (f *TTSFallback) Group() *Group[tts.Provider] { return f.group }

// SynthesizeStream blocks until a backend has produced its first audio
// chunk, every backend failed or ctx ended.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*tts.Stream, error) {
	var sb strings.Builder
collect:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case frag, ok := <-text:
			if !ok {
				break collect
			}
			sb.WriteString(frag)
		}
	}
	full := sb.String()

	return Call(ctx, f.group, func(ctx context.Context, p tts.Provider) (*tts.Stream, error) {
		actx, cancel := context.WithCancel(ctx)
		in := make(chan string, 1)
		in <- full
		close(in)
		src, err := p.SynthesizeStream(actx, in, voice)
		if err != nil {
			cancel()
			return nil, err
		}
		var first []byte
		select {
		case <-ctx.Done():
			cancel()
			return nil, ctx.Err()
		case chunk, ok := <-src.Audio:
			if !ok {
				cancel()
				if err := src.Err(); err != nil {
					return nil, err
				}
				return nil, errNoOutput
			}
			first = chunk
		}
		return relay(actx, cancel, src, first), nil
	})
}

// relay re-emits first followed by the rest of src on a new stream.
func relay(ctx context.Context, cancel context.CancelFunc, src *tts.Stream, first []byte) *tts.Stream {
	out := make(chan []byte, cap(src.Audio)+1)
	s := tts.NewStream(out, src.Format)
	go func() {
		defer cancel()
		defer close(out)
		if !send(ctx, out, first) {
			return
		}
		for chunk := range src.Audio {
			if !send(ctx, out, chunk) {
				go drain(src.Audio)
				return
			}
		}
		s.SetErr(src.Err())
	}()
	return s
}

// ListVoices lists the voices of the first healthy backend.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return Call(ctx, f.group, func(ctx context.Context, p tts.Provider) ([]types.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

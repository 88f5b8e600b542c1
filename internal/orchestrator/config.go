package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/conversify/internal/observe"
	"github.com/MrWong99/conversify/internal/recall"
	"github.com/MrWong99/conversify/internal/synthesis"
	"github.com/MrWong99/conversify/pkg/audio"
	"github.com/MrWong99/conversify/pkg/provider/llm"
	"github.com/MrWong99/conversify/pkg/types"
)

// DefaultFallbackPhrases are spoken when the model fails before saying
// anything.
var DefaultFallbackPhrases = []string{
	"Sorry, I didn't catch that.",
	"Could you say that again?",
	"Give me a second, I lost my train of thought.",
}

// MemoryFetcher returns memory relevant to a transcript. It degrades to an
// empty result instead of failing.
type MemoryFetcher interface {
	FetchContext(ctx context.Context, participant, transcript string) []types.MemoryRecord
}

// TurnCommitter persists finished turns without blocking.
type TurnCommitter interface {
	CommitAsync(rec recall.TurnRecord) error
}

// FrameSource returns the most recent sampled video frames, oldest first.
type FrameSource interface {
	Latest(n int) []types.VideoFrame
}

// PlaybackMeter reports how much audio of a generation reached the user.
type PlaybackMeter interface {
	Played(gen uint64) time.Duration
}

// Notifier delivers control notices to the client.
type Notifier interface {
	Notify(ctx context.Context, n audio.Notice) error
}

// Deps are the collaborators of an [Orchestrator]. LLM and Generations are
// required; the rest are optional.
type Deps struct {
	LLM         llm.Provider
	Generations *synthesis.Generations
	Memory      MemoryFetcher
	Commits     TurnCommitter
	Frames      FrameSource
	Playback    PlaybackMeter
	Notifier    Notifier
}

// Config tunes an [Orchestrator].
type Config struct {
	// SessionID and Participant label committed turns and logs.
	SessionID   string
	Participant string

	// Instructions is the system prompt.
	Instructions string

	// FinalityTimeout bounds the wait for a final transcript after speech
	// ended. On expiry the buffered partials are promoted. Default 700ms.
	FinalityTimeout time.Duration

	// LLMTimeout bounds the time to the first model chunk and every gap
	// between chunks. Default 5s.
	LLMTimeout time.Duration

	// BargeInMin is the voiced duration that interrupts a response.
	// Default 500ms.
	BargeInMin time.Duration

	// HistoryTurns is the number of exchanges sent with each request.
	// Default 10.
	HistoryTurns int

	// MaxHistoryTokens caps the estimated history size. Zero means no cap.
	MaxHistoryTokens int

	// FallbackPhrases replace DefaultFallbackPhrases when non-empty.
	FallbackPhrases []string

	// VisionFrames is the number of recent video frames attached to each
	// request. Zero disables vision.
	VisionFrames int

	// EchoThreshold is the Jaro-Winkler similarity above which a transcript
	// counts as the agent's own voice. Default 0.9.
	EchoThreshold float64

	// EchoWindow is how long spoken text stays eligible. Default 10s.
	EchoWindow time.Duration

	// DisableEchoGuard turns echo detection off.
	DisableEchoGuard bool

	// Temperature and MaxTokens are passed to the model.
	Temperature float64
	MaxTokens   int

	// MaxChunkChars splits long sentences for synthesis. Zero only splits
	// at sentence boundaries.
	MaxChunkChars int

	// Metrics records turn metrics. Defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics
}

func (c Config) withDefaults() Config {
	if c.FinalityTimeout <= 0 {
		c.FinalityTimeout = 700 * time.Millisecond
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = 5 * time.Second
	}
	if c.BargeInMin <= 0 {
		c.BargeInMin = 500 * time.Millisecond
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = 10
	}
	if len(c.FallbackPhrases) == 0 {
		c.FallbackPhrases = DefaultFallbackPhrases
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	return c
}

func (d Deps) validate() error {
	var errs []error
	if d.LLM == nil {
		errs = append(errs, errors.New("orchestrator: llm provider is required"))
	}
	if d.Generations == nil {
		errs = append(errs, errors.New("orchestrator: generations are required"))
	}
	return errors.Join(errs...)
}

// fallbackPhrase picks a phrase for the given turn, rotating through the set.
func (c Config) fallbackPhrase(turnID uint64) string {
	return c.FallbackPhrases[int((turnID-1)%uint64(len(c.FallbackPhrases)))]
}

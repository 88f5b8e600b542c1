package session

import (
	"errors"

	"github.com/MrWong99/conversify/internal/observe"
	"github.com/MrWong99/conversify/internal/orchestrator"
	"github.com/MrWong99/conversify/internal/synthesis"
	"github.com/MrWong99/conversify/internal/transcription"
	"github.com/MrWong99/conversify/internal/turn"
	"github.com/MrWong99/conversify/internal/vision"
	"github.com/MrWong99/conversify/pkg/provider/llm"
	"github.com/MrWong99/conversify/pkg/provider/stt"
	"github.com/MrWong99/conversify/pkg/provider/tts"
	"github.com/MrWong99/conversify/pkg/provider/vad"
)

// Providers are the backends shared by all sessions.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider
	VAD vad.Engine
}

func (p Providers) validate() error {
	var errs []error
	if p.LLM == nil {
		errs = append(errs, errors.New("session: llm provider is required"))
	}
	if p.STT == nil {
		errs = append(errs, errors.New("session: stt provider is required"))
	}
	if p.TTS == nil {
		errs = append(errs, errors.New("session: tts provider is required"))
	}
	if p.VAD == nil {
		errs = append(errs, errors.New("session: vad engine is required"))
	}
	return errors.Join(errs...)
}

// PipeConfig holds the capacities of the pipes between stages.
type PipeConfig struct {
	Events   int
	Gated    int
	Segments int
	Chunks   int
	Frames   int
	Playback int
}

func (p PipeConfig) withDefaults() PipeConfig {
	if p.Events <= 0 {
		p.Events = 32
	}
	if p.Gated <= 0 {
		p.Gated = 256
	}
	if p.Segments <= 0 {
		p.Segments = 32
	}
	if p.Chunks <= 0 {
		p.Chunks = 32
	}
	if p.Frames <= 0 {
		p.Frames = 64
	}
	if p.Playback <= 0 {
		p.Playback = 64
	}
	return p
}

// Config is the template every new session is built from. SessionID,
// Participant and Metrics of the stage configs are filled in per session.
type Config struct {
	Orchestrator  orchestrator.Config
	Turn          turn.Config
	Transcription transcription.Config
	Synthesis     synthesis.Config
	Playout       synthesis.PlayoutConfig

	// Vision is used when VisionEnabled is set.
	Vision        vision.Config
	VisionEnabled bool

	Pipes PipeConfig

	// LoadLastN is the number of earlier interactions of the participant
	// placed in the history at session start.
	LoadLastN int

	// CommitQueue is the number of finished turns that may wait for the
	// memory store. Default 16.
	CommitQueue int

	// MaxSessions caps concurrent sessions. Zero means no cap.
	MaxSessions int

	Metrics *observe.Metrics
}

func (c Config) withDefaults() Config {
	c.Pipes = c.Pipes.withDefaults()
	if c.CommitQueue <= 0 {
		c.CommitQueue = 16
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	c.Orchestrator.Metrics = c.Metrics
	c.Transcription.Metrics = c.Metrics
	c.Synthesis.Metrics = c.Metrics
	c.Vision.Metrics = c.Metrics
	return c
}

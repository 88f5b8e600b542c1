// Package energy implements a dependency-free [vad.Engine] that scores each
// frame by its RMS level in dBFS. It is the default engine; model-based
// engines can be registered under other names.
package energy

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/conversify/pkg/audio"
	"github.com/MrWong99/conversify/pkg/provider/vad"
)

const (
	// DefaultFloorDB maps to probability 0.
	DefaultFloorDB = -60.0
	// DefaultCeilingDB maps to probability 1.
	DefaultCeilingDB = -20.0
)

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("energy vad: session closed")

// Option configures an Engine.
type Option func(*Engine)

// WithRange sets the dBFS levels mapped to probabilities 0 and 1.
func WithRange(floorDB, ceilingDB float64) Option {
	return func(e *Engine) {
		e.floorDB = floorDB
		e.ceilingDB = ceilingDB
	}
}

// Engine creates energy-based VAD sessions.
type Engine struct {
	floorDB   float64
	ceilingDB float64
}

// New returns an Engine with the default -60..-20 dBFS range.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{floorDB: DefaultFloorDB, ceilingDB: DefaultCeilingDB}
	for _, o := range opts {
		o(e)
	}
	if e.ceilingDB <= e.floorDB {
		return nil, fmt.Errorf("energy vad: ceiling %.1f dB must be above floor %.1f dB", e.ceilingDB, e.floorDB)
	}
	return e, nil
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, floorDB: e.floorDB, ceilingDB: e.ceilingDB}
	if cfg.FrameSizeMs > 0 {
		s.frameBytes = audio.PCMBytes(time.Duration(cfg.FrameSizeMs)*time.Millisecond, cfg.SampleRate, 1)
	}
	return s, nil
}

type session struct {
	cfg        vad.Config
	floorDB    float64
	ceilingDB  float64
	frameBytes int
	speaking   bool
	closed     bool
}

func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	if s.closed {
		return vad.Event{}, ErrClosed
	}
	if s.frameBytes > 0 && len(frame) != s.frameBytes {
		return vad.Event{}, fmt.Errorf("energy vad: frame of %d bytes, want %d", len(frame), s.frameBytes)
	}
	ev, speaking := vad.Step(s.speaking, s.probability(frame), s.cfg)
	s.speaking = speaking
	return ev, nil
}

func (s *session) probability(frame []byte) float64 {
	rms := audio.RMS(frame)
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms/32768)
	p := (db - s.floorDB) / (s.ceilingDB - s.floorDB)
	return math.Max(0, math.Min(1, p))
}

func (s *session) Reset() { s.speaking = false }

func (s *session) Close() error {
	s.closed = true
	return nil
}

var _ vad.Engine = (*Engine)(nil)

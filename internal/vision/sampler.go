// Package vision samples the user's camera stream for the language model.
//
// The sampler keeps at most one frame per interval and retains only the
// newest few, encoded as JPEG at sample time so every LLM request can attach
// them without re-encoding. Older frames are dropped without error.
package vision

import (
	"bytes"
	"context"
	"image/jpeg"
	"log/slog"
	"time"

	"github.com/MrWong99/conversify/internal/bus"
	"github.com/MrWong99/conversify/internal/observe"
	"github.com/MrWong99/conversify/pkg/types"
)

// Config configures a [Sampler].
type Config struct {
	// Interval is the minimum capture-time distance between two samples.
	// Default 1s.
	Interval time.Duration

	// Keep is the number of sampled frames retained. Default 2.
	Keep int

	// Quality is the JPEG quality (1-100). Default 75.
	Quality int

	// Metrics counts dropped frames. Optional.
	Metrics *observe.Metrics
}

// Sampler retains the freshest sampled video frames. A nil *Sampler is a
// disabled sampler: Latest returns nil.
type Sampler struct {
	cfg  Config
	ring *bus.Latest[types.VideoFrame]

	last    time.Duration
	sampled bool
}

// New returns a sampler with defaults applied.
func New(cfg Config) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Keep <= 0 {
		cfg.Keep = 2
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 75
	}
	return &Sampler{cfg: cfg, ring: bus.NewLatest[types.VideoFrame](cfg.Keep)}
}

// Run samples frames from in until it is closed or ctx ends. A nil channel
// (client without a camera) simply waits for ctx.
func (s *Sampler) Run(ctx context.Context, in <-chan types.VideoFrame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-in:
			if !ok {
				return nil
			}
			s.offer(ctx, f)
		}
	}
}

func (s *Sampler) offer(ctx context.Context, f types.VideoFrame) {
	if s.sampled && f.Timestamp-s.last < s.cfg.Interval {
		s.drop(ctx)
		return
	}
	enc, ok := s.encode(f)
	if !ok {
		s.drop(ctx)
		return
	}
	s.sampled = true
	s.last = f.Timestamp
	before := s.ring.Dropped()
	s.ring.Put(enc)
	if s.ring.Dropped() > before {
		s.drop(ctx)
	}
}

// encode returns f with Data populated as JPEG. Pre-encoded frames pass
// through unchanged.
func (s *Sampler) encode(f types.VideoFrame) (types.VideoFrame, bool) {
	if len(f.Data) > 0 {
		if f.MIMEType == "" {
			f.MIMEType = "image/jpeg"
		}
		return f, true
	}
	if f.Image == nil {
		return f, false
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: s.cfg.Quality}); err != nil {
		slog.Warn("vision: encode frame", "err", err)
		return f, false
	}
	return types.VideoFrame{
		Data:      buf.Bytes(),
		MIMEType:  "image/jpeg",
		Timestamp: f.Timestamp,
	}, true
}

func (s *Sampler) drop(ctx context.Context) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.VideoFramesDropped.Add(ctx, 1)
	}
}

// Latest returns up to n of the freshest sampled frames, oldest first.
func (s *Sampler) Latest(n int) []types.VideoFrame {
	if s == nil {
		return nil
	}
	return s.ring.Snapshot(n)
}

// Updated is signalled (coalesced) whenever a new frame is sampled.
func (s *Sampler) Updated() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.ring.Notify()
}

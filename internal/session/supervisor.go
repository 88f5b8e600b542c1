// Package session runs one voice pipeline per connected user.
//
// A [Supervisor] turns every accepted [audio.Connection] into a [Session]:
// it builds the turn detector, transcription, vision sampler, orchestrator,
// synthesis stage and playout for that user, wires them with bounded pipes
// and runs them under one errgroup. A stage failing with a
// [fault.SessionFatalError], or the transport going away, ends the session;
// any other stage error is logged and the rest of the pipeline keeps going.
//
// Sessions share nothing mutable except the memory manager.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/conversify/internal/recall"
	"github.com/MrWong99/conversify/pkg/audio"
)

// ErrDraining is returned by Start once Shutdown began.
var ErrDraining = errors.New("session: supervisor is draining")

// ErrTooManySessions is returned by Start when MaxSessions is reached.
var ErrTooManySessions = errors.New("session: too many sessions")

// Supervisor starts and tracks sessions.
//
// All methods are safe for concurrent use.
type Supervisor struct {
	providers Providers
	memory    *recall.Manager

	mu       sync.Mutex
	cfg      Config
	sessions map[string]*Session
	draining bool
}

// NewSupervisor returns a supervisor. memory may be nil to run without
// long-term memory.
func NewSupervisor(providers Providers, memory *recall.Manager, cfg Config) (*Supervisor, error) {
	if err := providers.validate(); err != nil {
		return nil, err
	}
	return &Supervisor{
		providers: providers,
		memory:    memory,
		cfg:       cfg.withDefaults(),
		sessions:  make(map[string]*Session),
	}, nil
}

// SetConfig replaces the template for sessions started from now on.
// Running sessions keep their configuration.
func (s *Supervisor) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.withDefaults()
}

// Config returns the current session template.
func (s *Supervisor) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start builds a session for conn and runs it in the background. The
// session ends when ctx is cancelled, the connection closes or a stage
// fails fatally.
func (s *Supervisor) Start(ctx context.Context, conn audio.Connection) (*Session, error) {
	s.mu.Lock()
	cfg := s.cfg
	switch {
	case s.draining:
		s.mu.Unlock()
		return nil, ErrDraining
	case cfg.MaxSessions > 0 && len(s.sessions) >= cfg.MaxSessions:
		s.mu.Unlock()
		return nil, ErrTooManySessions
	}
	s.mu.Unlock()

	sess, err := newSession(ctx, s.providers, s.memory, cfg, conn)
	if err != nil {
		return nil, fmt.Errorf("session: start: %w", err)
	}

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		sess.abort()
		return nil, ErrDraining
	}
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	sess.start(func() {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
	})
	return sess, nil
}

// Serve runs a session for conn until it ends. It matches [audio.Handler].
func (s *Supervisor) Serve(ctx context.Context, conn audio.Connection) {
	sess, err := s.Start(ctx, conn)
	if err != nil {
		slog.Warn("session: rejected connection", "participant", conn.Participant(), "err", err)
		_ = conn.Close()
		return
	}
	if err := sess.Wait(); err != nil {
		slog.Warn("session: ended with error", "session_id", sess.ID(), "err", err)
	}
}

// Active returns the number of running sessions.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sessions returns a snapshot of the running sessions.
func (s *Supervisor) Sessions() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Info())
	}
	return out
}

// Session returns the running session with the given id.
func (s *Supervisor) Session(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Shutdown stops accepting sessions, stops the running ones and waits for
// them to finish or for ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	running := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		running = append(running, sess)
	}
	s.mu.Unlock()

	for _, sess := range running {
		sess.Stop()
	}
	for _, sess := range running {
		select {
		case <-sess.Done():
		case <-ctx.Done():
			return fmt.Errorf("session: shutdown: %w", ctx.Err())
		}
	}
	return nil
}

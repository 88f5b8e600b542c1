// Package app wires the conversify subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates the memory manager,
// the session supervisor and the HTTP surface, Run serves until the context
// ends, Reload applies hot-reloadable config changes and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithMemoryStore,
// WithMetrics, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/conversify/internal/config"
	"github.com/MrWong99/conversify/internal/health"
	"github.com/MrWong99/conversify/internal/mcpserver"
	"github.com/MrWong99/conversify/internal/observe"
	"github.com/MrWong99/conversify/internal/orchestrator"
	"github.com/MrWong99/conversify/internal/recall"
	"github.com/MrWong99/conversify/internal/session"
	"github.com/MrWong99/conversify/internal/synthesis"
	"github.com/MrWong99/conversify/internal/transcription"
	"github.com/MrWong99/conversify/internal/turn"
	"github.com/MrWong99/conversify/internal/vision"
	"github.com/MrWong99/conversify/pkg/audio"
	"github.com/MrWong99/conversify/pkg/audio/wsconn"
	"github.com/MrWong99/conversify/pkg/memory"
	"github.com/MrWong99/conversify/pkg/memory/memstore"
	"github.com/MrWong99/conversify/pkg/memory/postgres"
	"github.com/MrWong99/conversify/pkg/provider/embeddings"
	"github.com/MrWong99/conversify/pkg/provider/stt"
	"github.com/MrWong99/conversify/pkg/types"
)

// App owns all subsystem lifetimes.
type App struct {
	providers *Providers
	version   string
	level     *slog.LevelVar
	metrics   *observe.Metrics

	mu  sync.Mutex
	cfg *config.Config

	// Subsystems, initialised in New and torn down in Shutdown.
	store      memory.Store
	memory     *recall.Manager
	supervisor *session.Supervisor
	ws         *wsconn.Server
	health     *health.Handler
	handler    http.Handler
	server     *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMemoryStore injects a memory store instead of creating one from
// config. It is ignored when memory is disabled.
func WithMemoryStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the instruments used by every stage. The default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets Reload change the log level of the handler that reads v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithVersion sets the version reported by the MCP server.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg and the providers built by [BuildProviders].
// The caller keeps ownership of the providers.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Memory ────────────────────────────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 2. Sessions ──────────────────────────────────────────────────────
	sup, err := session.NewSupervisor(providers.session(), a.memory, a.sessionConfig(cfg))
	if err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}
	a.supervisor = sup

	// ── 3. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP(cfg)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initMemory builds the memory manager. Without a DSN the records stay in
// process.
func (a *App) initMemory(ctx context.Context) error {
	mc := a.cfg.Memory
	if !mc.Enabled() {
		slog.Info("memory disabled")
		a.store = nil
		return nil
	}

	if a.store == nil {
		if mc.PostgresDSN == "" {
			a.store = memstore.New()
		} else {
			dims := mc.EmbeddingDimensions
			if dims == 0 {
				dims = config.DefaultEmbeddingDimensions
				if a.providers.Embeddings != nil {
					dims = embeddings.Dimensions(a.providers.Embeddings)
				}
			}
			store, err := postgres.NewStore(ctx, mc.PostgresDSN, dims)
			if err != nil {
				return err
			}
			a.store = store
			a.closers = append(a.closers, func() error {
				store.Close()
				return nil
			})
			slog.Info("memory store connected", "backend", "postgres", "dimensions", dims)
		}
	}

	var extractor recall.ConceptExtractor
	if mc.ExtractConcepts {
		extractor = recall.NewLLMExtractor(a.providers.LLM)
	}
	m, err := recall.New(recall.Config{
		Store:            a.store,
		Embedder:         a.providers.Embeddings,
		Extractor:        extractor,
		FetchTimeout:     mc.FetchTimeout.D(),
		MaxResults:       mc.MaxResults,
		KnowledgeResults: mc.KnowledgeResults,
		MinScore:         mc.MinScore,
		CommitTimeout:    mc.CommitTimeout.D(),
		Metrics:          a.metrics,
	})
	if err != nil {
		return err
	}
	a.memory = m
	return nil
}

// initHTTP mounts the websocket transport, the optional MCP endpoint, the
// health probes and the metrics endpoint.
func (a *App) initHTTP(cfg *config.Config) {
	sc := cfg.Server

	a.ws = wsconn.NewServer(audio.Handler(a.supervisor.Serve), wsconn.Options{
		HelloTimeout:   sc.HelloTimeout.D(),
		InputBuffer:    cfg.Pipeline.Buffers.Audio,
		OriginPatterns: sc.AllowedOrigins,
	})

	var checkers []health.Checker
	if a.memory != nil {
		checkers = append(checkers, health.PingChecker("memory", a.memory))
	}
	a.health = health.New(checkers...)

	mux := http.NewServeMux()
	mux.Handle(sc.WebSocketPath, a.ws)
	a.health.Register(mux)
	mux.Handle(cfg.Telemetry.MetricsPath, promhttp.Handler())
	if sc.MCPPath != "" {
		var mem mcpserver.Memory
		if a.memory != nil {
			mem = a.memory
		}
		mux.Handle(sc.MCPPath, mcpserver.New(mem, a.supervisor, a.version).Handler())
	}

	a.handler = observe.Middleware(a.metrics,
		observe.WithQuietPaths("/healthz", "/readyz", cfg.Telemetry.MetricsPath),
	)(mux)
	a.server = &http.Server{
		Addr:              sc.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// sessionConfig maps the config sections onto the session template.
func (a *App) sessionConfig(cfg *config.Config) session.Config {
	sc := SessionConfig(cfg)
	sc.Metrics = a.metrics
	return sc
}

// SessionConfig maps the agent, turn, pipeline, vision and memory sections
// of cfg onto a session template.
func SessionConfig(cfg *config.Config) session.Config {
	ag, tc, pc := cfg.Agent, cfg.Turn, cfg.Pipeline
	return session.Config{
		Orchestrator: orchestrator.Config{
			Instructions:     ag.Instructions,
			FinalityTimeout:  pc.FinalityTimeout.D(),
			LLMTimeout:       pc.LLMTimeout.D(),
			BargeInMin:       tc.BargeInDuration.D(),
			HistoryTurns:     ag.HistoryTurns,
			MaxHistoryTokens: ag.MaxHistoryTokens,
			FallbackPhrases:  ag.FallbackPhrases,
			VisionFrames:     cfg.Vision.FramesPerRequest,
			EchoThreshold:    ag.EchoGuard.Threshold,
			EchoWindow:       ag.EchoGuard.Window.D(),
			DisableEchoGuard: ag.EchoGuard.Disabled,
			Temperature:      ag.Temperature,
			MaxTokens:        ag.MaxTokens,
			MaxChunkChars:    pc.MaxChunkChars,
		},
		Turn: turn.Config{
			SampleRate:             tc.SampleRate,
			Threshold:              tc.ActivationThreshold,
			ReleaseThreshold:       tc.ReleaseThreshold,
			AgentSpeakingThreshold: tc.AgentSpeakingThreshold,
			MinSpeech:              tc.MinSpeechDuration.D(),
			Hangover:               tc.MinSilenceDuration.D(),
			PrefixPadding:          tc.PrefixPaddingDuration.D(),
			BargeInMin:             tc.BargeInDuration.D(),
			IdleTimeout:            tc.IdleTimeout.D(),
			SmoothingWindow:        tc.SmoothingWindow,
		},
		Transcription: transcription.Config{
			Language:   ag.Language,
			Keywords:   keywordBoosts(ag.Keywords),
			Vocabulary: vocabulary(ag),
		},
		Synthesis: synthesis.Config{
			Voice: types.VoiceProfile{
				ID:          ag.Voice.ID,
				Provider:    cfg.Providers.TTS.Name,
				SpeedFactor: ag.Voice.Speed,
			},
			Format:        audio.Format{SampleRate: pc.OutputSampleRate, Channels: 1},
			FrameDuration: pc.FrameDuration.D(),
			ChunkTimeout:  pc.TTSChunkTimeout.D(),
			QueueSize:     pc.Buffers.Chunks,
			ProviderName:  label(cfg.Providers.TTS),
		},
		Playout: synthesis.PlayoutConfig{
			Pace: true,
			Lead: pc.PlaybackLead.D(),
		},
		Vision: vision.Config{
			Interval: cfg.Vision.FrameInterval.D(),
			Keep:     cfg.Vision.FramesPerRequest,
			Quality:  cfg.Vision.JPEGQuality,
		},
		VisionEnabled: cfg.Vision.Use,
		Pipes: session.PipeConfig{
			Events:   pc.Buffers.Events,
			Gated:    pc.Buffers.Audio,
			Segments: pc.Buffers.Segments,
			Chunks:   pc.Buffers.Chunks,
			Frames:   pc.Buffers.Frames,
			Playback: pc.Buffers.Playback,
		},
		LoadLastN:   cfg.Memory.LoadLastN,
		CommitQueue: cfg.Memory.CommitQueue,
		MaxSessions: cfg.Server.MaxSessions,
	}
}

// keywordBoosts parses "word" or "word:boost" entries. A missing or
// unparsable boost counts as 1.
func keywordBoosts(words []string) []stt.KeywordBoost {
	if len(words) == 0 {
		return nil
	}
	out := make([]stt.KeywordBoost, 0, len(words))
	for _, w := range words {
		kw, boost := w, 1.0
		if i := strings.LastIndexByte(w, ':'); i > 0 {
			if b, err := strconv.ParseFloat(w[i+1:], 64); err == nil {
				kw, boost = w[:i], b
			}
		}
		if kw = strings.TrimSpace(kw); kw != "" {
			out = append(out, stt.KeywordBoost{Keyword: kw, Boost: boost})
		}
	}
	return out
}

// vocabulary returns the keyword terms to correct, without boost factors.
func vocabulary(ag config.AgentConfig) []string {
	if !ag.CorrectKeywords {
		return nil
	}
	boosts := keywordBoosts(ag.Keywords)
	terms := make([]string, len(boosts))
	for i, b := range boosts {
		terms[i] = b.Keyword
	}
	return terms
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Supervisor returns the session supervisor.
func (a *App) Supervisor() *session.Supervisor { return a.supervisor }

// Memory returns the memory manager, or nil when memory is disabled.
func (a *App) Memory() *recall.Manager { return a.memory }

// Config returns the config most recently applied.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address and blocks until ctx is
// cancelled or the listener fails. It returns ctx.Err() on cancellation.
func (a *App) Run(ctx context.Context) error {
	tls := a.Config().Server.TLS
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		errCh <- err
	}()

	slog.Info("app running", "addr", a.server.Addr, "tls", tls != nil)
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable part of a config change. The log level
// changes at once; agent, turn, pipeline, vision and memory tuning apply to
// sessions started afterwards. Anything else is logged and needs a restart.
// Reload matches the [config.Watcher] callback.
func (a *App) Reload(old, next *config.Config) {
	d := config.Diff(old, next)
	if d.Empty() {
		return
	}

	a.mu.Lock()
	a.cfg = next
	a.mu.Unlock()

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", string(d.NewLogLevel))
	}
	if d.SessionTemplateChanged() {
		a.supervisor.SetConfig(a.sessionConfig(next))
		slog.Info("session template updated",
			"instructions", d.InstructionsChanged,
			"voice", d.VoiceChanged,
			"turn", d.TurnChanged,
			"pipeline", d.PipelineChanged,
			"vision", d.VisionChanged,
			"memory", d.MemoryTuningChanged,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the server not ready, ends all sessions, stops the HTTP
// server and closes the memory store. It respects the context deadline:
// if ctx expires before all steps finish, the remaining closers are skipped
// and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.supervisor.Active())

		a.health.SetDraining(true)
		if err := a.supervisor.Shutdown(ctx); err != nil {
			slog.Warn("session shutdown incomplete", "err", err)
			shutdownErr = err
		}
		// Sessions are over; the transport only has sockets to close.
		wsDone := make(chan struct{})
		go func() {
			a.ws.Wait()
			close(wsDone)
		}()
		select {
		case <-wsDone:
		case <-ctx.Done():
		}
		if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("http shutdown error", "err", err)
			if shutdownErr == nil {
				shutdownErr = err
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				if shutdownErr == nil {
					shutdownErr = ctx.Err()
				}
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// runClosers releases what a failed New already opened.
func (a *App) runClosers() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}

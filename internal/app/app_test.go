package app_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/conversify/internal/app"
	"github.com/MrWong99/conversify/internal/config"
	"github.com/MrWong99/conversify/internal/resilience"
	"github.com/MrWong99/conversify/internal/session"
	memorymock "github.com/MrWong99/conversify/pkg/memory/mock"
	"github.com/MrWong99/conversify/pkg/provider/embeddings"
	embmock "github.com/MrWong99/conversify/pkg/provider/embeddings/mock"
	"github.com/MrWong99/conversify/pkg/provider/llm"
	llmmock "github.com/MrWong99/conversify/pkg/provider/llm/mock"
	"github.com/MrWong99/conversify/pkg/provider/stt"
	sttmock "github.com/MrWong99/conversify/pkg/provider/stt/mock"
	"github.com/MrWong99/conversify/pkg/provider/tts"
	ttsmock "github.com/MrWong99/conversify/pkg/provider/tts/mock"
	"github.com/MrWong99/conversify/pkg/provider/vad"
	vadmock "github.com/MrWong99/conversify/pkg/provider/vad/mock"
)

// testConfig returns a valid config with in-process memory.
func testConfig() *config.Config {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			LLM: config.ProviderEntry{Name: "mock"},
			STT: config.ProviderEntry{Name: "mock"},
			TTS: config.ProviderEntry{Name: "mock"},
			VAD: config.ProviderEntry{Name: "mock"},
		},
		Agent: config.AgentConfig{Instructions: "Be helpful."},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

// testProviders returns mock providers for every slot.
func testProviders() *app.Providers {
	return &app.Providers{
		LLM: &llmmock.Provider{},
		STT: &sttmock.Provider{},
		TTS: &ttsmock.Provider{},
		VAD: &vadmock.Engine{},
	}
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, testProviders(), opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

// ─── BuildProviders ──────────────────────────────────────────────────────────

func mockRegistry() *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterLLM("mock", func(config.ProviderEntry) (llm.Provider, error) { return &llmmock.Provider{}, nil })
	reg.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) { return &sttmock.Provider{}, nil })
	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) { return &ttsmock.Provider{}, nil })
	reg.RegisterEmbeddings("mock", func(config.ProviderEntry) (embeddings.Provider, error) { return &embmock.Provider{}, nil })
	reg.RegisterVAD("mock", func(config.ProviderEntry) (vad.Engine, error) { return &vadmock.Engine{}, nil })
	return reg
}

func TestBuildProviders_Plain(t *testing.T) {
	t.Parallel()

	p, err := app.BuildProviders(mockRegistry(), testConfig().Providers, nil)
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if _, ok := p.LLM.(*llmmock.Provider); !ok {
		t.Errorf("LLM = %T, want the mock itself without fallbacks", p.LLM)
	}
	if _, ok := p.TTS.(*ttsmock.Provider); !ok {
		t.Errorf("TTS = %T, want the mock itself without fallbacks", p.TTS)
	}
	if p.Embeddings != nil {
		t.Errorf("Embeddings = %T, want nil when not configured", p.Embeddings)
	}
	if p.VAD == nil {
		t.Error("VAD is nil")
	}
}

func TestBuildProviders_Fallbacks(t *testing.T) {
	t.Parallel()

	pc := testConfig().Providers
	pc.LLMFallbacks = []config.ProviderEntry{{Name: "mock", Model: "small"}}
	pc.STTFallbacks = []config.ProviderEntry{{Name: "mock"}}
	pc.TTSFallbacks = []config.ProviderEntry{{Name: "mock", Model: "b"}, {Name: "mock", Model: "c"}}
	pc.Embeddings = config.ProviderEntry{Name: "mock"}

	p, err := app.BuildProviders(mockRegistry(), pc, nil)
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	lf, ok := p.LLM.(*resilience.LLMFallback)
	if !ok {
		t.Fatalf("LLM = %T, want *resilience.LLMFallback", p.LLM)
	}
	if got, want := lf.Group().Names(), []string{"mock", "mock/small"}; !slices.Equal(got, want) {
		t.Errorf("llm names = %v, want %v", got, want)
	}
	if _, ok := p.STT.(*resilience.STTFallback); !ok {
		t.Errorf("STT = %T, want *resilience.STTFallback", p.STT)
	}
	tf, ok := p.TTS.(*resilience.TTSFallback)
	if !ok {
		t.Fatalf("TTS = %T, want *resilience.TTSFallback", p.TTS)
	}
	if got := len(tf.Group().Names()); got != 3 {
		t.Errorf("tts backends = %d, want 3", got)
	}
	if p.Embeddings == nil {
		t.Error("Embeddings is nil although configured")
	}
}

func TestBuildProviders_ErrorsJoined(t *testing.T) {
	t.Parallel()

	pc := testConfig().Providers
	pc.LLM.Name = "unknown-llm"
	pc.TTSFallbacks = []config.ProviderEntry{{Name: "unknown-tts"}}

	_, err := app.BuildProviders(mockRegistry(), pc, nil)
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
	}
	for _, want := range []string{"unknown-llm", "unknown-tts"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

// ─── SessionConfig ───────────────────────────────────────────────────────────

func TestSessionConfig_Mapping(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Agent.Voice = config.VoiceConfig{ID: "nova", Speed: 1.2}
	cfg.Agent.Keywords = []string{"Conversify:3", "gopher", " :bad"}
	cfg.Agent.EchoGuard = config.EchoGuardConfig{Threshold: 0.8, Window: config.Duration(5 * time.Second)}
	cfg.Turn.MinSilenceDuration = config.Duration(400 * time.Millisecond)
	cfg.Turn.BargeInDuration = config.Duration(300 * time.Millisecond)
	cfg.Pipeline.Buffers.Audio = 99
	cfg.Vision.Use = true
	cfg.Vision.FramesPerRequest = 2
	cfg.Memory.LoadLastN = 7
	cfg.Server.MaxSessions = 4

	sc := app.SessionConfig(cfg)

	if sc.Orchestrator.Instructions != "Be helpful." {
		t.Errorf("instructions = %q", sc.Orchestrator.Instructions)
	}
	if sc.Orchestrator.EchoThreshold != 0.8 || sc.Orchestrator.EchoWindow != 5*time.Second {
		t.Errorf("echo guard = %v/%v, want 0.8/5s", sc.Orchestrator.EchoThreshold, sc.Orchestrator.EchoWindow)
	}
	if sc.Turn.Hangover != 400*time.Millisecond {
		t.Errorf("hangover = %v, want 400ms", sc.Turn.Hangover)
	}
	if sc.Turn.BargeInMin != 300*time.Millisecond || sc.Orchestrator.BargeInMin != 300*time.Millisecond {
		t.Errorf("barge-in = %v/%v, want 300ms on both stages", sc.Turn.BargeInMin, sc.Orchestrator.BargeInMin)
	}
	if sc.Synthesis.Voice.ID != "nova" || sc.Synthesis.Voice.SpeedFactor != 1.2 {
		t.Errorf("voice = %+v", sc.Synthesis.Voice)
	}
	if sc.Synthesis.Format.SampleRate != 24000 || sc.Synthesis.Format.Channels != 1 {
		t.Errorf("synthesis format = %v, want 24 kHz mono", sc.Synthesis.Format)
	}
	kw := sc.Transcription.Keywords
	if len(kw) != 3 || kw[0].Keyword != "Conversify" || kw[0].Boost != 3 || kw[1].Boost != 1 {
		t.Errorf("keywords = %+v", kw)
	}
	if sc.Pipes.Gated != 99 {
		t.Errorf("gated pipe = %d, want 99", sc.Pipes.Gated)
	}
	if !sc.VisionEnabled || sc.Vision.Keep != 2 || sc.Orchestrator.VisionFrames != 2 {
		t.Errorf("vision = %v/%+v", sc.VisionEnabled, sc.Vision)
	}
	if sc.LoadLastN != 7 || sc.MaxSessions != 4 {
		t.Errorf("LoadLastN/MaxSessions = %d/%d, want 7/4", sc.LoadLastN, sc.MaxSessions)
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

func TestNew_InProcessMemory(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())
	if a.Memory() == nil {
		t.Fatal("Memory() = nil, want an in-process manager")
	}
	if rec := get(t, a.Handler(), "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("/readyz = %d, want 200; body %s", rec.Code, rec.Body)
	}
	if rec := get(t, a.Handler(), "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", rec.Code)
	}
}

func TestNew_MemoryDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	off := false
	cfg.Memory.Use = &off
	store := memorymock.NewStore()

	a := newApp(t, cfg, app.WithMemoryStore(store))
	if a.Memory() != nil {
		t.Error("Memory() != nil with memory disabled")
	}
	if rec := get(t, a.Handler(), "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("/readyz = %d, want 200", rec.Code)
	}
	if n := len(store.Calls()); n != 0 {
		t.Errorf("store calls = %d, want none", n)
	}
}

func TestNew_UnhealthyStore(t *testing.T) {
	t.Parallel()

	store := memorymock.NewStore()
	store.PingErr = errors.New("connection refused")
	a := newApp(t, testConfig(), app.WithMemoryStore(store))

	rec := get(t, a.Handler(), "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "memory") {
		t.Errorf("/readyz body %q does not name the memory check", rec.Body)
	}
}

func TestNew_MissingProvider(t *testing.T) {
	t.Parallel()

	p := testProviders()
	p.TTS = nil
	if _, err := app.New(context.Background(), testConfig(), p); err == nil {
		t.Fatal("New() succeeded without a TTS provider")
	}
}

func TestNew_Routes(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.MCPPath = "/mcp"
	a := newApp(t, cfg)

	if rec := get(t, a.Handler(), "/metrics"); rec.Code != http.StatusOK {
		t.Errorf("/metrics = %d, want 200", rec.Code)
	}
	if rec := get(t, a.Handler(), "/mcp"); rec.Code == http.StatusNotFound {
		t.Error("/mcp is not mounted")
	}
	// A plain GET is not a websocket upgrade.
	if rec := get(t, a.Handler(), "/ws"); rec.Code == http.StatusNotFound || rec.Code == http.StatusOK {
		t.Errorf("/ws = %d, want an upgrade error", rec.Code)
	}

	noMCP := newApp(t, testConfig())
	if rec := get(t, noMCP.Handler(), "/mcp"); rec.Code != http.StatusNotFound {
		t.Errorf("/mcp without mcp_path = %d, want 404", rec.Code)
	}
}

// ─── Sessions over the websocket ─────────────────────────────────────────────

func TestApp_WebSocketSession(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.CloseNow()

	if err := wsjson.Write(ctx, ws, map[string]any{"type": "hello", "participant": "alice"}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	var ready map[string]any
	if err := wsjson.Read(ctx, ws, &ready); err != nil {
		t.Fatalf("read ready: %v", err)
	}
	if ready["type"] != "ready" {
		t.Fatalf("first message = %v, want ready", ready)
	}

	waitFor(t, func() bool { return a.Supervisor().Active() == 1 })
	infos := a.Supervisor().Sessions()
	if len(infos) != 1 || infos[0].Participant != "alice" {
		t.Errorf("sessions = %+v, want one for alice", infos)
	}

	if err := wsjson.Write(ctx, ws, map[string]string{"type": "bye"}); err != nil {
		t.Fatalf("write bye: %v", err)
	}
	waitFor(t, func() bool { return a.Supervisor().Active() == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

func TestApp_Reload(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	old := testConfig()
	a := newApp(t, old, app.WithLevelVar(&level))

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Agent.Instructions = "Be terse."
	next.Turn.MinSilenceDuration = config.Duration(700 * time.Millisecond)
	next.Server.ListenAddr = ":9999"

	a.Reload(old, next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	sc := a.Supervisor().Config()
	if sc.Orchestrator.Instructions != "Be terse." {
		t.Errorf("instructions = %q, want the reloaded text", sc.Orchestrator.Instructions)
	}
	if sc.Turn.Hangover != 700*time.Millisecond {
		t.Errorf("hangover = %v, want 700ms", sc.Turn.Hangover)
	}
	if a.Config() != next {
		t.Error("Config() does not return the reloaded config")
	}
}

func TestApp_ReloadNoChange(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	level.Set(slog.LevelWarn)
	cfg := testConfig()
	a := newApp(t, cfg, app.WithLevelVar(&level))

	a.Reload(cfg, testConfig())
	if level.Level() != slog.LevelWarn {
		t.Errorf("level = %v, want it untouched", level.Level())
	}
	if a.Config() != cfg {
		t.Error("Config() replaced although nothing changed")
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if rec := get(t, a.Handler(), "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz after shutdown = %d, want 503", rec.Code)
	}
	if _, err := a.Supervisor().Start(ctx, nil); !errors.Is(err, session.ErrDraining) {
		t.Errorf("Start after shutdown err = %v, want ErrDraining", err)
	}
	// Idempotent.
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	a := newApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

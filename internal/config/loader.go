package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":        {"deepgram", "whisper", "openai"},
	"tts":        {"elevenlabs", "openai"},
	"embeddings": {"openai", "ollama"},
	"vad":        {"energy"},
}

// DefaultEmbeddingDimensions is used when neither the config nor the
// embeddings provider names a dimension.
const DefaultEmbeddingDimensions = 768

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. A relative agent.instructions_file is
// resolved against the directory of path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. A relative instructions_file resolves against the
// working directory.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(data, ".")
}

func parse(data []byte, baseDir string) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := loadInstructions(cfg, baseDir); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadInstructions reads agent.instructions_file into agent.instructions.
// An inline prompt is kept and the file is appended after a blank line.
func loadInstructions(cfg *Config, baseDir string) error {
	path := cfg.Agent.InstructionsFile
	if path == "" {
		return nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: agent.instructions_file: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if cfg.Agent.Instructions != "" {
		text = strings.TrimSpace(cfg.Agent.Instructions) + "\n\n" + text
	}
	cfg.Agent.Instructions = text
	return nil
}

// ApplyDefaults fills zero values that are decided at the config level.
// Stage-level defaults (thresholds, timeouts) are left to the stages.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = ":8080"
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.WebSocketPath == "" {
		s.WebSocketPath = "/ws"
	}
	if s.HelloTimeout == 0 {
		s.HelloTimeout = Duration(5 * time.Second)
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = Duration(15 * time.Second)
	}

	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = "energy"
	}

	if cfg.Pipeline.OutputSampleRate == 0 {
		cfg.Pipeline.OutputSampleRate = 24000
	}

	if cfg.Vision.FrameInterval == 0 {
		cfg.Vision.FrameInterval = Duration(time.Second)
	}
	if cfg.Vision.FramesPerRequest == 0 {
		cfg.Vision.FramesPerRequest = 1
	}

	m := &cfg.Memory
	if m.LoadLastN == 0 {
		m.LoadLastN = 5
	}
	if m.KnowledgeResults == 0 {
		m.KnowledgeResults = 3
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "conversify"
	}
	if cfg.Telemetry.MetricsPath == "" {
		cfg.Telemetry.MetricsPath = "/metrics"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	for _, p := range []struct{ field, path string }{
		{"server.websocket_path", cfg.Server.WebSocketPath},
		{"server.mcp_path", cfg.Server.MCPPath},
		{"telemetry.metrics_path", cfg.Telemetry.MetricsPath},
	} {
		if p.path != "" && !strings.HasPrefix(p.path, "/") {
			errs = append(errs, fmt.Errorf("%s %q must start with /", p.field, p.path))
		}
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}

	// Providers
	for _, req := range []struct {
		kind  string
		entry ProviderEntry
	}{
		{"llm", cfg.Providers.LLM},
		{"stt", cfg.Providers.STT},
		{"tts", cfg.Providers.TTS},
	} {
		if req.entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.name is required", req.kind))
		}
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	for kind, entries := range map[string][]ProviderEntry{
		"llm": cfg.Providers.LLMFallbacks,
		"stt": cfg.Providers.STTFallbacks,
		"tts": cfg.Providers.TTSFallbacks,
	} {
		for i, e := range entries {
			if e.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s_fallbacks[%d].name is required", kind, i))
				continue
			}
			validateProviderName(kind, e.Name)
		}
	}

	// Agent
	a := cfg.Agent
	if strings.TrimSpace(a.Instructions) == "" {
		slog.Warn("agent.instructions is empty; the model runs without a system prompt")
	}
	if a.Voice.Speed != 0 && (a.Voice.Speed < 0.5 || a.Voice.Speed > 2.0) {
		errs = append(errs, fmt.Errorf("agent.voice.speed %.2f is out of range [0.5, 2.0]", a.Voice.Speed))
	}
	if a.EchoGuard.Threshold < 0 || a.EchoGuard.Threshold > 1 {
		errs = append(errs, fmt.Errorf("agent.echo_guard.threshold %.2f is out of range [0, 1]", a.EchoGuard.Threshold))
	}
	if a.HistoryTurns < 0 || a.MaxHistoryTokens < 0 || a.MaxTokens < 0 {
		errs = append(errs, errors.New("agent: history_turns, max_history_tokens and max_tokens must not be negative"))
	}

	// Turn
	t := cfg.Turn
	for _, th := range []struct {
		field string
		v     float64
	}{
		{"activation_threshold", t.ActivationThreshold},
		{"release_threshold", t.ReleaseThreshold},
		{"agent_speaking_threshold", t.AgentSpeakingThreshold},
	} {
		if th.v < 0 || th.v > 1 {
			errs = append(errs, fmt.Errorf("turn.%s %.2f is out of range [0, 1]", th.field, th.v))
		}
	}
	if t.ReleaseThreshold != 0 && t.ActivationThreshold != 0 && t.ReleaseThreshold > t.ActivationThreshold {
		errs = append(errs, fmt.Errorf("turn.release_threshold %.2f exceeds activation_threshold %.2f", t.ReleaseThreshold, t.ActivationThreshold))
	}
	if t.SampleRate < 0 || t.SmoothingWindow < 0 {
		errs = append(errs, errors.New("turn: sample_rate and smoothing_window must not be negative"))
	}
	for _, d := range []struct {
		field string
		v     Duration
	}{
		{"turn.min_speech_duration", t.MinSpeechDuration},
		{"turn.min_silence_duration", t.MinSilenceDuration},
		{"turn.prefix_padding_duration", t.PrefixPaddingDuration},
		{"turn.barge_in_duration", t.BargeInDuration},
		{"turn.idle_timeout", t.IdleTimeout},
		{"pipeline.finality_timeout", cfg.Pipeline.FinalityTimeout},
		{"pipeline.llm_timeout", cfg.Pipeline.LLMTimeout},
		{"pipeline.tts_chunk_timeout", cfg.Pipeline.TTSChunkTimeout},
		{"pipeline.frame_duration", cfg.Pipeline.FrameDuration},
		{"memory.fetch_timeout", cfg.Memory.FetchTimeout},
	} {
		if d.v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", d.field))
		}
	}

	// Pipeline
	if r := cfg.Pipeline.OutputSampleRate; r < 8000 || r > 48000 {
		errs = append(errs, fmt.Errorf("pipeline.output_sample_rate %d is out of range [8000, 48000]", r))
	}

	// Vision
	if cfg.Vision.Use {
		if q := cfg.Vision.JPEGQuality; q < 0 || q > 100 {
			errs = append(errs, fmt.Errorf("vision.jpeg_quality %d is out of range [1, 100]", q))
		}
	}

	// Memory
	if cfg.Memory.Enabled() {
		if cfg.Memory.PostgresDSN == "" {
			slog.Warn("memory.postgres_dsn is empty; memory is kept in process and lost on restart")
		}
		if cfg.Providers.Embeddings.Name == "" {
			slog.Warn("providers.embeddings is not configured; memory falls back to text ranking")
		}
		if cfg.Memory.LoadLastN < 0 || cfg.Memory.MaxResults < 0 || cfg.Memory.KnowledgeResults < 0 {
			errs = append(errs, errors.New("memory: load_last_n, max_results and knowledge_results must not be negative"))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

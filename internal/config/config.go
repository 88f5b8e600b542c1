// Package config provides the configuration schema, loader, provider
// registry and hot-reload watcher for the conversify voice agent.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog returns the matching slog level. Unknown values map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Duration is a time.Duration that reads from YAML strings such as "250ms"
// or "1m30s". Plain integers are taken as milliseconds.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var ms int64
	if err := node.Decode(&ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"500ms\"", node.Line)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Agent     AgentConfig     `yaml:"agent"`
	Turn      TurnConfig      `yaml:"turn"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Vision    VisionConfig    `yaml:"vision"`
	Memory    MemoryConfig    `yaml:"memory"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// WebSocketPath is where clients connect. Default "/ws".
	WebSocketPath string `yaml:"websocket_path"`

	// AllowedOrigins lists extra browser origins allowed to open the socket.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// HelloTimeout bounds the client's opening handshake. Default 5s.
	HelloTimeout Duration `yaml:"hello_timeout"`

	// MCPPath serves the memory tools over MCP. Empty disables them.
	MCPPath string `yaml:"mcp_path"`

	// MaxSessions caps concurrent sessions. Zero means no cap.
	MaxSessions int `yaml:"max_sessions"`

	// ShutdownTimeout bounds draining on exit. Default 15s.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each entry selects a named provider registered in the
// [Registry]. The *Fallbacks lists are tried in order when the primary fails.
type ProvidersConfig struct {
	LLM          ProviderEntry   `yaml:"llm"`
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
	STT          ProviderEntry   `yaml:"stt"`
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`
	TTS          ProviderEntry   `yaml:"tts"`
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
	Embeddings   ProviderEntry   `yaml:"embeddings"`
	VAD          ProviderEntry   `yaml:"vad"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// AgentConfig shapes what the agent says and how it sounds.
type AgentConfig struct {
	// Instructions is the system prompt.
	Instructions string `yaml:"instructions"`

	// InstructionsFile is read into Instructions at load time. Relative
	// paths resolve against the config file's directory.
	InstructionsFile string `yaml:"instructions_file"`

	Voice VoiceConfig `yaml:"voice"`

	// Language is the BCP-47 hint for transcription.
	Language string `yaml:"language"`

	// Keywords are boosted by STT providers that support it. An entry may
	// carry a boost factor as "word:boost".
	Keywords []string `yaml:"keywords"`

	// CorrectKeywords rewrites misheard spellings of Keywords in final
	// transcripts.
	CorrectKeywords bool `yaml:"correct_keywords"`

	// FallbackPhrases are spoken when the model fails.
	FallbackPhrases []string `yaml:"fallback_phrases"`

	// HistoryTurns is the number of exchanges sent with each request.
	HistoryTurns int `yaml:"history_turns"`

	// MaxHistoryTokens caps the estimated history size.
	MaxHistoryTokens int `yaml:"max_history_tokens"`

	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	EchoGuard EchoGuardConfig `yaml:"echo_guard"`
}

// VoiceConfig selects the synthesis voice.
type VoiceConfig struct {
	// ID is the provider-specific voice identifier.
	ID string `yaml:"id"`

	// Speed adjusts speaking rate in the range [0.5, 2.0]. 0 means default.
	Speed float64 `yaml:"speed"`
}

// EchoGuardConfig controls dropping transcripts of the agent's own voice.
type EchoGuardConfig struct {
	Disabled  bool     `yaml:"disabled"`
	Threshold float64  `yaml:"threshold"`
	Window    Duration `yaml:"window"`
}

// TurnConfig tunes voice activity detection and turn taking.
type TurnConfig struct {
	SampleRate             int      `yaml:"sample_rate"`
	ActivationThreshold    float64  `yaml:"activation_threshold"`
	ReleaseThreshold       float64  `yaml:"release_threshold"`
	AgentSpeakingThreshold float64  `yaml:"agent_speaking_threshold"`
	MinSpeechDuration      Duration `yaml:"min_speech_duration"`
	MinSilenceDuration     Duration `yaml:"min_silence_duration"`
	PrefixPaddingDuration  Duration `yaml:"prefix_padding_duration"`
	BargeInDuration        Duration `yaml:"barge_in_duration"`
	IdleTimeout            Duration `yaml:"idle_timeout"`
	SmoothingWindow        int      `yaml:"smoothing_window"`
}

// PipelineConfig holds timeouts and buffer sizes between stages.
type PipelineConfig struct {
	FinalityTimeout Duration `yaml:"finality_timeout"`
	LLMTimeout      Duration `yaml:"llm_timeout"`
	TTSChunkTimeout Duration `yaml:"tts_chunk_timeout"`

	// OutputSampleRate is the playback rate handed to the transport.
	OutputSampleRate int      `yaml:"output_sample_rate"`
	FrameDuration    Duration `yaml:"frame_duration"`
	PlaybackLead     Duration `yaml:"playback_lead"`

	// MaxChunkChars splits long sentences for synthesis.
	MaxChunkChars int `yaml:"max_chunk_chars"`

	Buffers BufferConfig `yaml:"buffers"`
}

// BufferConfig holds the capacities of the pipes between stages.
type BufferConfig struct {
	Events   int `yaml:"events"`
	Audio    int `yaml:"audio"`
	Segments int `yaml:"segments"`
	Chunks   int `yaml:"chunks"`
	Frames   int `yaml:"frames"`
	Playback int `yaml:"playback"`
}

// VisionConfig controls camera frame sampling.
type VisionConfig struct {
	Use bool `yaml:"use"`

	// FrameInterval is the minimum time between sampled frames.
	FrameInterval Duration `yaml:"video_frame_interval"`

	// FramesPerRequest is how many recent frames go with each request.
	FramesPerRequest int `yaml:"frames_per_request"`

	// JPEGQuality for re-encoded frames (1-100).
	JPEGQuality int `yaml:"jpeg_quality"`
}

// MemoryConfig holds settings for long-term memory.
type MemoryConfig struct {
	// Use enables memory. Defaults to true.
	Use *bool `yaml:"use"`

	// PostgresDSN is the PostgreSQL connection string. Empty keeps memory
	// in process for the lifetime of the server.
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmbeddingDimensions must match the embeddings model.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`

	FetchTimeout     Duration `yaml:"fetch_timeout"`
	CommitTimeout    Duration `yaml:"commit_timeout"`
	MaxResults       int      `yaml:"max_results"`
	KnowledgeResults int      `yaml:"knowledge_results"`
	MinScore         float64  `yaml:"min_score"`

	// LoadLastN earlier interactions are placed in the history at session
	// start.
	LoadLastN int `yaml:"load_last_n"`

	// ExtractConcepts tags committed turns with topics using the LLM.
	ExtractConcepts bool `yaml:"extract_concepts"`

	CommitQueue int `yaml:"commit_queue"`
}

// Enabled reports whether memory is on.
func (m MemoryConfig) Enabled() bool { return m.Use == nil || *m.Use }

// TelemetryConfig configures metrics and health endpoints.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
	MetricsPath string `yaml:"metrics_path"`
}

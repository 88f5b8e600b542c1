package config_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/conversify/internal/config"
)

// valid returns a config that passes Validate.
func valid() *config.Config {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			LLM: config.ProviderEntry{Name: "openai"},
			STT: config.ProviderEntry{Name: "deepgram"},
			TTS: config.ProviderEntry{Name: "elevenlabs"},
		},
		Agent: config.AgentConfig{Instructions: "Be helpful."},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestValidate_DefaultsAreValid(t *testing.T) {
	t.Parallel()

	if err := config.Validate(valid()); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"log level", func(c *config.Config) { c.Server.LogLevel = "bananas" }, "server.log_level"},
		{"tls half", func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "c.pem"} }, "server.tls"},
		{"ws path", func(c *config.Config) { c.Server.WebSocketPath = "ws" }, "server.websocket_path"},
		{"missing llm", func(c *config.Config) { c.Providers.LLM.Name = "" }, "providers.llm.name"},
		{"missing tts", func(c *config.Config) { c.Providers.TTS.Name = "" }, "providers.tts.name"},
		{"unnamed fallback", func(c *config.Config) { c.Providers.STTFallbacks = []config.ProviderEntry{{}} }, "providers.stt_fallbacks[0].name"},
		{"voice speed", func(c *config.Config) { c.Agent.Voice.Speed = 3 }, "agent.voice.speed"},
		{"echo threshold", func(c *config.Config) { c.Agent.EchoGuard.Threshold = 1.5 }, "agent.echo_guard.threshold"},
		{"activation threshold", func(c *config.Config) { c.Turn.ActivationThreshold = -0.1 }, "turn.activation_threshold"},
		{"release above activation", func(c *config.Config) {
			c.Turn.ActivationThreshold = 0.4
			c.Turn.ReleaseThreshold = 0.6
		}, "turn.release_threshold"},
		{"negative duration", func(c *config.Config) { c.Turn.MinSilenceDuration = -1 }, "turn.min_silence_duration"},
		{"output rate", func(c *config.Config) { c.Pipeline.OutputSampleRate = 100 }, "pipeline.output_sample_rate"},
		{"jpeg quality", func(c *config.Config) {
			c.Vision.Use = true
			c.Vision.JPEGQuality = 101
		}, "vision.jpeg_quality"},
		{"negative load_last_n", func(c *config.Config) { c.Memory.LoadLastN = -1 }, "memory"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tc.mutate(cfg)
			err := config.Validate(cfg)
			if err == nil {
				t.Fatalf("Validate: want an error mentioning %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()

	cfg := valid()
	cfg.Server.LogLevel = "loud"
	cfg.Providers.LLM.Name = ""
	cfg.Agent.Voice.Speed = 9

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"server.log_level", "providers.llm.name", "agent.voice.speed"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestValidate_UnknownProviderIsOnlyAWarning(t *testing.T) {
	t.Parallel()

	cfg := valid()
	cfg.Providers.LLM.Name = "my-private-llm"
	if err := config.Validate(cfg); err != nil {
		t.Errorf("Validate: %v, want only a warning", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()

	for _, kind := range []string{"llm", "stt", "tts", "embeddings", "vad"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("ValidProviderNames[%q] is empty", kind)
		}
	}
	if !slices.Contains(config.ValidProviderNames["tts"], "openai") {
		t.Error("tts names lack openai")
	}
}

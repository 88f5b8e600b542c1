package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/conversify/internal/config"
	"github.com/MrWong99/conversify/internal/observe"
	"github.com/MrWong99/conversify/internal/resilience"
	"github.com/MrWong99/conversify/internal/session"
	"github.com/MrWong99/conversify/pkg/provider/embeddings"
	"github.com/MrWong99/conversify/pkg/provider/llm"
	"github.com/MrWong99/conversify/pkg/provider/stt"
	"github.com/MrWong99/conversify/pkg/provider/tts"
	"github.com/MrWong99/conversify/pkg/provider/vad"
)

// Providers holds one interface value per provider slot. Embeddings is nil
// when no embeddings provider is configured. LLM, STT and TTS are wrapped
// in a fallback group when fallbacks are configured.
type Providers struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
	VAD        vad.Engine
}

func (p *Providers) session() session.Providers {
	return session.Providers{LLM: p.LLM, STT: p.STT, TTS: p.TTS, VAD: p.VAD}
}

// BuildProviders creates every configured provider through reg. Errors of
// all slots are reported together.
func BuildProviders(reg *config.Registry, cfg config.ProvidersConfig, m *observe.Metrics) (*Providers, error) {
	fc := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{OnStateChange: logBreaker},
		Metrics:        m,
	}
	p := &Providers{}
	var errs []error

	if primary, err := reg.CreateLLM(cfg.LLM); err != nil {
		errs = append(errs, err)
	} else if len(cfg.LLMFallbacks) == 0 {
		p.LLM = primary
	} else {
		f := resilience.NewLLMFallback(primary, label(cfg.LLM), fc)
		for _, e := range cfg.LLMFallbacks {
			fb, err := reg.CreateLLM(e)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			f.AddFallback(label(e), fb)
		}
		p.LLM = f
	}

	if primary, err := reg.CreateSTT(cfg.STT); err != nil {
		errs = append(errs, err)
	} else if len(cfg.STTFallbacks) == 0 {
		p.STT = primary
	} else {
		f := resilience.NewSTTFallback(primary, label(cfg.STT), fc)
		for _, e := range cfg.STTFallbacks {
			fb, err := reg.CreateSTT(e)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			f.AddFallback(label(e), fb)
		}
		p.STT = f
	}

	if primary, err := reg.CreateTTS(cfg.TTS); err != nil {
		errs = append(errs, err)
	} else if len(cfg.TTSFallbacks) == 0 {
		p.TTS = primary
	} else {
		f := resilience.NewTTSFallback(primary, label(cfg.TTS), fc)
		for _, e := range cfg.TTSFallbacks {
			fb, err := reg.CreateTTS(e)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			f.AddFallback(label(e), fb)
		}
		p.TTS = f
	}

	if cfg.Embeddings.Name != "" {
		e, err := reg.CreateEmbeddings(cfg.Embeddings)
		if err != nil {
			errs = append(errs, err)
		}
		p.Embeddings = e
	}

	v, err := reg.CreateVAD(cfg.VAD)
	if err != nil {
		errs = append(errs, err)
	}
	p.VAD = v

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("app: build providers: %w", err)
	}
	return p, nil
}

// label names a provider entry in breaker logs and metrics. Entries of the
// same provider differ by model.
func label(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + "/" + e.Model
}

func logBreaker(name string, from, to resilience.State) {
	if to == resilience.StateOpen {
		slog.Warn("provider circuit opened", "provider", name, "from", from.String())
		return
	}
	slog.Info("provider circuit state changed", "provider", name, "from", from.String(), "to", to.String())
}

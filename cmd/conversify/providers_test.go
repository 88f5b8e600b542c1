package main

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/conversify/internal/config"
)

func TestRegisterBuiltinProviders_CoversValidNames(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	create := map[string]func(config.ProviderEntry) error{
		"llm":        func(e config.ProviderEntry) error { _, err := reg.CreateLLM(e); return err },
		"stt":        func(e config.ProviderEntry) error { _, err := reg.CreateSTT(e); return err },
		"tts":        func(e config.ProviderEntry) error { _, err := reg.CreateTTS(e); return err },
		"embeddings": func(e config.ProviderEntry) error { _, err := reg.CreateEmbeddings(e); return err },
		"vad":        func(e config.ProviderEntry) error { _, err := reg.CreateVAD(e); return err },
	}
	for kind, names := range config.ValidProviderNames {
		fn, ok := create[kind]
		if !ok {
			t.Errorf("no create function for kind %q", kind)
			continue
		}
		for _, name := range names {
			// Construction may fail for missing credentials; it must not
			// fail for a missing factory.
			err := fn(config.ProviderEntry{Name: name})
			if errors.Is(err, config.ErrProviderNotRegistered) {
				t.Errorf("%s/%s is a valid name but has no factory", kind, name)
			}
		}
	}
}

func TestEnergyVAD_RangeOptions(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	if _, err := reg.CreateVAD(config.ProviderEntry{Name: "energy"}); err != nil {
		t.Errorf("default energy VAD: %v", err)
	}
	full := config.ProviderEntry{Name: "energy", Options: map[string]any{"floor_db": -70, "ceiling_db": -25.5}}
	if _, err := reg.CreateVAD(full); err != nil {
		t.Errorf("energy VAD with range: %v", err)
	}
	half := config.ProviderEntry{Name: "energy", Options: map[string]any{"floor_db": -70}}
	if _, err := reg.CreateVAD(half); err == nil {
		t.Error("energy VAD with only floor_db: want an error")
	}
}

func TestOptionHelpers(t *testing.T) {
	t.Parallel()

	opts := map[string]any{
		"s":      "x",
		"list":   []any{"a", 1, "b"},
		"int":    3,
		"float":  2.5,
		"flag":   true,
		"dur":    "1.5s",
		"ms":     250,
		"broken": "soon",
	}

	if got := optString(opts, "s"); got != "x" {
		t.Errorf("optString = %q, want x", got)
	}
	if got := optString(nil, "s"); got != "" {
		t.Errorf("optString(nil) = %q, want empty", got)
	}
	if got := optStrings(opts, "list"); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("optStrings = %v, want [a b]", got)
	}
	if got := optStrings(opts, "s"); !slices.Equal(got, []string{"x"}) {
		t.Errorf("optStrings(single) = %v, want [x]", got)
	}
	if got := optInt(opts, "int"); got != 3 {
		t.Errorf("optInt = %d, want 3", got)
	}
	if got := optInt(opts, "float"); got != 2 {
		t.Errorf("optInt(float) = %d, want 2", got)
	}
	if got, ok := optFloat(opts, "int"); !ok || got != 3 {
		t.Errorf("optFloat(int) = %v/%v, want 3/true", got, ok)
	}
	if _, ok := optFloat(opts, "missing"); ok {
		t.Error("optFloat(missing) reported a value")
	}
	if got, ok := optBool(opts, "flag"); !ok || !got {
		t.Errorf("optBool = %v/%v, want true/true", got, ok)
	}
	if got := optDuration(opts, "dur"); got != 1500*time.Millisecond {
		t.Errorf("optDuration = %v, want 1.5s", got)
	}
	if got := optDuration(opts, "ms"); got != 250*time.Millisecond {
		t.Errorf("optDuration(int) = %v, want 250ms", got)
	}
	if got := optDuration(opts, "broken"); got != 0 {
		t.Errorf("optDuration(broken) = %v, want 0", got)
	}
}

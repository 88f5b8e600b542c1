package energy

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/MrWong99/conversify/pkg/provider/vad"
)

// tone returns n mono samples of constant amplitude.
func tone(n int, amp int16) []byte {
	b := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amp
		if i%2 == 1 {
			v = -amp
		}
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}
	return b
}

func newSession(t *testing.T, cfg vad.Config) vad.SessionHandle {
	t.Helper()
	e, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s, err := e.NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

var defaultCfg = vad.Config{SampleRate: 16000, SpeechThreshold: 0.5, SilenceThreshold: 0.35}

func TestProbability_Range(t *testing.T) {
	t.Parallel()
	s := newSession(t, defaultCfg)

	tests := []struct {
		name string
		amp  int16
		want float64
	}{
		{"silence", 0, 0},
		{"full scale", 32767, 1},
		// 20*log10(328/32768) ≈ -40 dBFS, halfway between -60 and -20.
		{"mid", 328, 0.5},
	}
	for _, tt := range tests {
		ev, err := s.ProcessFrame(tone(320, tt.amp))
		if err != nil {
			t.Fatalf("%s: ProcessFrame: %v", tt.name, err)
		}
		if diff := ev.Probability - tt.want; diff > 0.01 || diff < -0.01 {
			t.Errorf("%s: probability want ≈%.2f, got %.3f", tt.name, tt.want, ev.Probability)
		}
	}
}

func TestHysteresis(t *testing.T) {
	t.Parallel()
	s := newSession(t, defaultCfg)

	loud, quiet, mid := tone(320, 8000), tone(320, 0), tone(320, 250)
	steps := []struct {
		frame []byte
		want  vad.EventType
	}{
		{quiet, vad.Silence},
		{loud, vad.SpeechStart},
		{loud, vad.SpeechContinue},
		{mid, vad.SpeechContinue}, // ≈0.44: between the thresholds
		{quiet, vad.SpeechEnd},
		{mid, vad.Silence},
	}
	for i, st := range steps {
		ev, err := s.ProcessFrame(st.frame)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if ev.Type != st.want {
			t.Errorf("step %d: want %s, got %s (p=%.2f)", i, st.want, ev.Type, ev.Probability)
		}
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	s := newSession(t, defaultCfg)
	_, _ = s.ProcessFrame(tone(320, 8000))
	s.Reset()
	ev, _ := s.ProcessFrame(tone(320, 8000))
	if ev.Type != vad.SpeechStart {
		t.Errorf("after Reset: want speech_start, got %s", ev.Type)
	}
}

func TestFrameSize(t *testing.T) {
	t.Parallel()
	cfg := defaultCfg
	cfg.FrameSizeMs = 20
	s := newSession(t, cfg)
	if _, err := s.ProcessFrame(tone(320, 0)); err != nil {
		t.Errorf("20 ms frame rejected: %v", err)
	}
	if _, err := s.ProcessFrame(tone(100, 0)); err == nil {
		t.Error("expected error for a short frame")
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	s := newSession(t, defaultCfg)
	_ = s.Close()
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := s.ProcessFrame(tone(320, 0)); !errors.Is(err, ErrClosed) {
		t.Errorf("want ErrClosed, got %v", err)
	}
}

func TestInvalidConfig(t *testing.T) {
	t.Parallel()
	e, _ := New()
	if _, err := e.NewSession(vad.Config{SampleRate: 0, SpeechThreshold: 0.5, SilenceThreshold: 0.6}); err == nil {
		t.Error("expected validation error")
	}
	if _, err := New(WithRange(-20, -60)); err == nil {
		t.Error("expected error for inverted range")
	}
}

package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/conversify/pkg/provider/stt"
	sttmock "github.com/MrWong99/conversify/pkg/provider/stt/mock"
)

func TestSTTFallback_StartStream(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		primaryErr    error
		wantPrimary   int
		wantSecondary int
	}{
		{"primary healthy", nil, 1, 0},
		{"primary down", errors.New("primary down"), 1, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			primary := &sttmock.Provider{StartStreamErr: tc.primaryErr}
			secondary := &sttmock.Provider{}
			fb := NewSTTFallback(primary, "primary", FallbackConfig{})
			fb.AddFallback("secondary", secondary)

			handle, err := fb.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
			if err != nil {
				t.Fatalf("StartStream: %v", err)
			}
			defer handle.Close()
			if n := primary.StartStreamCallCount(); n != tc.wantPrimary {
				t.Errorf("primary calls = %d, want %d", n, tc.wantPrimary)
			}
			if n := secondary.StartStreamCallCount(); n != tc.wantSecondary {
				t.Errorf("secondary calls = %d, want %d", n, tc.wantSecondary)
			}
		})
	}
}

func TestSTTFallback_AllFail(t *testing.T) {
	t.Parallel()

	fb := NewSTTFallback(&sttmock.Provider{StartStreamErr: errors.New("a")}, "primary", FallbackConfig{})
	fb.AddFallback("secondary", &sttmock.Provider{StartStreamErr: errors.New("b")})

	if _, err := fb.StartStream(context.Background(), stt.StreamConfig{}); !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
	if got := fb.Group().Names(); len(got) != 2 {
		t.Errorf("Names = %v, want two backends", got)
	}
}

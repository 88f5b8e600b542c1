package audio_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/MrWong99/conversify/pkg/audio"
)

func TestPCMDurationAndBytes(t *testing.T) {
	t.Parallel()
	if got := audio.PCMDuration(32000, 16000, 1); got != time.Second {
		t.Errorf("PCMDuration: want 1s, got %v", got)
	}
	if got := audio.PCMBytes(20*time.Millisecond, 24000, 1); got != 960 {
		t.Errorf("PCMBytes: want 960, got %d", got)
	}
	if got := audio.PCMBytes(time.Millisecond, 44100, 2); got%4 != 0 {
		t.Errorf("PCMBytes must align to whole frames, got %d", got)
	}
	if got := audio.PCMDuration(100, 0, 1); got != 0 {
		t.Errorf("PCMDuration with unknown format: want 0, got %v", got)
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("empty: want 0, got %v", got)
	}
	if got := audio.RMS(samplesToBytes([]int16{1000, -1000, 1000, -1000})); got != 1000 {
		t.Errorf("square wave: want 1000, got %v", got)
	}
}

func TestEncodeWAV(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{1, 2, 3})
	wav := audio.EncodeWAV(pcm, 16000, 1)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("want %d bytes, got %d", 44+len(pcm), len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Error("missing RIFF/WAVE/data markers")
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 16000 {
		t.Errorf("sample rate: want 16000, got %d", rate)
	}
	if size := binary.LittleEndian.Uint32(wav[40:44]); int(size) != len(pcm) {
		t.Errorf("data size: want %d, got %d", len(pcm), size)
	}
}

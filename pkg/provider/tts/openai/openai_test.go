package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/conversify/pkg/types"
)

type speechRequest struct {
	Input          string  `json:"input"`
	Model          string  `json:"model"`
	Voice          string  `json:"voice"`
	Speed          float64 `json:"speed"`
	ResponseFormat string  `json:"response_format"`
}

// fakeSpeech answers /v1/audio/speech with len(input)*2+1 bytes of PCM,
// written in two parts, so the odd trailing byte exercises the sample
// alignment. Requests are recorded in order.
func fakeSpeech(t *testing.T, status int) (*httptest.Server, func() []speechRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []speechRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/speech" {
			http.NotFound(w, r)
			return
		}
		var req speechRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		reqs = append(reqs, req)
		mu.Unlock()
		if status != http.StatusOK {
			http.Error(w, `{"error":{"message":"bad voice"}}`, status)
			return
		}
		w.Header().Set("Content-Type", "audio/pcm")
		body := make([]byte, len(req.Input)*2+1)
		_, _ = w.Write(body[:3])
		w.(http.Flusher).Flush()
		_, _ = w.Write(body[3:])
	}))
	return srv, func() []speechRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]speechRequest(nil), reqs...)
	}
}

func TestSynthesizeStream_PerFragmentRequests(t *testing.T) {
	t.Parallel()
	srv, requests := fakeSpeech(t, http.StatusOK)
	defer srv.Close()

	p, err := New("", WithBaseURL(srv.URL+"/v1"), WithModel("kokoro"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	text := make(chan string, 3)
	text <- "Hello."
	text <- "   "
	text <- "How are you?"
	close(text)

	stream, err := p.SynthesizeStream(ctx, text, types.VoiceProfile{ID: "af_bella", SpeedFactor: 1.25})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	total := 0
	for chunk := range stream.Audio {
		if len(chunk)%2 != 0 {
			t.Errorf("chunk of %d bytes is not sample aligned", len(chunk))
		}
		total += len(chunk)
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	// The odd byte of each response is never completed and is dropped.
	if want := len("Hello.")*2 + len("How are you?")*2; total != want {
		t.Errorf("audio bytes: want %d, got %d", want, total)
	}
	if stream.Format.SampleRate != 24000 || stream.Format.Channels != 1 {
		t.Errorf("format: want 24000Hz mono, got %s", stream.Format)
	}

	reqs := requests()
	if len(reqs) != 2 {
		t.Fatalf("requests: want 2 (blank fragment skipped), got %d", len(reqs))
	}
	r := reqs[0]
	if r.Input != "Hello." || r.Model != "kokoro" || r.Voice != "af_bella" {
		t.Errorf("unexpected request: %+v", r)
	}
	if r.ResponseFormat != "pcm" {
		t.Errorf("response_format: want pcm, got %q", r.ResponseFormat)
	}
	if r.Speed != 1.25 {
		t.Errorf("speed: want 1.25, got %v", r.Speed)
	}
}

func TestSynthesizeStream_DefaultVoiceNoSpeed(t *testing.T) {
	t.Parallel()
	p := &Provider{model: defaultModel}
	params := p.params("hi", types.VoiceProfile{})
	if params.Voice != defaultVoice {
		t.Errorf("voice: want %q, got %q", defaultVoice, params.Voice)
	}
	if params.Speed.Valid() {
		t.Error("speed should be omitted for the default factor")
	}
}

func TestSynthesizeStream_ServerError(t *testing.T) {
	t.Parallel()
	srv, _ := fakeSpeech(t, http.StatusBadRequest)
	defer srv.Close()

	p, err := New("sk-test", WithBaseURL(srv.URL+"/v1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text := make(chan string, 1)
	text <- "Hello."
	close(text)

	stream, err := p.SynthesizeStream(context.Background(), text, types.VoiceProfile{ID: "nope"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	for range stream.Audio {
	}
	if stream.Err() == nil {
		t.Error("expected a stream error for a rejected request")
	}
}

func TestSynthesizeStream_Cancelled(t *testing.T) {
	t.Parallel()
	p, _ := New("sk-test")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.SynthesizeStream(ctx, make(chan string), types.VoiceProfile{}); err == nil {
		t.Error("expected error for a cancelled context")
	}
}

func TestNew_MissingAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key without base URL")
	}
}

func TestListVoices(t *testing.T) {
	p, _ := New("sk-test", WithVoices("af_bella", "am_adam"))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 || voices[1].ID != "am_adam" || voices[1].Provider != "openai" {
		t.Errorf("unexpected voices: %+v", voices)
	}
}

package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/conversify/pkg/provider/embeddings"
)

func TestModelDimensions(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"text-embedding-3-small", 1536},
		{"text-embedding-3-large", 3072},
		{"text-embedding-ada-002", 1536},
		{"nomic-embed-text-v1.5", 0},
	}
	for _, tt := range tests {
		if got := modelDimensions(tt.model); got != tt.want {
			t.Errorf("%s: want %d, got %d", tt.model, tt.want, got)
		}
	}
}

func TestNew_UnknownModelFallsBack(t *testing.T) {
	p, err := New("", "nomic-embed-text-v1.5", WithBaseURL("http://localhost:1234/v1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Dimensions() != 0 {
		t.Errorf("Dimensions: want 0, got %d", p.Dimensions())
	}
	if got := embeddings.Dimensions(p); got != embeddings.DefaultDimensions {
		t.Errorf("embeddings.Dimensions: want %d, got %d", embeddings.DefaultDimensions, got)
	}
}

func TestNew_WithDimensions(t *testing.T) {
	p, err := New("sk-test", "text-embedding-3-large", WithDimensions(256))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Dimensions() != 256 || !p.truncate {
		t.Errorf("want 256 truncated dims, got %d (truncate=%v)", p.Dimensions(), p.truncate)
	}
	if !p.params(oaiStringInput("x")).Dimensions.Valid() {
		t.Error("dimensions should be sent for text-embedding-3 models")
	}

	q, _ := New("", "bge-m3", WithBaseURL("http://localhost/v1"), WithDimensions(1024))
	if q.truncate {
		t.Error("dimensions must not be sent for models that do not support it")
	}
}

func TestNew_DefaultModel(t *testing.T) {
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("expected default model %s, got %s", DefaultModel, p.ModelID())
	}
}

func TestNew_MissingAPIKey(t *testing.T) {
	if _, err := New("", "text-embedding-3-small"); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// ─── HTTP ─────────────────────────────────────────────────────────────────────

// fakeEmbeddings returns vector [i, len(text)] for input i, listed in
// reverse order to exercise index-based placement.
func fakeEmbeddings(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Input json.RawMessage `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		var inputs []string
		if err := json.Unmarshal(req.Input, &inputs); err != nil {
			var one string
			_ = json.Unmarshal(req.Input, &one)
			inputs = []string{one}
		}
		data := make([]string, 0, len(inputs))
		for i := len(inputs) - 1; i >= 0; i-- {
			data = append(data, fmt.Sprintf(`{"object":"embedding","index":%d,"embedding":[%d,%d]}`, i, i, len(inputs[i])))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"object":"list","model":"m","data":[%s],"usage":{"prompt_tokens":1,"total_tokens":1}}`, strings.Join(data, ","))
	}))
}

func TestEmbedBatch_OrderedByIndex(t *testing.T) {
	t.Parallel()
	srv := fakeEmbeddings(t)
	defer srv.Close()

	p, err := New("", "m", WithBaseURL(srv.URL+"/v1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "bbb"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 2 || vecs[0][0] != 0 || vecs[1][0] != 1 || vecs[1][1] != 3 {
		t.Errorf("unexpected vectors: %v", vecs)
	}

	one, err := p.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(one) != 2 || one[1] != 5 {
		t.Errorf("unexpected vector: %v", one)
	}
}

func TestEmbedBatch_Empty(t *testing.T) {
	p, _ := New("sk-test", "")
	vecs, err := p.EmbedBatch(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("want nil, nil; got %v, %v", vecs, err)
	}
}

func TestFloat64ToFloat32(t *testing.T) {
	out := float64ToFloat32([]float64{1.0, 2.5, -0.5})
	if len(out) != 3 || out[1] != 2.5 || out[2] != -0.5 {
		t.Errorf("unexpected conversion: %v", out)
	}
}

func oaiStringInput(s string) oai.EmbeddingNewParamsInputUnion {
	return oai.EmbeddingNewParamsInputUnion{OfString: param.NewOpt(s)}
}

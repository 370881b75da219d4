package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Vector
		expected float64
	}{
		{"identical", Vector{1, 0, 0}, Vector{1, 0, 0}, 1.0},
		{"orthogonal", Vector{1, 0, 0}, Vector{0, 1, 0}, 0.0},
		{"opposite", Vector{1, 0, 0}, Vector{-1, 0, 0}, -1.0},
		{"empty", Vector{}, Vector{}, 0.0},
		{"different lengths", Vector{1, 0}, Vector{1, 0, 0}, 0.0},
		{"zero vector", Vector{0, 0, 0}, Vector{1, 0, 0}, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CosineSimilarity(tt.a, tt.b); math.Abs(got-tt.expected) > 0.001 {
				t.Errorf("CosineSimilarity(%v, %v) = %f, want %f", tt.a, tt.b, got, tt.expected)
			}
		})
	}
}

func TestHashingIsDeterministicAndNormalized(t *testing.T) {
	h := NewHashing(128)
	ctx := context.Background()
	a, _ := h.Embed(ctx, "KAN | 로그인 버그 | 로그인 시 500 에러")
	b, _ := h.Embed(ctx, "KAN | 로그인 버그 | 로그인 시 500 에러")
	if len(a) != 128 {
		t.Fatalf("expected 128 dims, got %d", len(a))
	}
	if CosineSimilarity(a, b) < 0.9999 {
		t.Fatalf("same text should embed identically")
	}
	var norm float64
	for _, x := range a {
		norm += float64(x) * float64(x)
	}
	if math.Abs(norm-1) > 1e-4 {
		t.Fatalf("expected unit vector, got norm %f", norm)
	}
}

func TestHashingRanksRelatedTextHigher(t *testing.T) {
	h := NewHashing(256)
	ctx := context.Background()
	q, _ := h.Embed(ctx, "로그인 버그")
	related, _ := h.Embed(ctx, "KAN | 로그인 버그 수정 | 로그인 페이지 오류")
	unrelated, _ := h.Embed(ctx, "HIN | 결제 모듈 리팩터링 | 정산 배치")
	if CosineSimilarity(q, related) <= CosineSimilarity(q, unrelated) {
		t.Fatalf("related text should score higher")
	}
}

func TestOpenAIEmbedderBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("missing bearer token")
		}
		var body struct {
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		// answer out of order to exercise index placement
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()
	e := NewOpenAIEmbedder(srv.URL, "k", "m", 2)
	out, err := EmbedAll(context.Background(), e, []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if out[0][0] != 1 || out[1][1] != 1 {
		t.Fatalf("vectors misplaced: %v", out)
	}
}

func TestNewUnknownProvider(t *testing.T) {
	if _, err := New(context.Background(), Options{Provider: "bogus"}); err == nil {
		t.Fatal("expected error")
	}
	e, err := New(context.Background(), Options{})
	if err != nil || e.Dims() != 256 {
		t.Fatalf("expected default hashing embedder, got %v (%v)", e, err)
	}
}

// Package embedding turns issue text into vectors for the entity index.
package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Vector is a float32 embedding vector.
type Vector = []float32

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dims() int
}

// BatchEmbedder is implemented by providers with a native batch call.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([]Vector, error)
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Hashing is an offline embedder using feature hashing over word tokens and
// character bigrams. Bigrams keep Hangul compounds ("로그인버그") close to
// their spaced form. It needs no network and is deterministic, which makes it
// the default for local workspaces and tests.
type Hashing struct {
	dims int
}

func NewHashing(dims int) *Hashing {
	if dims <= 0 {
		dims = 256
	}
	return &Hashing{dims: dims}
}

func (h *Hashing) Dims() int { return h.dims }

func (h *Hashing) Embed(_ context.Context, text string) (Vector, error) {
	v := make(Vector, h.dims)
	for _, tok := range tokens(text) {
		h.add(v, "w:"+tok, 1)
		runes := []rune(tok)
		for i := 0; i+1 < len(runes); i++ {
			h.add(v, "b:"+string(runes[i:i+2]), 0.5)
		}
	}
	return normalize(v), nil
}

func (h *Hashing) add(v Vector, feature string, weight float32) {
	f := fnv.New32a()
	_, _ = f.Write([]byte(feature))
	sum := f.Sum32()
	idx := int(sum % uint32(h.dims))
	if sum&(1<<31) != 0 {
		weight = -weight
	}
	v[idx] += weight
}

func tokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(v Vector) Vector {
	var n float64
	for _, x := range v {
		n += float64(x) * float64(x)
	}
	if n == 0 {
		return v
	}
	n = math.Sqrt(n)
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
	return v
}

// EmbedAll embeds texts with the provider's batch call when available.
func EmbedAll(ctx context.Context, e Embedder, texts []string) ([]Vector, error) {
	if b, ok := e.(BatchEmbedder); ok {
		out, err := b.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(out) != len(texts) {
			return nil, fmt.Errorf("batch embed returned %d vectors for %d texts", len(out), len(texts))
		}
		return out, nil
	}
	out := make([]Vector, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

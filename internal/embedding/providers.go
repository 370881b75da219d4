package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"google.golang.org/genai"
)

// --- Ollama Provider ---

// OllamaEmbedder uses a local Ollama instance for embeddings.
type OllamaEmbedder struct {
	baseURL string
	model   string
	dims    int
	client  *http.Client
}

// NewOllamaEmbedder creates an embedder using Ollama's API.
// Default model: nomic-embed-text (768 dims).
func NewOllamaEmbedder(baseURL, model string, dims int) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	if dims == 0 {
		dims = 768
	}
	return &OllamaEmbedder{baseURL: baseURL, model: model, dims: dims, client: &http.Client{Timeout: 30 * time.Second}}
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	body := map[string]string{"model": e.model, "prompt": text}
	if err := postJSON(ctx, e.client, e.baseURL+"/api/embeddings", "", body, &out); err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	return out.Embedding, nil
}

func (e *OllamaEmbedder) Dims() int { return e.dims }

// --- OpenAI-compatible Provider ---

// OpenAIEmbedder uses any OpenAI-compatible embedding API.
type OpenAIEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	dims    int
	client  *http.Client
}

type openaiEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// NewOpenAIEmbedder creates an embedder using an OpenAI-compatible API.
func NewOpenAIEmbedder(baseURL, apiKey, model string, dims int) *OpenAIEmbedder {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	if dims == 0 {
		dims = 1536
	}
	return &OpenAIEmbedder{baseURL: baseURL, apiKey: apiKey, model: model, dims: dims, client: &http.Client{Timeout: 30 * time.Second}}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]Vector, error) {
	var resp openaiEmbedResponse
	body := map[string]any{"input": texts, "model": e.model}
	if err := postJSON(ctx, e.client, e.baseURL+"/embeddings", e.apiKey, body, &resp); err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embed: got %d embeddings for %d inputs", len(resp.Data), len(texts))
	}
	out := make([]Vector, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("openai embed: index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func (e *OpenAIEmbedder) Dims() int { return e.dims }

func postJSON(ctx context.Context, client *http.Client, url, bearer string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// --- Google GenAI Provider ---

// GenAIEmbedder generates embeddings using the Gemini API.
type GenAIEmbedder struct {
	client   *genai.Client
	model    string
	taskType string
	dims     int
}

// NewGenAIEmbedder creates a Gemini embedder. taskType is one of the API's
// task names, RETRIEVAL_DOCUMENT by default.
func NewGenAIEmbedder(ctx context.Context, apiKey, model, taskType string, dims int) (*GenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai api key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	if taskType == "" {
		taskType = "RETRIEVAL_DOCUMENT"
	}
	if dims == 0 {
		dims = 768
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAIEmbedder{client: client, model: model, taskType: taskType, dims: dims}, nil
}

func (e *GenAIEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (e *GenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]Vector, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	dims := int32(e.dims)
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType:             e.taskType,
		OutputDimensionality: &dims,
	})
	if err != nil {
		return nil, fmt.Errorf("genai embed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("genai embed: got %d embeddings for %d inputs", len(result.Embeddings), len(texts))
	}
	out := make([]Vector, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}

func (e *GenAIEmbedder) Dims() int { return e.dims }

// Options selects and configures a provider.
type Options struct {
	Provider string // hashing | openai | ollama | genai
	Model    string
	BaseURL  string
	APIKey   string
	Dims     int
}

// New creates the configured embedder. An empty provider selects Hashing.
func New(ctx context.Context, o Options) (Embedder, error) {
	switch o.Provider {
	case "", "hashing":
		return NewHashing(o.Dims), nil
	case "openai":
		return NewOpenAIEmbedder(o.BaseURL, o.APIKey, o.Model, o.Dims), nil
	case "ollama":
		return NewOllamaEmbedder(o.BaseURL, o.Model, o.Dims), nil
	case "genai":
		return NewGenAIEmbedder(ctx, o.APIKey, o.Model, "", o.Dims)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", o.Provider)
	}
}

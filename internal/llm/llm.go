// Package llm wraps chat completion providers behind a single JSON-returning
// call used for intent extraction, continuation decisions and explanations.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyResponse is returned when a provider answers without content.
var ErrEmptyResponse = errors.New("empty completion")

// Schema is a small JSON schema subset understood by every provider.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
	Required    []string           `json:"required,omitempty"`
}

// Request is one completion. When Schema is set the provider is asked for a
// JSON object; otherwise free text is returned.
type Request struct {
	System      string
	Prompt      string
	Temperature float32
	Schema      *Schema
}

// Completer returns the raw completion text.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Options selects and configures a provider.
type Options struct {
	Provider string // genai | openai
	Model    string
	BaseURL  string
	APIKey   string
}

// New creates the configured completer.
func New(ctx context.Context, o Options) (Completer, error) {
	switch o.Provider {
	case "genai":
		return NewGenAI(ctx, o.APIKey, o.Model)
	case "openai":
		return NewOpenAI(o.BaseURL, o.APIKey, o.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", o.Provider)
	}
}

// StripFences removes a surrounding markdown code fence some models add
// around JSON even in JSON mode.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

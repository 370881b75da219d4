package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAICompleteJSONMode(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"intent\":\"search\"}"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAI(srv.URL, "k", "")
	out, err := c.Complete(context.Background(), Request{
		System:      "classify",
		Prompt:      "KAN 버그 찾아줘",
		Temperature: 0.1,
		Schema:      &Schema{Type: "object", Properties: map[string]*Schema{"intent": {Type: "string"}}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != `{"intent":"search"}` {
		t.Fatalf("unexpected output %q", out)
	}
	if got.Model != "gpt-4o-mini" || got.ResponseFormat["type"] != "json_object" {
		t.Fatalf("unexpected request: %+v", got)
	}
	if len(got.Messages) != 2 || !strings.Contains(got.Messages[0].Content, `"intent"`) {
		t.Fatalf("schema should be described in the system message: %+v", got.Messages)
	}
}

func TestOpenAIEmptyAndErrorResponses(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()
	c := NewOpenAI(srv.URL, "", "m")
	if _, err := c.Complete(context.Background(), Request{Prompt: "x"}); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected empty response error, got %v", err)
	}
	status = http.StatusTooManyRequests
	if _, err := c.Complete(context.Background(), Request{Prompt: "x"}); err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestStripFences(t *testing.T) {
	cases := map[string]string{
		"{\"a\":1}":                 `{"a":1}`,
		"```json\n{\"a\":1}\n```":   `{"a":1}`,
		"  ```\n{\"a\":1}```  ":     `{"a":1}`,
	}
	for in, want := range cases {
		if got := StripFences(in); got != want {
			t.Fatalf("StripFences(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestToGenAISchema(t *testing.T) {
	s := toGenAISchema(&Schema{Type: "object", Required: []string{"intent"}, Properties: map[string]*Schema{
		"intent": {Type: "string", Enum: []string{"search", "create"}},
		"count":  {Type: "integer"},
		"labels": {Type: "array", Items: &Schema{Type: "string"}},
	}})
	if s.Properties["intent"].Enum[1] != "create" || s.Properties["labels"].Items == nil {
		t.Fatalf("schema not converted: %+v", s)
	}
	if s.Properties["count"].Type != genaiType("integer") {
		t.Fatalf("integer type lost")
	}
}

func TestNewUnknownProvider(t *testing.T) {
	if _, err := New(context.Background(), Options{Provider: "nope"}); err == nil {
		t.Fatal("expected error")
	}
}

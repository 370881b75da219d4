package issuedesksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Issuedesk HTTP API client. WebhookSecret is only sent
// with NotifyChange.
type Client struct {
	BaseURL       string
	BasePath      string
	APIKey        string
	BearerToken   string
	WebhookSecret string
	HTTPClient    *http.Client
	Timeout       time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v0",
		Timeout:  30 * time.Second,
	}
}

// Candidate is an issue offered when a reference is ambiguous.
type Candidate struct {
	Key        string  `json:"key"`
	Summary    string  `json:"summary"`
	ProjectKey string  `json:"project_key"`
	Status     string  `json:"status,omitempty"`
	Score      float64 `json:"score"`
}

// Card is the pending operation awaiting approval.
type Card struct {
	Action       string      `json:"action"`
	Target       string      `json:"target"`
	Fields       []CardField `json:"fields,omitempty"`
	Alternatives []Candidate `json:"alternatives,omitempty"`
}

type CardField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Result is the outcome of an executed operation (partial).
type Result struct {
	OK       bool     `json:"ok"`
	Noop     bool     `json:"noop,omitempty"`
	IssueKey string   `json:"issue_key,omitempty"`
	Total    int      `json:"total,omitempty"`
	Changed  []string `json:"changed,omitempty"`
}

// ErrorInfo classifies a failed turn.
type ErrorInfo struct {
	Kind   string `json:"kind"`
	Field  string `json:"field,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Reply is the answer to one turn.
type Reply struct {
	SessionID     string         `json:"session_id"`
	TurnID        string         `json:"turn_id"`
	Stage         string         `json:"stage"`
	Intent        string         `json:"intent,omitempty"`
	Message       string         `json:"message"`
	MissingFields []string       `json:"missing_fields,omitempty"`
	Candidates    []Candidate    `json:"candidates,omitempty"`
	Card          *Card          `json:"card,omitempty"`
	Result        *Result        `json:"result,omitempty"`
	Error         *ErrorInfo     `json:"error,omitempty"`
	Slots         map[string]any `json:"slots"`
	Path          []string       `json:"path"`
}

// Pending reports whether the reply waits for an approval answer.
func (r Reply) Pending() bool { return r.Stage == "approve" }

// Session is the externally visible state of a conversation (partial).
type Session struct {
	ID        string         `json:"id"`
	Stage     string         `json:"stage"`
	Intent    string         `json:"intent,omitempty"`
	Slots     map[string]any `json:"slots"`
	Missing   []string       `json:"missing,omitempty"`
	UpdatedAt string         `json:"updated_at"`
}

// WebhookResult acknowledges a change notification.
type WebhookResult struct {
	Status   string `json:"status"`
	Kind     string `json:"kind,omitempty"`
	IssueKey string `json:"issue_key,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Chat sends a message. An empty sessionID starts a new conversation.
func (c *Client) Chat(ctx context.Context, sessionID, message string) (Reply, error) {
	body := map[string]any{"message": message}
	if sessionID != "" {
		body["session_id"] = sessionID
	}
	var resp Reply
	err := c.do(ctx, http.MethodPost, "chat", body, nil, &resp)
	return resp, err
}

// Answer approves or rejects the pending card of a session.
func (c *Client) Answer(ctx context.Context, sessionID string, approve bool) (Reply, error) {
	message := "no"
	if approve {
		message = "yes"
	}
	body := map[string]any{"session_id": sessionID, "message": message, "approve": approve}
	var resp Reply
	err := c.do(ctx, http.MethodPost, "chat", body, nil, &resp)
	return resp, err
}

// Session fetches the state of a conversation.
func (c *Client) Session(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, "sessions/"+url.PathEscape(id), nil, nil, &resp)
	return resp, err
}

// NotifyChange reports a tracker change so the server refreshes its index.
func (c *Client) NotifyChange(ctx context.Context, event, issueKey string) (WebhookResult, error) {
	body := map[string]any{"type": event, "issue_key": issueKey}
	var headers map[string]string
	if c.WebhookSecret != "" {
		headers = map[string]string{"X-Issuedesk-Secret": c.WebhookSecret}
	}
	var resp WebhookResult
	err := c.do(ctx, http.MethodPost, "webhooks/tracker", body, headers, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, headers map[string]string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}

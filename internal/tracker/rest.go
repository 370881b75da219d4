package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"issuedesk/internal/domain"
)

// REST talks to a Jira style REST v3 API with basic auth (email + API token).
type REST struct {
	BaseURL    string
	Email      string
	APIToken   string
	HTTPClient *http.Client
	Timeout    time.Duration
	Log        *zap.Logger
}

// NewREST creates a client with sane defaults.
func NewREST(baseURL, email, token string, log *zap.Logger) *REST {
	if log == nil {
		log = zap.NewNop()
	}
	return &REST{
		BaseURL:  baseURL,
		Email:    email,
		APIToken: token,
		Timeout:  10 * time.Second,
		Log:      log,
	}
}

// APIError wraps non-2xx responses. It unwraps to the matching sentinel so
// callers can test with errors.Is.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tracker api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return ErrPermission
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity || e.StatusCode == http.StatusConflict:
		return ErrValidation
	default:
		return ErrTransport
	}
}

type named struct {
	Name string `json:"name,omitempty"`
}

type restProject struct {
	Key        string  `json:"key"`
	Name       string  `json:"name"`
	IssueTypes []named `json:"issueTypes,omitempty"`
}

type restIssue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string          `json:"summary"`
		Description json.RawMessage `json:"description"`
		Status      named           `json:"status"`
		Priority    *named          `json:"priority"`
		IssueType   named           `json:"issuetype"`
		Project     restProject     `json:"project"`
		Assignee    *struct {
			DisplayName string `json:"displayName"`
		} `json:"assignee"`
		Labels  []string `json:"labels"`
		DueDate string   `json:"duedate"`
		Created string   `json:"created"`
		Updated string   `json:"updated"`
	} `json:"fields"`
}

func (ri restIssue) issue() domain.Issue {
	is := domain.Issue{
		Key:         ri.Key,
		ProjectKey:  ri.Fields.Project.Key,
		Type:        ri.Fields.IssueType.Name,
		Summary:     ri.Fields.Summary,
		Description: plainText(ri.Fields.Description),
		Status:      ri.Fields.Status.Name,
		Labels:      ri.Fields.Labels,
		DueDate:     ri.Fields.DueDate,
		CreatedAt:   ri.Fields.Created,
		UpdatedAt:   ri.Fields.Updated,
	}
	if is.ProjectKey == "" {
		is.ProjectKey = ProjectOf(ri.Key)
	}
	if ri.Fields.Priority != nil {
		is.Priority = ri.Fields.Priority.Name
	}
	if ri.Fields.Assignee != nil {
		is.Assignee = ri.Fields.Assignee.DisplayName
	}
	return is
}

const issueFields = "summary,description,status,priority,issuetype,project,assignee,labels,duedate,created,updated"

func (c *REST) CreateIssue(ctx context.Context, opts CreateIssueOptions) (string, error) {
	if err := opts.Validate(); err != nil {
		return "", err
	}
	fields := map[string]any{
		"project":   map[string]string{"key": opts.ProjectKey},
		"summary":   opts.Summary,
		"issuetype": named{Name: opts.Type},
	}
	if opts.Description != "" {
		fields["description"] = document(opts.Description)
	}
	if opts.Assignee != "" {
		fields["assignee"] = map[string]string{"displayName": opts.Assignee}
	}
	if opts.Priority != "" {
		fields["priority"] = named{Name: opts.Priority}
	}
	if len(opts.Labels) > 0 {
		fields["labels"] = opts.Labels
	}
	if opts.DueDate != "" {
		fields["duedate"] = opts.DueDate
	}
	var resp struct {
		Key string `json:"key"`
	}
	if err := c.do(ctx, http.MethodPost, "rest/api/3/issue", map[string]any{"fields": fields}, &resp); err != nil {
		return "", err
	}
	if resp.Key == "" {
		return "", fmt.Errorf("%w: create returned no issue key", ErrTransport)
	}
	return resp.Key, nil
}

func (c *REST) GetIssue(ctx context.Context, key string) (domain.Issue, error) {
	var ri restIssue
	endpoint := fmt.Sprintf("rest/api/3/issue/%s?fields=%s", url.PathEscape(key), issueFields)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &ri); err != nil {
		return domain.Issue{}, err
	}
	return ri.issue(), nil
}

// UpdateIssue writes field changes with one PUT. A status change goes through
// the issue's workflow transitions, matched by target status name.
func (c *REST) UpdateIssue(ctx context.Context, key string, diff FieldDiff) error {
	fields := map[string]any{}
	if diff.Summary != nil {
		fields["summary"] = *diff.Summary
	}
	if diff.Description != nil {
		fields["description"] = document(*diff.Description)
	}
	if diff.Priority != nil {
		fields["priority"] = named{Name: *diff.Priority}
	}
	if diff.Assignee != nil {
		fields["assignee"] = map[string]string{"displayName": *diff.Assignee}
	}
	if diff.DueDate != nil {
		fields["duedate"] = nullIfEmpty(*diff.DueDate)
	}
	if diff.Labels != nil {
		fields["labels"] = *diff.Labels
	}
	endpoint := "rest/api/3/issue/" + url.PathEscape(key)
	if len(fields) > 0 {
		if err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"fields": fields}, nil); err != nil {
			return err
		}
	}
	if diff.Status != nil {
		return c.transition(ctx, key, *diff.Status)
	}
	return nil
}

func (c *REST) transition(ctx context.Context, key, status string) error {
	var resp struct {
		Transitions []struct {
			ID string `json:"id"`
			To named  `json:"to"`
		} `json:"transitions"`
	}
	endpoint := fmt.Sprintf("rest/api/3/issue/%s/transitions", url.PathEscape(key))
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return err
	}
	for _, t := range resp.Transitions {
		if strings.EqualFold(t.To.Name, status) {
			return c.do(ctx, http.MethodPost, endpoint, map[string]any{"transition": map[string]string{"id": t.ID}}, nil)
		}
	}
	return fmt.Errorf("%w: no transition of %s leads to status %q", ErrValidation, key, status)
}

func (c *REST) DeleteIssue(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodDelete, "rest/api/3/issue/"+url.PathEscape(key), nil, nil)
}

func (c *REST) ListProjects(ctx context.Context) ([]domain.Project, error) {
	var out []domain.Project
	err := c.eachProject(ctx, func(p restProject) {
		dp := domain.Project{Key: p.Key, Name: p.Name, Status: domain.ProjectActive}
		for _, t := range p.IssueTypes {
			dp.IssueTypes = append(dp.IssueTypes, t.Name)
		}
		out = append(out, dp)
	})
	return out, err
}

func (c *REST) ListIssueTypes(ctx context.Context, projectKey string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	err := c.eachProject(ctx, func(p restProject) {
		if projectKey != "" && !strings.EqualFold(p.Key, projectKey) {
			return
		}
		for _, t := range p.IssueTypes {
			if !seen[t.Name] {
				seen[t.Name] = true
				out = append(out, t.Name)
			}
		}
	})
	return out, err
}

// eachProject pages through project/search with issue types expanded.
func (c *REST) eachProject(ctx context.Context, fn func(restProject)) error {
	const pageSize = 50
	for start := 0; ; start += pageSize {
		var page struct {
			Values []restProject `json:"values"`
			IsLast bool          `json:"isLast"`
		}
		endpoint := fmt.Sprintf("rest/api/3/project/search?expand=issueTypes&startAt=%d&maxResults=%d", start, pageSize)
		if err := c.do(ctx, http.MethodGet, endpoint, nil, &page); err != nil {
			return err
		}
		for _, p := range page.Values {
			fn(p)
		}
		if page.IsLast || len(page.Values) < pageSize {
			return nil
		}
	}
}

func (c *REST) SearchIssues(ctx context.Context, opts SearchOptions) ([]domain.Issue, error) {
	var clauses []string
	if opts.ProjectKey != "" {
		clauses = append(clauses, fmt.Sprintf("project = %q", opts.ProjectKey))
	}
	if opts.Text != "" {
		clauses = append(clauses, fmt.Sprintf("text ~ %q", opts.Text))
	}
	jql := strings.Join(clauses, " AND ")
	if jql == "" {
		jql = "created IS NOT EMPTY"
	}
	jql += " ORDER BY created DESC"
	limit := opts.Max
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{}
	q.Set("jql", jql)
	q.Set("maxResults", strconv.Itoa(limit))
	q.Set("fields", issueFields)
	var resp struct {
		Issues []restIssue `json:"issues"`
	}
	if err := c.do(ctx, http.MethodGet, "rest/api/3/search/jql?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.Issue, 0, len(resp.Issues))
	for _, ri := range resp.Issues {
		out = append(out, ri.issue())
	}
	return out, nil
}

func (c *REST) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.Email != "" || c.APIToken != "" {
		req.SetBasicAuth(c.Email, c.APIToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", ErrTransport, method, endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.Log.Debug("tracker request failed", zap.String("method", method), zap.String("endpoint", endpoint), zap.Int("status", resp.StatusCode))
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: decode %s: %v", ErrTransport, endpoint, err)
	}
	return nil
}

// document wraps plain text in a single paragraph rich-text document.
func document(text string) map[string]any {
	return map[string]any{
		"type":    "doc",
		"version": 1,
		"content": []any{map[string]any{
			"type":    "paragraph",
			"content": []any{map[string]any{"type": "text", "text": text}},
		}},
	}
}

// plainText flattens a rich-text document, or returns a JSON string as is.
func plainText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var node struct {
		Type    string            `json:"type"`
		Text    string            `json:"text"`
		Content []json.RawMessage `json:"content"`
	}
	if json.Unmarshal(raw, &node) != nil {
		return ""
	}
	if node.Text != "" {
		return node.Text
	}
	parts := make([]string, 0, len(node.Content))
	for _, child := range node.Content {
		if t := plainText(child); t != "" {
			parts = append(parts, t)
		}
	}
	sep := ""
	if node.Type == "doc" {
		sep = "\n"
	}
	return strings.Join(parts, sep)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Client = (*REST)(nil)

package tracker_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"issuedesk/internal/tracker"
)

func newRESTServer(t *testing.T, h http.HandlerFunc) *tracker.REST {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return tracker.NewREST(srv.URL, "bot@example.com", "secret", nil)
}

func TestRESTCreateIssueSendsFields(t *testing.T) {
	var got map[string]map[string]any
	c := newRESTServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/rest/api/3/issue" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if user, pass, ok := r.BasicAuth(); !ok || user != "bot@example.com" || pass != "secret" {
			t.Errorf("missing basic auth")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"10001","key":"KAN-7"}`))
	})
	key, err := c.CreateIssue(context.Background(), tracker.CreateIssueOptions{
		ProjectKey: "KAN", Type: "버그", Summary: "로그인 버그", Description: "fails on submit", Priority: "High",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if key != "KAN-7" {
		t.Fatalf("expected KAN-7, got %s", key)
	}
	fields := got["fields"]
	if fields["summary"] != "로그인 버그" {
		t.Fatalf("summary not sent: %v", fields)
	}
	desc, _ := fields["description"].(map[string]any)
	if desc["type"] != "doc" {
		t.Fatalf("description should be a document: %v", fields["description"])
	}
}

func TestRESTGetIssueFlattensDescription(t *testing.T) {
	c := newRESTServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"key":"KAN-3","fields":{"summary":"s","status":{"name":"진행 중"},
"priority":{"name":"Low"},"issuetype":{"name":"작업"},"project":{"key":"KAN"},"assignee":{"displayName":"kim"},
"description":{"type":"doc","version":1,"content":[{"type":"paragraph","content":[{"type":"text","text":"line one"}]},
{"type":"paragraph","content":[{"type":"text","text":"line two"}]}]}}}`))
	})
	is, err := c.GetIssue(context.Background(), "KAN-3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if is.Description != "line one\nline two" || is.Assignee != "kim" || is.Status != "진행 중" || is.ProjectKey != "KAN" {
		t.Fatalf("unexpected issue: %+v", is)
	}
}

func TestRESTStatusMapping(t *testing.T) {
	cases := map[int]error{
		http.StatusUnauthorized:        tracker.ErrPermission,
		http.StatusForbidden:           tracker.ErrPermission,
		http.StatusNotFound:            tracker.ErrNotFound,
		http.StatusBadRequest:          tracker.ErrValidation,
		http.StatusInternalServerError: tracker.ErrTransport,
	}
	for status, want := range cases {
		c := newRESTServer(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"errorMessages":["nope"]}`, status)
		})
		err := c.DeleteIssue(context.Background(), "KAN-1")
		if !errors.Is(err, want) {
			t.Fatalf("status %d: expected %v, got %v", status, want, err)
		}
		var apiErr *tracker.APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != status {
			t.Fatalf("status %d: expected APIError, got %T", status, err)
		}
	}
}

func TestRESTTransportError(t *testing.T) {
	c := tracker.NewREST("http://127.0.0.1:1", "", "", nil)
	if _, err := c.GetIssue(context.Background(), "KAN-1"); !errors.Is(err, tracker.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestRESTUpdateStatusUsesTransition(t *testing.T) {
	var posted string
	c := newRESTServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/transitions"):
			_, _ = w.Write([]byte(`{"transitions":[{"id":"11","to":{"name":"진행 중"}},{"id":"31","to":{"name":"완료"}}]}`))
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/transitions"):
			var body struct {
				Transition struct {
					ID string `json:"id"`
				} `json:"transition"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			posted = body.Transition.ID
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})
	done := "완료"
	if err := c.UpdateIssue(context.Background(), "KAN-1", tracker.FieldDiff{Status: &done}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if posted != "31" {
		t.Fatalf("expected transition 31, got %q", posted)
	}
	unknown := "blocked"
	if err := c.UpdateIssue(context.Background(), "KAN-1", tracker.FieldDiff{Status: &unknown}); !errors.Is(err, tracker.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRESTListProjectsPages(t *testing.T) {
	calls := 0
	c := newRESTServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"isLast":true,"values":[{"key":"KAN","name":"Kanban","issueTypes":[{"name":"작업"},{"name":"버그"}]},
{"key":"HIN","name":"Hint","issueTypes":[{"name":"작업"}]}]}`))
	})
	projects, err := c.ListProjects(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 2 || len(projects[0].IssueTypes) != 2 {
		t.Fatalf("unexpected projects: %+v", projects)
	}
	types, err := c.ListIssueTypes(context.Background(), "")
	if err != nil || len(types) != 2 {
		t.Fatalf("expected deduplicated union, got %v (%v)", types, err)
	}
	if calls != 2 {
		t.Fatalf("expected one call per listing, got %d", calls)
	}
}

// Package tracker is the source of truth for issues. Two clients implement
// it: Local, an embedded SQLite tracker, and REST, a Jira style HTTP API.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"issuedesk/internal/domain"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrPermission = errors.New("permission denied")
	ErrValidation = errors.New("validation failed")
	ErrTransport  = errors.New("transport failure")
)

// Client is the narrow contract the dialogue layer needs from a tracker.
type Client interface {
	CreateIssue(ctx context.Context, opts CreateIssueOptions) (string, error)
	GetIssue(ctx context.Context, key string) (domain.Issue, error)
	UpdateIssue(ctx context.Context, key string, diff FieldDiff) error
	DeleteIssue(ctx context.Context, key string) error
	ListProjects(ctx context.Context) ([]domain.Project, error)
	// ListIssueTypes lists the types of a project, or of every project when
	// projectKey is empty.
	ListIssueTypes(ctx context.Context, projectKey string) ([]string, error)
	SearchIssues(ctx context.Context, opts SearchOptions) ([]domain.Issue, error)
}

type CreateIssueOptions struct {
	ProjectKey  string
	Type        string
	Summary     string
	Description string
	Priority    string
	Assignee    string
	Labels      []string
	DueDate     string
	Actor       string
}

func (o CreateIssueOptions) Validate() error {
	if o.ProjectKey == "" {
		return fmt.Errorf("%w: project is required", ErrValidation)
	}
	if strings.TrimSpace(o.Summary) == "" {
		return fmt.Errorf("%w: summary is required", ErrValidation)
	}
	if o.Type == "" {
		return fmt.Errorf("%w: issue type is required", ErrValidation)
	}
	if o.DueDate != "" && !dueDateRe.MatchString(o.DueDate) {
		return fmt.Errorf("%w: due date %q must be YYYY-MM-DD", ErrValidation, o.DueDate)
	}
	return nil
}

// SearchOptions bounds a tracker-side listing. It is used by index syncs, not
// by candidate resolution.
type SearchOptions struct {
	ProjectKey string
	Text       string
	Max        int
}

// FieldDiff carries only the fields that change. A nil pointer means the field
// is left untouched.
type FieldDiff struct {
	Summary     *string   `json:"summary,omitempty"`
	Description *string   `json:"description,omitempty"`
	Priority    *string   `json:"priority,omitempty"`
	Assignee    *string   `json:"assignee,omitempty"`
	Status      *string   `json:"status,omitempty"`
	DueDate     *string   `json:"due_date,omitempty"`
	Labels      *[]string `json:"labels,omitempty"`
}

func (d FieldDiff) Empty() bool {
	return d.Summary == nil && d.Description == nil && d.Priority == nil && d.Assignee == nil &&
		d.Status == nil && d.DueDate == nil && d.Labels == nil
}

// Fields lists the names of the fields the diff touches, in a stable order.
func (d FieldDiff) Fields() []string {
	var out []string
	add := func(set bool, name string) {
		if set {
			out = append(out, name)
		}
	}
	add(d.Summary != nil, "summary")
	add(d.Description != nil, "description")
	add(d.Priority != nil, "priority")
	add(d.Assignee != nil, "assignee")
	add(d.Status != nil, "status")
	add(d.DueDate != nil, "due_date")
	add(d.Labels != nil, "labels")
	return out
}

// Against drops the fields whose value already matches the issue.
func (d FieldDiff) Against(is domain.Issue) FieldDiff {
	same := func(p *string, cur string) bool { return p != nil && *p == cur }
	out := d
	if same(d.Summary, is.Summary) {
		out.Summary = nil
	}
	if same(d.Description, is.Description) {
		out.Description = nil
	}
	if d.Priority != nil && strings.EqualFold(*d.Priority, is.Priority) {
		out.Priority = nil
	}
	if same(d.Assignee, is.Assignee) {
		out.Assignee = nil
	}
	if d.Status != nil && strings.EqualFold(*d.Status, is.Status) {
		out.Status = nil
	}
	if same(d.DueDate, is.DueDate) {
		out.DueDate = nil
	}
	if d.Labels != nil && equalStrings(*d.Labels, is.Labels) {
		out.Labels = nil
	}
	return out
}

// Apply returns the issue with the diff applied.
func (d FieldDiff) Apply(is domain.Issue) domain.Issue {
	if d.Summary != nil {
		is.Summary = *d.Summary
	}
	if d.Description != nil {
		is.Description = *d.Description
	}
	if d.Priority != nil {
		is.Priority = *d.Priority
	}
	if d.Assignee != nil {
		is.Assignee = *d.Assignee
	}
	if d.Status != nil {
		is.Status = *d.Status
	}
	if d.DueDate != nil {
		is.DueDate = *d.DueDate
	}
	if d.Labels != nil {
		is.Labels = append([]string(nil), (*d.Labels)...)
	}
	return is
}

var (
	keyRe     = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*-[0-9]+$`)
	dueDateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

// ValidKey reports whether s is shaped like an issue key (KAN-12).
func ValidKey(s string) bool {
	return keyRe.MatchString(strings.TrimSpace(s))
}

// ProjectOf returns the project prefix of an issue key.
func ProjectOf(key string) string {
	if i := strings.LastIndex(key, "-"); i > 0 {
		return strings.ToUpper(key[:i])
	}
	return ""
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

package dialogue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"issuedesk/internal/domain"
	"issuedesk/internal/index"
	"issuedesk/internal/tracker"
)

type fakeSource struct {
	calls    atomic.Int32
	err      error
	projects []domain.Project
}

func (f *fakeSource) ListProjects(context.Context) ([]domain.Project, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.projects, nil
}

func (f *fakeSource) ListIssueTypes(_ context.Context, key string) ([]string, error) {
	return []string{"작업"}, nil
}

func kanHin() []domain.Project {
	return []domain.Project{
		{Key: "KAN", Status: domain.ProjectActive, IssueTypes: []string{"작업", "버그"}},
		{Key: "HIN", Status: domain.ProjectActive, IssueTypes: []string{"작업", "버그"}},
		{Key: "OLD", Status: domain.ProjectArchived},
	}
}

type fakeIndex struct {
	mu      sync.Mutex
	hits    []index.Hit
	err     error
	queries []string
	filters []index.Filter
}

func (f *fakeIndex) Search(_ context.Context, q string, flt index.Filter, limit int) ([]index.Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	f.filters = append(f.filters, flt)
	if f.err != nil {
		return nil, f.err
	}
	var out []index.Hit
	for _, h := range f.hits {
		if flt.IssueKey != "" && h.Issue.Key != flt.IssueKey {
			continue
		}
		out = append(out, h)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeIndex) Upsert(context.Context, []domain.Issue) error { return nil }
func (f *fakeIndex) Delete(context.Context, string) error         { return nil }
func (f *fakeIndex) Count(context.Context) (int, error)           { return len(f.hits), nil }

// countingTracker records every call and serves issues from a map.
type countingTracker struct {
	issues map[string]domain.Issue
	err    error
	reads  int
	writes int
}

func (c *countingTracker) CreateIssue(_ context.Context, o tracker.CreateIssueOptions) (string, error) {
	c.writes++
	if c.err != nil {
		return "", c.err
	}
	key := o.ProjectKey + "-9"
	c.issues[key] = domain.Issue{Key: key, ProjectKey: o.ProjectKey, Summary: o.Summary, Type: o.Type}
	return key, nil
}

func (c *countingTracker) GetIssue(_ context.Context, key string) (domain.Issue, error) {
	c.reads++
	if c.err != nil {
		return domain.Issue{}, c.err
	}
	is, ok := c.issues[key]
	if !ok {
		return domain.Issue{}, tracker.ErrNotFound
	}
	return is, nil
}

func (c *countingTracker) UpdateIssue(_ context.Context, key string, d tracker.FieldDiff) error {
	c.writes++
	c.issues[key] = d.Apply(c.issues[key])
	return nil
}

func (c *countingTracker) DeleteIssue(_ context.Context, key string) error {
	c.writes++
	delete(c.issues, key)
	return nil
}

func (c *countingTracker) ListProjects(context.Context) ([]domain.Project, error) { return kanHin(), nil }

func (c *countingTracker) ListIssueTypes(context.Context, string) ([]string, error) { return nil, nil }

func (c *countingTracker) SearchIssues(context.Context, tracker.SearchOptions) ([]domain.Issue, error) {
	return nil, errors.New("not used")
}

// scriptedClassifier fails the test through a nil function when a call is
// not expected.
type scriptedClassifier struct {
	extract  func(ExtractRequest) (RawExtraction, error)
	decide   func(ContinueRequest) (Decision, error)
	explain  func(string) (string, error)
	decision int
}

func (s *scriptedClassifier) Extract(_ context.Context, r ExtractRequest) (RawExtraction, error) {
	return s.extract(r)
}

func (s *scriptedClassifier) Continue(_ context.Context, r ContinueRequest) (Decision, error) {
	s.decision++
	return s.decide(r)
}

func (s *scriptedClassifier) Explain(_ context.Context, topic string) (string, error) {
	return s.explain(topic)
}

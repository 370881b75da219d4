package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"issuedesk/internal/domain"
	"issuedesk/internal/events"
	"issuedesk/internal/repo"
)

// Priorities accepted by the local tracker, in canonical casing.
var Priorities = []string{"Highest", "High", "Medium", "Low", "Lowest"}

// DefaultIssueTypes seeds projects created without an explicit type list.
var DefaultIssueTypes = []string{"작업", "버그", "스토리", "에픽"}

const defaultStatus = "해야 할 일"

var projectKeyRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,9}$`)

// Local is a tracker stored in the workspace SQLite database. Every write
// appends an event in the same transaction.
type Local struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
	Log    *zap.Logger
}

func NewLocal(db *sql.DB, log *zap.Logger) *Local {
	if log == nil {
		log = zap.NewNop()
	}
	return &Local{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Now:    time.Now,
		Log:    log,
	}
}

func (l *Local) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Local) stamp() string {
	return l.now().UTC().Format(time.RFC3339)
}

// ProjectOptions are parameters for creating a local project.
type ProjectOptions struct {
	Key         string
	Name        string
	Description string
	IssueTypes  []string
	Actor       string
}

// InitProject creates a project with its issue types.
func (l *Local) InitProject(ctx context.Context, opts ProjectOptions) (domain.Project, error) {
	key := strings.ToUpper(strings.TrimSpace(opts.Key))
	if !projectKeyRe.MatchString(key) {
		return domain.Project{}, fmt.Errorf("%w: project key %q must be 1-10 uppercase letters, digits or underscores", ErrValidation, opts.Key)
	}
	if opts.Name == "" {
		opts.Name = key
	}
	types := opts.IssueTypes
	if len(types) == 0 {
		types = DefaultIssueTypes
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		Key:         key,
		Name:        opts.Name,
		Status:      domain.ProjectActive,
		Description: opts.Description,
		CreatedAt:   l.stamp(),
	}
	if err := l.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	for _, t := range types {
		if t = strings.TrimSpace(t); t == "" {
			continue
		}
		if err := l.Repo.AddIssueType(ctx, tx, key, t); err != nil {
			return domain.Project{}, fmt.Errorf("add issue type %s: %w", t, err)
		}
		p.IssueTypes = append(p.IssueTypes, t)
	}
	if err := l.Events.Append(ctx, tx, events.Record{
		Type: domain.EventProjectInit, ProjectKey: key, Actor: opts.Actor,
		Payload: events.Payload{"name": p.Name, "issue_types": p.IssueTypes},
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// AddIssueTypes registers extra types on an existing project.
func (l *Local) AddIssueTypes(ctx context.Context, projectKey string, types ...string) error {
	if _, err := l.project(ctx, projectKey); err != nil {
		return err
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, t := range types {
		if t = strings.TrimSpace(t); t == "" {
			continue
		}
		if err := l.Repo.AddIssueType(ctx, tx, projectKey, t); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SetProjectStatus archives or reactivates a project. Archived projects are
// read-only: writes to their issues fail with ErrPermission.
func (l *Local) SetProjectStatus(ctx context.Context, projectKey, status string) error {
	if status != domain.ProjectActive && status != domain.ProjectArchived {
		return fmt.Errorf("%w: status must be %s or %s", ErrValidation, domain.ProjectActive, domain.ProjectArchived)
	}
	return mapRepoErr(l.Repo.UpdateProject(ctx, projectKey, status, nil))
}

func (l *Local) project(ctx context.Context, key string) (domain.Project, error) {
	p, err := l.Repo.GetProject(ctx, key)
	if errors.Is(err, repo.ErrNotFound) {
		return p, fmt.Errorf("project %s: %w", key, ErrNotFound)
	}
	return p, err
}

func (l *Local) writableProject(ctx context.Context, key string) (domain.Project, error) {
	p, err := l.project(ctx, key)
	if err != nil {
		return p, err
	}
	if p.Status == domain.ProjectArchived {
		return p, fmt.Errorf("project %s is archived: %w", key, ErrPermission)
	}
	return p, nil
}

func (l *Local) CreateIssue(ctx context.Context, opts CreateIssueOptions) (string, error) {
	if err := opts.Validate(); err != nil {
		return "", err
	}
	p, err := l.writableProject(ctx, opts.ProjectKey)
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("%w: unknown project %s", ErrValidation, opts.ProjectKey)
	}
	if err != nil {
		return "", err
	}
	issueType, ok := matchFold(p.IssueTypes, opts.Type)
	if len(p.IssueTypes) > 0 && !ok {
		return "", fmt.Errorf("%w: issue type %q not available in %s (%s)", ErrValidation, opts.Type, p.Key, strings.Join(p.IssueTypes, ", "))
	}
	if !ok {
		issueType = opts.Type
	}
	priority, err := canonicalPriority(opts.Priority)
	if err != nil {
		return "", err
	}

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	n, err := l.Repo.NextIssueNumber(ctx, tx, p.Key)
	if err != nil {
		return "", mapRepoErr(err)
	}
	now := l.stamp()
	is := domain.Issue{
		Key:         fmt.Sprintf("%s-%d", p.Key, n),
		ProjectKey:  p.Key,
		Type:        issueType,
		Summary:     strings.TrimSpace(opts.Summary),
		Description: opts.Description,
		Status:      defaultStatus,
		Priority:    priority,
		Assignee:    opts.Assignee,
		Labels:      opts.Labels,
		DueDate:     opts.DueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := l.Repo.InsertIssue(ctx, tx, is); err != nil {
		return "", fmt.Errorf("insert issue: %w", err)
	}
	if err := l.Events.Append(ctx, tx, events.Record{
		Type: domain.EventIssueCreated, ProjectKey: p.Key, IssueKey: is.Key, Actor: opts.Actor,
		Payload: events.Payload{"summary": is.Summary, "issue_type": is.Type},
	}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	l.Log.Debug("issue created", zap.String("issue_key", is.Key))
	return is.Key, nil
}

func (l *Local) GetIssue(ctx context.Context, key string) (domain.Issue, error) {
	is, err := l.Repo.GetIssue(ctx, strings.ToUpper(key))
	return is, mapRepoErr(err)
}

func (l *Local) UpdateIssue(ctx context.Context, key string, diff FieldDiff) error {
	key = strings.ToUpper(key)
	if diff.Empty() {
		return nil
	}
	if diff.Summary != nil && strings.TrimSpace(*diff.Summary) == "" {
		return fmt.Errorf("%w: summary cannot be empty", ErrValidation)
	}
	if diff.DueDate != nil && *diff.DueDate != "" && !dueDateRe.MatchString(*diff.DueDate) {
		return fmt.Errorf("%w: due date %q must be YYYY-MM-DD", ErrValidation, *diff.DueDate)
	}
	if diff.Priority != nil {
		p, err := canonicalPriority(*diff.Priority)
		if err != nil {
			return err
		}
		diff.Priority = &p
	}

	cur, err := l.GetIssue(ctx, key)
	if err != nil {
		return err
	}
	if _, err := l.writableProject(ctx, cur.ProjectKey); err != nil {
		return err
	}

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cur, err = l.Repo.GetIssueTx(ctx, tx, key)
	if err != nil {
		return mapRepoErr(err)
	}
	next := diff.Apply(cur)
	next.UpdatedAt = l.stamp()
	if err := l.Repo.UpdateIssue(ctx, tx, next); err != nil {
		return mapRepoErr(err)
	}
	if err := l.Events.Append(ctx, tx, events.Record{
		Type: domain.EventIssueUpdated, ProjectKey: cur.ProjectKey, IssueKey: key,
		Payload: events.Payload{"fields": diff.Fields()},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (l *Local) DeleteIssue(ctx context.Context, key string) error {
	key = strings.ToUpper(key)
	cur, err := l.GetIssue(ctx, key)
	if err != nil {
		return err
	}
	if _, err := l.writableProject(ctx, cur.ProjectKey); err != nil {
		return err
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := l.Repo.DeleteIssue(ctx, tx, key); err != nil {
		return mapRepoErr(err)
	}
	if err := l.Events.Append(ctx, tx, events.Record{
		Type: domain.EventIssueDeleted, ProjectKey: cur.ProjectKey, IssueKey: key,
		Payload: events.Payload{"summary": cur.Summary},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (l *Local) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return l.Repo.ListProjects(ctx)
}

func (l *Local) ListIssueTypes(ctx context.Context, projectKey string) ([]string, error) {
	return l.Repo.ListIssueTypes(ctx, strings.ToUpper(projectKey))
}

func (l *Local) SearchIssues(ctx context.Context, opts SearchOptions) ([]domain.Issue, error) {
	return l.Repo.ListIssues(ctx, repo.IssueFilters{
		ProjectKey: strings.ToUpper(opts.ProjectKey),
		Text:       opts.Text,
		Limit:      opts.Max,
	})
}

// History returns the newest change events of an issue.
func (l *Local) History(ctx context.Context, issueKey string, limit int) ([]domain.Event, error) {
	return l.Repo.LatestEvents(ctx, limit, "", strings.ToUpper(issueKey))
}

func canonicalPriority(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if c, ok := matchFold(Priorities, p); ok {
		return c, nil
	}
	return "", fmt.Errorf("%w: priority %q must be one of %s", ErrValidation, p, strings.Join(Priorities, ", "))
}

func matchFold(options []string, v string) (string, bool) {
	v = strings.TrimSpace(v)
	for _, o := range options {
		if strings.EqualFold(o, v) {
			return o, true
		}
	}
	return "", false
}

func mapRepoErr(err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

var _ Client = (*Local)(nil)

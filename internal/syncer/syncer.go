// Package syncer keeps the entity index in step with the tracker. The index
// is a replica: a full sync rebuilds it project by project, and webhook events
// apply single-issue changes as they happen.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"issuedesk/internal/domain"
	"issuedesk/internal/index"
	"issuedesk/internal/tracker"
)

const (
	defaultConcurrency = 4
	defaultPerProject  = 500
)

// Syncer copies issues from a tracker into an index.
type Syncer struct {
	Tracker     tracker.Client
	Index       index.Store
	Concurrency int
	PerProject  int
	Log         *zap.Logger
}

func New(t tracker.Client, idx index.Store, log *zap.Logger) *Syncer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Syncer{Tracker: t, Index: idx, Log: log}
}

func (s *Syncer) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// Report summarizes a full sync.
type Report struct {
	Projects int      `json:"projects"`
	Issues   int      `json:"issues"`
	Skipped  []string `json:"skipped,omitempty"`
}

// Full indexes every issue of every active project. Projects run
// concurrently; the first failure cancels the rest.
func (s *Syncer) Full(ctx context.Context) (Report, error) {
	projects, err := s.Tracker.ListProjects(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list projects: %w", err)
	}
	limit := s.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}
	per := s.PerProject
	if per <= 0 {
		per = defaultPerProject
	}

	var rep Report
	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, p := range projects {
		if p.Status == domain.ProjectArchived {
			rep.Skipped = append(rep.Skipped, p.Key)
			continue
		}
		rep.Projects++
		key := p.Key
		g.Go(func() error {
			issues, err := s.Tracker.SearchIssues(gctx, tracker.SearchOptions{ProjectKey: key, Max: per})
			if err != nil {
				return fmt.Errorf("list issues of %s: %w", key, err)
			}
			if len(issues) == 0 {
				return nil
			}
			if err := s.Index.Upsert(gctx, issues); err != nil {
				return fmt.Errorf("index %s: %w", key, err)
			}
			total.Add(int64(len(issues)))
			s.log().Debug("project synced", zap.String("project", key), zap.Int("issues", len(issues)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}
	rep.Issues = int(total.Load())
	s.log().Info("index synced", zap.Int("projects", rep.Projects), zap.Int("issues", rep.Issues))
	return rep, nil
}

// EnsurePopulated runs a full sync when the index holds nothing. It reports
// whether a sync ran.
func (s *Syncer) EnsurePopulated(ctx context.Context) (bool, error) {
	n, err := s.Index.Count(ctx)
	if err != nil {
		return false, fmt.Errorf("count index: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	if _, err := s.Full(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// Change kinds carried by an Event.
const (
	Created = "created"
	Updated = "updated"
	Deleted = "deleted"
)

// Event is one issue change reported by the tracker.
type Event struct {
	Kind     string `json:"kind"`
	IssueKey string `json:"issue_key"`
}

var ErrUnsupportedEvent = errors.New("unsupported event")

// KindOf maps a tracker event name to a change kind. It accepts the local
// tracker's event types (issue.created) and Jira webhook names
// (jira:issue_updated).
func KindOf(name string) (string, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, "jira:")
	switch n {
	case domain.EventIssueCreated, "issue_created", Created:
		return Created, true
	case domain.EventIssueUpdated, "issue_updated", Updated:
		return Updated, true
	case domain.EventIssueDeleted, "issue_deleted", Deleted:
		return Deleted, true
	}
	return "", false
}

// Apply reflects one change in the index. Creations and updates re-read the
// issue so the index never stores a partial webhook body. An update for an
// issue that no longer exists removes it.
func (s *Syncer) Apply(ctx context.Context, ev Event) error {
	key := strings.ToUpper(strings.TrimSpace(ev.IssueKey))
	if !tracker.ValidKey(key) {
		return fmt.Errorf("%w: invalid issue key %q", tracker.ErrValidation, ev.IssueKey)
	}
	log := s.log().With(zap.String("issue_key", key), zap.String("kind", ev.Kind))
	switch ev.Kind {
	case Created, Updated:
		is, err := s.Tracker.GetIssue(ctx, key)
		if errors.Is(err, tracker.ErrNotFound) {
			log.Debug("issue gone, dropping from index")
			return s.Index.Delete(ctx, key)
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", key, err)
		}
		if err := s.Index.Upsert(ctx, []domain.Issue{is}); err != nil {
			return fmt.Errorf("index %s: %w", key, err)
		}
		log.Debug("issue indexed")
		return nil
	case Deleted:
		if err := s.Index.Delete(ctx, key); err != nil {
			return fmt.Errorf("unindex %s: %w", key, err)
		}
		log.Debug("issue unindexed")
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedEvent, ev.Kind)
	}
}

package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"issuedesk/internal/domain"
	"issuedesk/internal/index"
	"issuedesk/internal/tracker"
)

// IssueGetter reads one issue from the tracker.
type IssueGetter interface {
	GetIssue(ctx context.Context, key string) (domain.Issue, error)
}

// CheckResult is the verdict on whether slots refer to things that exist.
// Kind is set when the check itself failed and the turn must end.
type CheckResult struct {
	OK      bool
	Slots   Slots
	Invalid SlotName
	Reason  string
	Kind    ErrorKind
	Detail  string
}

// Checker validates slot values against the catalog, the index and the tracker.
type Checker struct {
	Catalog *Catalog
	Index   index.Store
	Tracker IssueGetter
	Log     *zap.Logger
}

func NewChecker(cat *Catalog, idx index.Store, tr IssueGetter, log *zap.Logger) *Checker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Checker{Catalog: cat, Index: idx, Tracker: tr, Log: log}
}

func (c *Checker) Check(ctx context.Context, intent Intent, s Slots) CheckResult {
	switch intent {
	case IntentCreate, IntentSearch:
		return c.checkCatalog(ctx, intent, s)
	case IntentUpdate, IntentDelete:
		return c.checkTarget(ctx, s)
	}
	return CheckResult{OK: true, Slots: s}
}

func (c *Checker) checkCatalog(ctx context.Context, intent Intent, s Slots) CheckResult {
	if intent == IntentSearch && s.ProjectKey == "" {
		return CheckResult{OK: true, Slots: s}
	}
	snap, err := c.Catalog.Snapshot(ctx)
	if err != nil {
		return CheckResult{Slots: s, Kind: KindOf(err), Detail: "project catalog unavailable: " + err.Error()}
	}
	key, ok := snap.Project(s.ProjectKey)
	if !ok {
		return CheckResult{
			Slots:   s.Without(SlotProjectKey),
			Invalid: SlotProjectKey,
			Reason:  fmt.Sprintf("프로젝트 %s 이(가) 존재하지 않습니다. 사용 가능한 프로젝트: %s", s.ProjectKey, strings.Join(snap.Projects, ", ")),
		}
	}
	s.ProjectKey = key
	if s.IssueType != "" {
		types := snap.TypesOf(key)
		t, ok := snap.ResolveType(key, s.IssueType)
		if !ok && len(types) > 0 {
			return CheckResult{
				Slots:   s.Without(SlotIssueType),
				Invalid: SlotIssueType,
				Reason:  fmt.Sprintf("%s 프로젝트에는 %s 유형이 없습니다. 사용 가능한 유형: %s", key, s.IssueType, strings.Join(types, ", ")),
			}
		}
		if ok {
			s.IssueType = t
		}
	}
	return CheckResult{OK: true, Slots: s}
}

func (c *Checker) checkTarget(ctx context.Context, s Slots) CheckResult {
	key := strings.ToUpper(strings.TrimSpace(s.IssueKey))
	s.IssueKey = key
	if c.Index != nil {
		hits, err := c.Index.Search(ctx, "", index.Filter{IssueKey: key}, 1)
		if err == nil && len(hits) > 0 {
			return CheckResult{OK: true, Slots: s}
		}
		if err != nil {
			c.Log.Warn("index lookup failed; asking tracker", zap.String("issue", key), zap.Error(err))
		}
	}
	_, err := c.Tracker.GetIssue(ctx, key)
	switch {
	case err == nil:
		return CheckResult{OK: true, Slots: s}
	case errors.Is(err, tracker.ErrNotFound):
		return CheckResult{
			Slots:   s.Without(SlotIssueKey),
			Invalid: SlotIssueKey,
			Reason:  fmt.Sprintf("이슈 %s 을(를) 찾을 수 없습니다.", key),
		}
	default:
		return CheckResult{Slots: s, Kind: KindOf(err), Detail: err.Error()}
	}
}

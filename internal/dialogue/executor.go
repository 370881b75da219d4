package dialogue

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"issuedesk/internal/domain"
	"issuedesk/internal/index"
	"issuedesk/internal/tracker"
)

const (
	defaultSearchCount = 10
	searchFetch        = 50
	defaultSearchQuery = "issue"
)

// Result is the outcome of an executed operation.
type Result struct {
	OK        bool          `json:"ok"`
	Noop      bool          `json:"noop,omitempty"`
	IssueKey  string        `json:"issue_key,omitempty"`
	Issue     *domain.Issue `json:"issue,omitempty"`
	Hits      []index.Hit   `json:"results,omitempty"`
	Total     int           `json:"total,omitempty"`
	Changed   []string      `json:"changed,omitempty"`
	Indexed   bool          `json:"indexed,omitempty"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	Detail    string        `json:"detail,omitempty"`
}

func failed(err error) Result {
	return Result{ErrorKind: KindOf(err), Detail: err.Error()}
}

// Executor performs the approved operation against the tracker and keeps the
// index in step. Index propagation is best effort.
type Executor struct {
	Tracker tracker.Client
	Index   index.Store
	Actor   string
	Log     *zap.Logger
}

func NewExecutor(tr tracker.Client, idx index.Store, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{Tracker: tr, Index: idx, Log: log}
}

func (x *Executor) Execute(ctx context.Context, intent Intent, s Slots) Result {
	switch intent {
	case IntentSearch:
		return x.search(ctx, s)
	case IntentCreate:
		return x.create(ctx, s)
	case IntentUpdate:
		return x.update(ctx, s)
	case IntentDelete:
		return x.delete(ctx, s)
	}
	return Result{ErrorKind: KindValidation, Detail: fmt.Sprintf("intent %q cannot be executed", intent)}
}

func (x *Executor) search(ctx context.Context, s Slots) Result {
	count := s.Count
	if count <= 0 {
		count = defaultSearchCount
	}
	query := firstNonEmpty(s.Keyword, s.Summary, defaultSearchQuery)
	f := index.Filter{ProjectKey: s.ProjectKey, Assignee: s.Assignee, Priority: s.Priority, IssueType: s.IssueType}
	hits, err := x.Index.Search(ctx, query, f, max(count, searchFetch))
	if err != nil {
		return failed(err)
	}
	res := Result{OK: true, Total: len(hits)}
	if len(hits) > count {
		hits = hits[:count]
	}
	res.Hits = hits
	return res
}

func (x *Executor) create(ctx context.Context, s Slots) Result {
	key, err := x.Tracker.CreateIssue(ctx, tracker.CreateIssueOptions{
		ProjectKey:  s.ProjectKey,
		Type:        s.IssueType,
		Summary:     s.Summary,
		Description: s.Description,
		Priority:    s.Priority,
		Assignee:    s.Assignee,
		Labels:      s.Labels,
		DueDate:     s.DueDate,
		Actor:       x.Actor,
	})
	if err != nil {
		return failed(err)
	}
	res := Result{OK: true, IssueKey: key}
	x.propagate(ctx, key, &res)
	return res
}

// DiffFromSlots builds the requested change set from the mutable slots.
func DiffFromSlots(s Slots) tracker.FieldDiff {
	var d tracker.FieldDiff
	str := func(n SlotName) *string {
		if !s.Has(n) {
			return nil
		}
		v := s.Value(n)
		return &v
	}
	d.Summary = str(SlotSummary)
	d.Description = str(SlotDescription)
	d.Priority = str(SlotPriority)
	d.Assignee = str(SlotAssignee)
	d.Status = str(SlotStatus)
	d.DueDate = str(SlotDueDate)
	if len(s.Labels) > 0 {
		labels := append([]string(nil), s.Labels...)
		d.Labels = &labels
	}
	return d
}

func (x *Executor) update(ctx context.Context, s Slots) Result {
	diff := DiffFromSlots(s)
	if diff.Empty() {
		return Result{OK: true, Noop: true, IssueKey: s.IssueKey}
	}
	current, err := x.Tracker.GetIssue(ctx, s.IssueKey)
	if err != nil {
		return failed(err)
	}
	diff = diff.Against(current)
	if diff.Empty() {
		return Result{OK: true, Noop: true, IssueKey: current.Key, Issue: &current}
	}
	if err := x.Tracker.UpdateIssue(ctx, current.Key, diff); err != nil {
		return failed(err)
	}
	res := Result{OK: true, IssueKey: current.Key, Changed: diff.Fields()}
	x.propagate(ctx, current.Key, &res)
	return res
}

func (x *Executor) delete(ctx context.Context, s Slots) Result {
	if err := x.Tracker.DeleteIssue(ctx, s.IssueKey); err != nil {
		return failed(err)
	}
	res := Result{OK: true, IssueKey: s.IssueKey}
	if err := x.Index.Delete(ctx, s.IssueKey); err != nil {
		x.Log.Warn("index delete failed", zap.String("issue", s.IssueKey), zap.Error(err))
	} else {
		res.Indexed = true
	}
	return res
}

// propagate re-reads the written issue and upserts it into the index.
func (x *Executor) propagate(ctx context.Context, key string, res *Result) {
	is, err := x.Tracker.GetIssue(ctx, key)
	if err != nil {
		x.Log.Warn("re-fetch after write failed", zap.String("issue", key), zap.Error(err))
		return
	}
	res.Issue = &is
	if err := x.Index.Upsert(ctx, []domain.Issue{is}); err != nil {
		x.Log.Warn("index upsert failed", zap.String("issue", key), zap.Error(err))
		return
	}
	res.Indexed = true
}

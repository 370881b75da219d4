package dialogue

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"issuedesk/internal/domain"
	"issuedesk/internal/index"
	"issuedesk/internal/tracker"
)

const resolveLimit = 10

// Outcome is the result class of candidate resolution.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeSingle
	OutcomeMultiple
)

type Resolution struct {
	Outcome    Outcome
	IssueKey   string
	Candidates []domain.Candidate
}

// Resolver turns descriptive slots into a concrete issue key through the
// entity index.
type Resolver struct {
	Index index.Store
	Limit int
	Log   *zap.Logger
}

func NewResolver(idx index.Store, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{Index: idx, Limit: resolveLimit, Log: log}
}

// FilterFrom builds the equality filter of a resolution query.
func FilterFrom(s Slots) index.Filter {
	return index.Filter{
		ProjectKey: s.ProjectKey,
		Priority:   s.Priority,
		IssueType:  s.IssueType,
		Assignee:   s.Assignee,
	}
}

// QueryFrom picks the semantic query text: keyword, then summary, then the
// raw utterance.
func QueryFrom(s Slots, utterance string) string {
	return firstNonEmpty(s.Keyword, s.Summary, strings.TrimSpace(utterance))
}

func (r *Resolver) Resolve(ctx context.Context, s Slots, utterance string) (Resolution, error) {
	limit := r.Limit
	if limit <= 0 {
		limit = resolveLimit
	}
	hits, err := r.Index.Search(ctx, QueryFrom(s, utterance), FilterFrom(s), limit)
	if err != nil {
		return Resolution{}, err
	}
	r.Log.Debug("resolved candidates", zap.Int("hits", len(hits)))
	switch len(hits) {
	case 0:
		return Resolution{Outcome: OutcomeNone}, nil
	case 1:
		return Resolution{Outcome: OutcomeSingle, IssueKey: hits[0].Issue.Key}, nil
	}
	cands := make([]domain.Candidate, len(hits))
	for i, h := range hits {
		cands[i] = domain.CandidateFrom(h.Issue, h.Score)
	}
	return Resolution{Outcome: OutcomeMultiple, Candidates: cands}, nil
}

// SelectCandidate interprets a choice: a 1-based ordinal within range or an
// issue key. A syntactically valid key outside the list is accepted and left
// to the consistency check.
func SelectCandidate(cands []domain.Candidate, input string) (string, bool) {
	input = strings.TrimSpace(input)
	if n, err := strconv.Atoi(input); err == nil {
		if n >= 1 && n <= len(cands) {
			return cands[n-1].Key, true
		}
		return "", false
	}
	if !tracker.ValidKey(input) {
		return "", false
	}
	for _, c := range cands {
		if strings.EqualFold(c.Key, input) {
			return c.Key, true
		}
	}
	return strings.ToUpper(input), true
}

package dialogue

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"issuedesk/internal/tracker"
)

var (
	affirmative = map[string]bool{"yes": true, "y": true, "예": true, "네": true, "승인": true, "ok": true, "approve": true}
	negative    = map[string]bool{"no": true, "n": true, "아니오": true, "취소": true, "reject": true}
	cancels     = []string{"취소", "그만", "됐어", "cancel", "never mind", "nevermind", "stop"}
)

func normalizeAnswer(s string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(s)), ".!?")
}

func IsAffirmative(s string) bool { return affirmative[normalizeAnswer(s)] }

func IsNegative(s string) bool { return negative[normalizeAnswer(s)] }

func isCancel(s string) bool {
	a := normalizeAnswer(s)
	for _, c := range cancels {
		if a == c || strings.HasPrefix(a, c+" ") {
			return true
		}
	}
	return false
}

func isOrdinal(s string) bool {
	_, err := strconv.Atoi(strings.TrimSpace(s))
	return err == nil
}

// Continuation decides whether input at a suspend point continues the
// pending task or abandons it for a new one.
type Continuation struct {
	Classifier Classifier
	Log        *zap.Logger
}

func NewContinuation(c Classifier, log *zap.Logger) *Continuation {
	if log == nil {
		log = zap.NewNop()
	}
	return &Continuation{Classifier: c, Log: log}
}

// Decide applies the decisive shortcuts of each stage before consulting the
// classifier. Classifier errors count as a continuation.
func (c *Continuation) Decide(ctx context.Context, s *Session, input string, approve *bool) Decision {
	switch s.Stage {
	case StageApprove:
		if approve != nil || IsAffirmative(input) || IsNegative(input) {
			return DecisionContinue
		}
		if len(s.Alternatives) > 0 && (isOrdinal(input) || tracker.ValidKey(strings.TrimSpace(input))) {
			return DecisionContinue
		}
	case StageCandidateChoice:
		if isOrdinal(input) || tracker.ValidKey(strings.TrimSpace(input)) {
			return DecisionContinue
		}
	}
	if strings.TrimSpace(input) == "" {
		return DecisionContinue
	}
	if isCancel(input) {
		return DecisionNewTask
	}
	d, err := c.Classifier.Continue(ctx, ContinueRequest{
		Utterance:  input,
		Stage:      s.Stage,
		Intent:     s.Intent,
		Slots:      s.Slots,
		Missing:    s.Missing,
		Candidates: len(s.Candidates),
		History:    s.History,
	})
	if err != nil {
		c.Log.Warn("continuation classifier failed; continuing", zap.Error(err))
		return DecisionContinue
	}
	return d
}

package dialogue

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"issuedesk/internal/domain"
)

// maxSteps bounds the non-suspending transitions of one turn.
const maxSteps = 16

// Turn is one user input.
type Turn struct {
	SessionID string
	Utterance string
	// Approve answers the approval gate directly, overriding the text.
	Approve *bool
}

// Reply is the observable outcome of a turn.
type Reply struct {
	SessionID     string             `json:"session_id"`
	TurnID        string             `json:"turn_id"`
	Stage         Stage              `json:"stage"`
	Intent        Intent             `json:"intent,omitempty"`
	Message       string             `json:"message"`
	MissingFields []SlotName         `json:"missing_fields,omitempty"`
	Candidates    []domain.Candidate `json:"candidates,omitempty"`
	Card          *Card              `json:"card,omitempty"`
	Result        *Result            `json:"result,omitempty"`
	Error         *ErrorInfo         `json:"error,omitempty"`
	Slots         Slots              `json:"slots"`
	Path          []Stage            `json:"path"`
}

// handler runs one stage and returns the next.
type handler func(c *Controller, ctx context.Context, t *turnState) Stage

// advance holds the stages the machine passes through without input;
// resume holds the suspend points, run when input arrives.
var (
	advance = map[Stage]handler{
		StageIdle:             (*Controller).onIdle,
		StageParsed:           (*Controller).onParsed,
		StageFindCandidates:   (*Controller).onFindCandidates,
		StageConsistencyCheck: (*Controller).onConsistencyCheck,
		StageExecute:          (*Controller).onExecute,
	}
	resume = map[Stage]handler{
		StageClarify:         (*Controller).onClarify,
		StageCandidateChoice: (*Controller).onCandidateChoice,
		StageApprove:         (*Controller).onApprove,
	}
)

func init() {
	for _, s := range AllStages {
		_, a := advance[s]
		_, r := resume[s]
		switch {
		case s == StageDone:
			if a || r {
				panic("dialogue: done must be terminal")
			}
		case s.Suspended() != r || a == r:
			panic(fmt.Sprintf("dialogue: stage %s has no single handler", s))
		}
	}
}

type turnState struct {
	sess      *Session
	input     string
	approve   *bool
	log       *zap.Logger
	reply     Reply
	path      []Stage
	cancelled bool
}

func (t *turnState) say(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if t.reply.Message == "" {
		t.reply.Message = msg
		return
	}
	t.reply.Message += "\n" + msg
}

func (t *turnState) fail(kind ErrorKind, field SlotName, detail string) {
	t.reply.Error = &ErrorInfo{Kind: kind, Field: field, Detail: detail}
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Store        SessionStore
	Extractor    *Extractor
	Continuation *Continuation
	Resolver     *Resolver
	Checker      *Checker
	Executor     *Executor
	Log          *zap.Logger
	// Strict re-raises panics instead of answering with an internal error.
	Strict bool
}

// Controller drives the dialogue state machine one turn at a time. Turns of
// the same session are serialized; distinct sessions run concurrently.
type Controller struct {
	Deps
	Now func() time.Time

	locks   keyedMutex
	entropy *ulid.MonotonicEntropy
	idMu    sync.Mutex
}

func NewController(d Deps) *Controller {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Controller{Deps: d, entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

func (c *Controller) turnID() string {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(c.now()), c.entropy).String()
}

// Session returns a snapshot of a stored session.
func (c *Controller) Session(ctx context.Context, id string) (*Session, bool, error) {
	return c.Store.Load(ctx, id)
}

// HandleTurn advances the session by one user input and returns the reply.
// It never returns an error: failures are reported in the reply.
func (c *Controller) HandleTurn(ctx context.Context, in Turn) (reply Reply) {
	if in.SessionID == "" {
		in.SessionID = uuid.NewString()
	}
	unlock := c.locks.Lock(in.SessionID)
	defer unlock()

	turnID := c.turnID()
	log := c.Log.With(zap.String("session", in.SessionID), zap.String("turn", turnID))
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if c.Strict {
			panic(r)
		}
		log.Error("turn panicked", zap.Any("panic", r), zap.Stack("stack"))
		reply = Reply{
			SessionID: in.SessionID,
			TurnID:    turnID,
			Stage:     StageDone,
			Message:   fmt.Sprintf("내부 오류가 발생했습니다 (session %s).", in.SessionID),
			Error:     &ErrorInfo{Kind: KindInternal, Detail: fmt.Sprint(r)},
		}
	}()

	sess, ok, err := c.Store.Load(ctx, in.SessionID)
	if err != nil {
		log.Error("session load failed", zap.Error(err))
		return Reply{
			SessionID: in.SessionID,
			TurnID:    turnID,
			Stage:     StageDone,
			Message:   "세션을 불러오지 못했습니다. 잠시 후 다시 시도해 주세요.",
			Error:     &ErrorInfo{Kind: KindInternal, Detail: err.Error()},
		}
	}
	if !ok {
		sess = NewSession(in.SessionID)
	}

	t := &turnState{sess: sess, input: strings.TrimSpace(in.Utterance), approve: in.Approve, log: log}
	c.run(ctx, t)

	t.reply.SessionID = sess.ID
	t.reply.TurnID = turnID
	t.reply.Intent = sess.Intent
	t.reply.Slots = sess.Slots
	t.reply.Path = t.path
	t.reply.Stage = sess.Stage
	switch sess.Stage {
	case StageClarify:
		t.reply.MissingFields = sess.Missing
	case StageCandidateChoice:
		t.reply.Candidates = sess.Candidates
	}
	if t.cancelled {
		sess.Reset()
		t.reply.Stage = StageDone
	}

	sess.Remember(in.Utterance, t.reply.Message)
	sess.UpdatedAt = c.now()
	if err := c.Store.Save(ctx, sess); err != nil {
		log.Error("session save failed", zap.Error(err))
	}
	log.Info("turn",
		zap.String("stage", string(t.reply.Stage)),
		zap.String("intent", string(t.reply.Intent)),
		zap.Any("path", t.path))
	return t.reply
}

func (c *Controller) run(ctx context.Context, t *turnState) {
	s := t.sess
	resuming := false
	switch {
	case s.Stage.Suspended():
		if c.Continuation.Decide(ctx, s, t.input, t.approve) == DecisionNewTask {
			t.log.Info("pending task abandoned", zap.String("stage", string(s.Stage)), zap.String("intent", string(s.Intent)))
			s.Reset()
		} else {
			resuming = true
		}
	case s.Stage == StageDone:
		if !s.Retryable {
			s.Reset()
		}
		s.Stage = StageIdle
	case !s.Stage.Valid():
		s.Reset()
	}

	for step := 0; ; step++ {
		if step >= maxSteps {
			panic(fmt.Sprintf("dialogue: no suspend point after %d steps (path %v)", maxSteps, t.path))
		}
		stage := s.Stage
		t.path = append(t.path, stage)
		var h handler
		switch {
		case resuming:
			h = resume[stage]
			resuming = false
		case stage.Suspended() || stage == StageDone:
			return
		default:
			h = advance[stage]
		}
		s.Stage = h(c, ctx, t)
	}
}

func (c *Controller) onIdle(ctx context.Context, t *turnState) Stage {
	s := t.sess
	s.Retryable = false
	if t.input == "" {
		s.Intent = IntentUnknown
		return StageParsed
	}
	ext := c.Extractor.Extract(ctx, ExtractRequest{Utterance: t.input, Prior: s.Slots, History: s.History})
	if ext.Err != nil {
		t.fail(KindExtraction, "", ext.Err.Error())
		t.say("요청을 이해하지 못했습니다.")
	}
	if ext.Intent != s.Intent {
		// A different operation starts from its own slots.
		s.Slots = Slots{}
	}
	s.Intent = ext.Intent
	s.Slots = s.Slots.Merge(ext.Slots)
	s.Request = t.input
	return StageParsed
}

func (c *Controller) onParsed(ctx context.Context, t *turnState) Stage {
	s := t.sess
	s.Missing = nil
	switch s.Intent {
	case IntentUnknown:
		t.say("%s", HelpText())
		return StageDone
	case IntentExplain:
		text, err := c.Extractor.Classifier.Explain(ctx, s.Slots.ExplainTopic)
		if err != nil || text == "" {
			t.log.Warn("explain failed", zap.Error(err))
			text = HelpText()
		}
		t.say("%s", text)
		return StageDone
	}
	if missing := Missing(s.Intent, s.Slots); len(missing) > 0 {
		s.Missing = missing
		t.say("%s", askFor(s.Intent, missing))
		return StageClarify
	}
	if NeedsResolution(s.Intent, s.Slots) {
		return StageFindCandidates
	}
	return StageConsistencyCheck
}

func (c *Controller) onClarify(ctx context.Context, t *turnState) Stage {
	s := t.sess
	ext := c.Extractor.Extract(ctx, ExtractRequest{
		Utterance: t.input,
		Prior:     s.Slots,
		History:   s.History,
		Pending:   &Pending{Intent: s.Intent, Missing: s.Missing},
	})
	if ext.Err != nil {
		t.fail(KindExtraction, "", ext.Err.Error())
	}
	s.Slots = s.Slots.Merge(ext.Slots)
	return StageParsed
}

func (c *Controller) onFindCandidates(ctx context.Context, t *turnState) Stage {
	s := t.sess
	res, err := c.Resolver.Resolve(ctx, s.Slots, s.Request)
	if err != nil {
		t.log.Warn("candidate search failed", zap.Error(err))
		s.Missing = []SlotName{SlotIssueKey}
		t.fail(KindOf(err), SlotIssueKey, err.Error())
		t.say("이슈를 검색하지 못했습니다. 이슈 키(예: KAN-12)를 알려주세요.")
		return StageClarify
	}
	switch res.Outcome {
	case OutcomeNone:
		s.Missing = []SlotName{SlotIssueKey}
		t.say("조건에 맞는 이슈를 찾지 못했습니다. 이슈 키(예: KAN-12)를 알려주세요.")
		return StageClarify
	case OutcomeSingle:
		s.Slots.IssueKey = res.IssueKey
		s.Alternatives = nil
		return StageConsistencyCheck
	}
	s.Candidates = res.Candidates
	var b strings.Builder
	b.WriteString("여러 이슈가 검색되었습니다. 번호나 이슈 키로 선택해 주세요:\n")
	writeCandidates(&b, res.Candidates)
	t.say("%s", strings.TrimRight(b.String(), "\n"))
	return StageCandidateChoice
}

func (c *Controller) onCandidateChoice(_ context.Context, t *turnState) Stage {
	s := t.sess
	key, ok := SelectCandidate(s.Candidates, t.input)
	if !ok {
		t.say("1부터 %d 사이의 번호나 이슈 키를 입력해 주세요.", len(s.Candidates))
		return StageCandidateChoice
	}
	s.Slots.IssueKey = key
	s.Alternatives = nil
	if s.Intent != IntentDelete {
		s.Alternatives = s.Candidates
	}
	s.Candidates = nil
	return StageConsistencyCheck
}

func (c *Controller) onConsistencyCheck(ctx context.Context, t *turnState) Stage {
	s := t.sess
	res := c.Checker.Check(ctx, s.Intent, s.Slots)
	if res.Kind != "" {
		t.fail(res.Kind, "", res.Detail)
		s.Retryable = res.Kind == KindTransport
		t.say("%s", failureMessage(res.Kind))
		return StageDone
	}
	s.Slots = res.Slots
	if !res.OK {
		s.Missing = []SlotName{res.Invalid}
		t.fail(KindValidation, res.Invalid, res.Reason)
		t.say("%s", res.Reason)
		t.say("%s", askFor(s.Intent, s.Missing))
		return StageClarify
	}
	if !s.Intent.Mutating() {
		return StageExecute
	}
	if s.Intent == IntentCreate {
		s.Slots = withSuggestedLabels(s.Slots)
	}
	card := BuildCard(s.Intent, s.Slots, s.Alternatives)
	t.reply.Card = &card
	s.Approved = false
	t.say("%s", card.Text())
	return StageApprove
}

func (c *Controller) onApprove(_ context.Context, t *turnState) Stage {
	s := t.sess
	v := Interpret(t.input, t.approve, s.Alternatives)
	switch v.Kind {
	case VerdictApproved:
		s.Approved = true
		return StageExecute
	case VerdictRejected:
		t.cancelled = true
		t.say("취소했습니다.")
		return StageDone
	case VerdictReselect:
		s.Slots.IssueKey = v.IssueKey
		return StageConsistencyCheck
	}
	t.say("실행하려면 yes, 취소하려면 no로 답해 주세요.")
	return StageApprove
}

func (c *Controller) onExecute(ctx context.Context, t *turnState) Stage {
	s := t.sess
	if s.Intent.Mutating() && !s.Approved {
		panic(fmt.Sprintf("dialogue: %s reached execute without approval", s.Intent))
	}
	res := c.Executor.Execute(ctx, s.Intent, s.Slots)
	s.Approved = false
	t.reply.Result = &res
	if !res.OK {
		s.Retryable = res.ErrorKind == KindTransport
		t.fail(res.ErrorKind, "", res.Detail)
		t.say("%s", failureMessage(res.ErrorKind))
		return StageDone
	}
	t.say("%s", resultMessage(s.Intent, res))
	return StageDone
}

var slotLabels = map[SlotName]string{
	SlotProjectKey:  "프로젝트 키",
	SlotSummary:     "제목",
	SlotDescription: "설명",
	SlotIssueType:   "이슈 유형",
	SlotPriority:    "우선순위",
	SlotAssignee:    "담당자",
	SlotIssueKey:    "이슈 키",
	SlotLabels:      "라벨",
	SlotDueDate:     "마감일",
	SlotKeyword:     "검색어",
	SlotStatus:      "상태",
	SlotChanges:     "변경할 내용(제목, 우선순위, 담당자, 상태 등)",
}

func askFor(intent Intent, missing []SlotName) string {
	labels := make([]string, len(missing))
	for i, n := range missing {
		labels[i] = slotLabels[n]
		if labels[i] == "" {
			labels[i] = string(n)
		}
	}
	return fmt.Sprintf("%s 요청에 %s 이(가) 필요합니다.", actionName(intent), strings.Join(labels, ", "))
}

func actionName(i Intent) string {
	if l, ok := actionLabels[i]; ok {
		return "이슈 " + l
	}
	return "이슈 검색"
}

func failureMessage(k ErrorKind) string {
	switch k {
	case KindPermission:
		return "권한이 없어 요청을 처리할 수 없습니다."
	case KindNotFound:
		return "대상 이슈를 찾을 수 없습니다."
	case KindValidation:
		return "트래커가 요청 값을 거부했습니다."
	default:
		return "트래커와 통신하지 못했습니다. 같은 요청을 다시 보내면 재시도합니다."
	}
}

func resultMessage(intent Intent, res Result) string {
	switch intent {
	case IntentSearch:
		if len(res.Hits) == 0 {
			return "검색 결과가 없습니다."
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%d개의 이슈를 찾았습니다:\n", len(res.Hits))
		for i, h := range res.Hits {
			fmt.Fprintf(&b, "  %d. %s %s [%s]\n", i+1, h.Issue.Key, h.Issue.Summary, h.Issue.Status)
		}
		return strings.TrimRight(b.String(), "\n")
	case IntentCreate:
		return fmt.Sprintf("%s 이슈를 생성했습니다.", res.IssueKey)
	case IntentUpdate:
		if res.Noop {
			return fmt.Sprintf("%s 에 변경할 내용이 없습니다.", res.IssueKey)
		}
		return fmt.Sprintf("%s 이슈를 수정했습니다 (%s).", res.IssueKey, strings.Join(res.Changed, ", "))
	case IntentDelete:
		return fmt.Sprintf("%s 이슈를 삭제했습니다.", res.IssueKey)
	}
	return ""
}

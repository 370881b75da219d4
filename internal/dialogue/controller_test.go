package dialogue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issuedesk/internal/db"
	"issuedesk/internal/dialogue"
	"issuedesk/internal/domain"
	"issuedesk/internal/embedding"
	"issuedesk/internal/index"
	"issuedesk/internal/migrate"
	"issuedesk/internal/tracker"
)

// flakyTracker fails writes while failWrites is positive.
type flakyTracker struct {
	tracker.Client
	mu         sync.Mutex
	failWrites int
	writes     int
}

func (f *flakyTracker) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.failWrites > 0 {
		f.failWrites--
		return fmt.Errorf("tracker unreachable: %w", tracker.ErrTransport)
	}
	return nil
}

func (f *flakyTracker) CreateIssue(ctx context.Context, o tracker.CreateIssueOptions) (string, error) {
	if err := f.fail(); err != nil {
		return "", err
	}
	return f.Client.CreateIssue(ctx, o)
}

func (f *flakyTracker) UpdateIssue(ctx context.Context, key string, d tracker.FieldDiff) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.Client.UpdateIssue(ctx, key, d)
}

func (f *flakyTracker) DeleteIssue(ctx context.Context, key string) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.Client.DeleteIssue(ctx, key)
}

type harness struct {
	ctx     context.Context
	ctrl    *dialogue.Controller
	local   *tracker.Local
	tracker *flakyTracker
	index   *index.SQLite
	store   *dialogue.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	ctx := context.Background()
	local := tracker.NewLocal(conn, nil)
	for _, key := range []string{"KAN", "HIN"} {
		_, err := local.InitProject(ctx, tracker.ProjectOptions{Key: key, IssueTypes: []string{"작업", "버그"}})
		require.NoError(t, err)
	}
	tr := &flakyTracker{Client: local}
	idx := index.NewSQLite(conn, embedding.NewHashing(256), nil)
	cat := dialogue.NewCatalog(tr, nil)
	cls := dialogue.NewRuleClassifier()
	store := dialogue.NewMemoryStore(64, time.Hour)
	ctrl := dialogue.NewController(dialogue.Deps{
		Store:        store,
		Extractor:    dialogue.NewExtractor(cls, cat, nil),
		Continuation: dialogue.NewContinuation(cls, nil),
		Resolver:     dialogue.NewResolver(idx, nil),
		Checker:      dialogue.NewChecker(cat, idx, tr, nil),
		Executor:     dialogue.NewExecutor(tr, idx, nil),
	})
	return &harness{ctx: ctx, ctrl: ctrl, local: local, tracker: tr, index: idx, store: store}
}

func (h *harness) seed(t *testing.T, project, typ, summary, priority string) string {
	t.Helper()
	key, err := h.local.CreateIssue(h.ctx, tracker.CreateIssueOptions{ProjectKey: project, Type: typ, Summary: summary, Priority: priority})
	require.NoError(t, err)
	is, err := h.local.GetIssue(h.ctx, key)
	require.NoError(t, err)
	require.NoError(t, h.index.Upsert(h.ctx, []domain.Issue{is}))
	return key
}

func (h *harness) say(session, text string) dialogue.Reply {
	return h.ctrl.HandleTurn(h.ctx, dialogue.Turn{SessionID: session, Utterance: text})
}

func TestCreateRequiresApprovalThenExecutes(t *testing.T) {
	h := newHarness(t)

	r := h.say("s1", "KAN 프로젝트에 로그인 버그 생성")
	require.Equal(t, dialogue.StageApprove, r.Stage, r.Message)
	assert.Equal(t, dialogue.IntentCreate, r.Intent)
	assert.Equal(t, []dialogue.Stage{dialogue.StageIdle, dialogue.StageParsed, dialogue.StageConsistencyCheck, dialogue.StageApprove}, r.Path)
	require.NotNil(t, r.Card)
	assert.Equal(t, dialogue.IntentCreate, r.Card.Action)
	assert.Equal(t, "KAN (버그)", r.Card.Target)
	assert.NotEmpty(t, r.TurnID)
	assert.Zero(t, h.tracker.writes, "nothing is written before approval")

	r = h.say("s1", "yes")
	require.Equal(t, dialogue.StageDone, r.Stage, r.Message)
	require.NotNil(t, r.Result)
	assert.True(t, r.Result.OK)
	assert.Equal(t, "KAN-1", r.Result.IssueKey)
	assert.True(t, r.Result.Indexed)

	is, err := h.local.GetIssue(h.ctx, "KAN-1")
	require.NoError(t, err)
	assert.Equal(t, "로그인 버그", is.Summary)
	assert.Equal(t, "버그", is.Type)
	n, err := h.index.Count(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r = h.say("s1", "KAN에서 로그인 찾아줘")
	assert.Equal(t, dialogue.IntentSearch, r.Intent)
	assert.Empty(t, r.Slots.Summary, "a finished task leaves no slots behind")
}

func TestCreateSuggestsLabelsOnTheCard(t *testing.T) {
	h := newHarness(t)

	r := h.say("s", "KAN 프로젝트에 결제 API 오류 생성")
	require.Equal(t, dialogue.StageApprove, r.Stage, r.Message)
	require.NotNil(t, r.Card)
	assert.Equal(t, "KAN (버그)", r.Card.Target)
	assert.Contains(t, r.Card.Fields, dialogue.CardField{Name: dialogue.SlotLabels, Value: "api, bug"})

	r = h.say("s", "yes")
	require.Equal(t, dialogue.StageDone, r.Stage, r.Message)
	is, err := h.local.GetIssue(h.ctx, r.Result.IssueKey)
	require.NoError(t, err)
	assert.Equal(t, "결제 API 오류", is.Summary)
	assert.ElementsMatch(t, []string{"api", "bug"}, is.Labels)
}

func TestInvalidProjectIsClarified(t *testing.T) {
	h := newHarness(t)

	r := h.say("s", "ZZZ 프로젝트에 로그인 버그 생성")
	require.Equal(t, dialogue.StageClarify, r.Stage, r.Message)
	assert.Equal(t, []dialogue.SlotName{dialogue.SlotProjectKey}, r.MissingFields)
	require.NotNil(t, r.Error)
	assert.Equal(t, dialogue.KindValidation, r.Error.Kind)
	assert.Contains(t, r.Message, "HIN, KAN")
	assert.Equal(t, "로그인 버그", r.Slots.Summary, "valid slots survive")

	r = h.say("s", "KAN")
	require.Equal(t, dialogue.StageApprove, r.Stage, r.Message)
	assert.Equal(t, "KAN", r.Slots.ProjectKey)
	assert.Equal(t, dialogue.StageClarify, r.Path[0])
}

func TestMissingFieldsAreAskedFor(t *testing.T) {
	h := newHarness(t)

	r := h.say("s", "이슈 생성해줘")
	require.Equal(t, dialogue.StageClarify, r.Stage, r.Message)
	assert.Equal(t, []dialogue.SlotName{dialogue.SlotProjectKey, dialogue.SlotSummary, dialogue.SlotIssueType}, r.MissingFields)

	r = h.say("s", "HIN, 결제 오류, 작업")
	require.Equal(t, dialogue.StageApprove, r.Stage, r.Message)
	assert.Equal(t, "HIN (작업)", r.Card.Target)
}

func TestSearchSkipsApproval(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "KAN", "버그", "로그인 버그", "High")
	h.seed(t, "KAN", "작업", "결제 모듈 정리", "Low")
	h.seed(t, "HIN", "버그", "로그인 세션 만료", "")

	r := h.say("s", "KAN에서 로그인 찾아줘")
	require.Equal(t, dialogue.StageDone, r.Stage, r.Message)
	assert.NotContains(t, r.Path, dialogue.StageApprove)
	require.NotNil(t, r.Result)
	require.NotEmpty(t, r.Result.Hits)
	assert.Equal(t, "KAN-1", r.Result.Hits[0].Issue.Key)
	for _, hit := range r.Result.Hits {
		assert.Equal(t, "KAN", hit.Issue.ProjectKey)
	}
}

func TestAmbiguousDeleteOffersCandidatesAndRejectionCancels(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "KAN", "버그", "로그인 버그", "High")
	h.seed(t, "KAN", "작업", "로그인 화면 개선", "")
	h.seed(t, "HIN", "버그", "로그인 세션 만료", "")

	r := h.say("s", "로그인 버그 삭제")
	require.Equal(t, dialogue.StageCandidateChoice, r.Stage, r.Message)
	require.GreaterOrEqual(t, len(r.Candidates), 2)
	first := r.Candidates[0].Key

	r = h.say("s", "9")
	assert.Equal(t, dialogue.StageCandidateChoice, r.Stage, "out of range choices reprompt")

	r = h.say("s", "1")
	require.Equal(t, dialogue.StageApprove, r.Stage, r.Message)
	assert.Equal(t, first, r.Slots.IssueKey)
	require.NotNil(t, r.Card)
	assert.Empty(t, r.Card.Alternatives, "delete cards offer no other candidates")

	r = h.say("s", "2")
	assert.Equal(t, dialogue.StageApprove, r.Stage)
	assert.Equal(t, first, r.Slots.IssueKey, "an ordinal cannot switch a delete target")

	r = h.say("s", "흠")
	assert.Equal(t, dialogue.StageApprove, r.Stage)
	assert.Nil(t, r.Card, "a reprompt does not repeat the card")

	r = h.say("s", "no")
	assert.Equal(t, dialogue.StageDone, r.Stage)
	assert.Zero(t, h.tracker.writes)
	_, err := h.local.GetIssue(h.ctx, first)
	assert.NoError(t, err, "rejected delete leaves the issue")

	sess, ok, err := h.ctrl.Session(h.ctx, "s")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, dialogue.StageIdle, sess.Stage)
	assert.True(t, sess.Slots.Empty())
}

func TestSingleCandidateIsSelectedAutomatically(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "KAN", "버그", "로그인 버그", "")
	key := h.seed(t, "HIN", "버그", "로그인 세션 만료", "")

	r := h.say("s", "HIN 로그인 삭제")
	require.Equal(t, dialogue.StageApprove, r.Stage, r.Message)
	assert.Contains(t, r.Path, dialogue.StageFindCandidates)
	assert.Equal(t, key, r.Card.Target)

	r = h.ctrl.HandleTurn(h.ctx, dialogue.Turn{SessionID: "s", Utterance: "", Approve: ptr(true)})
	require.Equal(t, dialogue.StageDone, r.Stage, r.Message)
	assert.True(t, r.Result.OK)
	_, err := h.local.GetIssue(h.ctx, key)
	assert.ErrorIs(t, err, tracker.ErrNotFound)
	hits, err := h.index.Search(h.ctx, "", index.Filter{IssueKey: key}, 1)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestApproveFlagCannotSkipTheGate(t *testing.T) {
	h := newHarness(t)
	key := h.seed(t, "KAN", "버그", "로그인 버그", "")

	r := h.ctrl.HandleTurn(h.ctx, dialogue.Turn{SessionID: "s", Utterance: key + " 삭제해줘", Approve: ptr(true)})
	require.Equal(t, dialogue.StageApprove, r.Stage, r.Message)
	assert.Zero(t, h.tracker.writes)
	_, err := h.local.GetIssue(h.ctx, key)
	assert.NoError(t, err)
}

func TestNewRequestAbandonsPendingTask(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "KAN", "버그", "로그인 버그", "")

	r := h.say("s", "삭제해줘")
	require.Equal(t, dialogue.StageClarify, r.Stage, r.Message)
	assert.Equal(t, []dialogue.SlotName{dialogue.SlotIssueKey}, r.MissingFields)

	r = h.say("s", "KAN에서 버그 찾아줘")
	require.Equal(t, dialogue.StageDone, r.Stage, r.Message)
	assert.Equal(t, dialogue.IntentSearch, r.Intent)
	assert.Equal(t, dialogue.StageIdle, r.Path[0])
	assert.Zero(t, h.tracker.writes)
}

func TestUpdateWithUnchangedValuesIsNoop(t *testing.T) {
	h := newHarness(t)
	key := h.seed(t, "KAN", "버그", "로그인 버그", "High")

	r := h.say("s", key+" 우선순위 높음으로 바꿔줘")
	require.Equal(t, dialogue.StageApprove, r.Stage, r.Message)
	assert.Equal(t, "High", r.Slots.Priority)

	r = h.say("s", "네")
	require.Equal(t, dialogue.StageDone, r.Stage, r.Message)
	assert.True(t, r.Result.Noop)
	assert.Zero(t, h.tracker.writes)
}

func TestUpdateWithoutChangesAsksForThem(t *testing.T) {
	h := newHarness(t)
	key := h.seed(t, "KAN", "버그", "로그인 버그", "High")

	r := h.say("s", key+" 수정해줘")
	require.Equal(t, dialogue.StageClarify, r.Stage, r.Message)
	assert.Equal(t, []dialogue.SlotName{dialogue.SlotChanges}, r.MissingFields)

	r = h.say("s", "우선순위 낮음")
	require.Equal(t, dialogue.StageApprove, r.Stage, r.Message)
	r = h.say("s", "yes")
	require.Equal(t, dialogue.StageDone, r.Stage, r.Message)
	assert.Equal(t, []string{"priority"}, r.Result.Changed)
	is, err := h.local.GetIssue(h.ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "Low", is.Priority)
}

func TestTransportFailureKeepsSlotsForRetry(t *testing.T) {
	h := newHarness(t)
	h.tracker.failWrites = 1

	h.say("s", "KAN 프로젝트에 로그인 버그 생성")
	r := h.say("s", "yes")
	require.Equal(t, dialogue.StageDone, r.Stage)
	require.NotNil(t, r.Error)
	assert.Equal(t, dialogue.KindTransport, r.Error.Kind)

	sess, _, err := h.ctrl.Session(h.ctx, "s")
	require.NoError(t, err)
	assert.True(t, sess.Retryable)
	assert.Equal(t, "로그인 버그", sess.Slots.Summary)

	r = h.say("s", "KAN 프로젝트에 로그인 버그 생성")
	require.Equal(t, dialogue.StageApprove, r.Stage, r.Message)
	r = h.say("s", "yes")
	require.Equal(t, dialogue.StageDone, r.Stage, r.Message)
	assert.True(t, r.Result.OK)
}

func TestUnknownAndExplainEndImmediately(t *testing.T) {
	h := newHarness(t)
	r := h.say("s", "안녕")
	assert.Equal(t, dialogue.StageDone, r.Stage)
	assert.Equal(t, dialogue.IntentUnknown, r.Intent)
	assert.Equal(t, dialogue.HelpText(), r.Message)

	r = h.say("s", "삭제는 어떻게 하는 방법이야?")
	assert.Equal(t, dialogue.StageDone, r.Stage)
	assert.Equal(t, dialogue.IntentExplain, r.Intent)
	assert.Contains(t, r.Message, "삭제")
}

type panicStore struct{ dialogue.SessionStore }

func (panicStore) Load(context.Context, string) (*dialogue.Session, bool, error) {
	panic("corrupt session")
}

func TestPanicsBecomeInternalErrors(t *testing.T) {
	ctrl := dialogue.NewController(dialogue.Deps{Store: panicStore{}})
	r := ctrl.HandleTurn(context.Background(), dialogue.Turn{SessionID: "p", Utterance: "x"})
	assert.Equal(t, dialogue.StageDone, r.Stage)
	require.NotNil(t, r.Error)
	assert.Equal(t, dialogue.KindInternal, r.Error.Kind)
	assert.Contains(t, r.Message, "p")

	strict := dialogue.NewController(dialogue.Deps{Store: panicStore{}, Strict: true})
	assert.Panics(t, func() {
		strict.HandleTurn(context.Background(), dialogue.Turn{SessionID: "p", Utterance: "x"})
	})
}

type failingStore struct{ dialogue.SessionStore }

func (failingStore) Load(context.Context, string) (*dialogue.Session, bool, error) {
	return nil, false, errors.New("disk gone")
}

func TestStoreFailureIsReported(t *testing.T) {
	ctrl := dialogue.NewController(dialogue.Deps{Store: failingStore{}})
	r := ctrl.HandleTurn(context.Background(), dialogue.Turn{Utterance: "x"})
	assert.NotEmpty(t, r.SessionID, "a session id is assigned")
	require.NotNil(t, r.Error)
	assert.Equal(t, dialogue.KindInternal, r.Error.Kind)
}

func TestSessionsRunConcurrently(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := h.say(fmt.Sprintf("s%d", i), "KAN 프로젝트에 로그인 버그 생성")
			assert.Equal(t, dialogue.StageApprove, r.Stage)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 8, h.store.Len())
}

func ptr[T any](v T) *T { return &v }

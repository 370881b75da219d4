package syncer_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issuedesk/internal/db"
	"issuedesk/internal/embedding"
	"issuedesk/internal/index"
	"issuedesk/internal/migrate"
	"issuedesk/internal/syncer"
	"issuedesk/internal/tracker"
)

type testEnv struct {
	Ctx    context.Context
	Local  *tracker.Local
	Index  *index.SQLite
	Syncer *syncer.Syncer
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	ctx := context.Background()
	local := tracker.NewLocal(conn, nil)
	for _, key := range []string{"KAN", "HIN", "OLD"} {
		_, err := local.InitProject(ctx, tracker.ProjectOptions{Key: key, IssueTypes: []string{"작업", "버그"}})
		require.NoError(t, err)
	}
	idx := index.NewSQLite(conn, embedding.NewHashing(128), nil)
	return testEnv{Ctx: ctx, Local: local, Index: idx, Syncer: syncer.New(local, idx, nil)}
}

func (e testEnv) create(t *testing.T, project, summary string) string {
	t.Helper()
	key, err := e.Local.CreateIssue(e.Ctx, tracker.CreateIssueOptions{ProjectKey: project, Type: "작업", Summary: summary})
	require.NoError(t, err)
	return key
}

func TestFullSyncIndexesActiveProjects(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "KAN", "로그인 버그")
	env.create(t, "KAN", "결제 모듈")
	env.create(t, "HIN", "세션 만료")
	env.create(t, "OLD", "옛 이슈")
	require.NoError(t, env.Local.SetProjectStatus(env.Ctx, "OLD", "archived"))

	rep, err := env.Syncer.Full(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Projects)
	assert.Equal(t, 3, rep.Issues)
	assert.Equal(t, []string{"OLD"}, rep.Skipped)

	n, err := env.Index.Count(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestEnsurePopulatedOnlyWhenEmpty(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "KAN", "로그인 버그")

	ran, err := env.Syncer.EnsurePopulated(env.Ctx)
	require.NoError(t, err)
	assert.True(t, ran)

	env.create(t, "KAN", "두 번째")
	ran, err = env.Syncer.EnsurePopulated(env.Ctx)
	require.NoError(t, err)
	assert.False(t, ran)

	n, err := env.Index.Count(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a populated index is left alone")
}

func TestApplyUpsertsAndDeletes(t *testing.T) {
	env := newTestEnv(t)
	key := env.create(t, "KAN", "로그인 버그")

	require.NoError(t, env.Syncer.Apply(env.Ctx, syncer.Event{Kind: syncer.Created, IssueKey: "kan-1"}))
	hits, err := env.Index.Search(env.Ctx, "로그인", index.Filter{IssueKey: key}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "로그인 버그", hits[0].Issue.Summary)

	summary := "로그인 버튼 버그"
	require.NoError(t, env.Local.UpdateIssue(env.Ctx, key, tracker.FieldDiff{Summary: &summary}))
	require.NoError(t, env.Syncer.Apply(env.Ctx, syncer.Event{Kind: syncer.Updated, IssueKey: key}))
	hits, err = env.Index.Search(env.Ctx, "로그인", index.Filter{IssueKey: key}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, summary, hits[0].Issue.Summary)

	require.NoError(t, env.Syncer.Apply(env.Ctx, syncer.Event{Kind: syncer.Deleted, IssueKey: key}))
	n, err := env.Index.Count(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestApplyUpdateOfMissingIssueUnindexes(t *testing.T) {
	env := newTestEnv(t)
	key := env.create(t, "KAN", "로그인 버그")
	require.NoError(t, env.Syncer.Apply(env.Ctx, syncer.Event{Kind: syncer.Created, IssueKey: key}))
	require.NoError(t, env.Local.DeleteIssue(env.Ctx, key))

	require.NoError(t, env.Syncer.Apply(env.Ctx, syncer.Event{Kind: syncer.Updated, IssueKey: key}))
	n, err := env.Index.Count(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestApplyRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	err := env.Syncer.Apply(env.Ctx, syncer.Event{Kind: syncer.Created, IssueKey: "nope"})
	assert.True(t, errors.Is(err, tracker.ErrValidation))

	err = env.Syncer.Apply(env.Ctx, syncer.Event{Kind: "moved", IssueKey: "KAN-1"})
	assert.True(t, errors.Is(err, syncer.ErrUnsupportedEvent))
}

func TestKindOf(t *testing.T) {
	cases := map[string]string{
		"issue.created":      syncer.Created,
		"jira:issue_updated": syncer.Updated,
		"ISSUE_DELETED":      syncer.Deleted,
	}
	for name, want := range cases {
		got, ok := syncer.KindOf(name)
		assert.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}
	_, ok := syncer.KindOf("comment_created")
	assert.False(t, ok)
}

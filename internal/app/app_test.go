package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issuedesk/internal/config"
	"issuedesk/internal/dialogue"
	"issuedesk/internal/tracker"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Tracker.Projects = []config.ProjectSeed{
		{Key: "KAN", IssueTypes: []string{"작업", "버그"}},
		{Key: "hin"},
	}
	return cfg
}

func TestBuildSeedsProjectsAndHandlesTurns(t *testing.T) {
	ctx := context.Background()
	a, err := Build(ctx, testConfig(), Options{Workspace: t.TempDir(), Sessions: SessionsSQLite}, nil)
	require.NoError(t, err)
	defer a.Close()

	projects, err := a.Projects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.IsType(t, &dialogue.SQLiteStore{}, a.Sessions)
	assert.Same(t, a.Local, a.Tracker)

	r := a.Controller.HandleTurn(ctx, dialogue.Turn{SessionID: "cli", Utterance: "KAN 프로젝트에 로그인 버그 생성"})
	require.Equal(t, dialogue.StageApprove, r.Stage, r.Message)
	r = a.Controller.HandleTurn(ctx, dialogue.Turn{SessionID: "cli", Utterance: "yes"})
	require.Equal(t, dialogue.StageDone, r.Stage, r.Message)
	require.NotNil(t, r.Result)
	assert.Equal(t, "KAN-1", r.Result.IssueKey)

	n, err := a.Index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "created issues reach the index")
}

func TestBuildIsRepeatableOnOneWorkspace(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()
	a, err := Build(ctx, testConfig(), Options{Workspace: ws, Sessions: SessionsSQLite}, nil)
	require.NoError(t, err)
	_, err = a.Local.CreateIssue(ctx, tracker.CreateIssueOptions{ProjectKey: "KAN", Type: "작업", Summary: "첫 이슈"})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	// the second start finds the seeds in place and backfills the empty index
	b, err := Build(ctx, testConfig(), Options{Workspace: ws}, nil)
	require.NoError(t, err)
	defer b.Close()
	projects, err := b.Projects(ctx)
	require.NoError(t, err)
	assert.Len(t, projects, 2)
	n, err := b.Index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.IsType(t, &dialogue.MemoryStore{}, b.Sessions)
}

func TestBuildRejectsUnknownProviders(t *testing.T) {
	cfg := config.Default()
	cfg.Embedding.Provider = "word2vec"
	_, err := Build(context.Background(), cfg, Options{Workspace: t.TempDir()}, nil)
	assert.Error(t, err)
}

package index_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issuedesk/internal/db"
	"issuedesk/internal/domain"
	"issuedesk/internal/embedding"
	"issuedesk/internal/index"
	"issuedesk/internal/migrate"
)

func newStore(t *testing.T) *index.SQLite {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return index.NewSQLite(conn, embedding.NewHashing(256), nil)
}

func seed() []domain.Issue {
	return []domain.Issue{
		{Key: "KAN-1", ProjectKey: "KAN", Type: "버그", Summary: "로그인 버그", Description: "로그인 버튼 오류", Priority: "High", Assignee: "kim", UpdatedAt: "2024-01-01T00:00:01Z"},
		{Key: "KAN-2", ProjectKey: "KAN", Type: "작업", Summary: "결제 모듈 정리", Priority: "Low", Assignee: "lee", UpdatedAt: "2024-01-01T00:00:02Z"},
		{Key: "HIN-1", ProjectKey: "HIN", Type: "버그", Summary: "로그인 세션 만료 버그", Priority: "High", Assignee: "kim", Labels: []string{"auth"}, UpdatedAt: "2024-01-01T00:00:03Z"},
	}
}

func TestUpsertSearchAndCount(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, seed()))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	hits, err := s.Search(ctx, "로그인 버그", index.Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "KAN-1", hits[0].Issue.Key)
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
	assert.GreaterOrEqual(t, hits[1].Score, hits[2].Score)
}

func TestSearchAppliesFilterAndLimit(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, seed()))

	hits, err := s.Search(ctx, "로그인", index.Filter{ProjectKey: "kan"}, 10)
	require.NoError(t, err)
	for _, h := range hits {
		assert.Equal(t, "KAN", h.Issue.ProjectKey)
	}
	assert.Len(t, hits, 2)

	hits, err = s.Search(ctx, "버그", index.Filter{Priority: "High", Assignee: "kim"}, 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = s.Search(ctx, "", index.Filter{IssueKey: "HIN-1"}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, []string{"auth"}, hits[0].Issue.Labels)
}

func TestUpsertReplacesAndDeleteIsIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, seed()))

	changed := seed()[0]
	changed.Summary = "로그인 버그 수정됨"
	require.NoError(t, s.Upsert(ctx, []domain.Issue{changed}))
	hits, err := s.Search(ctx, "", index.Filter{IssueKey: "KAN-1"}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "로그인 버그 수정됨", hits[0].Issue.Summary)

	require.NoError(t, s.Delete(ctx, "KAN-1"))
	require.NoError(t, s.Delete(ctx, "KAN-1"))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDocumentText(t *testing.T) {
	is := domain.Issue{ProjectKey: "KAN", Summary: "s", Description: "d"}
	assert.Equal(t, "KAN | s | d", index.DocumentText(is))
	is.Description = ""
	assert.Equal(t, "KAN | s", index.DocumentText(is))
}

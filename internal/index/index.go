// Package index is the entity store: a semantic index of tracker issues used
// for search and candidate disambiguation. It is a read-mostly replica of the
// tracker and may lag it.
package index

import (
	"context"
	"strings"

	"issuedesk/internal/domain"
)

// Filter narrows a search with equality matches. Empty fields match all.
type Filter struct {
	IssueKey   string
	ProjectKey string
	Priority   string
	IssueType  string
	Assignee   string
}

func (f Filter) Empty() bool {
	return f == Filter{}
}

// Hit is one ranked result.
type Hit struct {
	Issue domain.Issue `json:"issue"`
	Score float64      `json:"score"`
}

// Store is the contract the dialogue layer and syncer need.
type Store interface {
	Search(ctx context.Context, query string, f Filter, limit int) ([]Hit, error)
	Upsert(ctx context.Context, issues []domain.Issue) error
	Delete(ctx context.Context, key string) error
	Count(ctx context.Context) (int, error)
}

// DocumentText is the text embedded for an issue.
func DocumentText(is domain.Issue) string {
	parts := []string{is.ProjectKey, is.Summary}
	if is.Description != "" {
		parts = append(parts, is.Description)
	}
	return strings.Join(parts, " | ")
}

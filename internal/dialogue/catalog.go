package dialogue

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"issuedesk/internal/domain"
)

// CatalogSource lists the projects and issue types of the tracker.
type CatalogSource interface {
	ListProjects(ctx context.Context) ([]domain.Project, error)
	ListIssueTypes(ctx context.Context, projectKey string) ([]string, error)
}

// CatalogSnapshot is the set of valid project keys and their issue types.
type CatalogSnapshot struct {
	Projects []string            `json:"projects"`
	Types    map[string][]string `json:"types"`
}

// Project returns the canonical key matching key case-insensitively.
func (c CatalogSnapshot) Project(key string) (string, bool) {
	for _, p := range c.Projects {
		if strings.EqualFold(p, key) {
			return p, true
		}
	}
	return "", false
}

// TypesOf returns the issue types of one project, or the union of all
// projects when project is empty.
func (c CatalogSnapshot) TypesOf(project string) []string {
	if project != "" {
		if p, ok := c.Project(project); ok {
			return c.Types[p]
		}
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, p := range c.Projects {
		for _, t := range c.Types[p] {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// MatchType returns the canonical spelling of an issue type in project. It
// accepts the name ignoring case, spaces, hyphens and underscores, and the
// common aliases in typeAliases.
func (c CatalogSnapshot) MatchType(project, name string) (string, bool) {
	n := normType(name)
	if n == "" {
		return "", false
	}
	types := c.TypesOf(project)
	if t, ok := findType(types, n); ok {
		return t, true
	}
	for _, alias := range aliasesOf(n) {
		if t, ok := findType(types, alias); ok {
			return t, true
		}
	}
	return "", false
}

// ResolveType extends MatchType with containment and edit distance matching
// for values a user or model typed loosely ("review" for "Code Review").
func (c CatalogSnapshot) ResolveType(project, name string) (string, bool) {
	if t, ok := c.MatchType(project, name); ok {
		return t, true
	}
	n := []rune(normType(name))
	if len(n) == 0 {
		return "", false
	}
	types := c.TypesOf(project)
	best, bestScore := "", 0.0
	for _, t := range types {
		tn := []rune(normType(t))
		if len(tn) == 0 || !(strings.Contains(string(tn), string(n)) || strings.Contains(string(n), string(tn))) {
			continue
		}
		if score := float64(min(len(n), len(tn))) / float64(max(len(n), len(tn))); score > bestScore {
			best, bestScore = t, score
		}
	}
	if bestScore > 0.5 {
		return best, true
	}
	best, bestScore = "", 0.0
	for _, t := range types {
		tn := []rune(normType(t))
		longest := max(len(n), len(tn))
		score := 1 - float64(levenshtein(n, tn))/float64(longest)
		if score > 0.6 && score > bestScore {
			best, bestScore = t, score
		}
	}
	return best, best != ""
}

// typeAliases groups spellings of the same issue type. Entries are in
// normType form.
var typeAliases = [][]string{
	{"버그", "bug", "오류", "에러", "error"},
	{"에픽", "epic"},
	{"작업", "task", "태스크", "테스크"},
	{"스토리", "story", "사용자스토리", "userstory"},
	{"하위작업", "subtask", "하위태스크", "서브태스크", "서브작업"},
	{"웹가이드", "webguide", "가이드", "guide"},
	{"에이전트", "agent", "봇", "챗봇"},
	{"pdf분석", "pdf", "피디에프", "피디에프분석", "문서분석"},
	{"미팅", "meeting", "회의", "논의"},
	{"프론트엔드", "frontend", "프론트", "front", "fe"},
	{"백엔드", "backend", "back", "be"},
}

func aliasesOf(n string) []string {
	for _, group := range typeAliases {
		for _, a := range group {
			if a == n {
				return group
			}
		}
	}
	return nil
}

func findType(types []string, n string) (string, bool) {
	for _, t := range types {
		if normType(t) == n {
			return t, true
		}
	}
	return "", false
}

var typeNormalizer = strings.NewReplacer(" ", "", "-", "", "_", "")

func normType(s string) string {
	return typeNormalizer.Replace(strings.ToLower(strings.TrimSpace(s)))
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func (c CatalogSnapshot) Empty() bool { return len(c.Projects) == 0 }

// Catalog caches the tracker catalog for the process lifetime. Concurrent
// first loads share one request and a failed load is not cached.
type Catalog struct {
	source CatalogSource
	log    *zap.Logger

	mu    sync.RWMutex
	snap  *CatalogSnapshot
	group singleflight.Group
}

func NewCatalog(source CatalogSource, log *zap.Logger) *Catalog {
	if log == nil {
		log = zap.NewNop()
	}
	return &Catalog{source: source, log: log}
}

func (c *Catalog) Snapshot(ctx context.Context) (CatalogSnapshot, error) {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()
	if snap != nil {
		return *snap, nil
	}
	v, err, _ := c.group.Do("catalog", func() (any, error) {
		loaded, err := c.load(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.snap = &loaded
		c.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		c.log.Warn("catalog load failed", zap.Error(err))
		return CatalogSnapshot{}, err
	}
	return v.(CatalogSnapshot), nil
}

func (c *Catalog) load(ctx context.Context) (CatalogSnapshot, error) {
	projects, err := c.source.ListProjects(ctx)
	if err != nil {
		return CatalogSnapshot{}, err
	}
	snap := CatalogSnapshot{Types: make(map[string][]string, len(projects))}
	for _, p := range projects {
		if p.Status == domain.ProjectArchived {
			continue
		}
		types := p.IssueTypes
		if len(types) == 0 {
			types, err = c.source.ListIssueTypes(ctx, p.Key)
			if err != nil {
				return CatalogSnapshot{}, err
			}
		}
		snap.Projects = append(snap.Projects, p.Key)
		snap.Types[p.Key] = append([]string(nil), types...)
	}
	sort.Strings(snap.Projects)
	c.log.Debug("catalog loaded", zap.Int("projects", len(snap.Projects)))
	return snap, nil
}

package dialogue

import (
	"sort"
	"strings"
	"unicode"
)

// labelKeywords maps a label to the words that suggest it. ASCII keywords
// match whole words; the others match anywhere in the text.
var labelKeywords = map[string][]string{
	"bug":      {"bug", "에러", "오류", "예외", "exception", "error", "fix", "hotfix"},
	"api":      {"api", "endpoint", "rest", "graphql", "요청", "응답", "request", "response"},
	"ui":       {"ui", "ux", "화면", "버튼", "컴포넌트", "component", "layout", "design"},
	"backend":  {"서버", "server", "db", "database", "쿼리", "query", "service", "repository", "백엔드"},
	"frontend": {"프론트", "react", "vue", "angular", "클라이언트", "client"},
	"urgent":   {"긴급", "급함", "hotfix", "critical", "🔥", "asap"},
	"test":     {"테스트", "test", "unit", "integration", "e2e"},
	"docs":     {"문서", "documentation", "readme", "가이드", "guide"},
	"meeting":  {"미팅", "회의", "meeting", "논의", "discussion"},
	"ai":       {"에이전트", "agent", "llm", "gpt", "ai", "인공지능"},
	"pdf":      {"pdf", "피디에프", "파일"},
}

// SuggestLabels proposes labels from keywords in an issue's summary and
// description, sorted.
func SuggestLabels(summary, description string) []string {
	text := strings.ToLower(summary + " " + description)
	words := map[string]bool{}
	for _, w := range strings.FieldsFunc(text, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) }) {
		words[w] = true
	}
	var out []string
	for label, keywords := range labelKeywords {
		for _, kw := range keywords {
			if isASCII(kw) && words[kw] || !isASCII(kw) && strings.Contains(text, kw) {
				out = append(out, label)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// withSuggestedLabels adds the suggested labels of a create request to the
// ones the user gave.
func withSuggestedLabels(s Slots) Slots {
	suggested := SuggestLabels(s.Summary, s.Description)
	if len(suggested) == 0 {
		return s
	}
	s.Labels = dedupe(append(append([]string(nil), s.Labels...), suggested...))
	return s
}

package dialogue

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// RuleClassifier understands a fixed set of Korean and English phrasings
// without a model. It is used when no LLM is configured and in tests.
type RuleClassifier struct{}

func NewRuleClassifier() *RuleClassifier { return &RuleClassifier{} }

var (
	issueKeyRe       = regexp.MustCompile(`(?i)\b[a-z][a-z0-9_]*-[0-9]+\b`)
	dueDateRe        = regexp.MustCompile(`\b[0-9]{4}-[0-9]{2}-[0-9]{2}\b`)
	countRe          = regexp.MustCompile(`(?i)([0-9]+)\s*(?:개|건|issues?\b|results?\b)`)
	topRe            = regexp.MustCompile(`(?i)\b(?:top|first)\s*([0-9]+)\b`)
	projectPhraseRe  = regexp.MustCompile(`(?i)\b([a-z][a-z0-9_]*)\s*(?:프로젝트|project\b)`)
	projectPrefixRe  = regexp.MustCompile(`(?i)\bproject\s+([a-z][a-z0-9_]*)\b`)
	assigneeRe       = regexp.MustCompile(`(?i)(?:담당자|assignee)(?:는|를|가|:)?\s*(\S+)`)
	labelsRe         = regexp.MustCompile(`(?i)(?:라벨|레이블|labels?)(?:은|는|을|를|:)?\s*(\S+(?:\s*,\s*\S+)*)`)
	titleRe          = regexp.MustCompile(`(?:제목|요약)(?:을|를|은|는)?\s*(.+?)(?:으로|로)\s+(?:바꿔|변경|수정|해)`)
	titleEnRe        = regexp.MustCompile(`(?i)\b(?:title|summary)\s+to\s+"?([^"]+?)"?\s*$`)
	descriptionRe    = regexp.MustCompile(`(?:설명|내용)(?:을|를|은|는)?\s*(.+?)(?:으로|로)\s+(?:바꿔|변경|수정|해)`)
	priorityEnRe     = regexp.MustCompile(`(?i)\b(highest|high|medium|low|lowest)\b(?:\s+priority)?`)
	priorityKoRe     = regexp.MustCompile(`(?:우선순위(?:를|는|가)?\s*)?(긴급|높음|보통|중간|낮음)(?:으로|로)?`)
	statusEnRe       = regexp.MustCompile(`(?i)\b(to do|todo|in progress|done)\b`)
	statusKoRe       = regexp.MustCompile(`(?:상태(?:를|는|가)?\s*)?(해야 할 일|할 일|진행 ?중|완료)(?:으로|로)?`)
	statusPrefixRe   = regexp.MustCompile(`상태(?:를|는|가)?\s*`)
	priorityPrefixRe = regexp.MustCompile(`우선순위(?:를|는|가)?\s*`)
)

var intentMarkers = []struct {
	intent Intent
	words  []string
}{
	{IntentExplain, []string{"사용법", "방법", "어떻게", "도움말", "how to", "how do", "help"}},
	{IntentDelete, []string{"삭제", "지워", "지우", "제거", "delete", "remove"}},
	{IntentUpdate, []string{"수정", "변경", "바꿔", "바꾸", "update", "change", "rename", "assign"}},
	{IntentCreate, []string{"생성", "만들", "추가", "등록", "create", "add", "new", "open"}},
	{IntentSearch, []string{"찾아", "찾기", "검색", "조회", "보여", "목록", "리스트", "search", "find", "list", "show"}},
}

var stopwords = map[string]bool{
	"이슈": true, "이슈들": true, "이슈를": true, "이슈가": true, "이슈들을": true, "좀": true, "줘": true,
	"해줘": true, "해주세요": true, "주세요": true, "모든": true, "전부": true, "모두": true, "관련": true,
	"관련된": true, "있는": true, "하나": true, "새": true, "새로운": true, "please": true, "issue": true,
	"issues": true, "ticket": true, "the": true, "a": true, "an": true, "in": true, "for": true, "of": true,
	"to": true, "with": true, "all": true, "me": true, "my": true, "about": true, "called": true,
}

var statusAliases = map[string]string{
	"해야 할 일": "해야 할 일", "할 일": "해야 할 일", "to do": "해야 할 일", "todo": "해야 할 일",
	"진행 중": "진행 중", "진행중": "진행 중", "in progress": "진행 중",
	"완료": "완료", "done": "완료",
}

var koParticles = []string{"에서", "으로", "을", "를", "은", "는", "에"}

// detectIntent returns the first intent whose marker appears in text.
func detectIntent(text string) (Intent, bool) {
	lower := strings.ToLower(text)
	words := strings.FieldsFunc(lower, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != ' ' })
	joined := " " + strings.Join(words, " ") + " "
	for _, m := range intentMarkers {
		for _, w := range m.words {
			if isASCII(w) {
				if strings.Contains(joined, " "+w+" ") {
					return m.intent, true
				}
				continue
			}
			if strings.Contains(lower, w) {
				return m.intent, true
			}
		}
	}
	return IntentUnknown, false
}

func isVerb(tok string) bool {
	lower := strings.ToLower(tok)
	for _, m := range intentMarkers {
		for _, w := range m.words {
			if isASCII(w) {
				if lower == w {
					return true
				}
			} else if strings.HasPrefix(lower, w) {
				return true
			}
		}
	}
	return false
}

type ruleScan struct {
	slots    Slots
	residual []string
}

// scan pulls pattern slots out of text and returns the leftover words.
func scan(text string, intent Intent, cat CatalogSnapshot) ruleScan {
	var out ruleScan
	rest := text
	take := func(re *regexp.Regexp, fn func(m []string)) {
		if m := re.FindStringSubmatch(rest); m != nil {
			fn(m)
			rest = strings.Replace(rest, m[0], " ", 1)
		}
	}

	take(titleRe, func(m []string) { out.slots.Summary = m[1] })
	take(titleEnRe, func(m []string) { out.slots.Summary = m[1] })
	take(descriptionRe, func(m []string) { out.slots.Description = m[1] })
	take(issueKeyRe, func(m []string) { out.slots.IssueKey = m[0] })
	take(dueDateRe, func(m []string) { out.slots.DueDate = m[0] })
	take(assigneeRe, func(m []string) { out.slots.Assignee = trimSuffixes(m[1], "으로", "로", "에게", "님", "인") })
	take(labelsRe, func(m []string) { out.slots.Labels = splitLabels(m[1]) })
	take(countRe, func(m []string) { out.slots.Count, _ = strconv.Atoi(m[1]) })
	take(topRe, func(m []string) { out.slots.Count, _ = strconv.Atoi(m[1]) })
	take(priorityKoRe, func(m []string) { out.slots.Priority = m[1] })
	take(priorityEnRe, func(m []string) { out.slots.Priority = m[1] })
	if intent == IntentUpdate {
		take(statusKoRe, func(m []string) { out.slots.Status = statusAliases[strings.ReplaceAll(m[1], "진행중", "진행 중")] })
		take(statusEnRe, func(m []string) { out.slots.Status = statusAliases[strings.ToLower(m[1])] })
	}
	rest = statusPrefixRe.ReplaceAllString(rest, " ")
	rest = priorityPrefixRe.ReplaceAllString(rest, " ")

	phrase := ""
	take(projectPhraseRe, func(m []string) { phrase = m[1] })
	take(projectPrefixRe, func(m []string) { phrase = m[1] })
	if phrase != "" {
		if p, ok := cat.Project(phrase); ok {
			phrase = p
		}
		out.slots.ProjectKey = strings.ToUpper(phrase)
	}

	for _, tok := range strings.Fields(rest) {
		tok = strings.Trim(tok, ",.?!\"'")
		if tok == "" || isParticle(tok) || stopwords[strings.ToLower(tok)] || isVerb(tok) {
			continue
		}
		if strings.HasPrefix(tok, "프로젝트") {
			continue
		}
		if out.slots.ProjectKey == "" {
			if key, ok := projectToken(tok, cat); ok {
				out.slots.ProjectKey = key
				continue
			}
		}
		if t, ok := typeDesignation(tok, out.slots.ProjectKey, cat); ok {
			out.slots.IssueType = t
			continue
		}
		out.residual = append(out.residual, trimSuffixes(tok, koParticles...))
	}
	return out
}

// projectToken accepts KAN, KAN에서, kan의 and similar when KAN is a known
// project; without a catalog any upper-case word is taken.
func projectToken(tok string, cat CatalogSnapshot) (string, bool) {
	head, tail := leadingASCII(tok)
	if head == "" || (tail != "" && !isParticle(tail)) {
		return "", false
	}
	if cat.Empty() {
		if len(head) >= 2 && head == strings.ToUpper(head) && !isDigits(head) {
			return head, true
		}
		return "", false
	}
	return cat.Project(head)
}

// typeDesignation matches "버그로" style tokens naming the issue type.
func typeDesignation(tok, project string, cat CatalogSnapshot) (string, bool) {
	for _, p := range []string{"으로", "로"} {
		if base, ok := strings.CutSuffix(tok, p); ok && base != "" {
			if t, ok := matchAnyType(cat, project, base); ok {
				return t, true
			}
		}
	}
	return "", false
}

func (RuleClassifier) Extract(_ context.Context, req ExtractRequest) (RawExtraction, error) {
	text := strings.TrimSpace(req.Utterance)
	if req.Pending != nil {
		return extractPending(text, req), nil
	}
	intent, strong := detectIntent(text)
	sc := scan(text, intent, req.Catalog)
	slots := sc.slots
	residual := strings.Join(sc.residual, " ")

	switch intent {
	case IntentCreate:
		slots.Summary = firstNonEmpty(slots.Summary, residual)
		if slots.IssueType == "" {
			slots.IssueType, _ = bareType(sc.residual, slots.ProjectKey, req.Catalog)
		}
	case IntentSearch, IntentUpdate, IntentDelete:
		if slots.IssueKey == "" {
			slots.Keyword = residual
		}
	case IntentExplain:
		slots = Slots{ExplainTopic: text}
	}
	confidence := 0.8
	if !strong {
		confidence = 0.2
	}
	return RawExtraction{Intent: intent, Slots: slots, Confidence: confidence}, nil
}

func extractPending(text string, req ExtractRequest) RawExtraction {
	p := req.Pending
	out := RawExtraction{Intent: p.Intent, Confidence: 0.8}
	missing := make(map[SlotName]bool, len(p.Missing))
	for _, n := range p.Missing {
		missing[n] = true
	}

	// "KAN, 로그인 버그, 버그" answers several missing fields in order.
	if parts := splitLabels(text); len(p.Missing) > 1 && len(parts) > 1 {
		var s Slots
		for i, n := range p.Missing {
			if i < len(parts) && n != SlotChanges {
				s = s.With(n, parts[i])
			}
		}
		out.Slots = s
		return out
	}

	sc := scan(text, p.Intent, req.Catalog)
	s := sc.slots
	residual := strings.Join(sc.residual, " ")
	if s.IssueType == "" && missing[SlotIssueType] {
		var word string
		s.IssueType, word = bareType(sc.residual, firstNonEmpty(s.ProjectKey, req.Prior.ProjectKey), req.Catalog)
		if s.IssueType != "" {
			residual = strings.Join(strings.Fields(strings.Replace(residual, word, "", 1)), " ")
		}
	}
	if residual != "" {
		switch {
		case missing[SlotSummary] && s.Summary == "":
			s.Summary = residual
		case missing[SlotIssueKey] && s.IssueKey == "":
			s.Keyword = residual
		case len(p.Missing) == 1 && p.Missing[0] != SlotChanges && !s.Has(p.Missing[0]):
			s = s.With(p.Missing[0], residual)
		}
	}
	out.Slots = s
	return out
}

func (RuleClassifier) Continue(_ context.Context, req ContinueRequest) (Decision, error) {
	// Free text answers may contain verbs of other intents ("로그인 버그 수정").
	if len(req.Missing) == 1 && (req.Missing[0] == SlotSummary || req.Missing[0] == SlotDescription) {
		return DecisionContinue, nil
	}
	intent, strong := detectIntent(req.Utterance)
	if strong && intent != req.Intent && intent != IntentUnknown {
		return DecisionNewTask, nil
	}
	return DecisionContinue, nil
}

var ruleHelp = map[Intent]string{
	IntentSearch: "검색: \"KAN에서 로그인 버그 찾아줘\", \"담당자 minji인 이슈 5개 보여줘\"",
	IntentCreate: "생성: \"KAN 프로젝트에 로그인 버그 생성\". 프로젝트, 제목, 유형이 필요합니다.",
	IntentUpdate: "수정: \"KAN-3 우선순위 높음으로 바꿔줘\", \"KAN-3 제목을 결제 오류로 변경\"",
	IntentDelete: "삭제: \"KAN-3 삭제해줘\". 변경 작업은 모두 확인 후에 실행됩니다.",
}

// HelpText lists example requests for every operation.
func HelpText() string {
	var b strings.Builder
	b.WriteString("이슈를 검색, 생성, 수정, 삭제할 수 있습니다. 예시:\n")
	for _, i := range []Intent{IntentSearch, IntentCreate, IntentUpdate, IntentDelete} {
		b.WriteString("- " + ruleHelp[i] + "\n")
	}
	return strings.TrimSpace(b.String())
}

func (RuleClassifier) Explain(_ context.Context, topic string) (string, error) {
	lower := strings.ToLower(topic)
	for _, m := range intentMarkers[1:] {
		for _, w := range m.words {
			if strings.Contains(lower, w) {
				return ruleHelp[m.intent], nil
			}
		}
	}
	return HelpText(), nil
}

// bareType returns the first word naming an issue type, and the word itself.
func bareType(words []string, project string, cat CatalogSnapshot) (string, string) {
	for _, w := range words {
		if t, ok := matchAnyType(cat, project, w); ok {
			return t, w
		}
	}
	return "", ""
}

// matchAnyType falls back to every known type when project is not in the
// catalog; the consistency check rejects the project later.
func matchAnyType(cat CatalogSnapshot, project, name string) (string, bool) {
	if t, ok := cat.MatchType(project, name); ok {
		return t, true
	}
	if _, known := cat.Project(project); project != "" && !known {
		return cat.MatchType("", name)
	}
	return "", false
}

func leadingASCII(tok string) (string, string) {
	i := 0
	for i < len(tok) {
		c := tok[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' {
			i++
			continue
		}
		break
	}
	return tok[:i], tok[i:]
}

func isParticle(s string) bool {
	switch s {
	case "에서", "에", "의", "을", "를", "은", "는", "이", "가", "로", "으로":
		return true
	}
	return false
}

func trimSuffixes(s string, suffixes ...string) string {
	for _, suf := range suffixes {
		if base, ok := strings.CutSuffix(s, suf); ok && base != "" {
			return base
		}
	}
	return s
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

package dialogue

import (
	"fmt"
	"strings"

	"issuedesk/internal/domain"
)

// Card is the confirmation shown before a mutating operation runs.
type Card struct {
	Action       Intent             `json:"action"`
	Target       string             `json:"target"`
	Fields       []CardField        `json:"fields,omitempty"`
	Alternatives []domain.Candidate `json:"alternatives,omitempty"`
}

type CardField struct {
	Name  SlotName `json:"name"`
	Value string   `json:"value"`
}

var cardFields = map[Intent][]SlotName{
	IntentCreate: {SlotProjectKey, SlotIssueType, SlotSummary, SlotDescription, SlotPriority, SlotAssignee, SlotLabels, SlotDueDate},
	IntentUpdate: mutableFields,
}

// BuildCard lists the action, its target and every non-empty field. Delete
// cards never offer alternatives.
func BuildCard(intent Intent, s Slots, alternatives []domain.Candidate) Card {
	c := Card{Action: intent}
	if intent != IntentDelete {
		c.Alternatives = alternatives
	}
	switch intent {
	case IntentCreate:
		c.Target = fmt.Sprintf("%s (%s)", s.ProjectKey, s.IssueType)
	default:
		c.Target = s.IssueKey
	}
	for _, n := range cardFields[intent] {
		if s.Has(n) {
			c.Fields = append(c.Fields, CardField{Name: n, Value: s.Value(n)})
		}
	}
	return c
}

var actionLabels = map[Intent]string{
	IntentCreate: "생성",
	IntentUpdate: "수정",
	IntentDelete: "삭제",
}

// Text renders the card for chat clients.
func (c Card) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", actionLabels[c.Action], c.Target)
	for _, f := range c.Fields {
		fmt.Fprintf(&b, "  %s: %s\n", f.Name, f.Value)
	}
	if len(c.Alternatives) > 0 {
		b.WriteString("다른 후보를 고르려면 번호를 입력하세요:\n")
		writeCandidates(&b, c.Alternatives)
	}
	b.WriteString("실행할까요? (yes/no)")
	return b.String()
}

// VerdictKind is the interpretation of an answer at the approval gate.
type VerdictKind int

const (
	VerdictReprompt VerdictKind = iota
	VerdictApproved
	VerdictRejected
	VerdictReselect
)

type Verdict struct {
	Kind     VerdictKind
	IssueKey string
}

// Interpret reads an approval answer. An explicit flag wins over text, and a
// candidate choice against the alternatives switches the target.
func Interpret(input string, approve *bool, alternatives []domain.Candidate) Verdict {
	if approve != nil {
		if *approve {
			return Verdict{Kind: VerdictApproved}
		}
		return Verdict{Kind: VerdictRejected}
	}
	switch {
	case IsAffirmative(input):
		return Verdict{Kind: VerdictApproved}
	case IsNegative(input):
		return Verdict{Kind: VerdictRejected}
	}
	if len(alternatives) > 0 {
		if key, ok := SelectCandidate(alternatives, input); ok {
			return Verdict{Kind: VerdictReselect, IssueKey: key}
		}
	}
	return Verdict{Kind: VerdictReprompt}
}

func writeCandidates(b *strings.Builder, cands []domain.Candidate) {
	for i, c := range cands {
		fmt.Fprintf(b, "  %d. %s %s", i+1, c.Key, c.Summary)
		if c.Status != "" {
			fmt.Fprintf(b, " [%s]", c.Status)
		}
		b.WriteString("\n")
	}
}

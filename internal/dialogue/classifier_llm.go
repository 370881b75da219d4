package dialogue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"issuedesk/internal/llm"
)

const (
	extractTemperature  = 0.1
	continueTemperature = 0.1
	explainTemperature  = 0.7
	promptHistory       = 4
)

// LLMClassifier prompts a completion model with a JSON schema.
type LLMClassifier struct {
	LLM llm.Completer
}

func NewLLMClassifier(c llm.Completer) *LLMClassifier {
	return &LLMClassifier{LLM: c}
}

const extractSystem = `You extract issue tracker requests from user messages written in Korean or English.
Classify the intent as one of: search, create, update, delete, explain, unknown.
Only fill slots that the user actually stated; leave the others null. Never invent values.
project_key and issue_key are upper case (e.g. KAN, KAN-12). count is an integer.
labels is a list of strings. due_date uses YYYY-MM-DD.
For update requests put the new values in summary, description, priority, assignee, status, labels or due_date.
For search, update and delete requests that do not name an issue key, put the words describing the issue in keyword.
Examples:
"KAN 프로젝트에 로그인 버그 생성" -> {"intent":"create","slots":{"project_key":"KAN","summary":"로그인 버그","issue_type":"버그"}}
"KAN에서 버그 찾아줘" -> {"intent":"search","slots":{"project_key":"KAN","keyword":"버그"}}
"KAN-3 우선순위 높음으로 바꿔줘" -> {"intent":"update","slots":{"issue_key":"KAN-3","priority":"High"}}`

var slotSchema = &llm.Schema{Type: "object", Properties: map[string]*llm.Schema{
	"project_key":   {Type: "string"},
	"summary":       {Type: "string"},
	"description":   {Type: "string"},
	"issue_type":    {Type: "string"},
	"priority":      {Type: "string"},
	"assignee":      {Type: "string"},
	"issue_key":     {Type: "string"},
	"labels":        {Type: "array", Items: &llm.Schema{Type: "string"}},
	"due_date":      {Type: "string"},
	"keyword":       {Type: "string"},
	"count":         {Type: "integer"},
	"status":        {Type: "string"},
	"explain_topic": {Type: "string"},
}}

var extractSchema = &llm.Schema{
	Type:     "object",
	Required: []string{"intent", "slots"},
	Properties: map[string]*llm.Schema{
		"intent":     {Type: "string", Enum: intentNames()},
		"confidence": {Type: "number"},
		"slots":      slotSchema,
	},
}

var continueSchema = &llm.Schema{
	Type:     "object",
	Required: []string{"decision"},
	Properties: map[string]*llm.Schema{
		"decision": {Type: "string", Enum: []string{string(DecisionContinue), string(DecisionNewTask)}},
		"reason":   {Type: "string"},
	},
}

func intentNames() []string {
	out := make([]string, 0, len(AllIntents))
	for _, i := range AllIntents {
		out = append(out, string(i))
	}
	return out
}

func (c *LLMClassifier) Extract(ctx context.Context, req ExtractRequest) (RawExtraction, error) {
	var b strings.Builder
	writeCatalog(&b, req.Catalog)
	writeHistory(&b, req.History)
	if !req.Prior.Empty() {
		prior, _ := json.Marshal(req.Prior)
		fmt.Fprintf(&b, "Already known slots: %s\n", prior)
	}
	if req.Pending != nil {
		fmt.Fprintf(&b, "The user is answering a question about a pending %s request. The intent stays %q. Missing fields: %s.\n",
			req.Pending.Intent, req.Pending.Intent, joinSlots(req.Pending.Missing))
	}
	fmt.Fprintf(&b, "Message: %s\n", req.Utterance)

	out, err := c.LLM.Complete(ctx, llm.Request{
		System:      extractSystem,
		Prompt:      b.String(),
		Temperature: extractTemperature,
		Schema:      extractSchema,
	})
	if err != nil {
		return RawExtraction{}, err
	}
	var wire wireExtraction
	if err := json.Unmarshal([]byte(llm.StripFences(out)), &wire); err != nil {
		return RawExtraction{}, fmt.Errorf("decode extraction: %w", err)
	}
	return RawExtraction{
		Intent:     ParseIntent(strings.ToLower(strings.TrimSpace(wire.Intent))),
		Slots:      wire.Slots.slots(),
		Confidence: wire.Confidence,
	}, nil
}

const continueSystem = `A user is in the middle of an issue tracker task and was asked a question.
Decide whether the new message continues that task (answers the question, gives a missing value, picks a candidate, approves or refuses)
or starts a different request. Answer {"decision":"continue"} or {"decision":"new_task"}.`

func (c *LLMClassifier) Continue(ctx context.Context, req ContinueRequest) (Decision, error) {
	var b strings.Builder
	writeHistory(&b, req.History)
	slots, _ := json.Marshal(req.Slots)
	fmt.Fprintf(&b, "Pending task: %s at stage %s\nKnown slots: %s\n", req.Intent, req.Stage, slots)
	if len(req.Missing) > 0 {
		fmt.Fprintf(&b, "Asked for: %s\n", joinSlots(req.Missing))
	}
	if req.Candidates > 0 {
		fmt.Fprintf(&b, "Asked to choose one of %d candidates\n", req.Candidates)
	}
	fmt.Fprintf(&b, "New message: %s\n", req.Utterance)

	out, err := c.LLM.Complete(ctx, llm.Request{
		System:      continueSystem,
		Prompt:      b.String(),
		Temperature: continueTemperature,
		Schema:      continueSchema,
	})
	if err != nil {
		return "", err
	}
	var wire struct {
		Decision string `json:"decision"`
	}
	if err := json.Unmarshal([]byte(llm.StripFences(out)), &wire); err != nil {
		return "", fmt.Errorf("decode decision: %w", err)
	}
	switch Decision(strings.ToLower(strings.TrimSpace(wire.Decision))) {
	case DecisionNewTask:
		return DecisionNewTask, nil
	case DecisionContinue:
		return DecisionContinue, nil
	}
	return "", fmt.Errorf("unknown decision %q", wire.Decision)
}

const explainSystem = `You help people use a conversational issue tracker assistant.
It can search, create, update and delete issues. Every change is shown as a card and needs an explicit yes before it runs.
Answer briefly in the language of the question.`

func (c *LLMClassifier) Explain(ctx context.Context, topic string) (string, error) {
	if strings.TrimSpace(topic) == "" {
		topic = "how to use the assistant"
	}
	out, err := c.LLM.Complete(ctx, llm.Request{
		System:      explainSystem,
		Prompt:      topic,
		Temperature: explainTemperature,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func writeCatalog(b *strings.Builder, cat CatalogSnapshot) {
	if cat.Empty() {
		return
	}
	b.WriteString("Projects:\n")
	for _, p := range cat.Projects {
		fmt.Fprintf(b, "- %s (issue types: %s)\n", p, strings.Join(cat.Types[p], ", "))
	}
}

func writeHistory(b *strings.Builder, h []Exchange) {
	if len(h) > promptHistory {
		h = h[len(h)-promptHistory:]
	}
	if len(h) == 0 {
		return
	}
	b.WriteString("Recent conversation:\n")
	for _, e := range h {
		fmt.Fprintf(b, "user: %s\nassistant: %s\n", e.User, e.Response)
	}
}

func joinSlots(names []SlotName) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = string(n)
	}
	return strings.Join(parts, ", ")
}

type wireExtraction struct {
	Intent     string    `json:"intent"`
	Confidence float64   `json:"confidence"`
	Slots      wireSlots `json:"slots"`
}

type wireSlots struct {
	ProjectKey   *string     `json:"project_key"`
	Summary      *string     `json:"summary"`
	Description  *string     `json:"description"`
	IssueType    *string     `json:"issue_type"`
	Priority     *string     `json:"priority"`
	Assignee     *string     `json:"assignee"`
	IssueKey     *string     `json:"issue_key"`
	Labels       flexStrings `json:"labels"`
	DueDate      *string     `json:"due_date"`
	Keyword      *string     `json:"keyword"`
	Count        flexInt     `json:"count"`
	Status       *string     `json:"status"`
	ExplainTopic *string     `json:"explain_topic"`
}

func (w wireSlots) slots() Slots {
	s := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	return Slots{
		ProjectKey:   s(w.ProjectKey),
		Summary:      s(w.Summary),
		Description:  s(w.Description),
		IssueType:    s(w.IssueType),
		Priority:     s(w.Priority),
		Assignee:     s(w.Assignee),
		IssueKey:     s(w.IssueKey),
		Labels:       []string(w.Labels),
		DueDate:      s(w.DueDate),
		Keyword:      s(w.Keyword),
		Count:        int(w.Count),
		Status:       s(w.Status),
		ExplainTopic: s(w.ExplainTopic),
	}
}

// flexStrings accepts a list or a comma separated string.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*f = list
		return nil
	}
	var one string
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*f = splitLabels(one)
	return nil
}

// flexInt accepts a number or a numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexInt(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	*f = flexInt(v)
	return nil
}

package dialogue

import (
	"strconv"
	"strings"
)

// SlotName is a key of the fixed slot vocabulary.
type SlotName string

const (
	SlotProjectKey   SlotName = "project_key"
	SlotSummary      SlotName = "summary"
	SlotDescription  SlotName = "description"
	SlotIssueType    SlotName = "issue_type"
	SlotPriority     SlotName = "priority"
	SlotAssignee     SlotName = "assignee"
	SlotIssueKey     SlotName = "issue_key"
	SlotLabels       SlotName = "labels"
	SlotDueDate      SlotName = "due_date"
	SlotKeyword      SlotName = "keyword"
	SlotCount        SlotName = "count"
	SlotStatus       SlotName = "status"
	SlotExplainTopic SlotName = "explain_topic"

	// SlotChanges is reported missing when an update names no field to change.
	SlotChanges SlotName = "changes"
)

// Vocabulary is the slot order used for rendering and merging.
var Vocabulary = []SlotName{
	SlotProjectKey, SlotIssueKey, SlotIssueType, SlotSummary, SlotDescription, SlotPriority,
	SlotAssignee, SlotStatus, SlotLabels, SlotDueDate, SlotKeyword, SlotCount, SlotExplainTopic,
}

const maxCount = 50

// Slots holds the extracted parameters of the pending request. Empty values
// mean absent.
type Slots struct {
	ProjectKey   string   `json:"project_key,omitempty"`
	Summary      string   `json:"summary,omitempty"`
	Description  string   `json:"description,omitempty"`
	IssueType    string   `json:"issue_type,omitempty"`
	Priority     string   `json:"priority,omitempty"`
	Assignee     string   `json:"assignee,omitempty"`
	IssueKey     string   `json:"issue_key,omitempty"`
	Labels       []string `json:"labels,omitempty"`
	DueDate      string   `json:"due_date,omitempty"`
	Keyword      string   `json:"keyword,omitempty"`
	Count        int      `json:"count,omitempty"`
	Status       string   `json:"status,omitempty"`
	ExplainTopic string   `json:"explain_topic,omitempty"`
}

func (s *Slots) text(n SlotName) *string {
	switch n {
	case SlotProjectKey:
		return &s.ProjectKey
	case SlotSummary:
		return &s.Summary
	case SlotDescription:
		return &s.Description
	case SlotIssueType:
		return &s.IssueType
	case SlotPriority:
		return &s.Priority
	case SlotAssignee:
		return &s.Assignee
	case SlotIssueKey:
		return &s.IssueKey
	case SlotDueDate:
		return &s.DueDate
	case SlotKeyword:
		return &s.Keyword
	case SlotStatus:
		return &s.Status
	case SlotExplainTopic:
		return &s.ExplainTopic
	}
	return nil
}

func (s Slots) Has(n SlotName) bool {
	switch n {
	case SlotLabels:
		return len(s.Labels) > 0
	case SlotCount:
		return s.Count > 0
	}
	if p := s.text(n); p != nil {
		return *p != ""
	}
	return false
}

// Value renders a slot as text.
func (s Slots) Value(n SlotName) string {
	switch n {
	case SlotLabels:
		return strings.Join(s.Labels, ", ")
	case SlotCount:
		if s.Count == 0 {
			return ""
		}
		return strconv.Itoa(s.Count)
	}
	if p := s.text(n); p != nil {
		return *p
	}
	return ""
}

// With returns a copy with one slot set from text. Labels are comma separated.
func (s Slots) With(n SlotName, v string) Slots {
	v = strings.TrimSpace(v)
	switch n {
	case SlotLabels:
		s.Labels = splitLabels(v)
	case SlotCount:
		c, _ := strconv.Atoi(v)
		s.Count = c
	default:
		if p := s.text(n); p != nil {
			*p = v
		}
	}
	return s.Normalize()
}

// Without returns a copy with one slot cleared.
func (s Slots) Without(n SlotName) Slots {
	switch n {
	case SlotLabels:
		s.Labels = nil
	case SlotCount:
		s.Count = 0
	default:
		if p := s.text(n); p != nil {
			*p = ""
		}
	}
	return s
}

// Merge overlays next on s: slots present in next win, the rest are kept.
func (s Slots) Merge(next Slots) Slots {
	out := s
	out.Labels = append([]string(nil), s.Labels...)
	for _, n := range Vocabulary {
		if !next.Has(n) {
			continue
		}
		switch n {
		case SlotLabels:
			out.Labels = append([]string(nil), next.Labels...)
		case SlotCount:
			out.Count = next.Count
		default:
			*out.text(n) = *next.text(n)
		}
	}
	return out
}

// Present lists the filled slots in vocabulary order.
func (s Slots) Present() []SlotName {
	var out []SlotName
	for _, n := range Vocabulary {
		if s.Has(n) {
			out = append(out, n)
		}
	}
	return out
}

func (s Slots) Empty() bool {
	return len(s.Present()) == 0
}

// Normalize trims values, upper-cases keys and clamps count.
func (s Slots) Normalize() Slots {
	for _, n := range Vocabulary {
		if p := s.text(n); p != nil {
			*p = strings.TrimSpace(*p)
			if strings.EqualFold(*p, "null") || strings.EqualFold(*p, "none") {
				*p = ""
			}
		}
	}
	s.ProjectKey = strings.ToUpper(s.ProjectKey)
	s.IssueKey = strings.ToUpper(s.IssueKey)
	if p, ok := canonicalPriority(s.Priority); ok {
		s.Priority = p
	}
	if s.Count < 0 {
		s.Count = 0
	}
	if s.Count > maxCount {
		s.Count = maxCount
	}
	s.Labels = dedupe(s.Labels)
	return s
}

var priorityAliases = map[string]string{
	"highest": "Highest", "high": "High", "medium": "Medium", "low": "Low", "lowest": "Lowest",
	"긴급": "Highest", "높음": "High", "보통": "Medium", "중간": "Medium", "낮음": "Low",
}

func canonicalPriority(p string) (string, bool) {
	c, ok := priorityAliases[strings.ToLower(strings.TrimSpace(p))]
	return c, ok
}

func splitLabels(v string) []string {
	var out []string
	for _, l := range strings.Split(v, ",") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	var out []string
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

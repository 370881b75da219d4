package dialogue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMissingReportsRequiredSlotsInOrder(t *testing.T) {
	cases := []struct {
		name    string
		intent  Intent
		slots   Slots
		missing []SlotName
	}{
		{"create empty", IntentCreate, Slots{}, []SlotName{SlotProjectKey, SlotSummary, SlotIssueType}},
		{"create partial", IntentCreate, Slots{ProjectKey: "KAN"}, []SlotName{SlotSummary, SlotIssueType}},
		{"create complete", IntentCreate, Slots{ProjectKey: "KAN", Summary: "x", IssueType: "버그"}, nil},
		{"delete without anything", IntentDelete, Slots{}, []SlotName{SlotIssueKey}},
		{"delete by keyword", IntentDelete, Slots{Keyword: "로그인"}, nil},
		{"delete by key", IntentDelete, Slots{IssueKey: "KAN-1"}, nil},
		{"update without change", IntentUpdate, Slots{IssueKey: "KAN-1"}, []SlotName{SlotChanges}},
		{"update without target", IntentUpdate, Slots{Priority: "High"}, nil},
		{"update nothing", IntentUpdate, Slots{}, []SlotName{SlotIssueKey, SlotChanges}},
		{"update by keyword needs change", IntentUpdate, Slots{Keyword: "결제"}, []SlotName{SlotChanges}},
		{"search anything", IntentSearch, Slots{}, nil},
		{"explain", IntentExplain, Slots{}, nil},
		{"unknown", IntentUnknown, Slots{}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.missing, Missing(tc.intent, tc.slots))
		})
	}
}

func TestNeedsResolution(t *testing.T) {
	assert.True(t, NeedsResolution(IntentDelete, Slots{Keyword: "로그인"}))
	assert.True(t, NeedsResolution(IntentUpdate, Slots{ProjectKey: "KAN", Status: "완료"}))
	assert.False(t, NeedsResolution(IntentDelete, Slots{IssueKey: "KAN-1", Keyword: "x"}))
	assert.False(t, NeedsResolution(IntentDelete, Slots{}))
	assert.False(t, NeedsResolution(IntentSearch, Slots{Keyword: "x"}))
	assert.False(t, NeedsResolution(IntentCreate, Slots{ProjectKey: "KAN"}))
}

func TestSlotsMergeKeepsUnmentionedAndOverwritesMentioned(t *testing.T) {
	prior := Slots{ProjectKey: "KAN", Summary: "old", Labels: []string{"a"}}
	next := Slots{Summary: "new", Count: 5}
	merged := prior.Merge(next)

	assert.Equal(t, "KAN", merged.ProjectKey)
	assert.Equal(t, "new", merged.Summary)
	assert.Equal(t, []string{"a"}, merged.Labels)
	assert.Equal(t, 5, merged.Count)

	merged.Labels[0] = "changed"
	assert.Equal(t, "a", prior.Labels[0], "merge must not alias the prior labels")
}

func TestSlotsNormalize(t *testing.T) {
	s := Slots{ProjectKey: " kan ", IssueKey: "kan-3", Priority: "높음", Count: 99, Labels: []string{"x", " x", ""}, Summary: "null"}.Normalize()
	assert.Equal(t, "KAN", s.ProjectKey)
	assert.Equal(t, "KAN-3", s.IssueKey)
	assert.Equal(t, "High", s.Priority)
	assert.Equal(t, maxCount, s.Count)
	assert.Equal(t, []string{"x"}, s.Labels)
	assert.Empty(t, s.Summary)
}

func TestSlotsWithAndWithout(t *testing.T) {
	s := Slots{}.With(SlotLabels, "ui, auth").With(SlotCount, "3").With(SlotProjectKey, "hin")
	assert.Equal(t, []string{"ui", "auth"}, s.Labels)
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, "HIN", s.ProjectKey)
	assert.Equal(t, []SlotName{SlotProjectKey, SlotLabels, SlotCount}, s.Present())

	s = s.Without(SlotProjectKey).Without(SlotLabels)
	assert.False(t, s.Has(SlotProjectKey))
	assert.False(t, s.Has(SlotLabels))
	assert.Equal(t, "3", s.Value(SlotCount))
}

// Package dialogue is the conversational core: it turns utterances into
// validated issue operations, carrying partial progress across turns and
// never executing a change the user has not approved.
package dialogue

// Stage is a node of the dialogue state machine.
type Stage string

const (
	StageIdle             Stage = "idle"
	StageParsed           Stage = "parsed"
	StageClarify          Stage = "clarify"
	StageFindCandidates   Stage = "find_candidates"
	StageCandidateChoice  Stage = "candidate_choice"
	StageConsistencyCheck Stage = "consistency_check"
	StageApprove          Stage = "approve"
	StageExecute          Stage = "execute"
	StageDone             Stage = "done"
)

// AllStages lists every stage; the transition tables are checked against it.
var AllStages = []Stage{
	StageIdle, StageParsed, StageClarify, StageFindCandidates, StageCandidateChoice,
	StageConsistencyCheck, StageApprove, StageExecute, StageDone,
}

// Suspended reports whether the machine waits for user input at s.
func (s Stage) Suspended() bool {
	switch s {
	case StageClarify, StageCandidateChoice, StageApprove:
		return true
	}
	return false
}

func (s Stage) Valid() bool {
	for _, v := range AllStages {
		if v == s {
			return true
		}
	}
	return false
}

// Intent is the operation the user asked for.
type Intent string

const (
	IntentSearch  Intent = "search"
	IntentCreate  Intent = "create"
	IntentUpdate  Intent = "update"
	IntentDelete  Intent = "delete"
	IntentExplain Intent = "explain"
	IntentUnknown Intent = "unknown"
)

var AllIntents = []Intent{IntentSearch, IntentCreate, IntentUpdate, IntentDelete, IntentExplain, IntentUnknown}

// Mutating intents always pass through the approval gate.
func (i Intent) Mutating() bool {
	return i == IntentCreate || i == IntentUpdate || i == IntentDelete
}

// Targeted intents act on one existing issue.
func (i Intent) Targeted() bool {
	return i == IntentUpdate || i == IntentDelete
}

// ParseIntent maps free-form labels onto the closed set.
func ParseIntent(s string) Intent {
	for _, v := range AllIntents {
		if string(v) == s {
			return v
		}
	}
	return IntentUnknown
}

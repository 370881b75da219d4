package dialogue

import "context"

// Classifier understands natural language. It is a strategy: an LLM backed
// implementation and a deterministic rule based one are provided.
type Classifier interface {
	// Extract classifies the intent of an utterance and pulls out slots.
	Extract(ctx context.Context, req ExtractRequest) (RawExtraction, error)
	// Continue decides whether input at a suspend point belongs to the
	// pending task.
	Continue(ctx context.Context, req ContinueRequest) (Decision, error)
	// Explain answers a usage question.
	Explain(ctx context.Context, topic string) (string, error)
}

// Pending describes the suspended task when extraction fills missing fields.
type Pending struct {
	Intent  Intent
	Missing []SlotName
}

type ExtractRequest struct {
	Utterance string
	Prior     Slots
	History   []Exchange
	Catalog   CatalogSnapshot
	Pending   *Pending
}

type RawExtraction struct {
	Intent     Intent
	Slots      Slots
	Confidence float64
}

type ContinueRequest struct {
	Utterance  string
	Stage      Stage
	Intent     Intent
	Slots      Slots
	Missing    []SlotName
	Candidates int
	History    []Exchange
}

// Decision is the outcome of continuation classification.
type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionNewTask  Decision = "new_task"
)

package dialogue

// SlotSchema is the static requirement table entry of one intent.
type SlotSchema struct {
	Required []SlotName
	Optional []SlotName
	// Resolvable intents may obtain issue_key through candidate resolution.
	Resolvable bool
	// NeedsChange intents require at least one optional field.
	NeedsChange bool
}

var mutableFields = []SlotName{SlotSummary, SlotDescription, SlotPriority, SlotAssignee, SlotLabels, SlotDueDate, SlotStatus}

var searchCriteria = []SlotName{SlotProjectKey, SlotKeyword, SlotAssignee, SlotPriority, SlotIssueType}

var schemas = map[Intent]SlotSchema{
	IntentCreate: {
		Required: []SlotName{SlotProjectKey, SlotSummary, SlotIssueType},
		Optional: []SlotName{SlotDescription, SlotPriority, SlotAssignee, SlotLabels, SlotDueDate},
	},
	IntentUpdate: {
		Required:    []SlotName{SlotIssueKey},
		Optional:    mutableFields,
		Resolvable:  true,
		NeedsChange: true,
	},
	IntentDelete: {
		Required:   []SlotName{SlotIssueKey},
		Resolvable: true,
	},
	IntentSearch: {
		Optional: []SlotName{SlotProjectKey, SlotKeyword, SlotAssignee, SlotPriority, SlotIssueType, SlotCount},
	},
	IntentExplain: {
		Optional: []SlotName{SlotExplainTopic},
	},
}

// SchemaFor returns the schema of an intent; unknown has none.
func SchemaFor(i Intent) (SlotSchema, bool) {
	s, ok := schemas[i]
	return s, ok
}

// Missing lists the slots the intent still needs, in schema order. It is a
// pure function of its inputs.
func Missing(intent Intent, s Slots) []SlotName {
	schema, ok := schemas[intent]
	if !ok {
		return nil
	}
	var out []SlotName
	for _, n := range schema.Required {
		if s.Has(n) {
			continue
		}
		if n == SlotIssueKey && schema.Resolvable && HasSearchCriteria(s) {
			continue
		}
		out = append(out, n)
	}
	if schema.NeedsChange && !anyOf(s, schema.Optional) {
		out = append(out, SlotChanges)
	}
	return out
}

// NeedsResolution reports that the target must be found through the index:
// a targeted intent without issue_key but with something to search by.
func NeedsResolution(intent Intent, s Slots) bool {
	schema, ok := schemas[intent]
	return ok && schema.Resolvable && !s.Has(SlotIssueKey) && HasSearchCriteria(s)
}

func HasSearchCriteria(s Slots) bool {
	return anyOf(s, searchCriteria)
}

// ChangedFields lists the mutable slots present, for update cards and diffs.
func ChangedFields(s Slots) []SlotName {
	var out []SlotName
	for _, n := range mutableFields {
		if s.Has(n) {
			out = append(out, n)
		}
	}
	return out
}

func anyOf(s Slots, names []SlotName) bool {
	for _, n := range names {
		if s.Has(n) {
			return true
		}
	}
	return false
}

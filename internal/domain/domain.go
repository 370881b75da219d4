package domain

// Project is a tracker project. Key is the short uppercase prefix used in
// issue keys (KAN in KAN-12).
type Project struct {
	Key         string   `json:"key"`
	Name        string   `json:"name"`
	Status      string   `json:"status" enum:"active,archived"`
	Description string   `json:"description,omitempty"`
	IssueTypes  []string `json:"issue_types,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

const (
	ProjectActive   = "active"
	ProjectArchived = "archived"
)

// Issue is the tracker's view of a work item and the unit stored in the
// entity index.
type Issue struct {
	Key         string   `json:"key"`
	ProjectKey  string   `json:"project_key"`
	Type        string   `json:"issue_type"`
	Summary     string   `json:"summary"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status"`
	Priority    string   `json:"priority,omitempty"`
	Assignee    string   `json:"assignee,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	DueDate     string   `json:"due_date,omitempty"`
	CreatedAt   string   `json:"created_at,omitempty" format:"date-time"`
	UpdatedAt   string   `json:"updated_at,omitempty" format:"date-time"`
}

// Candidate is a read-only projection of an index hit shown to the user when
// a reference is ambiguous.
type Candidate struct {
	Key        string  `json:"key"`
	Summary    string  `json:"summary"`
	ProjectKey string  `json:"project_key"`
	Status     string  `json:"status,omitempty"`
	Priority   string  `json:"priority,omitempty"`
	Assignee   string  `json:"assignee,omitempty"`
	Score      float64 `json:"score"`
}

// CandidateFrom projects an issue into a candidate summary.
func CandidateFrom(is Issue, score float64) Candidate {
	return Candidate{
		Key:        is.Key,
		Summary:    is.Summary,
		ProjectKey: is.ProjectKey,
		Status:     is.Status,
		Priority:   is.Priority,
		Assignee:   is.Assignee,
		Score:      score,
	}
}

// Event is an append-only record of a change made through the local tracker.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectKey string `json:"project_key,omitempty"`
	IssueKey   string `json:"issue_key,omitempty"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload,omitempty"`
}

const (
	EventIssueCreated = "issue.created"
	EventIssueUpdated = "issue.updated"
	EventIssueDeleted = "issue.deleted"
	EventProjectInit  = "project.init"
)

// APIKey authorizes a service client against the HTTP API. Only the hash of
// the key is stored.
type APIKey struct {
	ID        string `json:"id"`
	Client    string `json:"client"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

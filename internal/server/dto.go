package server

import (
	"time"

	"issuedesk/internal/dialogue"
	"issuedesk/internal/domain"
)

// Request payloads

type ChatRequest struct {
	SessionID string `json:"session_id,omitempty" doc:"Conversation to continue; a new one is started when empty"`
	Message   string `json:"message" minLength:"1" example:"KAN 프로젝트에 로그인 버그 생성"`
	Approve   *bool  `json:"approve,omitempty" doc:"Explicit answer to a pending approval card"`
}

// WebhookRequest accepts both Jira webhook bodies (webhookEvent, issue.key)
// and the flat shape of the local event log (type, issue_key).
type WebhookRequest struct {
	_            struct{}      `json:"-" additionalProperties:"true"`
	WebhookEvent string        `json:"webhookEvent,omitempty" example:"jira:issue_updated"`
	Type         string        `json:"type,omitempty" example:"issue.updated"`
	IssueKey     string        `json:"issue_key,omitempty" example:"KAN-1"`
	Issue        *WebhookIssue `json:"issue,omitempty"`
}

type WebhookIssue struct {
	_   struct{} `json:"-" additionalProperties:"true"`
	Key string   `json:"key"`
}

func (r WebhookRequest) event() string {
	if r.WebhookEvent != "" {
		return r.WebhookEvent
	}
	return r.Type
}

func (r WebhookRequest) key() string {
	if r.Issue != nil && r.Issue.Key != "" {
		return r.Issue.Key
	}
	return r.IssueKey
}

// Response payloads

type WebhookResponse struct {
	Status   string `json:"status" enum:"applied,ignored"`
	Kind     string `json:"kind,omitempty"`
	IssueKey string `json:"issue_key,omitempty"`
}

// SessionView is the externally visible part of a session.
type SessionView struct {
	ID         string              `json:"id"`
	Stage      dialogue.Stage      `json:"stage"`
	Intent     dialogue.Intent     `json:"intent,omitempty"`
	Slots      dialogue.Slots      `json:"slots"`
	Missing    []dialogue.SlotName `json:"missing,omitempty"`
	Candidates []domain.Candidate  `json:"candidates,omitempty"`
	History    []dialogue.Exchange `json:"history,omitempty"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

func viewOf(s *dialogue.Session) SessionView {
	return SessionView{
		ID:         s.ID,
		Stage:      s.Stage,
		Intent:     s.Intent,
		Slots:      s.Slots,
		Missing:    s.Missing,
		Candidates: s.Candidates,
		History:    s.History,
		UpdatedAt:  s.UpdatedAt,
	}
}

package server

import (
	"stateline/internal/domain"
	"stateline/internal/engine"
)

// Request payloads

type CreateStateRequest struct {
	Name           string   `json:"name" minLength:"1" maxLength:"255"`
	Description    string   `json:"description,omitempty"`
	Color          string   `json:"color" minLength:"1" maxLength:"255"`
	Group          string   `json:"group,omitempty" enum:"backlog,unstarted,started,completed,cancelled,triage"`
	Sequence       *float64 `json:"sequence,omitempty"`
	Default        bool     `json:"default,omitempty"`
	ExternalSource *string  `json:"external_source,omitempty"`
	ExternalID     *string  `json:"external_id,omitempty"`
}

type UpdateStateRequest struct {
	Name           *string  `json:"name,omitempty" minLength:"1" maxLength:"255"`
	Description    *string  `json:"description,omitempty"`
	Color          *string  `json:"color,omitempty"`
	Group          *string  `json:"group,omitempty" enum:"backlog,unstarted,started,completed,cancelled,triage"`
	Sequence       *float64 `json:"sequence,omitempty"`
	ExternalSource *string  `json:"external_source,omitempty"`
	ExternalID     *string  `json:"external_id,omitempty"`
}

type CreateTransitionRequest struct {
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	IsAllowed *bool  `json:"is_allowed,omitempty"`
}

type UpdateTransitionRequest struct {
	IsAllowed bool `json:"is_allowed"`
}

type GrantMemberRequest struct {
	Role string `json:"role" example:"member" doc:"guest, viewer, member, admin or the numeric value"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" example:"member"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type StateList struct {
	Items []domain.State `json:"items"`
}

type TransitionList struct {
	Items []domain.StateTransition `json:"items"`
}

type RecordPage struct {
	Items      []map[string]any `json:"items"`
	NextOffset *int             `json:"next_offset,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type MemberList struct {
	Items []domain.Member `json:"items"`
}

type APIKeyList struct {
	Items []domain.APIKey `json:"items"`
}

type CreatedAPIKey struct {
	Key domain.APIKey `json:"key"`
	// Secret is shown once; only its hash is stored.
	Secret string `json:"secret"`
}

type WhoAmIResponse struct {
	ActorID   string `json:"actor_id"`
	Workspace string `json:"workspace"`
	Role      string `json:"role"`
	Source    string `json:"source"`
}

func (r CreateStateRequest) input(workspace, projectID string) engine.StateInput {
	return engine.StateInput{
		Workspace:      workspace,
		ProjectID:      projectID,
		Name:           r.Name,
		Description:    r.Description,
		Color:          r.Color,
		Group:          domain.StateGroup(r.Group),
		Sequence:       r.Sequence,
		IsDefault:      r.Default,
		ExternalSource: r.ExternalSource,
		ExternalID:     r.ExternalID,
	}
}

func (r UpdateStateRequest) patch() engine.StatePatch {
	p := engine.StatePatch{
		Name:           r.Name,
		Description:    r.Description,
		Color:          r.Color,
		Sequence:       r.Sequence,
		ExternalSource: r.ExternalSource,
		ExternalID:     r.ExternalID,
	}
	if r.Group != nil {
		g := domain.StateGroup(*r.Group)
		p.Group = &g
	}
	return p
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

package domain

import "time"

type StateGroup string

const (
	GroupBacklog   StateGroup = "backlog"
	GroupUnstarted StateGroup = "unstarted"
	GroupStarted   StateGroup = "started"
	GroupCompleted StateGroup = "completed"
	GroupCancelled StateGroup = "cancelled"
	GroupTriage    StateGroup = "triage"
)

var StateGroups = []StateGroup{GroupBacklog, GroupUnstarted, GroupStarted, GroupCompleted, GroupCancelled, GroupTriage}

func (g StateGroup) Valid() bool {
	for _, v := range StateGroups {
		if v == g {
			return true
		}
	}
	return false
}

// Audit carries the bookkeeping columns shared by every soft-deletable row.
type Audit struct {
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	CreatedBy string     `json:"created_by"`
	UpdatedBy string     `json:"updated_by"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

type State struct {
	ID             string     `json:"id"`
	Workspace      string     `json:"workspace"`
	ProjectID      string     `json:"project_id"`
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	Color          string     `json:"color"`
	Slug           string     `json:"slug"`
	Sequence       float64    `json:"sequence"`
	Group          StateGroup `json:"group" enum:"backlog,unstarted,started,completed,cancelled,triage"`
	IsTriage       bool       `json:"is_triage"`
	IsDefault      bool       `json:"default"`
	ExternalSource *string    `json:"external_source,omitempty"`
	ExternalID     *string    `json:"external_id,omitempty"`
	Audit
}

type StateTransition struct {
	ID          string `json:"id"`
	Workspace   string `json:"workspace"`
	ProjectID   string `json:"project_id"`
	FromStateID string `json:"from_state"`
	ToStateID   string `json:"to_state"`
	IsAllowed   bool   `json:"is_allowed"`
	Audit
}

// DefaultState is one entry of the workflow every new project starts with.
type DefaultState struct {
	Name      string
	Color     string
	Sequence  float64
	Group     StateGroup
	IsDefault bool
}

var DefaultStates = []DefaultState{
	{Name: "Backlog", Color: "#60646C", Sequence: 15000, Group: GroupBacklog, IsDefault: true},
	{Name: "Todo", Color: "#60646C", Sequence: 25000, Group: GroupUnstarted},
	{Name: "In Progress", Color: "#F59E0B", Sequence: 35000, Group: GroupStarted},
	{Name: "Done", Color: "#46A758", Sequence: 45000, Group: GroupCompleted},
	{Name: "Cancelled", Color: "#9AA4BC", Sequence: 55000, Group: GroupCancelled},
	{Name: "Triage", Color: "#4E5355", Sequence: 65000, Group: GroupTriage},
}

type Event struct {
	ID         string `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Workspace  string `json:"workspace"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Workspace string `json:"workspace"`
	Role      int    `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Member is an actor's role inside a workspace.
type Member struct {
	Workspace string `json:"workspace"`
	ActorID   string `json:"actor_id"`
	Role      int    `json:"role"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

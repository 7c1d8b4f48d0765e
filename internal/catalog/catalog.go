// Package catalog declares every soft-deletable resource as a store.Schema.
// Adding a resource means adding a descriptor here and a table migration.
package catalog

import (
	"fmt"

	"stateline/internal/store"
)

const (
	State              = "state"
	StateTransition    = "state_transition"
	Team               = "team"
	TeamMember         = "team_member"
	TeamProject        = "team_project"
	IssueProperty      = "issue_property"
	IssuePropertyValue = "issue_property_value"
	IssueTemplate      = "issue_template"
	ProjectTemplate    = "project_template"
)

var PropertyTypes = []any{"text", "number", "select", "multi_select", "date", "checkbox", "url", "email", "file", "relation"}

var MemberRoles = []any{5, 10, 15, 20}

func workspaceField() store.Field {
	return store.Field{Name: "workspace", Kind: store.String, Required: true, ReadOnly: true}
}

func refField(name string) store.Field {
	return store.Field{Name: name, Kind: store.String, Required: true, ReadOnly: true}
}

func emptyList() any   { return []any{} }
func emptyObject() any { return map[string]any{} }

var States = store.Schema{
	Resource: State,
	Table:    "states",
	Scope:    []string{"workspace", "project_id"},
	Fields: []store.Field{
		workspaceField(),
		refField("project_id"),
		{Name: "name", Kind: store.String, Required: true, MaxLen: 255},
		{Name: "description", Kind: store.String, Default: ""},
		{Name: "color", Kind: store.String, Required: true, MaxLen: 255},
		{Name: "slug", Kind: store.String, Default: ""},
		{Name: "sequence", Kind: store.Float, Default: float64(65535)},
		{Name: "state_group", Kind: store.String, Default: "backlog",
			Enum: []any{"backlog", "unstarted", "started", "completed", "cancelled", "triage"}},
		{Name: "is_triage", Kind: store.Bool},
		{Name: "is_default", Kind: store.Bool},
		{Name: "external_source", Kind: store.String, Nullable: true, MaxLen: 255},
		{Name: "external_id", Kind: store.String, Nullable: true, MaxLen: 255},
	},
	UniqueKeys: []store.UniqueKey{
		{Name: "states_project_name", Fields: []string{"project_id", "name"}},
		{Name: "states_project_default", Fields: []string{"project_id"}, When: "is_default"},
	},
	Ordering: []string{"sequence"},
}

var StateTransitions = store.Schema{
	Resource: StateTransition,
	Table:    "state_transitions",
	Scope:    []string{"workspace", "project_id"},
	Fields: []store.Field{
		workspaceField(),
		refField("project_id"),
		refField("from_state_id"),
		refField("to_state_id"),
		{Name: "is_allowed", Kind: store.Bool, Default: true},
	},
	UniqueKeys: []store.UniqueKey{
		{Name: "state_transitions_project_pair", Fields: []string{"project_id", "from_state_id", "to_state_id"}},
	},
	Ordering: []string{"created_at"},
}

var Teams = store.Schema{
	Resource: Team,
	Table:    "teams",
	Scope:    []string{"workspace"},
	Fields: []store.Field{
		workspaceField(),
		{Name: "name", Kind: store.String, Required: true, MaxLen: 255},
		{Name: "description", Kind: store.String, Default: ""},
		{Name: "lead_id", Kind: store.String, Nullable: true},
	},
	UniqueKeys: []store.UniqueKey{
		{Name: "teams_workspace_name", Fields: []string{"workspace", "name"}},
	},
	Ordering: []string{"name"},
}

var TeamMembers = store.Schema{
	Resource: TeamMember,
	Table:    "team_members",
	Scope:    []string{"workspace", "team_id"},
	Fields: []store.Field{
		workspaceField(),
		refField("team_id"),
		refField("member_id"),
		{Name: "role", Kind: store.Int, Default: 15, Enum: MemberRoles},
	},
	UniqueKeys: []store.UniqueKey{
		{Name: "team_members_team_member", Fields: []string{"team_id", "member_id"}},
	},
	Ordering: []string{"-created_at"},
}

var TeamProjects = store.Schema{
	Resource: TeamProject,
	Table:    "team_projects",
	Scope:    []string{"workspace", "team_id"},
	Fields: []store.Field{
		workspaceField(),
		refField("team_id"),
		refField("project_id"),
		{Name: "sort_order", Kind: store.Float, Default: float64(65535)},
	},
	UniqueKeys: []store.UniqueKey{
		{Name: "team_projects_team_project", Fields: []string{"team_id", "project_id"}},
	},
	Ordering: []string{"sort_order"},
}

var IssueProperties = store.Schema{
	Resource: IssueProperty,
	Table:    "issue_properties",
	Scope:    []string{"workspace"},
	Fields: []store.Field{
		workspaceField(),
		{Name: "issue_type_id", Kind: store.String, Nullable: true, ReadOnly: true},
		{Name: "name", Kind: store.String, Required: true, MaxLen: 255},
		{Name: "description", Kind: store.String, Default: ""},
		{Name: "property_type", Kind: store.String, Required: true, Enum: PropertyTypes},
		{Name: "is_required", Kind: store.Bool},
		{Name: "is_multi", Kind: store.Bool},
		{Name: "default_value", Kind: store.JSON},
		{Name: "options", Kind: store.JSON, Default: emptyList},
		{Name: "sort_order", Kind: store.Float, Default: float64(65535)},
	},
	UniqueKeys: []store.UniqueKey{
		{Name: "issue_properties_workspace_type_name", Fields: []string{"workspace", "issue_type_id", "name"}},
	},
	Ordering: []string{"sort_order"},
}

var IssuePropertyValues = store.Schema{
	Resource: IssuePropertyValue,
	Table:    "issue_property_values",
	Scope:    []string{"workspace", "project_id", "issue_id"},
	Fields: []store.Field{
		workspaceField(),
		refField("project_id"),
		refField("issue_id"),
		refField("property_id"),
		{Name: "value", Kind: store.JSON, Default: emptyObject},
	},
	UniqueKeys: []store.UniqueKey{
		{Name: "issue_property_values_issue_property", Fields: []string{"issue_id", "property_id"}},
	},
	Ordering: []string{"created_at"},
}

var IssueTemplates = store.Schema{
	Resource: IssueTemplate,
	Table:    "issue_templates",
	Scope:    []string{"workspace"},
	Fields: []store.Field{
		workspaceField(),
		{Name: "project_id", Kind: store.String, Nullable: true, ReadOnly: true},
		{Name: "name", Kind: store.String, Required: true, MaxLen: 255},
		{Name: "description", Kind: store.String, Default: ""},
		{Name: "template_data", Kind: store.JSON, Default: emptyObject},
	},
	UniqueKeys: []store.UniqueKey{
		{Name: "issue_templates_workspace_project_name", Fields: []string{"workspace", "project_id", "name"}},
	},
	Ordering: []string{"name"},
}

var ProjectTemplates = store.Schema{
	Resource: ProjectTemplate,
	Table:    "project_templates",
	Scope:    []string{"workspace"},
	Fields: []store.Field{
		workspaceField(),
		{Name: "name", Kind: store.String, Required: true, MaxLen: 255},
		{Name: "description", Kind: store.String, Default: ""},
		{Name: "template_data", Kind: store.JSON, Default: emptyObject},
	},
	UniqueKeys: []store.UniqueKey{
		{Name: "project_templates_workspace_name", Fields: []string{"workspace", "name"}},
	},
	Ordering: []string{"name"},
}

// All returns every resource schema.
func All() []store.Schema {
	return []store.Schema{
		States, StateTransitions, Teams, TeamMembers, TeamProjects,
		IssueProperties, IssuePropertyValues, IssueTemplates, ProjectTemplates,
	}
}

func Lookup(resource string) (store.Schema, error) {
	for _, s := range All() {
		if s.Resource == resource {
			return s, nil
		}
	}
	return store.Schema{}, fmt.Errorf("unknown resource %q", resource)
}

// Validate checks every descriptor.
func Validate() error {
	for _, s := range All() {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Reference ties a field to a workspace scoped resource that must be live
// when a record is created.
type Reference struct {
	Field    string
	Resource string
}

var References = map[string][]Reference{
	TeamMember:         {{Field: "team_id", Resource: Team}},
	TeamProject:        {{Field: "team_id", Resource: Team}},
	IssuePropertyValue: {{Field: "property_id", Resource: IssueProperty}},
}

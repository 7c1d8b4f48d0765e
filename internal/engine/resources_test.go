package engine_test

import (
	"testing"

	"stateline/internal/catalog"
	"stateline/internal/repo"
	"stateline/internal/store"
)

func TestResourceRejectsStateSchemas(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range []string{catalog.State, catalog.StateTransition, "widget"} {
		if _, err := env.Engine.Resource(name); err == nil {
			t.Fatalf("expected %s to be rejected", name)
		}
	}
}

func TestTeamMembersRequireLiveTeam(t *testing.T) {
	env := newTestEnv(t)
	teams, err := env.Engine.Resource(catalog.Team)
	if err != nil {
		t.Fatal(err)
	}
	members, err := env.Engine.Resource(catalog.TeamMember)
	if err != nil {
		t.Fatal(err)
	}

	team, err := teams.Create(env.Ctx, actor, store.Record{"workspace": ws, "name": "Platform"})
	if err != nil {
		t.Fatalf("create team: %v", err)
	}
	if _, err := teams.Create(env.Ctx, actor, store.Record{"workspace": ws, "name": "Platform"}); !store.IsConflict(err) {
		t.Fatalf("expected duplicate team conflict, got %v", err)
	}

	_, err = members.Create(env.Ctx, actor, store.Record{"workspace": ws, "team_id": "ghost", "member_id": "u1"})
	if !store.IsValidation(err) {
		t.Fatalf("expected validation error for unknown team, got %v", err)
	}
	m, err := members.Create(env.Ctx, actor, store.Record{"workspace": ws, "team_id": team.ID(), "member_id": "u1"})
	if err != nil {
		t.Fatalf("add member: %v", err)
	}
	if m.Int("role") != 15 {
		t.Fatalf("default role = %d", m.Int("role"))
	}
	if _, err := members.Create(env.Ctx, actor, store.Record{"workspace": ws, "team_id": team.ID(), "member_id": "u1"}); !store.IsConflict(err) {
		t.Fatalf("expected duplicate membership conflict, got %v", err)
	}
	if _, err := members.Create(env.Ctx, actor, store.Record{"workspace": ws, "team_id": team.ID(), "member_id": "u2", "role": 7}); !store.IsValidation(err) {
		t.Fatalf("expected role validation error, got %v", err)
	}

	listed, err := store.Collect(members.List(env.Ctx, store.Query{Scope: store.Scope{"workspace": ws, "team_id": team.ID()}}))
	if err != nil || len(listed) != 1 {
		t.Fatalf("list members: %v %d", err, len(listed))
	}

	if err := teams.Delete(env.Ctx, actor, team.ID(), store.Scope{"workspace": ws}); err != nil {
		t.Fatalf("delete team: %v", err)
	}
	if _, err := members.Create(env.Ctx, actor, store.Record{"workspace": ws, "team_id": team.ID(), "member_id": "u3"}); !store.IsValidation(err) {
		t.Fatalf("deleted team should not accept members, got %v", err)
	}
}

func TestResourceUpdateAndEvents(t *testing.T) {
	env := newTestEnv(t)
	templates, err := env.Engine.Resource(catalog.ProjectTemplate)
	if err != nil {
		t.Fatal(err)
	}
	scope := store.Scope{"workspace": ws}
	tpl, err := templates.Create(env.Ctx, actor, store.Record{"workspace": ws, "name": "Scrum", "template_data": map[string]any{"sprints": true}})
	if err != nil {
		t.Fatal(err)
	}
	got, err := templates.Update(env.Ctx, "editor", tpl.ID(), scope, store.Record{"description": "two week sprints"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.String("description") != "two week sprints" || got.String(store.ColUpdatedBy) != "editor" {
		t.Fatalf("unexpected record %v", got)
	}
	if _, err := templates.Update(env.Ctx, actor, tpl.ID(), scope, store.Record{"workspace": "other"}); !store.IsValidation(err) {
		t.Fatalf("scope fields are read only, got %v", err)
	}
	same, err := templates.Update(env.Ctx, "nobody", tpl.ID(), scope, store.Record{})
	if err != nil {
		t.Fatalf("empty update: %v", err)
	}
	if same.String(store.ColUpdatedBy) != "editor" || same.String("description") != "two week sprints" {
		t.Fatalf("empty update changed the record %v", same)
	}
	if err := templates.Delete(env.Ctx, actor, tpl.ID(), scope); err != nil {
		t.Fatal(err)
	}
	if err := templates.Delete(env.Ctx, actor, tpl.ID(), scope); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := templates.Get(env.Ctx, tpl.ID(), scope); !store.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{Workspace: ws, EntityKind: catalog.ProjectTemplate}, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 3 || evts[0].Type != "project_template.deleted" || evts[2].Type != "project_template.created" {
		t.Fatalf("unexpected events %+v", evts)
	}
}

func TestIssuePropertyValues(t *testing.T) {
	env := newTestEnv(t)
	props, _ := env.Engine.Resource(catalog.IssueProperty)
	values, _ := env.Engine.Resource(catalog.IssuePropertyValue)

	prop, err := props.Create(env.Ctx, actor, store.Record{"workspace": ws, "name": "Severity", "property_type": "select"})
	if err != nil {
		t.Fatalf("create property: %v", err)
	}
	if _, err := props.Create(env.Ctx, actor, store.Record{"workspace": ws, "name": "Severity", "property_type": "oops"}); !store.IsValidation(err) {
		t.Fatalf("expected property type validation, got %v", err)
	}
	scope := store.Scope{"workspace": ws, "project_id": project, "issue_id": "issue-1"}
	in := store.Record{"workspace": ws, "project_id": project, "issue_id": "issue-1", "property_id": prop.ID(), "value": map[string]any{"level": "high"}}
	if _, err := values.Create(env.Ctx, actor, in); err != nil {
		t.Fatalf("set value: %v", err)
	}
	if _, err := values.Create(env.Ctx, actor, in); !store.IsConflict(err) {
		t.Fatalf("expected one value per issue and property, got %v", err)
	}
	listed, err := store.Collect(values.List(env.Ctx, store.Query{Scope: scope}))
	if err != nil || len(listed) != 1 {
		t.Fatalf("list values: %v %d", err, len(listed))
	}
}

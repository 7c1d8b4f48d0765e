package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"stateline/internal/db"
	"stateline/internal/domain"
	"stateline/internal/engine"
	"stateline/internal/migrate"
	"stateline/internal/repo"
	"stateline/internal/store"
)

const (
	ws      = "acme"
	project = "proj-1"
	actor   = "tester"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, db.Config{Driver: db.SQLite, Path: filepath.Join(t.TempDir(), "stateline.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, engine.DefaultOptions())
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := eng.EnsureIndexes(ctx); err != nil {
		t.Fatalf("ensure indexes: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) createState(t *testing.T, name string, group domain.StateGroup) domain.State {
	t.Helper()
	st, err := env.Engine.CreateState(env.Ctx, engine.StateInput{
		Workspace: ws, ProjectID: project, Name: name, Color: "#000000", Group: group,
	}, actor)
	if err != nil {
		t.Fatalf("create state %s: %v", name, err)
	}
	return st
}

func (env testEnv) seed(t *testing.T) map[string]domain.State {
	t.Helper()
	states, err := env.Engine.SeedDefaultStates(env.Ctx, ws, project, actor)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	byName := map[string]domain.State{}
	for _, s := range states {
		byName[s.Name] = s
	}
	return byName
}

func (env testEnv) addRule(t *testing.T, from, to domain.State, allowed bool) domain.StateTransition {
	t.Helper()
	tr, err := env.Engine.AddTransition(env.Ctx, engine.TransitionInput{
		Workspace: ws, ProjectID: project, FromStateID: from.ID, ToStateID: to.ID, IsAllowed: &allowed,
	}, actor)
	if err != nil {
		t.Fatalf("add transition %s->%s: %v", from.Name, to.Name, err)
	}
	return tr
}

func TestSequenceSeedAndStep(t *testing.T) {
	env := newTestEnv(t)
	first := env.createState(t, "Open", domain.GroupUnstarted)
	second := env.createState(t, "Closed", domain.GroupCompleted)
	if first.Sequence != 65535 {
		t.Fatalf("first sequence = %v, want 65535", first.Sequence)
	}
	if second.Sequence != 80535 {
		t.Fatalf("second sequence = %v, want 80535", second.Sequence)
	}
	if first.Slug != "open" || first.CreatedBy != actor {
		t.Fatalf("unexpected state %+v", first)
	}
}

func TestCreateStateValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateState(env.Ctx, engine.StateInput{Workspace: ws, ProjectID: project, Name: "X", Color: "#fff", Group: "bogus"}, actor)
	if !store.IsValidation(err) {
		t.Fatalf("expected validation error for group, got %v", err)
	}
	_, err = env.Engine.CreateState(env.Ctx, engine.StateInput{Workspace: ws, ProjectID: project, Color: "#fff"}, actor)
	if !store.IsValidation(err) {
		t.Fatalf("expected validation error for missing name, got %v", err)
	}
}

func TestStateNameUniqueAmongLiveStates(t *testing.T) {
	env := newTestEnv(t)
	st := env.createState(t, "Review", domain.GroupStarted)
	_, err := env.Engine.CreateState(env.Ctx, engine.StateInput{Workspace: ws, ProjectID: project, Name: "Review", Color: "#fff"}, actor)
	var conflict *store.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := env.Engine.DeleteState(env.Ctx, ws, project, st.ID, actor); err != nil {
		t.Fatalf("delete: %v", err)
	}
	env.createState(t, "Review", domain.GroupStarted)
}

func TestConcurrentStateCreatesOneWins(t *testing.T) {
	env := newTestEnv(t)
	const n = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.CreateState(env.Ctx, engine.StateInput{Workspace: ws, ProjectID: project, Name: "Doing", Color: "#fff"}, actor)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case store.IsConflict(err):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || conflicts != n-1 {
		t.Fatalf("ok=%d conflicts=%d", ok, conflicts)
	}
}

func TestSeedDefaultStates(t *testing.T) {
	env := newTestEnv(t)
	seeded := env.seed(t)
	if len(seeded) != len(domain.DefaultStates) {
		t.Fatalf("seeded %d states", len(seeded))
	}
	if !seeded["Backlog"].IsDefault {
		t.Fatalf("backlog should be default")
	}
	if !seeded["Triage"].IsTriage {
		t.Fatalf("triage state should be flagged")
	}
	if _, err := env.Engine.SeedDefaultStates(env.Ctx, ws, project, actor); !store.IsValidation(err) {
		t.Fatalf("expected reseed to fail validation, got %v", err)
	}
	if _, err := env.Engine.SeedDefaultStates(env.Ctx, ws, "proj-2", actor); err != nil {
		t.Fatalf("seed other project: %v", err)
	}
}

func TestTriageHiddenByDefault(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	visible, err := env.Engine.ListStates(env.Ctx, ws, project, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range visible {
		if s.IsTriage {
			t.Fatalf("triage state listed: %+v", s)
		}
	}
	all, err := env.Engine.ListStates(env.Ctx, ws, project, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != len(visible)+1 {
		t.Fatalf("all=%d visible=%d", len(all), len(visible))
	}
	triage, err := env.Engine.ListTriageStates(env.Ctx, ws, project)
	if err != nil || len(triage) != 1 {
		t.Fatalf("triage listing: %v %d", err, len(triage))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Sequence > all[i].Sequence {
			t.Fatalf("states not ordered by sequence")
		}
	}
}

func TestSingleDefaultState(t *testing.T) {
	env := newTestEnv(t)
	s := env.seed(t)
	todo, err := env.Engine.MarkDefaultState(env.Ctx, ws, project, s["Todo"].ID, actor)
	if err != nil {
		t.Fatalf("mark default: %v", err)
	}
	if !todo.IsDefault {
		t.Fatalf("todo not default")
	}
	states, _ := env.Engine.ListStates(env.Ctx, ws, project, true)
	defaults := 0
	for _, st := range states {
		if st.IsDefault {
			defaults++
		}
	}
	if defaults != 1 {
		t.Fatalf("defaults = %d", defaults)
	}
	_, err = env.Engine.CreateState(env.Ctx, engine.StateInput{Workspace: ws, ProjectID: project, Name: "Inbox", Color: "#fff", IsDefault: true}, actor)
	if err != nil {
		t.Fatalf("create default state: %v", err)
	}
	old, _ := env.Engine.GetState(env.Ctx, ws, project, s["Todo"].ID)
	if old.IsDefault {
		t.Fatalf("previous default kept its flag")
	}
}

func TestDeleteState(t *testing.T) {
	env := newTestEnv(t)
	s := env.seed(t)
	if err := env.Engine.DeleteState(env.Ctx, ws, project, s["Backlog"].ID, actor); !store.IsValidation(err) {
		t.Fatalf("deleting default should fail validation, got %v", err)
	}
	in := env.addRule(t, s["Todo"], s["Done"], true)
	out := env.addRule(t, s["Done"], s["Backlog"], false)
	keep := env.addRule(t, s["Todo"], s["Backlog"], true)

	if err := env.Engine.DeleteState(env.Ctx, ws, project, s["Done"].ID, actor); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := env.Engine.DeleteState(env.Ctx, ws, project, s["Done"].ID, actor); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
	if _, err := env.Engine.GetState(env.Ctx, ws, project, s["Done"].ID); !store.IsNotFound(err) {
		t.Fatalf("deleted state still readable: %v", err)
	}
	for _, id := range []string{in.ID, out.ID} {
		if _, err := env.Engine.GetTransition(env.Ctx, ws, project, id); !store.IsNotFound(err) {
			t.Fatalf("transition %s should cascade: %v", id, err)
		}
	}
	if _, err := env.Engine.GetTransition(env.Ctx, ws, project, keep.ID); err != nil {
		t.Fatalf("unrelated transition removed: %v", err)
	}
	if err := env.Engine.DeleteState(env.Ctx, ws, project, "missing", actor); !store.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

type usageStub map[string]bool

func (u usageStub) StateInUse(_ context.Context, _, _, stateID string) (bool, error) {
	return u[stateID], nil
}

func TestDeleteStateInUse(t *testing.T) {
	env := newTestEnv(t)
	s := env.seed(t)
	env.Engine.Usage = usageStub{s["Todo"].ID: true}
	if err := env.Engine.DeleteState(env.Ctx, ws, project, s["Todo"].ID, actor); !store.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := env.Engine.DeleteState(env.Ctx, ws, project, s["Done"].ID, actor); err != nil {
		t.Fatalf("delete unused: %v", err)
	}
}

func TestUpdateState(t *testing.T) {
	env := newTestEnv(t)
	st := env.createState(t, "Doing", domain.GroupStarted)
	name := "Café Review"
	group := domain.GroupTriage
	got, err := env.Engine.UpdateState(env.Ctx, ws, project, st.ID, engine.StatePatch{Name: &name, Group: &group}, "editor")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Slug != "cafe-review" || !got.IsTriage || got.UpdatedBy != "editor" || got.CreatedBy != actor {
		t.Fatalf("unexpected update result %+v", got)
	}
}

func TestTransitionGuard(t *testing.T) {
	env := newTestEnv(t)
	s := env.seed(t)
	env.addRule(t, s["Todo"], s["Done"], false)
	allowed := env.addRule(t, s["Todo"], s["In Progress"], true)

	cases := []struct {
		name    string
		from    string
		to      string
		allowed bool
		reason  engine.DecisionReason
	}{
		{"self", s["Todo"].ID, s["Todo"].ID, true, engine.ReasonSelf},
		{"denied rule", s["Todo"].ID, s["Done"].ID, false, engine.ReasonRule},
		{"allowed rule", s["Todo"].ID, s["In Progress"].ID, true, engine.ReasonRule},
		{"no rule", s["Done"].ID, s["Todo"].ID, true, engine.ReasonUnconstrained},
		{"unknown states", "nope-a", "nope-b", true, engine.ReasonUnconstrained},
	}
	for _, tc := range cases {
		d, err := env.Engine.IsTransitionAllowed(env.Ctx, ws, project, tc.from, tc.to)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if d.Allowed != tc.allowed || d.Reason != tc.reason {
			t.Fatalf("%s: got %+v", tc.name, d)
		}
	}
	d, _ := env.Engine.IsTransitionAllowed(env.Ctx, ws, project, s["Todo"].ID, s["In Progress"].ID)
	if d.TransitionID != allowed.ID {
		t.Fatalf("decision should name the rule, got %q", d.TransitionID)
	}

	// rules do not leak across projects
	d, _ = env.Engine.IsTransitionAllowed(env.Ctx, ws, "proj-2", s["Todo"].ID, s["Done"].ID)
	if !d.Allowed || d.Reason != engine.ReasonUnconstrained {
		t.Fatalf("rule leaked into another project: %+v", d)
	}
}

func TestTransitionGuardDenyDefault(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Options.TransitionDefaultAllow = false
	s := env.seed(t)
	d, err := env.Engine.IsTransitionAllowed(env.Ctx, ws, project, s["Todo"].ID, s["Done"].ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Reason != engine.ReasonUnconstrained {
		t.Fatalf("expected deny by default, got %+v", d)
	}
	d, _ = env.Engine.IsTransitionAllowed(env.Ctx, ws, project, s["Done"].ID, s["Done"].ID)
	if !d.Allowed {
		t.Fatalf("self moves must stay allowed")
	}
}

func TestTransitionRuleLifecycle(t *testing.T) {
	env := newTestEnv(t)
	s := env.seed(t)
	tr := env.addRule(t, s["Todo"], s["Done"], true)

	if _, err := env.Engine.AddTransition(env.Ctx, engine.TransitionInput{
		Workspace: ws, ProjectID: project, FromStateID: s["Todo"].ID, ToStateID: s["Done"].ID,
	}, actor); !store.IsConflict(err) {
		t.Fatalf("expected duplicate pair conflict, got %v", err)
	}

	updated, err := env.Engine.UpdateTransition(env.Ctx, ws, project, tr.ID, false, actor)
	if err != nil || updated.IsAllowed {
		t.Fatalf("update: %v %+v", err, updated)
	}
	d, _ := env.Engine.IsTransitionAllowed(env.Ctx, ws, project, s["Todo"].ID, s["Done"].ID)
	if d.Allowed {
		t.Fatalf("updated rule not honored")
	}

	if err := env.Engine.RemoveTransition(env.Ctx, ws, project, tr.ID, actor); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := env.Engine.RemoveTransition(env.Ctx, ws, project, tr.ID, actor); err != nil {
		t.Fatalf("remove twice: %v", err)
	}
	d, _ = env.Engine.IsTransitionAllowed(env.Ctx, ws, project, s["Todo"].ID, s["Done"].ID)
	if d.Reason != engine.ReasonUnconstrained {
		t.Fatalf("removed rule still applies: %+v", d)
	}
	env.addRule(t, s["Todo"], s["Done"], false)
}

func TestAddTransitionValidation(t *testing.T) {
	env := newTestEnv(t)
	s := env.seed(t)
	other, err := env.Engine.CreateState(env.Ctx, engine.StateInput{Workspace: ws, ProjectID: "proj-2", Name: "Elsewhere", Color: "#fff"}, actor)
	if err != nil {
		t.Fatal(err)
	}
	cases := []engine.TransitionInput{
		{Workspace: ws, ProjectID: project, FromStateID: s["Todo"].ID, ToStateID: s["Todo"].ID},
		{Workspace: ws, ProjectID: project, FromStateID: s["Todo"].ID, ToStateID: other.ID},
		{Workspace: ws, ProjectID: project, FromStateID: "missing", ToStateID: s["Todo"].ID},
		{Workspace: ws, ProjectID: project, ToStateID: s["Todo"].ID},
	}
	for i, in := range cases {
		if _, err := env.Engine.AddTransition(env.Ctx, in, actor); !store.IsValidation(err) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestListTransitionsOrderedBySequence(t *testing.T) {
	env := newTestEnv(t)
	s := env.seed(t)
	env.addRule(t, s["Todo"], s["Backlog"], true)
	env.addRule(t, s["Backlog"], s["Done"], true)
	env.addRule(t, s["Backlog"], s["Todo"], false)

	got, err := env.Engine.ListTransitions(env.Ctx, ws, project)
	if err != nil {
		t.Fatal(err)
	}
	want := [][2]string{
		{s["Backlog"].ID, s["Todo"].ID},
		{s["Backlog"].ID, s["Done"].ID},
		{s["Todo"].ID, s["Backlog"].ID},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d transitions", len(got))
	}
	for i, w := range want {
		if got[i].FromStateID != w[0] || got[i].ToStateID != w[1] {
			t.Fatalf("position %d: got %s->%s", i, got[i].FromStateID, got[i].ToStateID)
		}
	}
}

func TestEmptyStatePatchIsANoop(t *testing.T) {
	env := newTestEnv(t)
	st := env.createState(t, "Doing", domain.GroupStarted)
	got, err := env.Engine.UpdateState(env.Ctx, ws, project, st.ID, engine.StatePatch{}, "editor")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.ID != st.ID || got.Name != "Doing" || got.UpdatedBy != st.UpdatedBy {
		t.Fatalf("empty patch changed the state %+v", got)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{Workspace: ws}, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 || evts[0].Type != "state.created" {
		t.Fatalf("expected only the create event, got %+v", evts)
	}
	if _, err := env.Engine.UpdateState(env.Ctx, ws, project, "missing", engine.StatePatch{}, "editor"); !store.IsNotFound(err) {
		t.Fatalf("expected not found for unknown state, got %v", err)
	}
}

func TestNextSequenceSkipsTriage(t *testing.T) {
	env := newTestEnv(t)
	seeded := env.seed(t)
	if seeded["Triage"].Sequence <= seeded["Cancelled"].Sequence {
		t.Fatalf("expected triage to sort last in the seeded workflow")
	}
	next := env.createState(t, "Archived", domain.GroupCancelled)
	want := seeded["Cancelled"].Sequence + engine.DefaultOptions().SequenceStep
	if next.Sequence != want {
		t.Fatalf("sequence = %v, want %v", next.Sequence, want)
	}
}

func TestMutationsWriteEvents(t *testing.T) {
	env := newTestEnv(t)
	s := env.seed(t)
	tr := env.addRule(t, s["Todo"], s["Done"], true)
	if err := env.Engine.RemoveTransition(env.Ctx, ws, project, tr.ID, actor); err != nil {
		t.Fatal(err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{Workspace: ws}, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	want := []string{"state_transition.deleted", "state_transition.created", "state.seeded"}
	if len(types) != len(want) {
		t.Fatalf("events = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
	if evts[0].ActorID != actor || evts[0].EntityID != tr.ID || evts[0].TS != "2026-01-01T00:00:00.000000Z" {
		t.Fatalf("unexpected event %+v", evts[0])
	}
}

func TestFailedMutationWritesNoEvent(t *testing.T) {
	env := newTestEnv(t)
	env.createState(t, "Only", domain.GroupBacklog)
	_, _ = env.Engine.CreateState(env.Ctx, engine.StateInput{Workspace: ws, ProjectID: project, Name: "Only", Color: "#fff"}, actor)
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{Workspace: ws, Type: "state.created"}, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected one state.created event, got %d", len(evts))
	}
}

package engine

import (
	"context"
	"database/sql"
	"strings"

	"go.uber.org/zap"

	"stateline/internal/catalog"
	"stateline/internal/domain"
	"stateline/internal/events"
	"stateline/internal/store"
)

type StateInput struct {
	Workspace   string
	ProjectID   string
	Name        string
	Description string
	Color       string
	Group       domain.StateGroup
	// Sequence is computed from the project's states when nil.
	Sequence       *float64
	IsDefault      bool
	ExternalSource *string
	ExternalID     *string
}

// StatePatch changes only the non-nil fields.
type StatePatch struct {
	Name           *string
	Description    *string
	Color          *string
	Group          *domain.StateGroup
	Sequence       *float64
	ExternalSource *string
	ExternalID     *string
}

func stateFromRecord(rec store.Record) domain.State {
	return domain.State{
		ID:             rec.ID(),
		Workspace:      rec.String("workspace"),
		ProjectID:      rec.String("project_id"),
		Name:           rec.String("name"),
		Description:    rec.String("description"),
		Color:          rec.String("color"),
		Slug:           rec.String("slug"),
		Sequence:       rec.Float("sequence"),
		Group:          domain.StateGroup(rec.String("state_group")),
		IsTriage:       rec.Bool("is_triage"),
		IsDefault:      rec.Bool("is_default"),
		ExternalSource: optionalString(rec, "external_source"),
		ExternalID:     optionalString(rec, "external_id"),
		Audit:          auditFrom(rec),
	}
}

func statesFromRecords(recs []store.Record) []domain.State {
	out := make([]domain.State, 0, len(recs))
	for _, rec := range recs {
		out = append(out, stateFromRecord(rec))
	}
	return out
}

func (e Engine) states() store.Store {
	return e.Store(catalog.States)
}

func checkGroup(g domain.StateGroup) error {
	if !g.Valid() {
		return &store.ValidationError{Field: "group", Reason: "must be one of backlog, unstarted, started, completed, cancelled, triage"}
	}
	return nil
}

// nextSequence places a new state after every live non-triage state of the
// project. Triage sits outside the board ordering.
func (e Engine) nextSequence(ctx context.Context, tx *sql.Tx, scope store.Scope) (float64, error) {
	highest, ok, err := e.states().MaxFloatTx(ctx, tx, "sequence", scope, store.Filter{"is_triage": false})
	if err != nil {
		return 0, err
	}
	if !ok {
		return e.Options.SequenceSeed, nil
	}
	return highest + e.Options.SequenceStep, nil
}

// clearDefault unsets the default flag on every live state of the project.
func (e Engine) clearDefault(ctx context.Context, tx *sql.Tx, actor string, scope store.Scope, keepID string) error {
	s := e.states()
	current, err := s.ListTx(ctx, tx, store.Query{Scope: scope, Filter: store.Filter{"is_default": true}})
	if err != nil {
		return err
	}
	for _, rec := range current {
		if rec.ID() == keepID {
			continue
		}
		if _, err := s.UpdateTx(ctx, tx, actor, rec.ID(), scope, store.Record{"is_default": false}); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) CreateState(ctx context.Context, in StateInput, actor string) (domain.State, error) {
	if in.Group == "" {
		in.Group = domain.GroupBacklog
	}
	if err := checkGroup(in.Group); err != nil {
		return domain.State{}, err
	}
	name := strings.TrimSpace(in.Name)
	scope := projectScope(in.Workspace, in.ProjectID)
	rec := store.Record{
		"workspace":   in.Workspace,
		"project_id":  in.ProjectID,
		"name":        name,
		"description": in.Description,
		"color":       in.Color,
		"slug":        Slugify(name),
		"state_group": string(in.Group),
		"is_triage":   in.Group == domain.GroupTriage,
		"is_default":  in.IsDefault,
	}
	if in.ExternalSource != nil {
		rec["external_source"] = *in.ExternalSource
	}
	if in.ExternalID != nil {
		rec["external_id"] = *in.ExternalID
	}

	var out store.Record
	err := e.inTx(ctx, catalog.State, "create", func(tx *sql.Tx) error {
		if in.Sequence != nil {
			rec["sequence"] = *in.Sequence
		} else {
			seq, err := e.nextSequence(ctx, tx, scope)
			if err != nil {
				return err
			}
			rec["sequence"] = seq
		}
		if in.IsDefault {
			if err := e.clearDefault(ctx, tx, actor, scope, ""); err != nil {
				return err
			}
		}
		var err error
		if out, err = e.states().CreateTx(ctx, tx, actor, rec); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, "state.created", in.Workspace, in.ProjectID, catalog.State, out.ID(), actor, events.RecordPayload(out))
	})
	if err != nil {
		return domain.State{}, err
	}
	e.log().Debug("state created", zap.String("project_id", in.ProjectID), zap.String("state_id", out.ID()), zap.String("name", name))
	return stateFromRecord(out), nil
}

func (e Engine) GetState(ctx context.Context, workspace, projectID, id string) (domain.State, error) {
	rec, err := e.states().Get(ctx, id, projectScope(workspace, projectID))
	e.observeRead(catalog.State, "get", err)
	if err != nil {
		return domain.State{}, err
	}
	return stateFromRecord(rec), nil
}

// ListStates returns live states by sequence. Triage states are only
// included when asked for, the way the board hides its intake column.
func (e Engine) ListStates(ctx context.Context, workspace, projectID string, includeTriage bool) ([]domain.State, error) {
	q := store.Query{Scope: projectScope(workspace, projectID)}
	if !includeTriage {
		q.Filter = store.Filter{"is_triage": false}
	}
	recs, err := store.Collect(e.states().List(ctx, q))
	e.observeRead(catalog.State, "list", err)
	if err != nil {
		return nil, err
	}
	return statesFromRecords(recs), nil
}

func (e Engine) ListTriageStates(ctx context.Context, workspace, projectID string) ([]domain.State, error) {
	recs, err := store.Collect(e.states().List(ctx, store.Query{
		Scope:  projectScope(workspace, projectID),
		Filter: store.Filter{"is_triage": true},
	}))
	e.observeRead(catalog.State, "list", err)
	if err != nil {
		return nil, err
	}
	return statesFromRecords(recs), nil
}

func (e Engine) UpdateState(ctx context.Context, workspace, projectID, id string, patch StatePatch, actor string) (domain.State, error) {
	change := store.Record{}
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		change["name"] = name
		change["slug"] = Slugify(name)
	}
	if patch.Description != nil {
		change["description"] = *patch.Description
	}
	if patch.Color != nil {
		change["color"] = *patch.Color
	}
	if patch.Group != nil {
		if err := checkGroup(*patch.Group); err != nil {
			return domain.State{}, err
		}
		change["state_group"] = string(*patch.Group)
		change["is_triage"] = *patch.Group == domain.GroupTriage
	}
	if patch.Sequence != nil {
		change["sequence"] = *patch.Sequence
	}
	if patch.ExternalSource != nil {
		change["external_source"] = *patch.ExternalSource
	}
	if patch.ExternalID != nil {
		change["external_id"] = *patch.ExternalID
	}

	if len(change) == 0 {
		return e.GetState(ctx, workspace, projectID, id)
	}

	scope := projectScope(workspace, projectID)
	var out store.Record
	err := e.inTx(ctx, catalog.State, "update", func(tx *sql.Tx) error {
		var err error
		if out, err = e.states().UpdateTx(ctx, tx, actor, id, scope, change); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, "state.updated", workspace, projectID, catalog.State, id, actor, events.EventPayload(change))
	})
	if err != nil {
		return domain.State{}, err
	}
	return stateFromRecord(out), nil
}

// MarkDefaultState makes id the project's only default state.
func (e Engine) MarkDefaultState(ctx context.Context, workspace, projectID, id, actor string) (domain.State, error) {
	scope := projectScope(workspace, projectID)
	var out store.Record
	err := e.inTx(ctx, catalog.State, "mark_default", func(tx *sql.Tx) error {
		current, err := e.states().GetTx(ctx, tx, id, scope)
		if err != nil {
			return err
		}
		if current.Bool("is_default") {
			out = current
			return nil
		}
		if err := e.clearDefault(ctx, tx, actor, scope, id); err != nil {
			return err
		}
		if out, err = e.states().UpdateTx(ctx, tx, actor, id, scope, store.Record{"is_default": true}); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, "state.default_marked", workspace, projectID, catalog.State, id, actor, nil)
	})
	if err != nil {
		return domain.State{}, err
	}
	return stateFromRecord(out), nil
}

// DeleteState soft-deletes a state and every live transition touching it.
// The default state and states still referenced by live issues are kept.
func (e Engine) DeleteState(ctx context.Context, workspace, projectID, id, actor string) error {
	scope := projectScope(workspace, projectID)
	return e.inTx(ctx, catalog.State, "delete", func(tx *sql.Tx) error {
		current, err := e.states().GetAnyTx(ctx, tx, id, scope)
		if err != nil {
			return err
		}
		if current.Deleted() {
			return nil
		}
		if current.Bool("is_default") {
			return &store.ValidationError{Field: "default", Reason: "the default state cannot be deleted"}
		}
		if e.Usage != nil {
			inUse, err := e.Usage.StateInUse(ctx, workspace, projectID, id)
			if err != nil {
				return err
			}
			if inUse {
				return &store.ValidationError{Field: "state", Reason: "state is referenced by live issues"}
			}
		}
		if _, _, err := e.states().SoftDeleteTx(ctx, tx, actor, id, scope); err != nil {
			return err
		}
		transitions := e.Store(catalog.StateTransitions)
		var cascaded int64
		for _, col := range []string{"from_state_id", "to_state_id"} {
			n, err := transitions.SoftDeleteWhereTx(ctx, tx, actor, scope, store.Filter{col: id})
			if err != nil {
				return err
			}
			cascaded += n
		}
		return e.events().Append(ctx, tx, "state.deleted", workspace, projectID, catalog.State, id, actor,
			events.EventPayload{"name": current.String("name"), "transitions_deleted": cascaded})
	})
}

// SeedDefaultStates creates the standard workflow for a project with no live states.
func (e Engine) SeedDefaultStates(ctx context.Context, workspace, projectID, actor string) ([]domain.State, error) {
	scope := projectScope(workspace, projectID)
	var out []domain.State
	err := e.inTx(ctx, catalog.State, "seed", func(tx *sql.Tx) error {
		n, err := e.states().CountTx(ctx, tx, scope, nil)
		if err != nil {
			return err
		}
		if n > 0 {
			return &store.ValidationError{Field: "project_id", Reason: "project already has states"}
		}
		for _, d := range domain.DefaultStates {
			rec, err := e.states().CreateTx(ctx, tx, actor, store.Record{
				"workspace":   workspace,
				"project_id":  projectID,
				"name":        d.Name,
				"color":       d.Color,
				"slug":        Slugify(d.Name),
				"sequence":    d.Sequence,
				"state_group": string(d.Group),
				"is_triage":   d.Group == domain.GroupTriage,
				"is_default":  d.IsDefault,
			})
			if err != nil {
				return err
			}
			out = append(out, stateFromRecord(rec))
		}
		return e.events().Append(ctx, tx, "state.seeded", workspace, projectID, catalog.State, "", actor,
			events.EventPayload{"count": len(out)})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

package engine

import (
	"context"
	"database/sql"
	"math"
	"sort"

	"go.uber.org/zap"

	"stateline/internal/catalog"
	"stateline/internal/domain"
	"stateline/internal/events"
	"stateline/internal/store"
)

type DecisionReason string

const (
	// ReasonSelf: moving a state onto itself is always permitted.
	ReasonSelf DecisionReason = "self"
	// ReasonRule: a live transition row decided.
	ReasonRule DecisionReason = "rule"
	// ReasonUnconstrained: no row exists for the pair.
	ReasonUnconstrained DecisionReason = "unconstrained"
)

type Decision struct {
	Allowed      bool           `json:"allowed"`
	Reason       DecisionReason `json:"reason" enum:"self,rule,unconstrained"`
	TransitionID string         `json:"transition_id,omitempty"`
}

type TransitionInput struct {
	Workspace   string
	ProjectID   string
	FromStateID string
	ToStateID   string
	// IsAllowed defaults to true.
	IsAllowed *bool
}

func transitionFromRecord(rec store.Record) domain.StateTransition {
	return domain.StateTransition{
		ID:          rec.ID(),
		Workspace:   rec.String("workspace"),
		ProjectID:   rec.String("project_id"),
		FromStateID: rec.String("from_state_id"),
		ToStateID:   rec.String("to_state_id"),
		IsAllowed:   rec.Bool("is_allowed"),
		Audit:       auditFrom(rec),
	}
}

func (e Engine) transitions() store.Store {
	return e.Store(catalog.StateTransitions)
}

// IsTransitionAllowed decides a single edge: self moves are allowed, a live
// row's flag wins, and pairs without a row fall back to the configured default.
func (e Engine) IsTransitionAllowed(ctx context.Context, workspace, projectID, from, to string) (Decision, error) {
	if from == "" || to == "" {
		return Decision{}, &store.ValidationError{Field: "state", Reason: "from and to states are required"}
	}
	if from == to {
		e.Metrics.RecordTransitionCheck(true, string(ReasonSelf))
		return Decision{Allowed: true, Reason: ReasonSelf}, nil
	}
	var (
		row   store.Record
		found bool
	)
	for rec, err := range e.transitions().List(ctx, store.Query{
		Scope:  projectScope(workspace, projectID),
		Filter: store.Filter{"from_state_id": from, "to_state_id": to},
		Limit:  1,
	}) {
		if err != nil {
			e.observeRead(catalog.StateTransition, "check", err)
			return Decision{}, err
		}
		row, found = rec, true
	}
	d := Decision{Allowed: e.Options.TransitionDefaultAllow, Reason: ReasonUnconstrained}
	if found {
		d = Decision{Allowed: row.Bool("is_allowed"), Reason: ReasonRule, TransitionID: row.ID()}
	}
	e.Metrics.RecordTransitionCheck(d.Allowed, string(d.Reason))
	return d, nil
}

func (e Engine) GetTransition(ctx context.Context, workspace, projectID, id string) (domain.StateTransition, error) {
	rec, err := e.transitions().Get(ctx, id, projectScope(workspace, projectID))
	e.observeRead(catalog.StateTransition, "get", err)
	if err != nil {
		return domain.StateTransition{}, err
	}
	return transitionFromRecord(rec), nil
}

// requireLiveState turns a missing state into a validation failure on field.
func (e Engine) requireLiveState(ctx context.Context, tx *sql.Tx, scope store.Scope, field, id string) error {
	_, err := e.states().GetTx(ctx, tx, id, scope)
	if store.IsNotFound(err) {
		return &store.ValidationError{Field: field, Reason: "must be a live state of the project"}
	}
	return err
}

func (e Engine) AddTransition(ctx context.Context, in TransitionInput, actor string) (domain.StateTransition, error) {
	if in.FromStateID == "" {
		return domain.StateTransition{}, &store.ValidationError{Field: "from_state", Reason: "required"}
	}
	if in.ToStateID == "" {
		return domain.StateTransition{}, &store.ValidationError{Field: "to_state", Reason: "required"}
	}
	if in.FromStateID == in.ToStateID {
		return domain.StateTransition{}, &store.ValidationError{Field: "to_state", Reason: "a state may always move to itself; no rule is needed"}
	}
	allowed := true
	if in.IsAllowed != nil {
		allowed = *in.IsAllowed
	}
	scope := projectScope(in.Workspace, in.ProjectID)
	var out store.Record
	err := e.inTx(ctx, catalog.StateTransition, "create", func(tx *sql.Tx) error {
		if err := e.requireLiveState(ctx, tx, scope, "from_state", in.FromStateID); err != nil {
			return err
		}
		if err := e.requireLiveState(ctx, tx, scope, "to_state", in.ToStateID); err != nil {
			return err
		}
		var err error
		out, err = e.transitions().CreateTx(ctx, tx, actor, store.Record{
			"workspace":     in.Workspace,
			"project_id":    in.ProjectID,
			"from_state_id": in.FromStateID,
			"to_state_id":   in.ToStateID,
			"is_allowed":    allowed,
		})
		if err != nil {
			return err
		}
		return e.events().Append(ctx, tx, "state_transition.created", in.Workspace, in.ProjectID, catalog.StateTransition, out.ID(), actor, events.RecordPayload(out))
	})
	if err != nil {
		return domain.StateTransition{}, err
	}
	e.log().Debug("transition added",
		zap.String("project_id", in.ProjectID),
		zap.String("from", in.FromStateID),
		zap.String("to", in.ToStateID),
		zap.Bool("allowed", allowed))
	return transitionFromRecord(out), nil
}

// UpdateTransition flips the allowed flag of a live transition.
func (e Engine) UpdateTransition(ctx context.Context, workspace, projectID, id string, isAllowed bool, actor string) (domain.StateTransition, error) {
	scope := projectScope(workspace, projectID)
	var out store.Record
	err := e.inTx(ctx, catalog.StateTransition, "update", func(tx *sql.Tx) error {
		var err error
		if out, err = e.transitions().UpdateTx(ctx, tx, actor, id, scope, store.Record{"is_allowed": isAllowed}); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, "state_transition.updated", workspace, projectID, catalog.StateTransition, id, actor,
			events.EventPayload{"is_allowed": isAllowed})
	})
	if err != nil {
		return domain.StateTransition{}, err
	}
	return transitionFromRecord(out), nil
}

// RemoveTransition soft-deletes a rule; the pair becomes unconstrained again.
func (e Engine) RemoveTransition(ctx context.Context, workspace, projectID, id, actor string) error {
	scope := projectScope(workspace, projectID)
	return e.inTx(ctx, catalog.StateTransition, "delete", func(tx *sql.Tx) error {
		_, changed, err := e.transitions().SoftDeleteTx(ctx, tx, actor, id, scope)
		if err != nil || !changed {
			return err
		}
		return e.events().Append(ctx, tx, "state_transition.deleted", workspace, projectID, catalog.StateTransition, id, actor, nil)
	})
}

// ListTransitions returns live rules ordered by the source state's sequence,
// then the target state's sequence.
func (e Engine) ListTransitions(ctx context.Context, workspace, projectID string) ([]domain.StateTransition, error) {
	scope := projectScope(workspace, projectID)
	recs, err := store.Collect(e.transitions().List(ctx, store.Query{Scope: scope}))
	if err == nil && len(recs) > 0 {
		var states []store.Record
		states, err = store.Collect(e.states().List(ctx, store.Query{Scope: scope}))
		if err == nil {
			sortBySequence(recs, states)
		}
	}
	e.observeRead(catalog.StateTransition, "list", err)
	if err != nil {
		return nil, err
	}
	out := make([]domain.StateTransition, 0, len(recs))
	for _, rec := range recs {
		out = append(out, transitionFromRecord(rec))
	}
	return out, nil
}

func sortBySequence(transitions, states []store.Record) {
	seq := make(map[string]float64, len(states))
	for _, s := range states {
		seq[s.ID()] = s.Float("sequence")
	}
	lookup := func(id string) float64 {
		if v, ok := seq[id]; ok {
			return v
		}
		return math.Inf(1)
	}
	sort.SliceStable(transitions, func(i, j int) bool {
		a, b := transitions[i], transitions[j]
		af, bf := lookup(a.String("from_state_id")), lookup(b.String("from_state_id"))
		if af != bf {
			return af < bf
		}
		at, bt := lookup(a.String("to_state_id")), lookup(b.String("to_state_id"))
		if at != bt {
			return at < bt
		}
		return a.ID() < b.ID()
	})
}

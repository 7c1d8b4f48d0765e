package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"stateline/internal/catalog"
	"stateline/internal/domain"
	"stateline/internal/engine"
	"stateline/internal/engine/auth"
)

const projectPath = "/workspaces/{slug}/projects/{project_id}"

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusServiceUnavailable,
	http.StatusInternalServerError,
}

var readErrors = []int{
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusServiceUnavailable,
}

type ProjectParams struct {
	Slug      string `path:"slug"`
	ProjectID string `path:"project_id"`
}

func registerStates(api huma.API, d deps) {
	huma.Register(api, huma.Operation{
		OperationID: "list-states",
		Method:      http.MethodGet,
		Path:        projectPath + "/states",
		Summary:     "List states",
		Tags:        []string{"states"},
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ProjectParams
		IncludeTriage bool `query:"include_triage" doc:"include triage states, hidden by default"`
	}) (*struct {
		Body StateList `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, d, input.Slug, auth.Operation(catalog.State, auth.OpList)); err != nil {
			return nil, d.fail(ctx, err)
		}
		states, err := d.engine.ListStates(ctx, input.Slug, input.ProjectID, input.IncludeTriage)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		return &struct {
			Body StateList `json:"body"`
		}{Body: StateList{Items: nonNil(states)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-state",
		Method:        http.MethodPost,
		Path:          projectPath + "/states",
		Summary:       "Create state",
		Tags:          []string{"states"},
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectParams
		Body CreateStateRequest `json:"body"`
	}) (*struct {
		Body domain.State `json:"body"`
	}, error) {
		p, err := requireRole(ctx, d, input.Slug, auth.Operation(catalog.State, auth.OpCreate))
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		st, err := d.engine.CreateState(ctx, input.Body.input(input.Slug, input.ProjectID), p.ActorID)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		return &struct {
			Body domain.State `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "seed-states",
		Method:        http.MethodPost,
		Path:          projectPath + "/states/seed",
		Summary:       "Create the default workflow for a project without states",
		Tags:          []string{"states"},
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *ProjectParams) (*struct {
		Body StateList `json:"body"`
	}, error) {
		p, err := requireRole(ctx, d, input.Slug, auth.OpStateSeed)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		states, err := d.engine.SeedDefaultStates(ctx, input.Slug, input.ProjectID, p.ActorID)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		return &struct {
			Body StateList `json:"body"`
		}{Body: StateList{Items: nonNil(states)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-state",
		Method:      http.MethodGet,
		Path:        projectPath + "/states/{state_id}",
		Summary:     "Get state",
		Tags:        []string{"states"},
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ProjectParams
		StateID string `path:"state_id"`
	}) (*struct {
		Body domain.State `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, d, input.Slug, auth.Operation(catalog.State, auth.OpRead)); err != nil {
			return nil, d.fail(ctx, err)
		}
		st, err := d.engine.GetState(ctx, input.Slug, input.ProjectID, input.StateID)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		return &struct {
			Body domain.State `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-state",
		Method:      http.MethodPatch,
		Path:        projectPath + "/states/{state_id}",
		Summary:     "Update state",
		Tags:        []string{"states"},
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectParams
		StateID string             `path:"state_id"`
		Body    UpdateStateRequest `json:"body"`
	}) (*struct {
		Body domain.State `json:"body"`
	}, error) {
		p, err := requireRole(ctx, d, input.Slug, auth.Operation(catalog.State, auth.OpUpdate))
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		st, err := d.engine.UpdateState(ctx, input.Slug, input.ProjectID, input.StateID, input.Body.patch(), p.ActorID)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		return &struct {
			Body domain.State `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-default-state",
		Method:      http.MethodPost,
		Path:        projectPath + "/states/{state_id}/mark-default",
		Summary:     "Make a state the project default",
		Tags:        []string{"states"},
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectParams
		StateID string `path:"state_id"`
	}) (*struct {
		Body domain.State `json:"body"`
	}, error) {
		p, err := requireRole(ctx, d, input.Slug, auth.OpStateMarkDefault)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		st, err := d.engine.MarkDefaultState(ctx, input.Slug, input.ProjectID, input.StateID, p.ActorID)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		return &struct {
			Body domain.State `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-state",
		Method:        http.MethodDelete,
		Path:          projectPath + "/states/{state_id}",
		Summary:       "Delete state",
		Description:   "Soft-deletes the state and every transition rule touching it. The default state cannot be deleted.",
		Tags:          []string{"states"},
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectParams
		StateID string `path:"state_id"`
	}) (*struct{}, error) {
		p, err := requireRole(ctx, d, input.Slug, auth.Operation(catalog.State, auth.OpDelete))
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		if err := d.engine.DeleteState(ctx, input.Slug, input.ProjectID, input.StateID, p.ActorID); err != nil {
			return nil, d.fail(ctx, err)
		}
		return &struct{}{}, nil
	})
}

func registerTransitions(api huma.API, d deps) {
	huma.Register(api, huma.Operation{
		OperationID: "list-state-transitions",
		Method:      http.MethodGet,
		Path:        projectPath + "/state-transitions",
		Summary:     "List transition rules",
		Description: "Ordered by the source state's sequence, then the target state's sequence.",
		Tags:        []string{"state-transitions"},
		Errors:      readErrors,
	}, func(ctx context.Context, input *ProjectParams) (*struct {
		Body TransitionList `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, d, input.Slug, auth.Operation(catalog.StateTransition, auth.OpList)); err != nil {
			return nil, d.fail(ctx, err)
		}
		items, err := d.engine.ListTransitions(ctx, input.Slug, input.ProjectID)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		return &struct {
			Body TransitionList `json:"body"`
		}{Body: TransitionList{Items: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-state-transition",
		Method:      http.MethodGet,
		Path:        projectPath + "/state-transitions/check",
		Summary:     "Check whether a state change is allowed",
		Tags:        []string{"state-transitions"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ProjectParams
		FromState string `query:"from_state" required:"true"`
		ToState   string `query:"to_state" required:"true"`
	}) (*struct {
		Body engine.Decision `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, d, input.Slug, auth.OpTransitionCheck); err != nil {
			return nil, d.fail(ctx, err)
		}
		decision, err := d.engine.IsTransitionAllowed(ctx, input.Slug, input.ProjectID, input.FromState, input.ToState)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		return &struct {
			Body engine.Decision `json:"body"`
		}{Body: decision}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-state-transition",
		Method:        http.MethodPost,
		Path:          projectPath + "/state-transitions",
		Summary:       "Add transition rule",
		Tags:          []string{"state-transitions"},
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectParams
		Body CreateTransitionRequest `json:"body"`
	}) (*struct {
		Body domain.StateTransition `json:"body"`
	}, error) {
		p, err := requireRole(ctx, d, input.Slug, auth.Operation(catalog.StateTransition, auth.OpCreate))
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		tr, err := d.engine.AddTransition(ctx, engine.TransitionInput{
			Workspace:   input.Slug,
			ProjectID:   input.ProjectID,
			FromStateID: input.Body.FromState,
			ToStateID:   input.Body.ToState,
			IsAllowed:   input.Body.IsAllowed,
		}, p.ActorID)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		return &struct {
			Body domain.StateTransition `json:"body"`
		}{Body: tr}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-state-transition",
		Method:      http.MethodPatch,
		Path:        projectPath + "/state-transitions/{transition_id}",
		Summary:     "Change whether a transition is allowed",
		Tags:        []string{"state-transitions"},
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectParams
		TransitionID string                  `path:"transition_id"`
		Body         UpdateTransitionRequest `json:"body"`
	}) (*struct {
		Body domain.StateTransition `json:"body"`
	}, error) {
		p, err := requireRole(ctx, d, input.Slug, auth.Operation(catalog.StateTransition, auth.OpUpdate))
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		tr, err := d.engine.UpdateTransition(ctx, input.Slug, input.ProjectID, input.TransitionID, input.Body.IsAllowed, p.ActorID)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		return &struct {
			Body domain.StateTransition `json:"body"`
		}{Body: tr}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-state-transition",
		Method:        http.MethodDelete,
		Path:          projectPath + "/state-transitions/{transition_id}",
		Summary:       "Remove transition rule",
		Tags:          []string{"state-transitions"},
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectParams
		TransitionID string `path:"transition_id"`
	}) (*struct{}, error) {
		p, err := requireRole(ctx, d, input.Slug, auth.Operation(catalog.StateTransition, auth.OpDelete))
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		if err := d.engine.RemoveTransition(ctx, input.Slug, input.ProjectID, input.TransitionID, p.ActorID); err != nil {
			return nil, d.fail(ctx, err)
		}
		return &struct{}{}, nil
	})
}

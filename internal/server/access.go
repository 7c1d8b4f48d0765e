package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"stateline/internal/domain"
	"stateline/internal/engine/auth"
	"stateline/internal/repo"
	"stateline/internal/store"
)

func parseRole(name string) (auth.Role, error) {
	r, err := auth.ParseRole(name)
	if err != nil {
		return 0, &store.ValidationError{Field: "role", Reason: err.Error()}
	}
	return r, nil
}

func registerMembers(api huma.API, d deps) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/workspaces/{slug}/me",
		Summary:     "Current principal and its role in the workspace",
		Tags:        []string{"members"},
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *WorkspaceParams) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		role, ok := p.roleIn(input.Slug)
		if !ok && p.Source != sourceAPIKey {
			var err error
			if role, err = d.engine.RoleFor(ctx, input.Slug, p.ActorID); err != nil {
				return nil, d.fail(ctx, err)
			}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: p.ActorID, Workspace: input.Slug, Role: role.String(), Source: p.Source}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/workspaces/{slug}/members",
		Summary:     "List workspace members",
		Tags:        []string{"members"},
		Errors:      readErrors,
	}, func(ctx context.Context, input *WorkspaceParams) (*struct {
		Body MemberList `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, d, input.Slug, auth.OpMemberManage); err != nil {
			return nil, d.fail(ctx, err)
		}
		members, err := d.engine.ListMembers(ctx, input.Slug)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		return &struct {
			Body MemberList `json:"body"`
		}{Body: MemberList{Items: nonNil(members)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "grant-member",
		Method:      http.MethodPut,
		Path:        "/workspaces/{slug}/members/{actor_id}",
		Summary:     "Grant or change a workspace role",
		Tags:        []string{"members"},
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceParams
		ActorID string             `path:"actor_id"`
		Body    GrantMemberRequest `json:"body"`
	}) (*struct{}, error) {
		p, err := requireRole(ctx, d, input.Slug, auth.OpMemberManage)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		role, err := parseRole(input.Body.Role)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		if err := d.engine.GrantMember(ctx, input.Slug, input.ActorID, role, p.ActorID); err != nil {
			return nil, d.fail(ctx, err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-member",
		Method:        http.MethodDelete,
		Path:          "/workspaces/{slug}/members/{actor_id}",
		Summary:       "Remove a workspace member",
		Tags:          []string{"members"},
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceParams
		ActorID string `path:"actor_id"`
	}) (*struct{}, error) {
		p, err := requireRole(ctx, d, input.Slug, auth.OpMemberManage)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		if err := d.engine.RevokeMember(ctx, input.Slug, input.ActorID, p.ActorID); err != nil {
			return nil, d.fail(ctx, err)
		}
		return &struct{}{}, nil
	})
}

func registerAPIKeys(api huma.API, d deps) {
	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/workspaces/{slug}/api-keys",
		Summary:     "List API keys",
		Tags:        []string{"api-keys"},
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceParams
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body APIKeyList `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, d, input.Slug, auth.OpAPIKeyManage); err != nil {
			return nil, d.fail(ctx, err)
		}
		keys, err := d.engine.ListAPIKeys(ctx, input.Slug, input.ActorID)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		return &struct {
			Body APIKeyList `json:"body"`
		}{Body: APIKeyList{Items: nonNil(keys)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/workspaces/{slug}/api-keys",
		Summary:       "Create API key",
		Tags:          []string{"api-keys"},
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceParams
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreatedAPIKey `json:"body"`
	}, error) {
		p, err := requireRole(ctx, d, input.Slug, auth.OpAPIKeyManage)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		role, err := parseRole(input.Body.Role)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		key, secret, err := d.engine.CreateAPIKey(ctx, input.Slug, input.Body.ActorID, role, input.Body.Name, p.ActorID)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		return &struct {
			Body CreatedAPIKey `json:"body"`
		}{Body: CreatedAPIKey{Key: key, Secret: secret}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/workspaces/{slug}/api-keys/{key_id}",
		Summary:       "Revoke API key",
		Tags:          []string{"api-keys"},
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceParams
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		p, err := requireRole(ctx, d, input.Slug, auth.OpAPIKeyManage)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		if err := d.engine.RevokeAPIKey(ctx, input.Slug, input.KeyID, p.ActorID); err != nil {
			return nil, d.fail(ctx, err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, d deps) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/workspaces/{slug}/events",
		Summary:     "List recent activity, newest first",
		Tags:        []string{"events"},
		Errors:      append([]int{http.StatusBadRequest}, readErrors...),
	}, func(ctx context.Context, input *struct {
		WorkspaceParams
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor" doc:"id of the last event of the previous page"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, d, input.Slug, auth.OpEventList); err != nil {
			return nil, d.fail(ctx, err)
		}
		limit := normalizeLimit(input.Limit)
		items, err := d.engine.ListEvents(ctx, repo.EventFilter{
			Workspace:  input.Slug,
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		}, limit+1, input.Cursor)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = items[limit-1].ID
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"stateline/internal/catalog"
	"stateline/internal/engine/auth"
	"stateline/internal/store"
)

// collection exposes one catalog resource under path; items live at path/{id}.
type collection struct {
	resource string
	plural   string
	path     string
	tag      string
}

type WorkspaceParams struct {
	Slug string `path:"slug"`
}

func (p WorkspaceParams) scope() store.Scope { return store.Scope{"workspace": p.Slug} }

type TeamParams struct {
	Slug   string `path:"slug"`
	TeamID string `path:"team_id"`
}

func (p TeamParams) scope() store.Scope {
	return store.Scope{"workspace": p.Slug, "team_id": p.TeamID}
}

type IssueParams struct {
	Slug      string `path:"slug"`
	ProjectID string `path:"project_id"`
	IssueID   string `path:"issue_id"`
}

func (p IssueParams) scope() store.Scope {
	return store.Scope{"workspace": p.Slug, "project_id": p.ProjectID, "issue_id": p.IssueID}
}

type PageParams struct {
	Limit   int    `query:"limit" default:"50" minimum:"0" maximum:"200"`
	Offset  int    `query:"offset" minimum:"0"`
	OrderBy string `query:"order_by" doc:"comma separated fields; prefix a field with - to sort descending"`
}

func (p PageParams) page() PageParams { return p }

type scoped interface {
	scope() store.Scope
}

type listRequest interface {
	scoped
	page() PageParams
	filter() store.Filter
}

type itemRequest interface {
	scoped
	itemID() string
}

type bodyRequest interface {
	scoped
	record() map[string]any
}

type patchRequest interface {
	itemRequest
	record() map[string]any
}

// Workspace scoped inputs.

type wsList struct {
	WorkspaceParams
	PageParams
}

func (wsList) filter() store.Filter { return nil }

type issuePropertyList struct {
	WorkspaceParams
	PageParams
	IssueTypeID string `query:"issue_type_id"`
}

func (r issuePropertyList) filter() store.Filter {
	if r.IssueTypeID == "" {
		return nil
	}
	return store.Filter{"issue_type_id": r.IssueTypeID}
}

type issueTemplateList struct {
	WorkspaceParams
	PageParams
	ProjectID string `query:"project_id"`
}

func (r issueTemplateList) filter() store.Filter {
	if r.ProjectID == "" {
		return nil
	}
	return store.Filter{"project_id": r.ProjectID}
}

type wsItem struct {
	WorkspaceParams
	ID string `path:"id"`
}

func (r wsItem) itemID() string { return r.ID }

type wsCreate struct {
	WorkspaceParams
	Body map[string]any `json:"body"`
}

func (r wsCreate) record() map[string]any { return r.Body }

type wsPatch struct {
	WorkspaceParams
	ID   string         `path:"id"`
	Body map[string]any `json:"body"`
}

func (r wsPatch) itemID() string         { return r.ID }
func (r wsPatch) record() map[string]any { return r.Body }

// Team scoped inputs.

type teamList struct {
	TeamParams
	PageParams
}

func (teamList) filter() store.Filter { return nil }

type teamItem struct {
	TeamParams
	ID string `path:"id"`
}

func (r teamItem) itemID() string { return r.ID }

type teamCreate struct {
	TeamParams
	Body map[string]any `json:"body"`
}

func (r teamCreate) record() map[string]any { return r.Body }

type teamPatch struct {
	TeamParams
	ID   string         `path:"id"`
	Body map[string]any `json:"body"`
}

func (r teamPatch) itemID() string         { return r.ID }
func (r teamPatch) record() map[string]any { return r.Body }

// Issue scoped inputs.

type issueList struct {
	IssueParams
	PageParams
}

func (issueList) filter() store.Filter { return nil }

type issueItem struct {
	IssueParams
	ID string `path:"id"`
}

func (r issueItem) itemID() string { return r.ID }

type issueCreate struct {
	IssueParams
	Body map[string]any `json:"body"`
}

func (r issueCreate) record() map[string]any { return r.Body }

type issuePatch struct {
	IssueParams
	ID   string         `path:"id"`
	Body map[string]any `json:"body"`
}

func (r issuePatch) itemID() string         { return r.ID }
func (r issuePatch) record() map[string]any { return r.Body }

func registerCollections(api huma.API, d deps) {
	registerCollection[wsList, wsItem, wsCreate, wsPatch](api, d, collection{
		resource: catalog.Team, plural: "teams", path: "/workspaces/{slug}/teams", tag: "teams",
	})
	registerCollection[teamList, teamItem, teamCreate, teamPatch](api, d, collection{
		resource: catalog.TeamMember, plural: "team-members", path: "/workspaces/{slug}/teams/{team_id}/members", tag: "teams",
	})
	registerCollection[teamList, teamItem, teamCreate, teamPatch](api, d, collection{
		resource: catalog.TeamProject, plural: "team-projects", path: "/workspaces/{slug}/teams/{team_id}/projects", tag: "teams",
	})
	registerCollection[issuePropertyList, wsItem, wsCreate, wsPatch](api, d, collection{
		resource: catalog.IssueProperty, plural: "issue-properties", path: "/workspaces/{slug}/issue-properties", tag: "issue-properties",
	})
	registerCollection[issueList, issueItem, issueCreate, issuePatch](api, d, collection{
		resource: catalog.IssuePropertyValue, plural: "issue-property-values", path: projectPath + "/issues/{issue_id}/property-values", tag: "issue-properties",
	})
	registerCollection[issueTemplateList, wsItem, wsCreate, wsPatch](api, d, collection{
		resource: catalog.IssueTemplate, plural: "issue-templates", path: "/workspaces/{slug}/issue-templates", tag: "templates",
	})
	registerCollection[wsList, wsItem, wsCreate, wsPatch](api, d, collection{
		resource: catalog.ProjectTemplate, plural: "project-templates", path: "/workspaces/{slug}/project-templates", tag: "templates",
	})
}

// withScope copies body and pins the scope fields taken from the path.
func withScope(body map[string]any, scope store.Scope) (store.Record, error) {
	rec := store.Record{}
	for k, v := range body {
		rec[k] = v
	}
	for k, v := range scope {
		if existing, ok := rec[k]; ok && existing != v {
			return nil, &store.ValidationError{Field: k, Reason: "must match the request path"}
		}
		rec[k] = v
	}
	return rec, nil
}

func registerCollection[L, I, C, U any,
	PL interface {
		*L
		listRequest
	},
	PI interface {
		*I
		itemRequest
	},
	PC interface {
		*C
		bodyRequest
	},
	PU interface {
		*U
		patchRequest
	},
](api huma.API, d deps, c collection) {
	itemPath := c.path + "/{id}"
	name := strings.ReplaceAll(c.resource, "_", "-")
	workspace := func(s scoped) string {
		ws, _ := s.scope()["workspace"].(string)
		return ws
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-" + c.plural,
		Method:      http.MethodGet,
		Path:        c.path,
		Summary:     "List " + strings.ReplaceAll(c.plural, "-", " "),
		Tags:        []string{c.tag},
		Errors:      append([]int{http.StatusBadRequest}, readErrors...),
	}, func(ctx context.Context, in *L) (*struct {
		Body RecordPage `json:"body"`
	}, error) {
		req := PL(in)
		if _, err := requireRole(ctx, d, workspace(req), auth.Operation(c.resource, auth.OpList)); err != nil {
			return nil, d.fail(ctx, err)
		}
		res, err := d.engine.Resource(c.resource)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		pg := req.page()
		limit := normalizeLimit(pg.Limit)
		q := store.Query{Scope: req.scope(), Filter: req.filter(), Limit: limit + 1, Offset: pg.Offset}
		if pg.OrderBy != "" {
			q.OrderBy = strings.Split(pg.OrderBy, ",")
		}
		recs, err := store.Collect(res.List(ctx, q))
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		page := RecordPage{Items: []map[string]any{}}
		if len(recs) > limit {
			next := pg.Offset + limit
			page.NextOffset = &next
			recs = recs[:limit]
		}
		for _, rec := range recs {
			page.Items = append(page.Items, rec)
		}
		return &struct {
			Body RecordPage `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-" + name,
		Method:        http.MethodPost,
		Path:          c.path,
		Summary:       "Create " + strings.ReplaceAll(c.resource, "_", " "),
		Tags:          []string{c.tag},
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, in *C) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		req := PC(in)
		p, err := requireRole(ctx, d, workspace(req), auth.Operation(c.resource, auth.OpCreate))
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		res, err := d.engine.Resource(c.resource)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		rec, err := withScope(req.record(), req.scope())
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		out, err := res.Create(ctx, p.ActorID, rec)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-" + name,
		Method:      http.MethodGet,
		Path:        itemPath,
		Summary:     "Get " + strings.ReplaceAll(c.resource, "_", " "),
		Tags:        []string{c.tag},
		Errors:      readErrors,
	}, func(ctx context.Context, in *I) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		req := PI(in)
		if _, err := requireRole(ctx, d, workspace(req), auth.Operation(c.resource, auth.OpRead)); err != nil {
			return nil, d.fail(ctx, err)
		}
		res, err := d.engine.Resource(c.resource)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		out, err := res.Get(ctx, req.itemID(), req.scope())
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-" + name,
		Method:      http.MethodPatch,
		Path:        itemPath,
		Summary:     "Update " + strings.ReplaceAll(c.resource, "_", " "),
		Tags:        []string{c.tag},
		Errors:      mutationErrors,
	}, func(ctx context.Context, in *U) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		req := PU(in)
		p, err := requireRole(ctx, d, workspace(req), auth.Operation(c.resource, auth.OpUpdate))
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		res, err := d.engine.Resource(c.resource)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		out, err := res.Update(ctx, p.ActorID, req.itemID(), req.scope(), req.record())
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-" + name,
		Method:        http.MethodDelete,
		Path:          itemPath,
		Summary:       "Delete " + strings.ReplaceAll(c.resource, "_", " "),
		Tags:          []string{c.tag},
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, in *I) (*struct{}, error) {
		req := PI(in)
		p, err := requireRole(ctx, d, workspace(req), auth.Operation(c.resource, auth.OpDelete))
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		res, err := d.engine.Resource(c.resource)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		if err := res.Delete(ctx, p.ActorID, req.itemID(), req.scope()); err != nil {
			return nil, d.fail(ctx, err)
		}
		return &struct{}{}, nil
	})
}

package statelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Stateline HTTP API client bound to one workspace.
type Client struct {
	BaseURL     string
	Workspace   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://localhost:8080/api.
func New(baseURL, workspace string) *Client {
	return &Client{
		BaseURL:   baseURL,
		Workspace: workspace,
		Timeout:   10 * time.Second,
	}
}

// State represents a workflow state.
type State struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Color       string  `json:"color"`
	Slug        string  `json:"slug"`
	Sequence    float64 `json:"sequence"`
	Group       string  `json:"group"`
	IsTriage    bool    `json:"is_triage"`
	IsDefault   bool    `json:"default"`
}

// StateInput is the create payload; zero values are omitted.
type StateInput struct {
	Name        string   `json:"name"`
	Color       string   `json:"color"`
	Description string   `json:"description,omitempty"`
	Group       string   `json:"group,omitempty"`
	Sequence    *float64 `json:"sequence,omitempty"`
	Default     bool     `json:"default,omitempty"`
}

// Transition is a stored allow/deny rule between two states.
type Transition struct {
	ID        string `json:"id"`
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	IsAllowed bool   `json:"is_allowed"`
}

// Decision explains a transition check.
type Decision struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason"`
	TransitionID string `json:"transition_id,omitempty"`
}

// Event represents an activity log entry.
type Event struct {
	ID         string `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// RecordPage is one page of a generic collection.
type RecordPage struct {
	Items      []map[string]any `json:"items"`
	NextOffset *int             `json:"next_offset"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListStates returns a project's states by sequence.
func (c *Client) ListStates(ctx context.Context, projectID string, includeTriage bool) ([]State, error) {
	var resp struct {
		Items []State `json:"items"`
	}
	endpoint := c.projectPath(projectID, "states")
	if includeTriage {
		endpoint += "?include_triage=true"
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// CreateState creates a state.
func (c *Client) CreateState(ctx context.Context, projectID string, in StateInput) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "states"), in, &resp)
	return resp, err
}

// SeedStates creates the default workflow for a project without states.
func (c *Client) SeedStates(ctx context.Context, projectID string) ([]State, error) {
	var resp struct {
		Items []State `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "states/seed"), nil, &resp)
	return resp.Items, err
}

// MarkDefault makes stateID the project default.
func (c *Client) MarkDefault(ctx context.Context, projectID, stateID string) (State, error) {
	var resp State
	endpoint := c.projectPath(projectID, fmt.Sprintf("states/%s/mark-default", url.PathEscape(stateID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// DeleteState soft-deletes a state.
func (c *Client) DeleteState(ctx context.Context, projectID, stateID string) error {
	endpoint := c.projectPath(projectID, "states/"+url.PathEscape(stateID))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// AddTransition stores an allow or deny rule.
func (c *Client) AddTransition(ctx context.Context, projectID, from, to string, allowed bool) (Transition, error) {
	body := map[string]any{
		"from_state": from,
		"to_state":   to,
		"is_allowed": allowed,
	}
	var resp Transition
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "state-transitions"), body, &resp)
	return resp, err
}

// CheckTransition asks whether moving from one state to another is allowed.
func (c *Client) CheckTransition(ctx context.Context, projectID, from, to string) (Decision, error) {
	q := url.Values{}
	q.Set("from_state", from)
	q.Set("to_state", to)
	var resp Decision
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "state-transitions/check?"+q.Encode()), nil, &resp)
	return resp, err
}

// ListRecords lists a generic collection, e.g. "teams" or
// "teams/<team_id>/members", relative to the workspace.
func (c *Client) ListRecords(ctx context.Context, collection string, limit, offset int) (RecordPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	endpoint := c.workspacePath(collection)
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp RecordPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateRecord creates a record in a generic collection.
func (c *Client) CreateRecord(ctx context.Context, collection string, fields map[string]any) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodPost, c.workspacePath(collection), fields, &resp)
	return resp, err
}

// DeleteRecord soft-deletes a record in a generic collection.
func (c *Client) DeleteRecord(ctx context.Context, collection, id string) error {
	return c.do(ctx, http.MethodDelete, c.workspacePath(collection+"/"+url.PathEscape(id)), nil, nil)
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.workspacePath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) workspacePath(p string) string {
	return fmt.Sprintf("workspaces/%s/%s", url.PathEscape(c.Workspace), strings.TrimLeft(p, "/"))
}

func (c *Client) projectPath(projectID, p string) string {
	return c.workspacePath(fmt.Sprintf("projects/%s/%s", url.PathEscape(projectID), strings.TrimLeft(p, "/")))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

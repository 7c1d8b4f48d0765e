package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"stateline/internal/db"
	"stateline/internal/domain"
	"stateline/internal/engine"
	"stateline/internal/engine/auth"
	"stateline/internal/migrate"
)

const (
	testSecret  = "test-secret"
	testProject = "/api/workspaces/acme/projects/proj-1"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, db.Config{Driver: db.SQLite, Path: filepath.Join(t.TempDir(), "stateline.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, engine.DefaultOptions())
	if err := e.EnsureIndexes(ctx); err != nil {
		t.Fatalf("ensure indexes: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/api",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func adminHeaders(t *testing.T) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, "alice", map[string]auth.Role{"acme": auth.Admin}, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env
}

func TestPublicRoutesAndCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/api/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/api/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	if !bytes.Contains(body, []byte("bearerAuth")) {
		t.Fatalf("openapi document lacks security schemes")
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+testProject+"/states", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(body))
	}
	if env := decodeError(t, body); env.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", env.Error.Code)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+testProject+"/states", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+testProject+"/states", nil, map[string]string{"X-Api-Key": "sl_unknown"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown api key, got %d", res.StatusCode)
	}
}

func TestOpenAPIConcurrentFetch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	const workers = 8
	bodies := make([][]byte, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := client.Get(srv.URL + "/api/openapi.json")
			if err != nil {
				errs[i] = err
				return
			}
			defer res.Body.Close()
			if res.StatusCode != http.StatusOK {
				errs[i] = fmt.Errorf("status %d", res.StatusCode)
				return
			}
			bodies[i], errs[i] = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("fetch %d: %v", i, errs[i])
		}
		if !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("fetch %d returned a different document", i)
		}
	}
	if !bytes.Contains(bodies[0], []byte("bearerAuth")) {
		t.Fatalf("openapi document lacks security schemes")
	}
}

func TestStateLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	admin := adminHeaders(t)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+testProject+"/states", map[string]any{
		"name": "Todo", "color": "#3a3a3a", "group": "unstarted",
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create state status %d: %s", res.StatusCode, string(data))
	}
	var todo domain.State
	if err := json.Unmarshal(data, &todo); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if todo.Slug != "todo" || todo.Sequence != 65535 {
		t.Fatalf("unexpected state %+v", todo)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+testProject+"/states", map[string]any{
		"name": "Todo", "color": "#ffffff",
	}, admin)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "conflict" {
		t.Fatalf("expected conflict code, got %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+testProject+"/states", map[string]any{
		"name": "Done", "color": "#00ff00", "group": "completed",
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create done status %d: %s", res.StatusCode, string(data))
	}
	var done domain.State
	_ = json.Unmarshal(data, &done)

	checkURL := srv.URL + testProject + "/state-transitions/check?from_state=" + todo.ID + "&to_state=" + done.ID
	res, data = doJSON(t, client, http.MethodGet, checkURL, nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check status %d: %s", res.StatusCode, string(data))
	}
	var decision engine.Decision
	_ = json.Unmarshal(data, &decision)
	if !decision.Allowed || decision.Reason != engine.ReasonUnconstrained {
		t.Fatalf("expected unconstrained allow, got %+v", decision)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+testProject+"/state-transitions", map[string]any{
		"from_state": todo.ID, "to_state": done.ID, "is_allowed": false,
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create transition status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, checkURL, nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &decision)
	if decision.Allowed || decision.Reason != engine.ReasonRule {
		t.Fatalf("expected rule deny, got %+v", decision)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+testProject+"/states/"+done.ID, nil, admin)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete state status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+testProject+"/states/"+done.ID, nil, admin)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+testProject+"/state-transitions", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list transitions status %d: %s", res.StatusCode, string(data))
	}
	var rules TransitionList
	_ = json.Unmarshal(data, &rules)
	if len(rules.Items) != 0 {
		t.Fatalf("expected rules to cascade with the state, got %d", len(rules.Items))
	}
}

func TestRequestValidationIsBadRequest(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+testProject+"/states", map[string]any{
		"name": "No color",
	}, adminHeaders(t))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+testProject+"/state-transitions/check?from_state=a", nil, adminHeaders(t))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing to_state, got %d %s", res.StatusCode, string(data))
	}
}

func TestSeedEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin := adminHeaders(t)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+testProject+"/states/seed", nil, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("seed status %d: %s", res.StatusCode, string(data))
	}
	var seeded StateList
	_ = json.Unmarshal(data, &seeded)
	if len(seeded.Items) != 6 {
		t.Fatalf("expected 6 seeded states, got %d", len(seeded.Items))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+testProject+"/states", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var listed StateList
	_ = json.Unmarshal(data, &listed)
	for _, s := range listed.Items {
		if s.IsTriage {
			t.Fatalf("triage state %s listed without include_triage", s.Name)
		}
	}
	if len(listed.Items) != len(seeded.Items)-1 {
		t.Fatalf("expected %d visible states, got %d", len(seeded.Items)-1, len(listed.Items))
	}
}

func TestRolesGateMutations(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	if err := srv.Engine.GrantMember(ctx, "acme", "gus", auth.Guest, "test"); err != nil {
		t.Fatalf("grant guest: %v", err)
	}
	guest := map[string]string{"X-Actor-Id": "gus"}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+testProject+"/states", nil, guest)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("guest list status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+testProject+"/states", map[string]any{
		"name": "Todo", "color": "#000000",
	}, guest)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "forbidden" || env.Error.Details["required"] != "admin" {
		t.Fatalf("unexpected forbidden envelope %+v", env.Error)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+testProject+"/states", nil, map[string]string{"X-Actor-Id": "stranger"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-member, got %d", res.StatusCode)
	}
}

func TestAPIKeyIsBoundToWorkspace(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/workspaces/acme/api-keys", map[string]any{
		"actor_id": "bot", "role": "member", "name": "ci",
	}, adminHeaders(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key status %d: %s", res.StatusCode, string(data))
	}
	var created CreatedAPIKey
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal api key: %v", err)
	}
	if created.Secret == "" || created.Key.Role != int(auth.Member) {
		t.Fatalf("unexpected api key %+v", created.Key)
	}
	key := map[string]string{"X-Api-Key": created.Secret}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/workspaces/acme/me", nil, key)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "bot" || me.Role != "member" || me.Source != sourceAPIKey {
		t.Fatalf("unexpected principal %+v", me)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+testProject+"/states", nil, key)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected key to read its workspace, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/workspaces/globex/projects/p/states", nil, key)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 outside the key's workspace, got %d", res.StatusCode)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/api/workspaces/acme/api-keys/"+created.Key.ID, nil, adminHeaders(t))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+testProject+"/states", nil, key)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected revoked key to be rejected, got %d", res.StatusCode)
	}
}

func TestTeamCollection(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin := adminHeaders(t)
	teams := srv.URL + "/api/workspaces/acme/teams"

	res, data := doJSON(t, srv.Client(), http.MethodPost, teams, map[string]any{"name": "Core"}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create team status %d: %s", res.StatusCode, string(data))
	}
	var team map[string]any
	_ = json.Unmarshal(data, &team)
	id, _ := team["id"].(string)
	if id == "" || team["workspace"] != "acme" {
		t.Fatalf("unexpected team %v", team)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, teams, map[string]any{"name": "Core"}, admin)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected duplicate team conflict, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, teams, map[string]any{"name": "Other", "workspace": "globex"}, admin)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected scope mismatch to be rejected, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPatch, teams+"/"+id, map[string]any{"description": "platform"}, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update team status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &team)
	if team["description"] != "platform" {
		t.Fatalf("update not applied: %v", team)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, teams, nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list teams status %d: %s", res.StatusCode, string(data))
	}
	var page RecordPage
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 1 || page.NextOffset != nil {
		t.Fatalf("unexpected team page %+v", page)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodDelete, teams+"/"+id, nil, admin)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete team status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodDelete, teams+"/"+id, nil, admin)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("repeat delete status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, teams+"/"+id, nil, admin)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for deleted team, got %d", res.StatusCode)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, teams, map[string]any{"name": "Core"}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected name reuse after delete, got %d %s", res.StatusCode, string(data))
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin := adminHeaders(t)

	for _, name := range []string{"A", "B", "C"} {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+testProject+"/states", map[string]any{
			"name": name, "color": "#111111",
		}, admin)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create %s status %d: %s", name, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/workspaces/acme/events?type=state.created&limit=2", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("unexpected first page %+v", page)
	}
	if page.Items[0].ActorID != "alice" {
		t.Fatalf("expected events attributed to the token subject, got %q", page.Items[0].ActorID)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/workspaces/acme/events?type=state.created&limit=2&cursor="+page.NextCursor, nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 status %d: %s", res.StatusCode, string(data))
	}
	var next paginatedEvents
	_ = json.Unmarshal(data, &next)
	if len(next.Items) != 1 || next.NextCursor != "" {
		t.Fatalf("unexpected second page %+v", next)
	}
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"matterline/internal/config"
	"matterline/internal/db"
	"matterline/internal/domain"
	"matterline/internal/engine"
	"matterline/internal/inference/inferencetest"
	"matterline/internal/migrate"
	"matterline/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	Fake   *inferencetest.Client
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	return newTestServerWith(t, inferencetest.Pipeline(inferencetest.New()))
}

func newTestServerWith(t *testing.T, fake *inferencetest.Client) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Inference.BackoffInitialMS = 1
	cfg.Inference.BackoffMaxMS = 2
	e := engine.New(repo.New(conn), fake, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowActorHeader: true},
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
		Fake:   fake,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

var asClerk = map[string]string{"X-Actor-Id": "clerk"}

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

func createWorkspace(t *testing.T, srv *testServer) domain.Workspace {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/workspaces", map[string]any{
		"source_type": "email",
		"source_raw":  "Notice of tax reassessment received on 12 February, payment due within 30 days.",
	}, asClerk)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create workspace status %d: %s", res.StatusCode, string(data))
	}
	var ws domain.Workspace
	if err := json.Unmarshal(data, &ws); err != nil {
		t.Fatalf("unmarshal workspace: %v", err)
	}
	return ws
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

func TestWorkspaceRunsToHandoffAndLocks(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ws := createWorkspace(t, srv)
	if ws.CurrentState != domain.StateReceived || ws.Version != 1 {
		t.Fatalf("unexpected initial workspace: %+v", ws)
	}

	runRes, runBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspaces/"+ws.ID+"/stages/run", map[string]any{}, asClerk)
	if runRes.StatusCode != http.StatusOK {
		t.Fatalf("run stages status %d: %s", runRes.StatusCode, string(runBody))
	}
	var run RunStagesResponse
	if err := json.Unmarshal(runBody, &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if len(run.Stages) != 7 {
		t.Fatalf("expected 7 stages, got %d", len(run.Stages))
	}
	if run.Workspace.CurrentState != domain.StateReadyForHuman {
		t.Fatalf("expected READY_FOR_HUMAN, got %s", run.Workspace.CurrentState)
	}
	if run.StoppedBy != "" {
		t.Fatalf("unexpected stop: %s %s", run.StoppedBy, run.Message)
	}

	sumRes, sumBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/workspaces/"+ws.ID+"/summary", nil, asClerk)
	if sumRes.StatusCode != http.StatusOK {
		t.Fatalf("summary status %d: %s", sumRes.StatusCode, string(sumBody))
	}
	if !strings.Contains(string(sumBody), `"state":"READY_FOR_HUMAN"`) {
		t.Fatalf("summary missing state: %s", string(sumBody))
	}

	lockRes, lockBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspaces/"+ws.ID+"/lock", nil, asClerk)
	if lockRes.StatusCode != http.StatusOK {
		t.Fatalf("lock status %d: %s", lockRes.StatusCode, string(lockBody))
	}
	var locked domain.Workspace
	_ = json.Unmarshal(lockBody, &locked)
	if !locked.Locked || locked.CurrentState != domain.StateLocked || locked.StateChangedBy != "clerk" {
		t.Fatalf("unexpected locked workspace: %+v", locked)
	}

	factRes, factBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspaces/"+ws.ID+"/facts", map[string]any{
		"label": "late",
		"value": "too late",
	}, asClerk)
	if factRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict on locked workspace, got %d %s", factRes.StatusCode, string(factBody))
	}
	if code := decodeError(t, factBody).Code; code != string(domain.CodeLocked) {
		t.Fatalf("expected workspace_locked, got %s", code)
	}

	trRes, trBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/workspaces/"+ws.ID+"/transitions?order=desc", nil, asClerk)
	if trRes.StatusCode != http.StatusOK {
		t.Fatalf("transitions status %d: %s", trRes.StatusCode, string(trBody))
	}
	var transitions TransitionList
	_ = json.Unmarshal(trBody, &transitions)
	if len(transitions.Items) != 8 || transitions.Items[0].ToState != domain.StateLocked {
		t.Fatalf("unexpected transitions: %+v", transitions.Items)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/workspaces/missing", nil, asClerk)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != string(domain.CodeNotFound) {
		t.Fatalf("expected not_found, got %s", code)
	}

	ws := createWorkspace(t, srv)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspaces/"+ws.ID+"/lock", nil, asClerk)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 locking a RECEIVED workspace, got %d %s", res.StatusCode, string(data))
	}
	body := decodeError(t, data)
	if body.Code != string(domain.CodeInvalidTransition) || body.Details["from"] != string(domain.StateReceived) {
		t.Fatalf("unexpected error body: %+v", body)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspaces/"+ws.ID+"/transitions", map[string]any{
		"target":           "CANCELLED",
		"expected_version": 7,
	}, asClerk)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for stale version, got %d %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != string(domain.CodeStaleState) {
		t.Fatalf("expected stale_state, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspaces/"+ws.ID+"/obligations", map[string]any{
		"context_id":  "nope",
		"description": "File an objection",
	}, asClerk)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for dangling context, got %d %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != string(domain.CodeInvalidReference) {
		t.Fatalf("expected invalid_reference, got %s", code)
	}
}

func TestStageValidationFailureMapsTo422(t *testing.T) {
	fake := inferencetest.New().On("facts", inferencetest.Reply{Content: `{"entities": "nope"}`})
	srv, cleanup := newTestServerWith(t, fake)
	defer cleanup()
	ws := createWorkspace(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/workspaces/"+ws.ID+"/stages/next", nil, asClerk)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	body := decodeError(t, data)
	if body.Code != string(domain.CodeValidation) || body.Details["stage"] != "facts" {
		t.Fatalf("unexpected error body: %+v", body)
	}
	got, err := srv.Engine.GetWorkspace(context.Background(), ws.ID)
	if err != nil {
		t.Fatalf("get workspace: %v", err)
	}
	if got.Version != ws.Version || got.CurrentState != domain.StateReceived {
		t.Fatalf("failed stage must not write: %+v", got)
	}
}

func TestAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workspaces", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workspaces", nil, map[string]string{"Authorization": "Bearer garbage"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(data))
	}

	token, err := IssueToken(testSecret, "reviewer", "lawyer")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspaces", map[string]any{
		"source_type": "form",
		"source_raw":  "Request for a residence permit renewal.",
	}, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create with jwt status %d: %s", res.StatusCode, string(data))
	}
	var ws domain.Workspace
	_ = json.Unmarshal(data, &ws)
	if ws.StateChangedBy != "reviewer" {
		t.Fatalf("expected actor from token subject, got %q", ws.StateChangedBy)
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	createWorkspace(t, srv)
	createWorkspace(t, srv)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=1", nil, asClerk)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 1 || page.NextCursor == "" {
		t.Fatalf("expected one event and a cursor, got %+v", page)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?cursor="+page.NextCursor, nil, asClerk)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var rest paginatedEvents
	_ = json.Unmarshal(data, &rest)
	if len(rest.Items) != 1 || rest.NextCursor != "" || rest.Items[0].ID <= page.Items[0].ID {
		t.Fatalf("unexpected second page: %+v", rest)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, asClerk)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", res.StatusCode)
	}
}

func TestAdvanceReportsPerWorkspaceOutcome(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ws := createWorkspace(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/workspaces/advance", map[string]any{
		"workspace_ids": []string{ws.ID, "missing"},
	}, asClerk)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance status %d: %s", res.StatusCode, string(data))
	}
	var out AdvanceResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal advance: %v", err)
	}
	if len(out.Items) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(out.Items))
	}
	if out.Items[0].Result == nil || out.Items[0].Result.To != domain.StateFactsExtracted {
		t.Fatalf("unexpected first outcome: %+v", out.Items[0])
	}
	if out.Items[1].Code != domain.CodeNotFound {
		t.Fatalf("expected not_found for missing workspace, got %+v", out.Items[1])
	}
}

func TestWebhookDeliversSignedEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var (
		mu       sync.Mutex
		received []webhookEvent
		sigs     []string
	)
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		_ = json.Unmarshal(body, &evt)
		mu.Lock()
		received = append(received, evt)
		sigs = append(sigs, r.Header.Get("X-Matterline-Signature"))
		mu.Unlock()
		if sig := r.Header.Get("X-Matterline-Signature"); sig != "sha256="+signPayload("hook-secret", body) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hookSrv.Close()

	e := srv.Engine
	e.Config.Webhooks = []config.WebhookConfig{{
		URL:    hookSrv.URL,
		Events: []string{"workspace.created"},
		Secret: "hook-secret",
	}}
	d := newWebhookDispatcher(e, nil)
	if d == nil {
		t.Fatal("expected dispatcher")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Events that predate the dispatcher are not replayed.
	createWorkspace(t, srv)
	d.dispatchAll(ctx)
	ws := createWorkspace(t, srv)
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(received))
	}
	if received[0].Type != "workspace.created" || received[0].WorkspaceID != ws.ID {
		t.Fatalf("unexpected delivery: %+v", received[0])
	}
	if !strings.HasPrefix(sigs[0], "sha256=") {
		t.Fatalf("missing signature header: %q", sigs[0])
	}
}

func TestContextErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{context.Canceled, 499, "canceled"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "upstream_timeout"},
		{&domain.UpstreamTimeoutError{Stage: "facts", Timeout: time.Second}, http.StatusGatewayTimeout, "upstream_timeout"},
	}
	for _, tc := range cases {
		got, ok := handleError(tc.err).(*apiError)
		if !ok {
			t.Fatalf("%v: expected *apiError", tc.err)
		}
		if got.GetStatus() != tc.status || got.Body.Code != tc.code {
			t.Fatalf("%v: got %d %s, want %d %s", tc.err, got.GetStatus(), got.Body.Code, tc.status, tc.code)
		}
	}
}

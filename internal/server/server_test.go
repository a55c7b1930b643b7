package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"practiceflow/internal/config"
	"practiceflow/internal/db"
	"practiceflow/internal/domain"
	"practiceflow/internal/engine"
	"practiceflow/internal/migrate"
)

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	e := engine.New(conn, config.Default(), engine.WithClock(func() time.Time { return now }))
	seedWorkflow(t, e)
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
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

func seedWorkflow(t *testing.T, e *engine.Engine) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.CreateClient(ctx, domain.Client{ID: "client-1", OrgID: "org-1", Name: "Acme LLC", Email: "books@acme.test"}); err != nil {
		t.Fatalf("create client: %v", err)
	}
	_, err := e.CreateWorkflow(ctx, engine.WorkflowSpec{
		ID: "wf-tax", OrgID: "org-1", Name: "Tax Return",
		Stages: []engine.StageSpec{{
			ID: "stage-collection", Name: "Collection", AutoProgress: true,
			Steps: []engine.StepSpec{{
				ID: "step-docs", Name: "Documents",
				Tasks: []engine.TaskSpec{
					{ID: "task-w2", Name: "Collect W-2"},
					{ID: "task-1099", Name: "Collect 1099"},
				},
			}},
		}},
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
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

func instantiateOverHTTP(t *testing.T, srv *testServer, id string) domain.Assignment {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orgs/org-1/assignments", map[string]any{
		"id":          id,
		"workflow_id": "wf-tax",
		"client_id":   "client-1",
		"assigned_to": "u-lead",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("instantiate status %d: %s", res.StatusCode, string(data))
	}
	var a domain.Assignment
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatalf("unmarshal assignment: %v", err)
	}
	return a
}

func taskClone(t *testing.T, a domain.Assignment, sourceID string) string {
	t.Helper()
	for _, st := range a.Stages {
		for _, sp := range st.Steps {
			for _, tk := range sp.Tasks {
				if tk.SourceID == sourceID {
					return tk.ID
				}
			}
		}
	}
	t.Fatalf("no clone of %s", sourceID)
	return ""
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func notifyDefinition(typ string, cfg map[string]any) map[string]any {
	return map[string]any{
		"type":   typ,
		"config": cfg,
		"actions": []map[string]any{{
			"type":   "send_notification",
			"config": map[string]any{"userId": "u-lead", "title": "Heads up", "message": "{{.assignment.name}}"},
		}},
	}
}

func TestStageCompletionFiresOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/orgs/org-1/triggers", map[string]any{
		"id":          "trg-collected",
		"workflow_id": "wf-tax",
		"scope":       "stage",
		"scope_id":    "stage-collection",
		"definition":  notifyDefinition("all_tasks_complete", map[string]any{"entityType": "stage"}),
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create trigger status %d: %s", res.StatusCode, string(data))
	}
	var trg TriggerResponse
	if err := json.Unmarshal(data, &trg); err != nil {
		t.Fatalf("unmarshal trigger: %v", err)
	}
	if !trg.Enabled || trg.Type != "all_tasks_complete" {
		t.Fatalf("unexpected trigger %+v", trg)
	}

	a := instantiateOverHTTP(t, srv, "asg-1")
	for _, src := range []string{"task-w2", "task-1099"} {
		id := taskClone(t, a, src)
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/orgs/org-1/tasks/"+id+"/complete", nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("complete %s status %d: %s", id, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/orgs/org-1/trigger-events?trigger_id=trg-collected", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedTriggerEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ExecutionStatus != domain.ExecutionSuccess {
		t.Fatalf("expected one successful event, got %+v", page.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/orgs/org-1/assignments/asg-1", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get assignment status %d: %s", res.StatusCode, string(data))
	}
	var tree domain.Assignment
	_ = json.Unmarshal(data, &tree)
	if len(tree.Stages) != 1 || tree.Stages[0].Status != domain.StatusCompleted {
		t.Fatalf("expected the auto-progress stage to complete, got %+v", tree.Stages)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/orgs/org-1/triggers/trg-collected", map[string]any{"enabled": false})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("disable status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &trg)
	if trg.Enabled {
		t.Fatalf("expected trigger disabled")
	}
}

func TestDependencyCycleReturnsConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	a := instantiateOverHTTP(t, srv, "asg-1")
	w2, f1099 := taskClone(t, a, "task-w2"), taskClone(t, a, "task-1099")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/orgs/org-1/dependencies", map[string]any{
		"task_id":            f1099,
		"depends_on_task_id": w2,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create dependency status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orgs/org-1/dependencies", map[string]any{
		"task_id":            w2,
		"depends_on_task_id": f1099,
	})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for a cycle, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "dependency_cycle" {
		t.Fatalf("expected dependency_cycle, got %q", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orgs/org-1/tasks/"+f1099+"/start", nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 starting a gated task, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "start_blocked" {
		t.Fatalf("expected start_blocked, got %q", code)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/orgs/org-1/assignments/missing", nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected not_found, got %d: %s", res.StatusCode, string(data))
	}

	// Tenants never see each other's rows.
	instantiateOverHTTP(t, srv, "asg-1")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/orgs/org-2/assignments/asg-1", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 across orgs, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orgs/org-1/fire", map[string]any{
		"type": "no_such_type", "entity_type": "assignment", "entity_id": "asg-1",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown trigger type, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orgs/org-1/triggers", map[string]any{
		"workflow_id": "wf-tax",
		"definition":  notifyDefinition("bogus", nil),
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad definition, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/orgs/org-1/trigger-events?cursor=abc", nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad cursor, got %d: %s", res.StatusCode, string(data))
	}
}

func TestTriggerEventsPaginate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/orgs/org-1/triggers", map[string]any{
		"id":          "trg-manual",
		"workflow_id": "wf-tax",
		"definition":  notifyDefinition("manual", nil),
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create trigger status %d: %s", res.StatusCode, string(data))
	}
	instantiateOverHTTP(t, srv, "asg-1")
	for i := 0; i < 3; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/orgs/org-1/fire", map[string]any{
			"type": "manual", "entity_type": "assignment", "entity_id": "asg-1",
		})
		if res.StatusCode != http.StatusOK {
			t.Fatalf("fire status %d: %s", res.StatusCode, string(data))
		}
	}

	var seen []int64
	cursor := ""
	for pages := 0; pages < 5; pages++ {
		url := srv.URL + "/v0/orgs/org-1/trigger-events?trigger_id=trg-manual&limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, data := doJSON(t, client, http.MethodGet, url, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list status %d: %s", res.StatusCode, string(data))
		}
		var page paginatedTriggerEvents
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatalf("unmarshal page: %v", err)
		}
		for _, evt := range page.Items {
			seen = append(seen, evt.Seq)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 events across pages, got %v", seen)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("events out of append order: %v", seen)
		}
	}
}

func TestInboundWebhookMatchesKey(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/orgs/org-1/triggers", map[string]any{
		"workflow_id": "wf-tax",
		"definition":  notifyDefinition("webhook", map[string]any{"key": "intake"}),
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create trigger status %d: %s", res.StatusCode, string(data))
	}
	instantiateOverHTTP(t, srv, "asg-1")

	for key, want := range map[string]int{"intake": 1, "other": 0} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/orgs/org-1/webhooks/"+key, map[string]any{
			"entity_type": "assignment", "entity_id": "asg-1", "payload": map[string]any{"form": "w9"},
		})
		if res.StatusCode != http.StatusOK {
			t.Fatalf("webhook %s status %d: %s", key, res.StatusCode, string(data))
		}
		var out FireResponse
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("unmarshal fire response: %v", err)
		}
		if len(out.Events) != want {
			t.Fatalf("webhook %s: expected %d events, got %d", key, want, len(out.Events))
		}
	}
}

func TestHealthAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	var oas map[string]any
	if err := json.Unmarshal(data, &oas); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	paths, _ := oas["paths"].(map[string]any)
	if _, ok := paths["/v0/orgs/{org}/fire"]; !ok {
		t.Fatalf("openapi is missing the fire route")
	}
}

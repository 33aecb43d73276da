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

	"github.com/golang-jwt/jwt/v5"

	"followline/internal/config"
	"followline/internal/db"
	"followline/internal/engine"
	"followline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: auth})
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
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

func asActor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

func legacyAuth() AuthConfig {
	return AuthConfig{AllowLegacyActorHeader: true}
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

func createInvoice(t *testing.T, srv *testServer, subject string) TaskResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"type":             "invoice-follow-up",
		"mode":             "assisted",
		"owner_id":         "tester",
		"subject_ref_type": "invoice",
		"subject_ref_id":   subject,
		"payload": map[string]any{
			"invoice_number":  subject,
			"recipient_email": "billing@acme.test",
			"amount":          120.5,
			"days_overdue":    3,
		},
	}, asActor("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	return task
}

func TestCreateAndFetchTask(t *testing.T) {
	srv, cleanup := newTestServer(t, legacyAuth())
	defer cleanup()

	created := createInvoice(t, srv, "INV-1")
	if created.Status != "pending" || created.Mode != "assisted" {
		t.Fatalf("unexpected task: %+v", created)
	}
	if created.Source != "api" {
		t.Fatalf("source should default to api, got %q", created.Source)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/"+created.ID, nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task status %d: %s", res.StatusCode, string(data))
	}
	var fetched TaskResponse
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if fetched.ID != created.ID || fetched.SubjectRefID != "INV-1" {
		t.Fatalf("fetched wrong task: %+v", fetched)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks?status=pending", nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks status %d: %s", res.StatusCode, string(data))
	}
	var listed []TaskResponse
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 task, got %d", len(listed))
	}
}

func TestDuplicateSubjectConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t, legacyAuth())
	defer cleanup()

	createInvoice(t, srv, "INV-1")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"type":             "invoice-follow-up",
		"mode":             "assisted",
		"owner_id":         "tester",
		"subject_ref_type": "invoice",
		"subject_ref_id":   "INV-1",
	}, asActor("tester"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "duplicate_task" {
		t.Fatalf("expected duplicate_task, got %q", body.Code)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	srv, cleanup := newTestServer(t, legacyAuth())
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"mode":             "assisted",
		"owner_id":         "tester",
		"subject_ref_type": "invoice",
		"subject_ref_id":   "INV-1",
	}, asActor("tester"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
}

func TestTransitionAndApprovalFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, legacyAuth())
	defer cleanup()
	client := srv.Client()

	created := createInvoice(t, srv, "INV-1")
	base := srv.URL + "/v1/tasks/" + created.ID

	// pending cannot jump straight to completed
	res, data := doJSON(t, client, http.MethodPost, base+"/transition", map[string]any{"status": "completed"}, asActor("tester"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %q", body.Code)
	}

	for _, status := range []string{"scheduled", "in_progress", "awaiting_approval"} {
		res, data = doJSON(t, client, http.MethodPost, base+"/transition", map[string]any{"status": status}, asActor("tester"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("transition to %s: %d %s", status, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/approve", map[string]any{}, asActor("manager"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	var approved TaskResponse
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if approved.Status != "scheduled" {
		t.Fatalf("approval should reschedule, got %s", approved.Status)
	}
	if approved.ApprovedBy == nil || *approved.ApprovedBy != "manager" {
		t.Fatalf("approver not recorded: %+v", approved.ApprovedBy)
	}
}

func TestCancelLocksTask(t *testing.T) {
	srv, cleanup := newTestServer(t, legacyAuth())
	defer cleanup()
	client := srv.Client()

	created := createInvoice(t, srv, "INV-1")
	base := srv.URL + "/v1/tasks/" + created.ID

	res, data := doJSON(t, client, http.MethodPost, base+"/cancel", map[string]any{"reason": "paid offline"}, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/transition", map[string]any{"status": "scheduled"}, asActor("tester"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 after cancel, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "terminal_state" {
		t.Fatalf("expected terminal_state, got %q", body.Code)
	}
}

func TestTaskEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, legacyAuth())
	defer cleanup()
	client := srv.Client()

	created := createInvoice(t, srv, "INV-1")
	doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/transition", map[string]any{"status": "scheduled"}, asActor("tester"))

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/"+created.ID+"/events", nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	// newest first
	if events[0].EventType != "task.status.changed" || events[1].EventType != "task.created" {
		t.Fatalf("unexpected ordering: %s then %s", events[0].EventType, events[1].EventType)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/nope/events", nil, asActor("tester"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d: %s", res.StatusCode, string(data))
	}
}

func TestRequestsWithoutCredentialsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "s3cret"})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "unauthorized" {
		t.Fatalf("expected unauthorized, got %q", body.Code)
	}

	// legacy header is ignored unless explicitly enabled
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, asActor("tester"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with legacy header disabled, got %d: %s", res.StatusCode, string(data))
	}
}

func TestJWTAuthentication(t *testing.T) {
	secret := "s3cret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":        "alice",
		"actor_type": "human",
		"exp":        time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with jwt, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad jwt, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %q", body.Code)
	}
}

func TestHealthRequiresNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "s3cret"})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestStatusCounts(t *testing.T) {
	srv, cleanup := newTestServer(t, legacyAuth())
	defer cleanup()

	createInvoice(t, srv, "INV-1")
	createInvoice(t, srv, "INV-2")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/status", nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", res.StatusCode, string(data))
	}
	var body struct {
		TaskCounts map[string]int `json:"task_counts"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if body.TaskCounts["pending"] != 2 {
		t.Fatalf("expected 2 pending, got %+v", body.TaskCounts)
	}
}

package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bborn/dispatch/internal/db"
	"github.com/bborn/dispatch/internal/execution"
	"github.com/bborn/dispatch/internal/orchestrator"
	"github.com/bborn/dispatch/internal/outcome"
	"github.com/bborn/dispatch/internal/webhook"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

type fakeSpawner struct {
	mu        sync.Mutex
	err       error
	destroyed []string
}

func (f *fakeSpawner) Spawn(ctx context.Context, req orchestrator.SpawnRequest) (*orchestrator.SpawnResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &orchestrator.SpawnResult{
		SandboxName:   fmt.Sprintf("task-%d-100", req.Task.ID),
		WebhookSecret: req.WebhookSecret,
		BranchName:    req.BranchName,
	}, nil
}

func (f *fakeSpawner) Destroy(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, name)
	return nil
}

type testEnv struct {
	db      *db.DB
	server  *Server
	spawner *fakeSpawner
	handler http.Handler
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	logger := log.NewWithOptions(io.Discard, log.Options{})
	recorder := outcome.NewRecorder(database, logger)
	spawner := &fakeSpawner{}
	svc := execution.New(database, recorder, execution.Options{Spawner: spawner, Logger: logger})
	t.Cleanup(svc.Close)

	server := New(Config{
		Addr:      ":0",
		DB:        database,
		Execution: svc,
		Webhook:   webhook.NewHandler(database, recorder, spawner, logger),
		Logger:    logger,
	})
	recorder.AddNotifier(server.Hub())

	return &testEnv{db: database, server: server, spawner: spawner, handler: server.Handler()}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createTask(t *testing.T) int64 {
	t.Helper()
	if w := e.do(t, "POST", "/projects", `{"name":"app","repo_url":"https://github.com/acme/app.git","access_token":"ghs_secret"}`); w.Code != http.StatusCreated {
		t.Fatalf("create project: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	w := e.do(t, "POST", "/tasks", `{"title":"Fix login bug","body":"Users cannot log in","project":"app"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create task: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var task TaskResponse
	if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
		t.Fatalf("failed to decode task: %v", err)
	}
	if task.Status != db.StatusBacklog {
		t.Errorf("expected status 'backlog', got '%s'", task.Status)
	}
	return task.ID
}

func (e *testEnv) execute(t *testing.T, taskID int64) execution.Started {
	t.Helper()
	w := e.do(t, "POST", fmt.Sprintf("/tasks/%d/execute", taskID), "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("execute: expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var started execution.Started
	if err := json.Unmarshal(w.Body.Bytes(), &started); err != nil {
		t.Fatalf("failed to decode execute response: %v", err)
	}
	return started
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, "GET", "/health", "")
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Errorf("expected 200 ok, got %d %q", w.Code, w.Body.String())
	}
}

func TestExecuteAndGetSession(t *testing.T) {
	env := setupTestServer(t)
	taskID := env.createTask(t)

	started := env.execute(t, taskID)
	if started.SessionID == "" || started.SandboxName != fmt.Sprintf("task-%d-100", taskID) {
		t.Fatalf("unexpected execute response %+v", started)
	}

	w := env.do(t, "GET", "/sessions/"+started.SessionID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	stored, _ := env.db.GetSession(started.SessionID)
	if strings.Contains(w.Body.String(), stored.WebhookSecret) || strings.Contains(w.Body.String(), "secret") {
		t.Error("session response must not expose the webhook secret")
	}
	var session SessionResponse
	json.Unmarshal(w.Body.Bytes(), &session)
	if session.Status != db.SessionInProgress || session.BranchName != started.BranchName {
		t.Errorf("unexpected session %+v", session)
	}

	w = env.do(t, "GET", fmt.Sprintf("/tasks/%d/sessions", taskID), "")
	var sessions []*SessionResponse
	json.Unmarshal(w.Body.Bytes(), &sessions)
	if len(sessions) != 1 {
		t.Errorf("expected 1 session, got %d", len(sessions))
	}
}

func TestExecuteErrors(t *testing.T) {
	env := setupTestServer(t)
	taskID := env.createTask(t)

	if w := env.do(t, "POST", "/tasks/999/execute", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown task: expected 404, got %d", w.Code)
	}
	if w := env.do(t, "POST", fmt.Sprintf("/tasks/%d/execute", taskID), `{"mode":"local"}`); w.Code != http.StatusBadRequest {
		t.Errorf("disabled mode: expected 400, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/tasks/abc/execute", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", w.Code)
	}

	env.spawner.err = &orchestrator.ExecutionError{Op: "spawn", Err: fmt.Errorf("%w: no public base URL", orchestrator.ErrConfig)}
	if w := env.do(t, "POST", fmt.Sprintf("/tasks/%d/execute", taskID), ""); w.Code != http.StatusBadRequest {
		t.Errorf("config error: expected 400, got %d", w.Code)
	}

	env.spawner.err = &orchestrator.ExecutionError{Op: "create sandbox", Err: errors.New("quota exceeded")}
	if w := env.do(t, "POST", fmt.Sprintf("/tasks/%d/execute", taskID), ""); w.Code != http.StatusBadGateway {
		t.Errorf("provider error: expected 502, got %d", w.Code)
	}

	env.spawner.err = nil
	env.execute(t, taskID)
	if w := env.do(t, "POST", fmt.Sprintf("/tasks/%d/execute", taskID), ""); w.Code != http.StatusConflict {
		t.Errorf("active session: expected 409, got %d", w.Code)
	}
}

func TestCancelSession(t *testing.T) {
	env := setupTestServer(t)
	started := env.execute(t, env.createTask(t))

	w := env.do(t, "POST", "/sessions/"+started.SessionID+"/cancel", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var session SessionResponse
	json.Unmarshal(w.Body.Bytes(), &session)
	if session.Status != db.SessionError || session.ErrorMessage != execution.CancelMessage {
		t.Errorf("expected cancelled session, got %+v", session)
	}
	if len(env.spawner.destroyed) != 1 {
		t.Errorf("expected sandbox destroyed, got %v", env.spawner.destroyed)
	}

	if w := env.do(t, "POST", "/sessions/missing/cancel", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/sessions/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestWebhookCompletesAndBroadcasts(t *testing.T) {
	env := setupTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.server.Hub().Run(ctx)

	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.server.Hub().Clients() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	taskID := env.createTask(t)
	started := env.execute(t, taskID)
	stored, _ := env.db.GetSession(started.SessionID)

	body := fmt.Sprintf(`{"type":"completed","sessionId":"%s","taskId":"%d","summary":"Fixed login","stats":{"messageCount":3,"inputTokens":500,"outputTokens":120},"pullRequestUrl":"https://github.com/acme/app/pull/7"}`,
		started.SessionID, taskID)
	req, _ := http.NewRequest("POST", fmt.Sprintf("%s/webhooks/sandbox/%d", ts.URL, taskID), bytes.NewBufferString(body))
	req.Header.Set(webhook.SignatureHeader, webhook.Sign(stored.WebhookSecret, []byte(body)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("webhook request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("no completed session update received: %v", err)
		}
		var msg struct {
			Type string          `json:"type"`
			Data SessionResponse `json:"data"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("bad message: %v", err)
		}
		if msg.Type != MessageSessionUpdate {
			t.Errorf("unexpected message type %s", msg.Type)
		}
		if msg.Data.Status == db.SessionCompleted {
			if msg.Data.PullRequestURL != "https://github.com/acme/app/pull/7" {
				t.Errorf("unexpected pull request url %q", msg.Data.PullRequestURL)
			}
			break
		}
	}

	w := env.do(t, "GET", fmt.Sprintf("/tasks/%d", taskID), "")
	var task TaskResponse
	json.Unmarshal(w.Body.Bytes(), &task)
	if task.Status != db.StatusReview || task.PRUrl != "https://github.com/acme/app/pull/7" {
		t.Errorf("expected task in review with PR, got %s %q", task.Status, task.PRUrl)
	}
	if len(task.Comments) == 0 || !strings.Contains(task.Comments[len(task.Comments)-1].Content, "Fixed login") {
		t.Errorf("expected completion comment, got %+v", task.Comments)
	}
}

func TestProjectsHideAccessToken(t *testing.T) {
	env := setupTestServer(t)
	env.createTask(t)

	w := env.do(t, "GET", "/projects/app", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "ghs_secret") {
		t.Error("project response must not expose the access token")
	}
	var project ProjectResponse
	json.Unmarshal(w.Body.Bytes(), &project)
	if !project.HasAccessToken {
		t.Error("expected has_access_token")
	}

	// Updating without a token keeps the stored one
	w = env.do(t, "POST", "/projects", `{"name":"app","repo_url":"https://github.com/acme/app2.git"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("update project: expected 200, got %d", w.Code)
	}
	p, _ := env.db.GetProjectByName("app")
	if p.AccessToken != "ghs_secret" || p.RepoURL != "https://github.com/acme/app2.git" {
		t.Errorf("unexpected project after update %+v", p)
	}

	if w := env.do(t, "POST", "/projects", `{"name":"bad","repo_url":"git@github.com:acme/app.git"}`); w.Code != http.StatusBadRequest {
		t.Errorf("ssh url: expected 400, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/projects/none", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := setupTestServer(t)

	if w := env.do(t, "POST", "/tasks", `{"body":"no title"}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without title, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/tasks", `{"title":"x","project":"nope"}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown project, got %d", w.Code)
	}
}

func TestAddComment(t *testing.T) {
	env := setupTestServer(t)
	taskID := env.createTask(t)

	w := env.do(t, "POST", fmt.Sprintf("/tasks/%d/comments", taskID), `{"content":"Per account, please"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	comments, _ := env.db.ListComments(taskID)
	if len(comments) != 1 || comments[0].Author != db.AuthorUser {
		t.Errorf("expected one user comment, got %+v", comments)
	}

	if w := env.do(t, "POST", "/tasks/999/comments", `{"content":"x"}`); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := env.do(t, "POST", fmt.Sprintf("/tasks/%d/comments", taskID), `{"content":" "}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty content, got %d", w.Code)
	}
}

func TestDeleteTask(t *testing.T) {
	env := setupTestServer(t)
	taskID := env.createTask(t)
	started := env.execute(t, taskID)

	if w := env.do(t, "DELETE", fmt.Sprintf("/tasks/%d", taskID), ""); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 while session active, got %d", w.Code)
	}

	if w := env.do(t, "POST", "/sessions/"+started.SessionID+"/cancel", ""); w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := env.do(t, "DELETE", fmt.Sprintf("/tasks/%d", taskID), ""); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
	if w := env.do(t, "GET", fmt.Sprintf("/tasks/%d", taskID), ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}
	session, err := env.db.GetSession(started.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session != nil {
		t.Error("expected session to be deleted with its task")
	}
	if w := env.do(t, "DELETE", "/tasks/999", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing task, got %d", w.Code)
	}
}

package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bborn/dispatch/internal/db"
	"github.com/bborn/dispatch/internal/outcome"
	"github.com/charmbracelet/log"
)

type fakeDestroyer struct {
	mu        sync.Mutex
	destroyed []string
	err       error
}

func (f *fakeDestroyer) Destroy(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, name)
	return f.err
}

type testEnv struct {
	db        *db.DB
	destroyer *fakeDestroyer
	mux       *http.ServeMux
	task      *db.Task
	session   *db.Session
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	task := &db.Task{Title: "Fix bug"}
	if err := database.CreateTask(task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	database.UpdateTaskStatus(task.ID, db.StatusProcessing)

	session := &db.Session{TaskID: task.ID, WebhookSecret: "secret-1", BranchName: "task/1-fix-bug"}
	if err := database.CreateSession(session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	database.MarkSessionInProgress(session.ID, "task-1-100", "")

	logger := log.NewWithOptions(io.Discard, log.Options{})
	destroyer := &fakeDestroyer{}
	handler := NewHandler(database, outcome.NewRecorder(database, logger), destroyer, logger)

	mux := http.NewServeMux()
	mux.Handle("POST /webhooks/sandbox/{taskId}", handler)

	return &testEnv{db: database, destroyer: destroyer, mux: mux, task: task, session: session}
}

func (e *testEnv) post(taskID int64, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/webhooks/sandbox/%d", taskID), bytes.NewBufferString(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) postSigned(body string) *httptest.ResponseRecorder {
	return e.post(e.task.ID, body, signPayload([]byte(e.session.WebhookSecret), []byte(body)))
}

func (e *testEnv) completedBody() string {
	return fmt.Sprintf(`{"type":"completed","sessionId":"%s","taskId":"%d","summary":"Fixed the bug","stats":{"messageCount":3,"inputTokens":500,"outputTokens":120}}`,
		e.session.ID, e.task.ID)
}

func TestCompletedCallbackEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postSigned(env.completedBody())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Errorf("expected ok acknowledgement, got %s", rec.Body.String())
	}

	session, _ := env.db.GetSession(env.session.ID)
	if session.Status != db.SessionCompleted {
		t.Errorf("expected completed, got %s", session.Status)
	}
	if session.MessageCount != 3 || session.InputTokens != 500 || session.OutputTokens != 120 {
		t.Errorf("expected 3/500/120, got %d/%d/%d", session.MessageCount, session.InputTokens, session.OutputTokens)
	}

	task, _ := env.db.GetTask(env.task.ID)
	if task.Status != db.StatusReview {
		t.Errorf("expected task in review, got %s", task.Status)
	}

	comments, _ := env.db.ListComments(env.task.ID)
	if len(comments) != 1 || !strings.Contains(comments[0].Content, "Fixed the bug") {
		t.Errorf("expected one summary comment, got %+v", comments)
	}

	if len(env.destroyer.destroyed) != 1 || env.destroyer.destroyed[0] != "task-1-100" {
		t.Errorf("expected sandbox destroyed, got %v", env.destroyer.destroyed)
	}
}

func TestDuplicateAndLateCallbacksAreIgnored(t *testing.T) {
	env := newTestEnv(t)

	env.postSigned(env.completedBody())
	if rec := env.postSigned(env.completedBody()); rec.Code != http.StatusOK {
		t.Fatalf("duplicate completed should be acknowledged, got %d", rec.Code)
	}

	late := fmt.Sprintf(`{"type":"progress","sessionId":"%s","taskId":"%d","progress":{"message":"x","messageCount":1,"inputTokens":9999,"outputTokens":9999}}`,
		env.session.ID, env.task.ID)
	if rec := env.postSigned(late); rec.Code != http.StatusOK {
		t.Fatalf("late progress should be acknowledged, got %d", rec.Code)
	}

	failed := fmt.Sprintf(`{"type":"error","sessionId":"%s","taskId":"%d","error":"late failure"}`, env.session.ID, env.task.ID)
	env.postSigned(failed)

	session, _ := env.db.GetSession(env.session.ID)
	if session.Status != db.SessionCompleted {
		t.Errorf("expected first terminal status to stick, got %s", session.Status)
	}
	if session.InputTokens != 500 || session.OutputTokens != 120 {
		t.Errorf("late progress must not change usage, got %d/%d", session.InputTokens, session.OutputTokens)
	}

	comments, _ := env.db.ListComments(env.task.ID)
	if len(comments) != 1 {
		t.Errorf("expected exactly one comment, got %d", len(comments))
	}
	task, _ := env.db.GetTask(env.task.ID)
	if task.Status != db.StatusReview {
		t.Errorf("expected task to stay in review, got %s", task.Status)
	}
}

func TestSignatureRejections(t *testing.T) {
	env := newTestEnv(t)
	body := env.completedBody()

	flipped := []byte(body)
	flipped[5] ^= 0x01
	validSig := signPayload([]byte(env.session.WebhookSecret), []byte(body))

	cases := map[string]*httptest.ResponseRecorder{
		"flipped byte":   env.post(env.task.ID, string(flipped), validSig),
		"other secret":   env.post(env.task.ID, body, signPayload([]byte("secret-2"), []byte(body))),
		"missing header": env.post(env.task.ID, body, ""),
	}
	for name, rec := range cases {
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", name, rec.Code)
		}
	}

	session, _ := env.db.GetSession(env.session.ID)
	if session.Status != db.SessionInProgress {
		t.Errorf("rejected callbacks must not change state, got %s", session.Status)
	}
	if len(env.destroyer.destroyed) != 0 {
		t.Error("rejected callbacks must not destroy the sandbox")
	}
}

func TestPayloadTaskMismatch(t *testing.T) {
	env := newTestEnv(t)

	body := fmt.Sprintf(`{"type":"completed","sessionId":"%s","taskId":"%d","summary":"x"}`, env.session.ID, env.task.ID+1)
	rec := env.postSigned(body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	session, _ := env.db.GetSession(env.session.ID)
	if session.Status != db.SessionInProgress {
		t.Errorf("mismatched callback must not change state, got %s", session.Status)
	}
}

func TestUnknownTypeRejected(t *testing.T) {
	env := newTestEnv(t)
	body := fmt.Sprintf(`{"type":"finished","sessionId":"%s","taskId":"%d"}`, env.session.ID, env.task.ID)
	if rec := env.postSigned(body); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUnknownTaskAndMissingSecret(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.post(999, `{}`, "sha256=00"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for task without sessions, got %d", rec.Code)
	}
	if rec := env.post(0, `{}`, ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for task 0, got %d", rec.Code)
	}

	// A newer local session has no secret; sandbox callbacks for the task fail closed
	env.db.FinalizeSession(env.session.ID, db.Finalization{Status: db.SessionError, ErrorMessage: "stopped"})
	local := &db.Session{TaskID: env.task.ID, ExecutionMode: db.ModeLocal}
	if err := env.db.CreateSession(local); err != nil {
		t.Fatalf("failed to create local session: %v", err)
	}
	if rec := env.postSigned(env.completedBody()); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 when the session has no secret, got %d", rec.Code)
	}
}

func TestErrorCallbackBlocksTask(t *testing.T) {
	env := newTestEnv(t)

	body := fmt.Sprintf(`{"type":"error","sessionId":"%s","taskId":"%d","error":"Failed to clone repository (exit 128)"}`, env.session.ID, env.task.ID)
	if rec := env.postSigned(body); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	session, _ := env.db.GetSession(env.session.ID)
	if session.Status != db.SessionError || !strings.Contains(session.ErrorMessage, "clone") {
		t.Errorf("unexpected session %s %q", session.Status, session.ErrorMessage)
	}
	task, _ := env.db.GetTask(env.task.ID)
	if task.Status != db.StatusBlocked {
		t.Errorf("expected task blocked, got %s", task.Status)
	}
	if len(env.destroyer.destroyed) != 1 {
		t.Errorf("expected sandbox destroyed, got %v", env.destroyer.destroyed)
	}
}

func TestDestroyFailureStillAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	env.destroyer.err = fmt.Errorf("provider down")

	if rec := env.postSigned(env.completedBody()); rec.Code != http.StatusOK {
		t.Fatalf("destroy failure must not fail the callback, got %d", rec.Code)
	}
}

func TestQuestionAndProgressKeepSandbox(t *testing.T) {
	env := newTestEnv(t)

	question := fmt.Sprintf(`{"type":"question","sessionId":"%s","taskId":"%d","question":"Should I drop the legacy table?"}`, env.session.ID, env.task.ID)
	progress := fmt.Sprintf(`{"type":"progress","sessionId":"%s","taskId":"%d","progress":{"message":"working","messageCount":2,"inputTokens":40,"outputTokens":10}}`, env.session.ID, env.task.ID)
	started := fmt.Sprintf(`{"type":"started","sessionId":"%s","taskId":"%d","branchName":"task/1-fix-bug"}`, env.session.ID, env.task.ID)

	for _, body := range []string{started, question, progress} {
		if rec := env.postSigned(body); rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d for %s", rec.Code, body)
		}
	}

	if len(env.destroyer.destroyed) != 0 {
		t.Errorf("non-terminal callbacks must not destroy the sandbox, got %v", env.destroyer.destroyed)
	}
	session, _ := env.db.GetSession(env.session.ID)
	if session.Status != db.SessionInProgress || session.MessageCount != 2 || session.InputTokens != 40 {
		t.Errorf("unexpected session after progress: %+v", session)
	}
	comments, _ := env.db.ListComments(env.task.ID)
	if len(comments) != 2 {
		t.Errorf("expected started and question comments, got %d", len(comments))
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	env := newTestEnv(t)

	summary := strings.Repeat("x", maxBodySize)
	body := fmt.Sprintf(`{"type":"completed","sessionId":"%s","taskId":"%d","summary":"%s"}`, env.session.ID, env.task.ID, summary)
	if rec := env.postSigned(body); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}

	session, _ := env.db.GetSession(env.session.ID)
	if session.Status != db.SessionInProgress {
		t.Errorf("expected session untouched, got %s", session.Status)
	}
}

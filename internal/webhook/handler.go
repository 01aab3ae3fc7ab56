// Package webhook receives signed callbacks from run-scripts inside sandboxes.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/bborn/dispatch/internal/db"
	"github.com/bborn/dispatch/internal/outcome"
	"github.com/charmbracelet/log"
)

const maxBodySize = 1 << 20

var (
	// ErrPayloadMismatch is returned when the payload names a different task.
	ErrPayloadMismatch = errors.New("callback task does not match session")
	// ErrMissingSecret is returned when the resolved session has no secret to verify against.
	ErrMissingSecret = errors.New("session has no webhook secret")
)

// Destroyer tears down sandboxes.
type Destroyer interface {
	Destroy(ctx context.Context, name string) error
}

// Handler serves POST /webhooks/sandbox/{taskId}.
type Handler struct {
	db        *db.DB
	recorder  *outcome.Recorder
	destroyer Destroyer
	logger    *log.Logger
}

// NewHandler creates a callback handler.
func NewHandler(database *db.DB, recorder *outcome.Recorder, destroyer Destroyer, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "webhook"})
	}
	return &Handler{db: database, recorder: recorder, destroyer: destroyer, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	taskID, err := strconv.ParseInt(r.PathValue("taskId"), 10, 64)
	if err != nil {
		jsonError(w, "invalid task ID", http.StatusBadRequest)
		return
	}

	// Signature verification needs the exact raw bytes
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("rejecting callback", "task", taskID, "limit", tooLarge.Limit, "error", "body too large")
			jsonError(w, "body too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.logger.Error("failed to read callback body", "task", taskID, "error", err)
		jsonError(w, "failed to read body", http.StatusInternalServerError)
		return
	}

	// The session comes from the task, never from the payload
	session, err := h.db.GetLatestSessionForTask(taskID)
	if err != nil {
		h.logger.Error("failed to resolve session", "task", taskID, "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if session == nil {
		jsonError(w, "no session for task", http.StatusNotFound)
		return
	}
	if session.WebhookSecret == "" {
		h.logger.Warn("rejecting callback", "task", taskID, "session", session.ID, "error", ErrMissingSecret)
		jsonError(w, ErrMissingSecret.Error(), http.StatusBadRequest)
		return
	}

	if err := Verify(session.WebhookSecret, body, r.Header.Get(SignatureHeader)); err != nil {
		h.logger.Warn("rejecting callback", "task", taskID, "remote_addr", r.RemoteAddr, "error", err)
		jsonError(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	cb, err := Decode(body)
	if err != nil {
		h.logger.Warn("rejecting callback", "task", taskID, "error", err)
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	env := cb.envelope()
	if !env.TaskID.Matches(session.TaskID) {
		h.logger.Warn("rejecting callback", "task", taskID, "payload_task", env.TaskID, "error", ErrPayloadMismatch)
		jsonError(w, ErrPayloadMismatch.Error(), http.StatusBadRequest)
		return
	}
	if env.SessionID != "" && env.SessionID != session.ID {
		h.logger.Debug("callback names an older session", "session", session.ID, "payload_session", env.SessionID)
	}

	h.logger.Debug("callback received", "type", env.Type, "task", taskID, "session", session.ID)

	if err := h.dispatch(r.Context(), session, cb); err != nil {
		h.logger.Error("failed to process callback", "type", env.Type, "session", session.ID, "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	jsonResponse(w, map[string]bool{"ok": true})
}

func (h *Handler) dispatch(ctx context.Context, session *db.Session, cb Callback) error {
	switch p := cb.(type) {
	case *Started:
		return h.recorder.Started(session, p.BranchName)

	case *Progress:
		_, err := h.recorder.Progress(session, p.Progress.Usage(), p.Progress.Message)
		return err

	case *Completed:
		if _, err := h.recorder.Complete(session, outcome.Completion{
			Summary:        p.Summary,
			PullRequestURL: p.PullRequestURL,
			Usage:          p.Stats,
		}); err != nil {
			return err
		}
		h.release(ctx, session)
		return nil

	case *Failed:
		if _, err := h.recorder.Fail(session, p.Error); err != nil {
			return err
		}
		h.release(ctx, session)
		return nil

	case *Question:
		return h.recorder.Question(session, p.Question)
	}
	return ErrUnknownType
}

// release destroys the session's sandbox. Redelivered terminal callbacks
// retry the destroy, which is idempotent. Failures are left to the reaper.
func (h *Handler) release(ctx context.Context, session *db.Session) {
	if h.destroyer == nil || session.SandboxName == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := h.destroyer.Destroy(ctx, session.SandboxName); err != nil {
		h.logger.Warn("failed to destroy sandbox", "sandbox", session.SandboxName, "error", err)
		return
	}
	h.logger.Info("sandbox released", "sandbox", session.SandboxName, "session", session.ID)
}

func jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

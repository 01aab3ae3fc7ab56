package webapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bborn/dispatch/internal/db"
	"github.com/bborn/dispatch/internal/execution"
	"github.com/bborn/dispatch/internal/orchestrator"
)

// SessionResponse represents a session in JSON responses. The webhook secret is never exposed.
type SessionResponse struct {
	ID             string     `json:"id"`
	TaskID         int64      `json:"task_id"`
	Status         string     `json:"status"`
	ExecutionMode  string     `json:"execution_mode"`
	SandboxName    string     `json:"sandbox_name,omitempty"`
	BranchName     string     `json:"branch_name,omitempty"`
	MessageCount   int64      `json:"message_count"`
	InputTokens    int64      `json:"input_tokens"`
	OutputTokens   int64      `json:"output_tokens"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	Logs           string     `json:"logs,omitempty"`
	PullRequestURL string     `json:"pull_request_url,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func sessionToResponse(s *db.Session) *SessionResponse {
	return &SessionResponse{
		ID:             s.ID,
		TaskID:         s.TaskID,
		Status:         s.Status,
		ExecutionMode:  s.ExecutionMode,
		SandboxName:    s.SandboxName,
		BranchName:     s.BranchName,
		MessageCount:   s.MessageCount,
		InputTokens:    s.InputTokens,
		OutputTokens:   s.OutputTokens,
		ErrorMessage:   s.ErrorMessage,
		Logs:           s.Logs,
		PullRequestURL: s.PullRequestURL,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
		CompletedAt:    s.CompletedAt,
	}
}

// ExecuteRequest represents a request to run a task.
type ExecuteRequest struct {
	Mode string `json:"mode,omitempty"` // "sandbox" (default) or "local"
}

// handleExecute handles POST /tasks/{id}/execute
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id, err := getIDParam(r)
	if err != nil {
		jsonError(w, "Invalid task ID", http.StatusBadRequest)
		return
	}

	var req ExecuteRequest
	if err := parseJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	started, err := s.execution.Execute(r.Context(), id, req.Mode)
	if err != nil {
		status := executeErrorStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("execute failed", "task", id, "error", err)
			jsonError(w, "Failed to execute task", status)
			return
		}
		s.logger.Warn("execute rejected", "task", id, "status", status, "error", err)
		jsonError(w, err.Error(), status)
		return
	}

	jsonResponse(w, started, http.StatusAccepted)
}

func executeErrorStatus(err error) int {
	var execErr *orchestrator.ExecutionError
	switch {
	case errors.Is(err, execution.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, execution.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, execution.ErrUnknownMode),
		errors.Is(err, execution.ErrModeDisabled),
		errors.Is(err, orchestrator.ErrConfig):
		return http.StatusBadRequest
	case errors.As(err, &execErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// handleGetSession handles GET /sessions/{id}
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.execution.Status(r.PathValue("id"))
	if errors.Is(err, execution.ErrSessionNotFound) {
		jsonError(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("get session failed", "error", err)
		jsonError(w, "Failed to get session", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, sessionToResponse(session), http.StatusOK)
}

// handleCancelSession handles POST /sessions/{id}/cancel
func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.execution.Cancel(r.Context(), r.PathValue("id"))
	if errors.Is(err, execution.ErrSessionNotFound) {
		jsonError(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("cancel session failed", "error", err)
		jsonError(w, "Failed to cancel session", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, sessionToResponse(session), http.StatusOK)
}

// handleListSessions handles GET /tasks/{id}/sessions
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	id, err := getIDParam(r)
	if err != nil {
		jsonError(w, "Invalid task ID", http.StatusBadRequest)
		return
	}

	sessions, err := s.db.ListSessionsForTask(id)
	if err != nil {
		s.logger.Error("list sessions failed", "task", id, "error", err)
		jsonError(w, "Failed to list sessions", http.StatusInternalServerError)
		return
	}

	responses := make([]*SessionResponse, len(sessions))
	for i, session := range sessions {
		responses[i] = sessionToResponse(session)
	}
	jsonResponse(w, responses, http.StatusOK)
}

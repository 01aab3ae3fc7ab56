package webapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bborn/dispatch/internal/db"
)

// TaskResponse represents a task in JSON responses.
type TaskResponse struct {
	ID          int64              `json:"id"`
	Title       string             `json:"title"`
	Body        string             `json:"body"`
	Status      string             `json:"status"`
	Project     string             `json:"project"`
	BranchName  string             `json:"branch_name,omitempty"`
	PRUrl       string             `json:"pr_url,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Comments    []*CommentResponse `json:"comments,omitempty"`
}

// CommentResponse represents a task comment in JSON responses.
type CommentResponse struct {
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func taskToResponse(t *db.Task) *TaskResponse {
	return &TaskResponse{
		ID:          t.ID,
		Title:       t.Title,
		Body:        t.Body,
		Status:      t.Status,
		Project:     t.Project,
		BranchName:  t.BranchName,
		PRUrl:       t.PRURL,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
}

// CreateTaskRequest represents a request to create a task.
type CreateTaskRequest struct {
	Title   string `json:"title"`
	Body    string `json:"body,omitempty"`
	Project string `json:"project,omitempty"`
}

// handleCreateTask handles POST /tasks
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := parseJSON(r, &req); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		jsonError(w, "Title is required", http.StatusBadRequest)
		return
	}

	task := &db.Task{Title: req.Title, Body: req.Body, Project: req.Project}
	if err := s.db.CreateTask(task); err != nil {
		if errors.Is(err, db.ErrProjectNotFound) {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error("create task failed", "error", err)
		jsonError(w, "Failed to create task", http.StatusInternalServerError)
		return
	}

	// Re-fetch for database defaults
	created, err := s.db.GetTask(task.ID)
	if err != nil || created == nil {
		jsonResponse(w, taskToResponse(task), http.StatusCreated)
		return
	}
	jsonResponse(w, taskToResponse(created), http.StatusCreated)
}

// handleGetTask handles GET /tasks/{id}
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := getIDParam(r)
	if err != nil {
		jsonError(w, "Invalid task ID", http.StatusBadRequest)
		return
	}

	task, err := s.db.GetTask(id)
	if err != nil {
		s.logger.Error("get task failed", "id", id, "error", err)
		jsonError(w, "Failed to get task", http.StatusInternalServerError)
		return
	}
	if task == nil {
		jsonError(w, "Task not found", http.StatusNotFound)
		return
	}

	resp := taskToResponse(task)
	comments, err := s.db.ListComments(id)
	if err != nil {
		s.logger.Error("list comments failed", "id", id, "error", err)
	}
	for _, c := range comments {
		resp.Comments = append(resp.Comments, &CommentResponse{Author: c.Author, Content: c.Content, CreatedAt: c.CreatedAt})
	}
	jsonResponse(w, resp, http.StatusOK)
}

// AddCommentRequest represents a human reply on a task, fed into the next run's prompt.
type AddCommentRequest struct {
	Content string `json:"content"`
}

// handleAddComment handles POST /tasks/{id}/comments
func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	id, err := getIDParam(r)
	if err != nil {
		jsonError(w, "Invalid task ID", http.StatusBadRequest)
		return
	}

	var req AddCommentRequest
	if err := parseJSON(r, &req); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		jsonError(w, "Content is required", http.StatusBadRequest)
		return
	}

	task, err := s.db.GetTask(id)
	if err != nil {
		jsonError(w, "Failed to get task", http.StatusInternalServerError)
		return
	}
	if task == nil {
		jsonError(w, "Task not found", http.StatusNotFound)
		return
	}

	if err := s.db.AppendComment(id, db.AuthorUser, req.Content); err != nil {
		s.logger.Error("add comment failed", "id", id, "error", err)
		jsonError(w, "Failed to add comment", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]bool{"ok": true}, http.StatusCreated)
}

// handleDeleteTask handles DELETE /tasks/{id}
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := getIDParam(r)
	if err != nil {
		jsonError(w, "Invalid task ID", http.StatusBadRequest)
		return
	}

	task, err := s.db.GetTask(id)
	if err != nil {
		jsonError(w, "Failed to get task", http.StatusInternalServerError)
		return
	}
	if task == nil {
		jsonError(w, "Task not found", http.StatusNotFound)
		return
	}

	// A running sandbox would lose its session row and never be reaped
	active, err := s.db.GetActiveSessionForTask(id)
	if err != nil {
		jsonError(w, "Failed to get task", http.StatusInternalServerError)
		return
	}
	if active != nil {
		jsonError(w, "Task has an active session; cancel it first", http.StatusConflict)
		return
	}

	if err := s.db.DeleteTask(id); err != nil {
		s.logger.Error("delete task failed", "id", id, "error", err)
		jsonError(w, "Failed to delete task", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

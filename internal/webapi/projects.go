package webapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/bborn/dispatch/internal/db"
)

// ProjectResponse represents a project in JSON responses. The access token is never exposed.
type ProjectResponse struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	RepoURL        string    `json:"repo_url"`
	HasAccessToken bool      `json:"has_access_token"`
	SetupScript    string    `json:"setup_script,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func projectToResponse(p *db.Project) *ProjectResponse {
	return &ProjectResponse{
		ID:             p.ID,
		Name:           p.Name,
		RepoURL:        p.RepoURL,
		HasAccessToken: p.AccessToken != "",
		SetupScript:    p.SetupScript,
		CreatedAt:      p.CreatedAt,
	}
}

// CreateProjectRequest represents a request to create or replace a project.
type CreateProjectRequest struct {
	Name        string `json:"name"`
	RepoURL     string `json:"repo_url"`
	AccessToken string `json:"access_token,omitempty"`
	SetupScript string `json:"setup_script,omitempty"`
}

// handleCreateProject handles POST /projects. An existing project of the same name is updated.
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := parseJSON(r, &req); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Name == "" {
		jsonError(w, "Name is required", http.StatusBadRequest)
		return
	}
	if !strings.HasPrefix(req.RepoURL, "https://") {
		jsonError(w, "repo_url must be an https clone URL", http.StatusBadRequest)
		return
	}

	existing, err := s.db.GetProjectByName(req.Name)
	if err != nil {
		s.logger.Error("get project failed", "name", req.Name, "error", err)
		jsonError(w, "Failed to save project", http.StatusInternalServerError)
		return
	}

	project := &db.Project{
		Name:        req.Name,
		RepoURL:     req.RepoURL,
		AccessToken: req.AccessToken,
		SetupScript: req.SetupScript,
	}
	status := http.StatusCreated
	if existing != nil {
		project.ID = existing.ID
		if project.AccessToken == "" {
			project.AccessToken = existing.AccessToken
		}
		err = s.db.UpdateProject(project)
		status = http.StatusOK
	} else {
		err = s.db.CreateProject(project)
	}
	if err != nil {
		s.logger.Error("save project failed", "name", req.Name, "error", err)
		jsonError(w, "Failed to save project", http.StatusInternalServerError)
		return
	}

	saved, err := s.db.GetProjectByName(req.Name)
	if err != nil || saved == nil {
		jsonResponse(w, projectToResponse(project), status)
		return
	}
	jsonResponse(w, projectToResponse(saved), status)
}

// handleGetProject handles GET /projects/{name}
func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.db.GetProjectByName(r.PathValue("name"))
	if err != nil {
		s.logger.Error("get project failed", "error", err)
		jsonError(w, "Failed to get project", http.StatusInternalServerError)
		return
	}
	if project == nil {
		jsonError(w, "Project not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, projectToResponse(project), http.StatusOK)
}

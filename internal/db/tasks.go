package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Task represents a task in the database.
type Task struct {
	ID          int64
	Title       string
	Body        string
	Status      string
	Project     string
	BranchName  string // Git branch the agent works on; reused across attempts
	PRURL       string // Pull request URL reported by the agent
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Task statuses
const (
	StatusBacklog    = "backlog"    // Created but not yet started
	StatusQueued     = "queued"     // Waiting to be processed
	StatusProcessing = "processing" // Currently being executed
	StatusReview     = "review"     // Agent finished, awaiting human review
	StatusBlocked    = "blocked"    // Needs input or failed
	StatusDone       = "done"       // Completed
)

// ErrProjectNotFound is returned when a task is created with a non-existent project.
var ErrProjectNotFound = fmt.Errorf("project not found")

// CreateTask creates a new task.
func (db *DB) CreateTask(t *Task) error {
	if t.Status == "" {
		t.Status = StatusBacklog
	}

	// Validate that the project exists
	if t.Project != "" {
		project, err := db.GetProjectByName(t.Project)
		if err != nil {
			return fmt.Errorf("validate project: %w", err)
		}
		if project == nil {
			return fmt.Errorf("%w: %s", ErrProjectNotFound, t.Project)
		}
	}

	result, err := db.Exec(`
		INSERT INTO tasks (title, body, status, project, branch_name)
		VALUES (?, ?, ?, ?, ?)
	`, t.Title, t.Body, t.Status, t.Project, t.BranchName)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	t.ID = id
	return nil
}

// GetTask retrieves a task by ID.
func (db *DB) GetTask(id int64) (*Task, error) {
	t := &Task{}
	var startedAt, completedAt sql.NullTime
	err := db.QueryRow(`
		SELECT id, title, body, status, project, COALESCE(branch_name, ''), COALESCE(pr_url, ''),
		       created_at, updated_at, started_at, completed_at
		FROM tasks WHERE id = ?
	`, id).Scan(
		&t.ID, &t.Title, &t.Body, &t.Status, &t.Project, &t.BranchName, &t.PRURL,
		&t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

// UpdateTaskStatus updates a task's status.
func (db *DB) UpdateTaskStatus(id int64, status string) error {
	return setTaskStatus(db, id, status)
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func setTaskStatus(e execer, id int64, status string) error {
	query := "UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP"
	args := []interface{}{status}

	switch status {
	case StatusProcessing:
		query += ", started_at = CURRENT_TIMESTAMP, completed_at = NULL"
	case StatusDone, StatusReview, StatusBlocked:
		query += ", completed_at = CURRENT_TIMESTAMP"
	}

	query += " WHERE id = ?"
	args = append(args, id)

	if _, err := e.Exec(query, args...); err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

// UpdateTaskBranch records the branch an execution works on.
func (db *DB) UpdateTaskBranch(id int64, branchName string) error {
	_, err := db.Exec(`
		UPDATE tasks SET branch_name = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, branchName, id)
	if err != nil {
		return fmt.Errorf("update task branch: %w", err)
	}
	return nil
}

// DeleteTask deletes a task. Sessions and comments go with it.
func (db *DB) DeleteTask(id int64) error {
	_, err := db.Exec("DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// Project represents a repository that tasks are executed against.
type Project struct {
	ID          int64
	Name        string
	RepoURL     string // HTTPS clone URL
	AccessToken string // Scoped git credential injected into the clone URL
	SetupScript string // Optional per-project sandbox setup override
	CreatedAt   time.Time
}

// CreateProject creates a new project.
func (db *DB) CreateProject(p *Project) error {
	result, err := db.Exec(`
		INSERT INTO projects (name, repo_url, access_token, setup_script)
		VALUES (?, ?, ?, ?)
	`, p.Name, p.RepoURL, p.AccessToken, p.SetupScript)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	p.ID = id
	return nil
}

// UpdateProject updates a project's repository settings.
func (db *DB) UpdateProject(p *Project) error {
	_, err := db.Exec(`
		UPDATE projects SET name = ?, repo_url = ?, access_token = ?, setup_script = ?
		WHERE id = ?
	`, p.Name, p.RepoURL, p.AccessToken, p.SetupScript, p.ID)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return nil
}

// GetProjectByName retrieves a project by name.
func (db *DB) GetProjectByName(name string) (*Project, error) {
	p := &Project{}
	err := db.QueryRow(`
		SELECT id, name, COALESCE(repo_url, ''), COALESCE(access_token, ''), COALESCE(setup_script, ''), created_at
		FROM projects WHERE name = ?
	`, name).Scan(&p.ID, &p.Name, &p.RepoURL, &p.AccessToken, &p.SetupScript, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query project: %w", err)
	}
	return p, nil
}

// GetSetting retrieves a setting value.
func (db *DB) GetSetting(key string) (string, error) {
	var value string
	err := db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query setting: %w", err)
	}
	return value, nil
}

// SetSetting sets a setting value.
func (db *DB) SetSetting(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("save setting: %w", err)
	}
	return nil
}

package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrSessionActive is returned by CreateSession when the task already has a
// pending or in-progress session.
var ErrSessionActive = errors.New("task already has an active session")

// Session statuses
const (
	SessionPending    = "pending"     // Created, nothing launched yet
	SessionInProgress = "in_progress" // Sandbox or local agent is running
	SessionCompleted  = "completed"   // Terminal: agent finished
	SessionError      = "error"       // Terminal: setup failure, agent failure or timeout
)

// Execution modes
const (
	ModeSandbox = "sandbox" // Remote sprite, completion reported by signed webhooks
	ModeLocal   = "local"   // Local agent runtime, completion observed on its event stream
)

// IsTerminalStatus reports whether no further transition is valid from status.
func IsTerminalStatus(status string) bool {
	return status == SessionCompleted || status == SessionError
}

// Session is one execution attempt of one task.
type Session struct {
	ID             string
	TaskID         int64
	Status         string
	ExecutionMode  string
	SandboxName    string // Empty until the sandbox exists
	AgentSessionID string // Local agent runtime session handle
	WebhookSecret  string
	BranchName     string
	MessageCount   int64
	InputTokens    int64
	OutputTokens   int64
	ErrorMessage   string
	Logs           string
	PullRequestURL string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// IsTerminal reports whether the session reached completed or error.
func (s *Session) IsTerminal() bool {
	return IsTerminalStatus(s.Status)
}

// Usage holds cumulative agent usage counters.
type Usage struct {
	MessageCount int64 `json:"messageCount"`
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Finalization describes the terminal state written by FinalizeSession.
type Finalization struct {
	Status         string // SessionCompleted or SessionError
	ErrorMessage   string
	Logs           string
	PullRequestURL string
	Usage          *Usage // Optional final usage

	// TaskStatus, when set, moves the session's task in the same transaction.
	// A pull request URL is copied onto the task as well.
	TaskStatus string
}

const sessionColumns = `id, task_id, status, execution_mode, COALESCE(sandbox_name, ''),
	COALESCE(agent_session_id, ''), COALESCE(webhook_secret, ''), COALESCE(branch_name, ''),
	message_count, input_tokens, output_tokens,
	COALESCE(error_message, ''), COALESCE(logs, ''), COALESCE(pull_request_url, ''),
	created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	s := &Session{}
	var completedAt sql.NullTime
	err := row.Scan(
		&s.ID, &s.TaskID, &s.Status, &s.ExecutionMode, &s.SandboxName,
		&s.AgentSessionID, &s.WebhookSecret, &s.BranchName,
		&s.MessageCount, &s.InputTokens, &s.OutputTokens,
		&s.ErrorMessage, &s.Logs, &s.PullRequestURL,
		&s.CreatedAt, &s.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}
	return s, nil
}

// CreateSession inserts a new session in the pending state.
// ID is generated when empty.
func (db *DB) CreateSession(s *Session) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.ExecutionMode == "" {
		s.ExecutionMode = ModeSandbox
	}
	if s.ExecutionMode == ModeSandbox && s.WebhookSecret == "" {
		return fmt.Errorf("sandbox session requires a webhook secret")
	}
	s.Status = SessionPending
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	_, err := db.Exec(`
		INSERT INTO execution_sessions (id, task_id, status, execution_mode, webhook_secret, branch_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.TaskID, s.Status, s.ExecutionMode, s.WebhookSecret, s.BranchName, now, now)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: task %d", ErrSessionActive, s.TaskID)
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (db *DB) GetSession(id string) (*Session, error) {
	s, err := scanSession(db.QueryRow(`SELECT `+sessionColumns+` FROM execution_sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return s, nil
}

// GetLatestSessionForTask returns the most recently created session for a task.
func (db *DB) GetLatestSessionForTask(taskID int64) (*Session, error) {
	s, err := scanSession(db.QueryRow(`
		SELECT `+sessionColumns+` FROM execution_sessions
		WHERE task_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, taskID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest session: %w", err)
	}
	return s, nil
}

// GetActiveSessionForTask returns the task's pending or in-progress session, if any.
func (db *DB) GetActiveSessionForTask(taskID int64) (*Session, error) {
	s, err := scanSession(db.QueryRow(`
		SELECT `+sessionColumns+` FROM execution_sessions
		WHERE task_id = ? AND status IN (?, ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, taskID, SessionPending, SessionInProgress))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active session: %w", err)
	}
	return s, nil
}

// ListSessionsForTask returns all sessions for a task, newest first.
func (db *DB) ListSessionsForTask(taskID int64) ([]*Session, error) {
	rows, err := db.Query(`
		SELECT `+sessionColumns+` FROM execution_sessions
		WHERE task_id = ?
		ORDER BY created_at DESC, rowid DESC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()
	return scanSessionRows(rows)
}

// ListStaleSessions returns in-progress sessions of the given mode created before olderThan.
func (db *DB) ListStaleSessions(mode string, olderThan time.Time) ([]*Session, error) {
	rows, err := db.Query(`
		SELECT `+sessionColumns+` FROM execution_sessions
		WHERE status = ? AND execution_mode = ? AND created_at < ?
		ORDER BY created_at ASC
	`, SessionInProgress, mode, olderThan.UTC())
	if err != nil {
		return nil, fmt.Errorf("query stale sessions: %w", err)
	}
	defer rows.Close()
	return scanSessionRows(rows)
}

func scanSessionRows(rows *sql.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// MarkSessionInProgress moves a pending session to in_progress once its run is launched.
// It reports false when the session was no longer pending.
func (db *DB) MarkSessionInProgress(id, sandboxName, agentSessionID string) (bool, error) {
	result, err := db.Exec(`
		UPDATE execution_sessions
		SET status = ?, sandbox_name = NULLIF(?, ''), agent_session_id = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, SessionInProgress, sandboxName, agentSessionID, time.Now().UTC(), id, SessionPending)
	if err != nil {
		return false, fmt.Errorf("mark session in progress: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

// UpdateSessionProgress stores cumulative usage for a non-terminal session.
// Counters never decrease. It reports false when the session is already terminal.
func (db *DB) UpdateSessionProgress(id string, usage Usage) (bool, error) {
	result, err := db.Exec(`
		UPDATE execution_sessions
		SET message_count = MAX(message_count, ?),
		    input_tokens = MAX(input_tokens, ?),
		    output_tokens = MAX(output_tokens, ?),
		    updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, usage.MessageCount, usage.InputTokens, usage.OutputTokens, time.Now().UTC(),
		id, SessionPending, SessionInProgress)
	if err != nil {
		return false, fmt.Errorf("update session progress: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

// FinalizeSession moves a non-terminal session to a terminal status.
// The first terminal write wins; later calls report false and change nothing.
func (db *DB) FinalizeSession(id string, f Finalization) (bool, error) {
	if !IsTerminalStatus(f.Status) {
		return false, fmt.Errorf("finalize session: %q is not a terminal status", f.Status)
	}

	var usage Usage
	if f.Usage != nil {
		usage = *f.Usage
	}
	now := time.Now().UTC()

	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("finalize session: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE execution_sessions
		SET status = ?,
		    error_message = ?,
		    logs = CASE WHEN ? = '' THEN logs ELSE ? END,
		    pull_request_url = CASE WHEN ? = '' THEN pull_request_url ELSE ? END,
		    message_count = MAX(message_count, ?),
		    input_tokens = MAX(input_tokens, ?),
		    output_tokens = MAX(output_tokens, ?),
		    updated_at = ?,
		    completed_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, f.Status, f.ErrorMessage,
		f.Logs, f.Logs,
		f.PullRequestURL, f.PullRequestURL,
		usage.MessageCount, usage.InputTokens, usage.OutputTokens,
		now, now,
		id, SessionPending, SessionInProgress)
	if err != nil {
		return false, fmt.Errorf("finalize session: %w", err)
	}
	if n, _ := result.RowsAffected(); n != 1 {
		return false, nil
	}

	if f.TaskStatus != "" {
		var taskID int64
		if err := tx.QueryRow(`SELECT task_id FROM execution_sessions WHERE id = ?`, id).Scan(&taskID); err != nil {
			return false, fmt.Errorf("finalize session: %w", err)
		}
		if err := setTaskStatus(tx, taskID, f.TaskStatus); err != nil {
			return false, err
		}
		if f.PullRequestURL != "" {
			if _, err := tx.Exec(`
				UPDATE tasks SET pr_url = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
			`, f.PullRequestURL, taskID); err != nil {
				return false, fmt.Errorf("update task pr url: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("finalize session: %w", err)
	}
	return true, nil
}

func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

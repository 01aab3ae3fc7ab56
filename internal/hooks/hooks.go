// Package hooks provides a system for executing scripts on session events.
package hooks

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bborn/dispatch/internal/db"
	"github.com/charmbracelet/log"
)

// Event types for hooks
const (
	EventSessionCompleted = "session.completed"
	EventSessionError     = "session.error"
)

// Runner executes hooks when sessions finish.
type Runner struct {
	hooksDir string
	timeout  time.Duration
	logger   *log.Logger
	wg       sync.WaitGroup
}

// New creates a new hook runner.
// hooksDir is typically ~/.config/dispatch/hooks/
func New(hooksDir string, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "hooks"})
	}
	return &Runner{
		hooksDir: hooksDir,
		timeout:  30 * time.Second,
		logger:   logger,
	}
}

// SessionUpdated runs the hook for a session that reached a terminal status.
func (r *Runner) SessionUpdated(session *db.Session) {
	switch session.Status {
	case db.SessionCompleted:
		r.Run(EventSessionCompleted, session)
	case db.SessionError:
		r.Run(EventSessionError, session)
	}
}

// Run executes the hook for the given event in the background.
// Hooks are scripts in hooksDir named after the event (e.g., session.error)
func (r *Runner) Run(event string, session *db.Session) {
	if r.hooksDir == "" {
		return
	}

	hookPath := filepath.Join(r.hooksDir, event)
	if _, err := os.Stat(hookPath); err != nil {
		return
	}

	env := append(os.Environ(),
		fmt.Sprintf("SESSION_EVENT=%s", event),
		fmt.Sprintf("SESSION_ID=%s", session.ID),
		fmt.Sprintf("SESSION_STATUS=%s", session.Status),
		fmt.Sprintf("SESSION_MODE=%s", session.ExecutionMode),
		fmt.Sprintf("TASK_ID=%d", session.TaskID),
		fmt.Sprintf("SANDBOX_NAME=%s", session.SandboxName),
		fmt.Sprintf("BRANCH_NAME=%s", session.BranchName),
		fmt.Sprintf("PULL_REQUEST_URL=%s", session.PullRequestURL),
		fmt.Sprintf("ERROR_MESSAGE=%s", session.ErrorMessage),
	)

	// Run in background, don't block the caller
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, hookPath)
		cmd.Env = env
		output, err := cmd.CombinedOutput()
		if err != nil {
			r.logger.Error("Hook failed", "event", event, "session", session.ID, "error", err, "output", strings.TrimSpace(string(output)))
			return
		}
		r.logger.Debug("Hook executed", "event", event, "session", session.ID)
	}()
}

// Wait blocks until every started hook has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// DefaultHooksDir returns the default hooks directory path.
func DefaultHooksDir() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(configDir, "dispatch", "hooks")
}

// Package outcome reconciles execution results into session and task state.
// The webhook handler, the live monitor and the reaper all go through it, so
// the first terminal result wins no matter which of them reports it.
package outcome

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bborn/dispatch/internal/db"
	"github.com/charmbracelet/log"
)

// Notifier is told about every session change that was applied.
type Notifier interface {
	SessionUpdated(session *db.Session)
}

// Completion is the final report of a successful run.
type Completion struct {
	Summary        string
	PullRequestURL string
	Usage          *db.Usage
}

// Recorder applies execution outcomes to the store.
type Recorder struct {
	db        *db.DB
	notifiers []Notifier
	logger    *log.Logger
}

// NewRecorder creates a recorder.
func NewRecorder(database *db.DB, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "outcome"})
	}
	return &Recorder{db: database, logger: logger}
}

// AddNotifier registers a receiver of applied session changes.
// Call before the recorder is shared between goroutines.
func (r *Recorder) AddNotifier(n Notifier) {
	r.notifiers = append(r.notifiers, n)
}

// Started notes on the task that the agent began working.
func (r *Recorder) Started(session *db.Session, branch string) error {
	if session.IsTerminal() {
		return nil
	}
	if branch == "" {
		branch = session.BranchName
	}
	content := fmt.Sprintf("Agent started working on branch %s", branch)
	if session.SandboxName != "" {
		content += fmt.Sprintf(" in sandbox %s", session.SandboxName)
	}
	return r.appendOnce(session, db.AuthorSystem, content)
}

// Progress stores cumulative usage. It reports false when the session was already terminal.
func (r *Recorder) Progress(session *db.Session, usage db.Usage, message string) (bool, error) {
	applied, err := r.db.UpdateSessionProgress(session.ID, usage)
	if err != nil {
		return false, err
	}
	if !applied {
		r.logger.Debug("ignoring progress for finished session", "session", session.ID)
		return false, nil
	}
	r.logger.Debug("progress", "session", session.ID, "messages", usage.MessageCount,
		"input", usage.InputTokens, "output", usage.OutputTokens, "status", message)
	r.notify(session.ID)
	return true, nil
}

// Complete finalizes the session as completed and moves the task to review.
// It reports false when another result was recorded first.
func (r *Recorder) Complete(session *db.Session, c Completion) (bool, error) {
	applied, err := r.db.FinalizeSession(session.ID, db.Finalization{
		Status:         db.SessionCompleted,
		Logs:           c.Summary,
		PullRequestURL: c.PullRequestURL,
		Usage:          c.Usage,
		TaskStatus:     db.StatusReview,
	})
	if err != nil {
		return false, err
	}
	if !applied {
		r.logger.Debug("session already finished, ignoring completion", "session", session.ID)
		return false, nil
	}
	r.logger.Info("execution completed", "session", session.ID, "task", session.TaskID)

	r.comment(session.TaskID, db.AuthorAgent, completionComment(c))
	r.notify(session.ID)
	return true, nil
}

// Fail finalizes the session as an error and blocks the task.
// It reports false when another result was recorded first.
func (r *Recorder) Fail(session *db.Session, message string) (bool, error) {
	if message == "" {
		message = "Execution failed"
	}
	applied, err := r.db.FinalizeSession(session.ID, db.Finalization{
		Status:       db.SessionError,
		ErrorMessage: message,
		TaskStatus:   db.StatusBlocked,
	})
	if err != nil {
		return false, err
	}
	if !applied {
		r.logger.Debug("session already finished, ignoring error", "session", session.ID)
		return false, nil
	}
	r.logger.Warn("execution failed", "session", session.ID, "task", session.TaskID, "error", message)

	r.comment(session.TaskID, db.AuthorSystem, "Execution failed: "+message)
	r.notify(session.ID)
	return true, nil
}

// Question surfaces a clarifying question from the agent. Session state is unchanged.
func (r *Recorder) Question(session *db.Session, question string) error {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil
	}
	return r.appendOnce(session, db.AuthorAgent, "Question from agent: "+question)
}

// appendOnce adds a comment unless this session already produced the same one.
// Redelivered callbacks must not duplicate comments.
func (r *Recorder) appendOnce(session *db.Session, author, content string) error {
	comments, err := r.db.ListComments(session.TaskID)
	if err != nil {
		return err
	}
	since := session.CreatedAt.Truncate(time.Second)
	for _, c := range comments {
		if c.Content == content && !c.CreatedAt.Before(since) {
			return nil
		}
	}
	return r.db.AppendComment(session.TaskID, author, content)
}

func (r *Recorder) comment(taskID int64, author, content string) {
	if err := r.db.AppendComment(taskID, author, content); err != nil {
		r.logger.Error("failed to append comment", "task", taskID, "error", err)
	}
}

func (r *Recorder) notify(sessionID string) {
	if len(r.notifiers) == 0 {
		return
	}
	session, err := r.db.GetSession(sessionID)
	if err != nil || session == nil {
		return
	}
	for _, n := range r.notifiers {
		n.SessionUpdated(session)
	}
}

func completionComment(c Completion) string {
	var b strings.Builder
	b.WriteString("Execution completed.")
	if s := strings.TrimSpace(c.Summary); s != "" {
		b.WriteString("\n\n")
		b.WriteString(s)
	}
	if c.PullRequestURL != "" {
		fmt.Fprintf(&b, "\n\nPull request: %s", c.PullRequestURL)
	}
	if c.Usage != nil {
		fmt.Fprintf(&b, "\n\n%d messages, %d input tokens, %d output tokens",
			c.Usage.MessageCount, c.Usage.InputTokens, c.Usage.OutputTokens)
	}
	return b.String()
}

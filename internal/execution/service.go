// Package execution is the entry point other parts of the system use to run a
// task: it guards against concurrent attempts, records the session and hands
// the work to a sandbox or to the local agent runtime.
package execution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bborn/dispatch/internal/agentrt"
	"github.com/bborn/dispatch/internal/db"
	"github.com/bborn/dispatch/internal/monitor"
	"github.com/bborn/dispatch/internal/orchestrator"
	"github.com/bborn/dispatch/internal/outcome"
	"github.com/charmbracelet/log"
)

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionActive   = db.ErrSessionActive
	ErrUnknownMode     = errors.New("unknown execution mode")
	ErrModeDisabled    = errors.New("execution mode not configured")
)

// CancelMessage is recorded on sessions stopped by a user.
const CancelMessage = "Cancelled by user"

// Spawner launches sandbox runs.
type Spawner interface {
	Spawn(ctx context.Context, req orchestrator.SpawnRequest) (*orchestrator.SpawnResult, error)
	Destroy(ctx context.Context, name string) error
}

// AgentRuntime is a locally reachable agent runtime.
type AgentRuntime interface {
	monitor.EventSource
	CreateSession(ctx context.Context, title string) (string, error)
	PromptAsync(ctx context.Context, sessionID, prompt string) error
	Abort(ctx context.Context, sessionID string) error
}

// Options configures a Service.
type Options struct {
	Spawner        Spawner      // Nil disables sandbox mode
	Runtime        AgentRuntime // Nil disables local mode
	MonitorTimeout time.Duration
	Logger         *log.Logger
}

// Service runs tasks and tracks their sessions.
type Service struct {
	db             *db.DB
	recorder       *outcome.Recorder
	spawner        Spawner
	runtime        AgentRuntime
	monitors       *monitor.Registry
	monitorTimeout time.Duration
	retryDelay     time.Duration
	logger         *log.Logger

	// Parent of every local monitor; cancelled by Close
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a service.
func New(database *db.DB, recorder *outcome.Recorder, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "execution"})
	}
	timeout := opts.MonitorTimeout
	if timeout <= 0 {
		timeout = monitor.DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		db:             database,
		recorder:       recorder,
		spawner:        opts.Spawner,
		runtime:        opts.Runtime,
		monitors:       monitor.NewRegistry(),
		monitorTimeout: timeout,
		retryDelay:     200 * time.Millisecond,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Close stops every local monitor and waits for them to return.
// Their sessions stay in progress and are picked up again by Resume.
func (s *Service) Close() {
	s.cancel()
	s.monitors.Wait()
}

// Started describes a launched execution.
type Started struct {
	SessionID   string `json:"sessionId"`
	SandboxName string `json:"sandboxName,omitempty"`
	BranchName  string `json:"branchName"`
}

// Execute starts a new attempt of a task in the given mode.
// Setup failures are recorded on the session and the task before being returned.
func (s *Service) Execute(ctx context.Context, taskID int64, mode string) (*Started, error) {
	if mode == "" {
		mode = db.ModeSandbox
	}
	switch mode {
	case db.ModeSandbox:
		if s.spawner == nil {
			return nil, fmt.Errorf("%w: %s", ErrModeDisabled, mode)
		}
	case db.ModeLocal:
		if s.runtime == nil {
			return nil, fmt.Errorf("%w: %s", ErrModeDisabled, mode)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	task, err := s.db.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}

	active, err := s.db.GetActiveSessionForTask(taskID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionActive, active.ID)
	}

	branch := task.BranchName
	if branch == "" {
		branch = orchestrator.BranchName(task)
	}
	session := &db.Session{TaskID: taskID, ExecutionMode: mode, BranchName: branch}
	if mode == db.ModeSandbox {
		if session.WebhookSecret, err = orchestrator.NewWebhookSecret(); err != nil {
			return nil, err
		}
	}
	// The store enforces one active session per task; this catches a
	// concurrent Execute that passed the check above
	if err := s.db.CreateSession(session); err != nil {
		return nil, err
	}
	if err := s.db.UpdateTaskStatus(taskID, db.StatusProcessing); err != nil {
		s.logger.Error("failed to mark task processing", "task", taskID, "error", err)
	}
	if task.BranchName == "" {
		if err := s.db.UpdateTaskBranch(taskID, branch); err != nil {
			s.logger.Error("failed to save task branch", "task", taskID, "error", err)
		}
	}

	comments, err := s.db.ListComments(taskID)
	if err != nil {
		s.logger.Warn("failed to load task comments for prompt", "task", taskID, "error", err)
	}
	prompt := BuildPrompt(task, comments, branch)

	var started *Started
	if mode == db.ModeSandbox {
		started, err = s.executeSandbox(ctx, task, session, prompt)
	} else {
		started, err = s.executeLocal(ctx, task, session, prompt)
	}
	if err != nil {
		if _, ferr := s.recorder.Fail(session, err.Error()); ferr != nil {
			s.logger.Error("failed to record execution failure", "session", session.ID, "error", ferr)
		}
		return nil, err
	}
	return started, nil
}

func (s *Service) executeSandbox(ctx context.Context, task *db.Task, session *db.Session, prompt string) (*Started, error) {
	var project *db.Project
	if task.Project != "" {
		p, err := s.db.GetProjectByName(task.Project)
		if err != nil {
			return nil, err
		}
		project = p
	}

	result, err := s.spawner.Spawn(ctx, orchestrator.SpawnRequest{
		Task:          task,
		Project:       project,
		Prompt:        prompt,
		SessionID:     session.ID,
		WebhookSecret: session.WebhookSecret,
		BranchName:    session.BranchName,
	})
	if err != nil {
		return nil, err
	}

	ok, err := s.db.MarkSessionInProgress(session.ID, result.SandboxName, "")
	if err != nil {
		// The run is live and will report back; the reaper cannot see it without a name
		s.logger.Error("failed to record sandbox", "session", session.ID, "sandbox", result.SandboxName, "error", err)
	} else if !ok {
		// Cancelled or already reported while spawning
		s.logger.Info("session finished during launch, releasing sandbox", "session", session.ID, "sandbox", result.SandboxName)
		if err := s.spawner.Destroy(context.WithoutCancel(ctx), result.SandboxName); err != nil {
			s.logger.Warn("failed to destroy sandbox", "sandbox", result.SandboxName, "error", err)
		}
	}
	s.logger.Info("sandbox execution started", "task", task.ID, "session", session.ID, "sandbox", result.SandboxName)

	return &Started{SessionID: session.ID, SandboxName: result.SandboxName, BranchName: result.BranchName}, nil
}

func (s *Service) executeLocal(ctx context.Context, task *db.Task, session *db.Session, prompt string) (*Started, error) {
	handle, err := s.runtime.CreateSession(ctx, task.Title)
	if err != nil {
		return nil, &orchestrator.ExecutionError{Op: "create agent session", Err: err}
	}
	if _, err := s.db.MarkSessionInProgress(session.ID, "", handle); err != nil {
		return nil, err
	}
	session.Status = db.SessionInProgress
	session.AgentSessionID = handle

	if err := s.recorder.Started(session, session.BranchName); err != nil {
		s.logger.Warn("failed to note start", "session", session.ID, "error", err)
	}

	// Follow the stream before prompting so no event is missed
	s.watch(session)
	if err := s.runtime.PromptAsync(ctx, handle, prompt); err != nil {
		s.monitors.Stop(session.ID)
		return nil, &orchestrator.ExecutionError{Op: "send prompt", Err: err}
	}
	s.logger.Info("local execution started", "task", task.ID, "session", session.ID, "agent_session", handle)

	return &Started{SessionID: session.ID, BranchName: session.BranchName}, nil
}

// watch follows a local session until it finishes and records the result.
func (s *Service) watch(session *db.Session) bool {
	return s.monitors.Start(s.ctx, session.ID, func(ctx context.Context) {
		result := monitor.Monitor(ctx, s.runtime, session.AgentSessionID, monitor.Options{
			Timeout: s.monitorTimeout,
			OnProgress: func(p monitor.Progress) {
				if p.Final {
					return
				}
				if _, err := s.recorder.Progress(session, p.Usage, p.Text); err != nil {
					s.logger.Warn("failed to record progress", "session", session.ID, "error", err)
				}
			},
		})

		// Stopped from outside: Cancel and Execute record their own outcome,
		// shutdown leaves the session for Resume
		if ctx.Err() != nil {
			return
		}
		s.finish(session, result)
	})
}

func (s *Service) finish(session *db.Session, result monitor.Result) {
	usage := result.Usage
	if !result.Success {
		s.persist(session, "failure", func() error {
			_, err := s.recorder.Fail(session, result.Error)
			return err
		})
		return
	}
	if result.Question {
		s.persist(session, "question", func() error {
			return s.recorder.Question(session, result.Summary)
		})
	}
	s.persist(session, "completion", func() error {
		_, err := s.recorder.Complete(session, outcome.Completion{Summary: result.Summary, Usage: &usage})
		return err
	})
}

const persistAttempts = 5

// persist retries a write of a monitored result. Nothing else would record it:
// the reaper only sweeps sandbox sessions. A session still unrecorded at
// shutdown stays in progress for Resume.
func (s *Service) persist(session *db.Session, what string, fn func() error) bool {
	delay := s.retryDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return true
		}
		if attempt == persistAttempts {
			s.logger.Error("failed to record "+what, "session", session.ID, "attempts", attempt, "error", err)
			return false
		}
		s.logger.Warn("retrying "+what, "session", session.ID, "attempt", attempt, "error", err)
		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// Resume restarts monitors for local sessions left in progress by a previous process.
func (s *Service) Resume() (int, error) {
	if s.runtime == nil {
		return 0, nil
	}
	sessions, err := s.db.ListStaleSessions(db.ModeLocal, time.Now())
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, session := range sessions {
		if session.AgentSessionID == "" {
			continue
		}
		if s.watch(session) {
			resumed++
		}
	}
	if resumed > 0 {
		s.logger.Info("resumed local monitors", "count", resumed)
	}
	return resumed, nil
}

// Status returns the current state of a session.
func (s *Service) Status(sessionID string) (*db.Session, error) {
	session, err := s.db.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// IsMonitored reports whether a local monitor is following the session.
func (s *Service) IsMonitored(sessionID string) bool {
	return s.monitors.IsActive(sessionID)
}

// Cancel stops a running session and records it as cancelled.
// Cancelling a finished session changes nothing.
func (s *Service) Cancel(ctx context.Context, sessionID string) (*db.Session, error) {
	session, err := s.Status(sessionID)
	if err != nil {
		return nil, err
	}
	if session.IsTerminal() {
		return session, nil
	}

	applied, err := s.recorder.Fail(session, CancelMessage)
	if err != nil {
		return nil, err
	}
	if applied {
		s.logger.Info("session cancelled", "session", session.ID, "task", session.TaskID)
	}

	switch session.ExecutionMode {
	case db.ModeLocal:
		s.monitors.Stop(session.ID)
		if s.runtime != nil && session.AgentSessionID != "" {
			if err := s.runtime.Abort(ctx, session.AgentSessionID); err != nil {
				s.logger.Warn("failed to abort agent session", "session", session.ID, "error", err)
			}
		}
	case db.ModeSandbox:
		if s.spawner != nil && session.SandboxName != "" {
			if err := s.spawner.Destroy(ctx, session.SandboxName); err != nil {
				s.logger.Warn("failed to destroy cancelled sandbox", "sandbox", session.SandboxName, "error", err)
			}
		}
	}

	return s.Status(sessionID)
}

var _ AgentRuntime = (*agentrt.Client)(nil)

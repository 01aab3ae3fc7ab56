// Package orchestrator spawns sandboxes for task executions and tears them down.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bborn/dispatch/internal/db"
	"github.com/bborn/dispatch/internal/runscript"
	"github.com/bborn/dispatch/internal/sprites"
	"github.com/charmbracelet/log"
	"github.com/kballard/go-shellquote"
)

// ErrConfig is wrapped by ExecutionError when required configuration is missing.
var ErrConfig = errors.New("execution not configured")

// ExecutionError is returned by Spawn.
type ExecutionError struct {
	Op  string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// SandboxClient is the subset of the sprites client the orchestrator uses.
type SandboxClient interface {
	Create(ctx context.Context, name string) (*sprites.Sprite, error)
	Exec(ctx context.Context, name string, argv []string, opts sprites.ExecOptions) ([]byte, error)
	Destroy(ctx context.Context, name string) error
}

// Options configures an Orchestrator.
type Options struct {
	WebhookBaseURL   string // Externally reachable base URL of this service
	SetupScript      string // Overrides the default installer for every project
	ProgressInterval time.Duration
	Logger           *log.Logger
}

// Orchestrator creates a sandbox per execution, launches the run-script
// detached inside it, and returns without waiting for completion.
type Orchestrator struct {
	client           SandboxClient
	webhookBaseURL   string
	setupScript      string
	progressInterval time.Duration
	logger           *log.Logger
	now              func() time.Time
}

// New creates an orchestrator.
func New(client SandboxClient, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "orchestrator"})
	}
	return &Orchestrator{
		client:           client,
		webhookBaseURL:   strings.TrimRight(opts.WebhookBaseURL, "/"),
		setupScript:      opts.SetupScript,
		progressInterval: opts.ProgressInterval,
		logger:           logger,
		now:              time.Now,
	}
}

// SpawnRequest describes one execution attempt.
type SpawnRequest struct {
	Task          *db.Task
	Project       *db.Project
	Prompt        string
	SessionID     string
	WebhookSecret string // Generated when empty
	BranchName    string // Derived from the task when empty
}

// SpawnResult is returned once the run-script is launched.
type SpawnResult struct {
	SandboxName   string
	WebhookSecret string
	BranchName    string
}

// Spawn creates a sandbox, uploads the run-script and launches it detached.
// A sandbox created here is destroyed again if anything after creation fails.
func (o *Orchestrator) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	if err := o.validate(req); err != nil {
		return nil, &ExecutionError{Op: "spawn", Err: err}
	}

	secret := req.WebhookSecret
	if secret == "" {
		var err error
		if secret, err = NewWebhookSecret(); err != nil {
			return nil, &ExecutionError{Op: "spawn", Err: err}
		}
	}
	branch := req.BranchName
	if branch == "" {
		branch = BranchName(req.Task)
	}

	setup := req.Project.SetupScript
	if setup == "" {
		setup = o.setupScript
	}
	script, err := runscript.Generate(runscript.Params{
		SessionID:        req.SessionID,
		TaskID:           req.Task.ID,
		WebhookURL:       o.WebhookURL(req.Task.ID),
		WebhookSecret:    secret,
		Prompt:           req.Prompt,
		RepoURL:          req.Project.RepoURL,
		Credential:       req.Project.AccessToken,
		BranchName:       branch,
		SetupScript:      setup,
		ProgressInterval: o.progressInterval,
	})
	if err != nil {
		return nil, &ExecutionError{Op: "generate script", Err: err}
	}

	name := o.SandboxName(req.Task.ID)
	if _, err := o.client.Create(ctx, name); err != nil {
		return nil, &ExecutionError{Op: "create sandbox", Err: err}
	}
	o.logger.Info("sandbox created", "sandbox", name, "task", req.Task.ID, "session", req.SessionID)

	if err := o.launch(ctx, name, req.SessionID, script); err != nil {
		o.cleanup(ctx, name)
		return nil, &ExecutionError{Op: "launch run-script", Err: err}
	}
	o.logger.Info("run-script launched", "sandbox", name, "branch", branch)

	return &SpawnResult{
		SandboxName:   name,
		WebhookSecret: secret,
		BranchName:    branch,
	}, nil
}

func (o *Orchestrator) validate(req SpawnRequest) error {
	switch {
	case o.client == nil:
		return fmt.Errorf("%w: no sandbox client", ErrConfig)
	case o.webhookBaseURL == "":
		return fmt.Errorf("%w: no public base URL for webhooks", ErrConfig)
	case req.Task == nil:
		return fmt.Errorf("%w: no task", ErrConfig)
	case req.Project == nil:
		return fmt.Errorf("%w: task %d has no project", ErrConfig, req.Task.ID)
	case req.Project.RepoURL == "":
		return fmt.Errorf("%w: project %s has no repository URL", ErrConfig, req.Project.Name)
	case req.Project.AccessToken == "":
		return fmt.Errorf("%w: project %s has no access token", ErrConfig, req.Project.Name)
	case req.SessionID == "":
		return fmt.Errorf("%w: no session id", ErrConfig)
	}
	return nil
}

// launch uploads the script through stdin and starts it in its own session so
// it outlives the exec call that started it.
func (o *Orchestrator) launch(ctx context.Context, name, sessionID, script string) error {
	scriptPath := fmt.Sprintf("/tmp/dispatch-run-%s.sh", sessionID)
	logPath := fmt.Sprintf("/tmp/dispatch-run-%s.log", sessionID)

	upload := []string{"sh", "-c", "cat > " + shellquote.Join(scriptPath)}
	if out, err := o.client.Exec(ctx, name, upload, sprites.ExecOptions{Stdin: strings.NewReader(script)}); err != nil {
		return fmt.Errorf("upload script: %w (%s)", err, truncate(out))
	}

	if out, err := o.client.Exec(ctx, name, []string{"chmod", "+x", scriptPath}, sprites.ExecOptions{}); err != nil {
		return fmt.Errorf("chmod script: %w (%s)", err, truncate(out))
	}

	detached := fmt.Sprintf("setsid nohup bash %s > %s 2>&1 < /dev/null &",
		shellquote.Join(scriptPath), shellquote.Join(logPath))
	if out, err := o.client.Exec(ctx, name, []string{"sh", "-c", detached}, sprites.ExecOptions{}); err != nil {
		return fmt.Errorf("start script: %w (%s)", err, truncate(out))
	}
	return nil
}

func (o *Orchestrator) cleanup(ctx context.Context, name string) {
	// The caller's context may already be cancelled; teardown must still run
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := o.Destroy(ctx, name); err != nil {
		o.logger.Warn("failed to destroy sandbox after launch failure", "sandbox", name, "error", err)
	}
}

// Destroy tears down a sandbox. A sandbox that is already gone counts as destroyed.
func (o *Orchestrator) Destroy(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	if o.client == nil {
		return fmt.Errorf("%w: no sandbox client", ErrConfig)
	}
	err := o.client.Destroy(ctx, name)
	if err == nil || errors.Is(err, sprites.ErrNotFound) {
		o.logger.Debug("sandbox destroyed", "sandbox", name)
		return nil
	}
	return fmt.Errorf("destroy sandbox %s: %w", name, err)
}

// WebhookURL is where the run-script for taskID reports back.
func (o *Orchestrator) WebhookURL(taskID int64) string {
	return fmt.Sprintf("%s/webhooks/sandbox/%d", o.webhookBaseURL, taskID)
}

// SandboxName returns a traceable, unique sandbox name for a task.
func (o *Orchestrator) SandboxName(taskID int64) string {
	return fmt.Sprintf("%s%d-%d", SandboxPrefix, taskID, o.now().UnixMilli())
}

// SandboxPrefix starts every sandbox name this service creates.
const SandboxPrefix = "task-"

// NewWebhookSecret returns a random 256-bit hex secret.
func NewWebhookSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// BranchName returns the task's existing branch or derives one from its id and title.
func BranchName(task *db.Task) string {
	if task.BranchName != "" {
		return task.BranchName
	}
	slug := slugify(task.Title, 40)
	if slug == "" {
		return fmt.Sprintf("task/%d", task.ID)
	}
	return fmt.Sprintf("task/%d-%s", task.ID, slug)
}

// slugify converts a string to a URL/branch-friendly slug.
func slugify(s string, maxLen int) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer(" ", "-", "_", "-").Replace(s)

	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		}
	}
	s = result.String()

	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(s, "-")

	if len(s) > maxLen {
		s = strings.TrimRight(s[:maxLen], "-")
	}
	return s
}

func truncate(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// Package reaper reclaims sandboxes whose sessions never reported back.
package reaper

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bborn/dispatch/internal/db"
	"github.com/bborn/dispatch/internal/outcome"
	"github.com/charmbracelet/log"
)

// Defaults
const (
	DefaultTimeout  = time.Hour
	DefaultInterval = 5 * time.Minute
)

// Destroyer tears down sandboxes. Already-gone sandboxes must count as destroyed.
type Destroyer interface {
	Destroy(ctx context.Context, name string) error
}

// Options configures a Reaper.
type Options struct {
	Timeout  time.Duration // Age after which an in-progress sandbox session is stale
	Interval time.Duration // Time between sweeps in Run
	Logger   *log.Logger
}

// Reaper finalizes stale sandbox sessions as timed out.
type Reaper struct {
	db        *db.DB
	destroyer Destroyer
	recorder  *outcome.Recorder
	timeout   time.Duration
	interval  time.Duration
	logger    *log.Logger
	now       func() time.Time
}

// New creates a reaper.
func New(database *db.DB, destroyer Destroyer, recorder *outcome.Recorder, opts Options) *Reaper {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "reaper"})
	}
	return &Reaper{
		db:        database,
		destroyer: destroyer,
		recorder:  recorder,
		timeout:   opts.Timeout,
		interval:  opts.Interval,
		logger:    opts.Logger,
		now:       time.Now,
	}
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info("reaper started", "timeout", r.timeout, "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep finalizes every stale session and returns how many it finalized.
// A session that finishes concurrently keeps its own result.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.timeout)
	sessions, err := r.db.ListStaleSessions(db.ModeSandbox, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale sessions: %w", err)
	}

	message := fmt.Sprintf("Execution timed out after %s", formatDuration(r.timeout))
	reaped := 0
	for _, session := range sessions {
		if ctx.Err() != nil {
			break
		}
		if session.SandboxName != "" && r.destroyer != nil {
			if err := r.destroyer.Destroy(ctx, session.SandboxName); err != nil {
				r.logger.Warn("failed to destroy stale sandbox", "sandbox", session.SandboxName, "error", err)
			}
		}

		applied, err := r.recorder.Fail(session, message)
		if err != nil {
			r.logger.Error("failed to finalize stale session", "session", session.ID, "error", err)
			continue
		}
		if applied {
			reaped++
			r.logger.Info("reaped stale session", "session", session.ID, "task", session.TaskID, "sandbox", session.SandboxName)
		}
	}
	return reaped, nil
}

// formatDuration prints whole hours and minutes without trailing zero units.
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	}
	return d.String()
}

// dispatchd runs tasks as coding-agent sessions in ephemeral sandboxes and
// records what they report back.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bborn/dispatch/internal/agentrt"
	"github.com/bborn/dispatch/internal/config"
	"github.com/bborn/dispatch/internal/db"
	"github.com/bborn/dispatch/internal/execution"
	"github.com/bborn/dispatch/internal/hooks"
	"github.com/bborn/dispatch/internal/orchestrator"
	"github.com/bborn/dispatch/internal/outcome"
	"github.com/bborn/dispatch/internal/reaper"
	"github.com/bborn/dispatch/internal/sprites"
	"github.com/bborn/dispatch/internal/webapi"
	"github.com/bborn/dispatch/internal/webhook"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Styles for command output
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

var (
	dbPath     string
	configPath string
	debug      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "dispatchd",
		Short:         "Run tasks as agent sessions in ephemeral sandboxes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (default: ~/.local/share/dispatch/dispatch.db)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ~/.config/dispatch/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		createServeCommand(),
		createReapCommand(),
		createSandboxCommand(),
		createConfigCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

func newLogger(prefix string) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          prefix,
	})
	if debug {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

// openStore opens the database and resolves configuration against it.
func openStore() (*db.DB, *config.Config, error) {
	path := dbPath
	if path == "" {
		path = db.DefaultPath()
	}
	database, err := db.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	cfgPath := configPath
	if cfgPath == "" {
		cfgPath = config.DefaultPath()
	}
	cfg, err := config.Load(database, cfgPath)
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg.DBPath = path
	return database, cfg, nil
}

// newSpritesClient needs only the provider token, not a webhook base URL.
func newSpritesClient(cfg *config.Config) (*sprites.Client, error) {
	if cfg.SpritesToken == "" {
		return nil, config.ErrMissingToken
	}
	return sprites.NewClient(cfg.SpritesToken, cfg.SpritesAPIURL)
}

// newOrchestrator returns nil when sandbox execution is not configured.
func newOrchestrator(cfg *config.Config, logger *log.Logger) (*orchestrator.Orchestrator, error) {
	if err := cfg.ValidateSandbox(); err != nil {
		return nil, err
	}
	client, err := sprites.NewClient(cfg.SpritesToken, cfg.SpritesAPIURL)
	if err != nil {
		return nil, err
	}
	return orchestrator.New(client, orchestrator.Options{
		WebhookBaseURL: cfg.BaseURL,
		SetupScript:    cfg.SetupScript,
		Logger:         logger.WithPrefix("orchestrator"),
	}), nil
}

func createServeCommand() *cobra.Command {
	var noLocal bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhook endpoint and stale-session reaper",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger("dispatchd")

			database, cfg, err := openStore()
			if err != nil {
				return err
			}
			defer database.Close()
			logger.Info("Database opened", "path", cfg.DBPath)

			recorder := outcome.NewRecorder(database, logger.WithPrefix("outcome"))
			hookRunner := hooks.New(cfg.HooksDir, logger.WithPrefix("hooks"))
			recorder.AddNotifier(hookRunner)
			defer hookRunner.Wait()

			orch, err := newOrchestrator(cfg, logger)
			if err != nil {
				logger.Warn("Sandbox execution disabled", "reason", err)
			}

			opts := execution.Options{
				MonitorTimeout: cfg.MonitorTimeout,
				Logger:         logger.WithPrefix("execution"),
			}
			if orch != nil {
				opts.Spawner = orch
			}
			if !noLocal {
				opts.Runtime = agentrt.NewClient(cfg.AgentURL, "")
			}
			svc := execution.New(database, recorder, opts)
			defer svc.Close()

			srvCfg := webapi.Config{
				Addr:      cfg.Addr,
				DB:        database,
				Execution: svc,
				Logger:    logger.WithPrefix("webapi"),
			}
			if orch != nil {
				srvCfg.Webhook = webhook.NewHandler(database, recorder, orch, logger.WithPrefix("webhook"))
			}
			srv := webapi.New(srvCfg)
			recorder.AddNotifier(srv.Hub())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if _, err := svc.Resume(); err != nil {
				logger.Warn("Failed to resume local monitors", "error", err)
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.Start(ctx)
			})
			if orch != nil {
				r := reaper.New(database, orch, recorder, reaper.Options{
					Timeout:  cfg.ExecutionTimeout,
					Interval: cfg.ReaperInterval,
					Logger:   logger.WithPrefix("reaper"),
				})
				g.Go(func() error {
					return r.Run(ctx)
				})
			}

			logger.Info("Starting dispatchd", "addr", cfg.Addr, "sandbox", orch != nil, "local", !noLocal, "base_url", cfg.BaseURL)
			err = g.Wait()
			logger.Info("Shutting down")
			return err
		},
	}
	cmd.Flags().BoolVar(&noLocal, "no-local", false, "Disable local agent runtime execution")
	return cmd
}

func createReapCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Run one stale-session sweep and exit",
		Long: `Finalize sandbox sessions that have been in progress longer than the
execution timeout as timed out, and destroy their sandboxes.

Use this from cron when 'dispatchd serve' is not running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger("reaper")

			database, cfg, err := openStore()
			if err != nil {
				return err
			}
			defer database.Close()

			client, err := newSpritesClient(cfg)
			if err != nil {
				return err
			}
			orch := orchestrator.New(client, orchestrator.Options{Logger: logger})

			recorder := outcome.NewRecorder(database, logger)
			hookRunner := hooks.New(cfg.HooksDir, logger.WithPrefix("hooks"))
			recorder.AddNotifier(hookRunner)
			defer hookRunner.Wait()

			r := reaper.New(database, orch, recorder, reaper.Options{
				Timeout: cfg.ExecutionTimeout,
				Logger:  logger,
			})
			n, err := r.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			if n == 0 {
				fmt.Println(dimStyle.Render("No stale sessions"))
				return nil
			}
			fmt.Println(successStyle.Render(fmt.Sprintf("✓ Reaped %d stale session(s)", n)))
			return nil
		},
	}
}

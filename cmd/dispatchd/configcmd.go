package main

import (
	"fmt"
	"strings"

	"github.com/bborn/dispatch/internal/config"
	"github.com/spf13/cobra"
)

func createConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show or store configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, cfg, err := openStore()
			if err != nil {
				return err
			}
			defer database.Close()

			fmt.Println(titleStyle.Render("Configuration"))
			row := func(key, value string) {
				if value == "" {
					value = warnStyle.Render("not set")
				}
				fmt.Printf("  %-18s %s\n", key, value)
			}
			token := ""
			if cfg.SpritesToken != "" {
				token = dimStyle.Render("configured")
			}
			row("sprites token", token)
			row("sprites api", cfg.SpritesAPIURL)
			row("base url", cfg.BaseURL)
			row("listen addr", cfg.Addr)
			row("agent url", cfg.AgentURL)
			row("database", cfg.DBPath)
			row("execution timeout", cfg.ExecutionTimeout.String())
			row("reaper interval", cfg.ReaperInterval.String())
			row("monitor timeout", cfg.MonitorTimeout.String())
			setup := dimStyle.Render("built-in")
			if cfg.SetupScript != "" {
				setup = dimStyle.Render("custom")
			}
			row("setup script", setup)
			row("hooks dir", cfg.HooksDir)

			if err := cfg.ValidateSandbox(); err != nil {
				fmt.Println()
				fmt.Println(warnStyle.Render("  Sandbox execution disabled: " + err.Error()))
			}
			return nil
		},
	}
	configCmd.AddCommand(showCmd)

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a setting in the database",
		Long:  "Store a setting in the database. Keys: " + strings.Join(config.Settable, ", "),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if !config.IsSettable(key) {
				return fmt.Errorf("unknown key %q (valid: %s)", key, strings.Join(config.Settable, ", "))
			}

			database, _, err := openStore()
			if err != nil {
				return err
			}
			defer database.Close()

			if err := database.SetSetting(key, value); err != nil {
				return err
			}
			fmt.Println(successStyle.Render("✓ Saved " + key))
			return nil
		},
	}
	configCmd.AddCommand(setCmd)

	return configCmd
}

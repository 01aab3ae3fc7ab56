package main

import (
	"fmt"

	"github.com/bborn/dispatch/internal/orchestrator"
	"github.com/spf13/cobra"
)

// createSandboxCommand creates the sandbox subcommand with all its children.
func createSandboxCommand() *cobra.Command {
	sandboxCmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Inspect and clean up execution sandboxes",
		Long: `Sandbox administration.

Every execution gets its own sprite named task-<id>-<timestamp>. Sprites are
destroyed when the run reports back or times out; use these commands to find
and remove any that were left behind.`,
	}

	var prefix string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sandboxes",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, cfg, err := openStore()
			if err != nil {
				return err
			}
			defer database.Close()

			client, err := newSpritesClient(cfg)
			if err != nil {
				return err
			}
			names, err := client.List(cmd.Context(), prefix)
			if err != nil {
				return err
			}

			fmt.Println(titleStyle.Render("Sandboxes"))
			if len(names) == 0 {
				fmt.Println(dimStyle.Render("  None"))
				return nil
			}
			for _, name := range names {
				fmt.Printf("  %s\n", name)
			}
			fmt.Println(dimStyle.Render(fmt.Sprintf("  %d total", len(names))))
			return nil
		},
	}
	listCmd.Flags().StringVar(&prefix, "prefix", orchestrator.SandboxPrefix, "Only list sandboxes whose name starts with this prefix")
	sandboxCmd.AddCommand(listCmd)

	destroyCmd := &cobra.Command{
		Use:   "destroy <name>...",
		Short: "Destroy sandboxes by name",
		Long:  `Destroy one or more sandboxes. A sandbox that no longer exists counts as destroyed.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			database, cfg, err := openStore()
			if err != nil {
				return err
			}
			defer database.Close()

			client, err := newSpritesClient(cfg)
			if err != nil {
				return err
			}
			orch := orchestrator.New(client, orchestrator.Options{Logger: newLogger("sandbox")})

			failed := 0
			for _, name := range args {
				if err := orch.Destroy(cmd.Context(), name); err != nil {
					fmt.Printf("  %s %s: %s\n", errorStyle.Render("✗"), name, err.Error())
					failed++
					continue
				}
				fmt.Printf("  %s %s\n", successStyle.Render("✓"), name)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d sandbox(es) could not be destroyed", failed, len(args))
			}
			return nil
		},
	}
	sandboxCmd.AddCommand(destroyCmd)

	return sandboxCmd
}

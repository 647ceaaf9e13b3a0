// commands.go contains all cobra command definitions and their flag
// configurations. Each command builder function creates a command and wires
// it to its handler.
package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "aetherd",
		Short: "Aether - an LLM agent orchestration kernel",
		Long: `Aether supervises LLM agent processes under a cooperative, single-node
kernel: EventBus, ProcessManager, ResourceGovernor, ContainerManager,
AuditLogger, MetricsExporter, ModelRouter, ToolCompatLayer, AgentLoop and
EventStream.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildSpawnCmd(),
	)

	return rootCmd
}

// buildServeCmd creates the "serve" command that starts the kernel.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Aether kernel",
		Long: `Start the Aether kernel with all subsystems wired up.

The kernel will:
1. Load configuration from AETHER_CONFIG_FILE (or built-in defaults)
2. Open the state store (in-memory, or SQL when AETHER_DB_DSN is set)
3. Start ProcessManager, ContainerManager, ResourceGovernor, AuditLogger
4. Wire MetricsExporter to the bus
5. Serve the EventStream SSE boundary, the metrics endpoint, and the audit
   query surface over HTTP

Graceful shutdown is handled on SIGINT/SIGTERM, draining subsystems in the
order: ProcessManager -> AgentLoops -> ContainerManager -> AuditLogger ->
MetricsExporter -> EventBus -> StateStore.`,
		Example: `  # Start with defaults
  aetherd serve

  # Start with debug logging and an explicit HTTP address
  aetherd serve --debug --http-addr :8090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (overrides AETHER_CONFIG_FILE)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

// buildSpawnCmd creates the "spawn" command, which spawns one agent process
// and drives it to completion on the current terminal, outside the HTTP
// surface. Useful for exercising the full AgentLoop/ModelRouter/ToolCompat
// path without standing up the kernel as a long-running service.
func buildSpawnCmd() *cobra.Command {
	var (
		role       string
		goal       string
		uid        string
		maxSteps   int
		debug      bool
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Spawn a single agent process and run it to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSpawn(cmd.Context(), configPath, debug, spawnParams{
				Role:     role,
				Goal:     goal,
				UID:      uid,
				MaxSteps: maxSteps,
			})
		},
	}

	cmd.Flags().StringVar(&role, "role", "assistant", "Role assigned to the spawned process")
	cmd.Flags().StringVar(&goal, "goal", "", "Goal statement the agent pursues")
	cmd.Flags().StringVar(&uid, "uid", "cli", "Owning user id for the spawned process")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "Override the configured step budget (0 = use config default)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (overrides AETHER_CONFIG_FILE)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	_ = cmd.MarkFlagRequired("goal")

	return cmd
}

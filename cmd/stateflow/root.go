package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rendis/stateflow/internal/logging"
)

// app carries the loaded configuration into subcommands.
type app struct {
	cfgFile string
	cfg     Config
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "stateflow",
		Short: "Declarative state-machine workflow orchestrator",
		Long: `stateflow runs workflows described as state machines (Task, Choice, Wait,
Parallel, Pass, Fail and Succeed states) with retries, catches, breakpoints
and cron schedules. "serve" exposes the engine over MCP on stdio; "run"
executes a single definition file in memory.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags(), a.cfgFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			// stdout carries MCP traffic and run results, so logs go to stderr.
			a.logger = logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "settings file (default ~/.stateflow/settings.json)")
	registerConfigFlags(root.PersistentFlags())

	root.AddCommand(
		newServeCmd(a),
		newRunCmd(a),
		newValidateCmd(a),
		newVersionCmd(),
	)
	return root
}

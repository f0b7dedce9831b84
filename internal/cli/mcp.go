package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lydakis/cws/internal/daemon"
	"github.com/lydakis/cws/internal/logging"
	"github.com/lydakis/cws/internal/mcpbridge"
)

func newMCPCmd() *cobra.Command {
	var (
		ws            workspaceFlags
		maxConcurrent int
	)
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve a workspace as MCP tools over stdio",
		Long: `mcp serves every workspace method as an MCP tool (fs_read, fs_write,
search_find, task_run, ...) over stdio. Calls pass through the same policy
checks as the native protocol; mutating tools take a "confirmed" argument.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.New(logging.Options{Level: ws.level(), Format: logging.Format(ws.logFormat)})
			if err != nil {
				return usageError("%v", err)
			}
			defer logger.Sync() //nolint:errcheck

			d, err := daemon.Open(ws.workspace, daemon.Options{
				MaxConcurrent: maxConcurrent,
				Version:       buildVersion,
				Logger:        logger,
			})
			if err != nil {
				return err
			}
			defer d.Shutdown()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("serving MCP over stdio", zap.String("policy", policySource(d)))
			s := mcpbridge.NewServer(d, daemon.ServerName, buildVersion, logger)
			return mcpbridge.ServeStdio(ctx, s, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
		},
	}
	ws.register(cmd)
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", daemon.DefaultMaxConcurrent, "handlers allowed to run at once")
	return cmd
}

func policySource(d *daemon.Dispatcher) string {
	if src := d.Config().Source; src != "" {
		return src
	}
	return "defaults"
}

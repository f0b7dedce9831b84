package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/lydakis/cws/internal/daemon"
	"github.com/lydakis/cws/internal/logging"
)

func newServeCmd() *cobra.Command {
	var (
		ws            workspaceFlags
		transportName string
		socketPath    string
		maxConcurrent int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a workspace over stdio or a Unix socket",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if transportName != daemon.TransportStdio && transportName != daemon.TransportSocket {
				return usageError("--transport must be %s or %s", daemon.TransportStdio, daemon.TransportSocket)
			}
			if maxConcurrent < 0 {
				return usageError("--max-concurrent must not be negative")
			}
			logger, err := logging.New(logging.Options{Level: ws.level(), Format: logging.Format(ws.logFormat)})
			if err != nil {
				return usageError("%v", err)
			}
			defer logger.Sync() //nolint:errcheck

			return daemon.Run(cmd.Context(), daemon.RunOptions{
				Workspace:     ws.workspace,
				Transport:     transportName,
				SocketPath:    socketPath,
				MaxConcurrent: maxConcurrent,
				Version:       buildVersion,
				Logger:        logger,
				Stdin:         streamIn(cmd.InOrStdin()),
				Stdout:        cmd.OutOrStdout(),
			})
		},
	}
	ws.register(cmd)
	cmd.Flags().StringVarP(&transportName, "transport", "t", daemon.TransportStdio, "stdio or socket")
	cmd.Flags().StringVar(&socketPath, "socket", "", "socket path (default: per-workspace path under the runtime dir)")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", daemon.DefaultMaxConcurrent, "handlers allowed to run at once")
	return cmd
}

// streamIn returns nil for the process stdin so the daemon can switch it to
// non-blocking mode itself.
func streamIn(r io.Reader) io.ReadCloser {
	switch v := r.(type) {
	case *os.File:
		if v == os.Stdin {
			return nil
		}
		return v
	case io.ReadCloser:
		return v
	default:
		return io.NopCloser(r)
	}
}

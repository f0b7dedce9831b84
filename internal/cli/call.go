package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/lydakis/cws/internal/paths"
	"github.com/lydakis/cws/internal/protocol"
	"github.com/lydakis/cws/internal/sandbox"
	"github.com/lydakis/cws/internal/transport"
)

func newCallCmd() *cobra.Command {
	var (
		workspace  string
		socketPath string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call <method> [json-params]",
		Short: "Send one request to a running socket daemon",
		Long: `call sends one request to the daemon serving --workspace and prints the
result as JSON. A request error prints the error object to stderr and exits 1.

  cws call fs.read '{"path":"README.md"}'
  cws call task.run '{"command":"go","args":["vet","./..."],"confirmed":true}'`,
		Args: usageArgs(cobra.RangeArgs(1, 2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			method := args[0]
			if !protocol.KnownMethod(method) {
				return usageError("unknown method %q", method)
			}
			var params json.RawMessage
			if len(args) == 2 {
				params = json.RawMessage(args[1])
				if !json.Valid(params) {
					return usageError("params are not valid JSON")
				}
			}

			if socketPath == "" {
				root, err := sandbox.New(workspace)
				if err != nil {
					return usageError("%v", err)
				}
				socketPath = paths.SocketPath(root.Dir())
			}

			client, err := transport.Dial(cmd.Context(), socketPath, timeout)
			if err != nil {
				return &exitError{code: ExitInternal, err: fmt.Errorf("no daemon reachable (start one with `cws serve --transport socket`): %w", err)}
			}
			defer client.Close() //nolint:errcheck

			result, err := client.Call(cmd.Context(), method, params)
			if err != nil {
				if perr, ok := protocol.AsError(err); ok {
					if werr := writeJSON(cmd.ErrOrStderr(), perr); werr != nil {
						return werr
					}
					return &exitError{code: ExitRequestErr}
				}
				return &exitError{code: ExitInternal, err: err}
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", ".", "workspace root directory")
	cmd.Flags().StringVar(&socketPath, "socket", "", "socket path (default: the workspace's daemon socket)")
	cmd.Flags().DurationVar(&timeout, "timeout", transport.DefaultCallTimeout, "how long to wait for the response")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	raw, ok := v.(json.RawMessage)
	if !ok {
		var err error
		raw, err = json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding output: %w", err)
		}
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("formatting output: %w", err)
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

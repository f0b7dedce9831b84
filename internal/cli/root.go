// Package cli implements the cws command line.
package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lydakis/cws/internal/daemon"
	"github.com/lydakis/cws/internal/policy"
)

// Exit codes.
const (
	ExitOK         = 0
	ExitRequestErr = 1
	ExitUsageErr   = 2
	ExitInternal   = 3
)

// exitError carries a specific exit code out of a command. A nil err means
// the command already reported the failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func usageError(format string, args ...any) error {
	return &exitError{code: ExitUsageErr, err: fmt.Errorf(format, args...)}
}

// usageArgs marks positional argument errors as usage errors.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return &exitError{code: ExitUsageErr, err: err}
		}
		return nil
	}
}

// Run is the main CLI entry point. Returns an exit code.
func Run(args []string) int {
	return run(context.Background(), args)
}

func run(ctx context.Context, args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(rootStdin)
	root.SetOut(rootStdout)
	root.SetErr(rootStderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}

	code := ExitInternal
	var ee *exitError
	var ce *policy.ConfigError
	switch {
	case errors.As(err, &ee):
		code = ee.code
		if ee.err == nil {
			return code
		}
	case errors.As(err, &ce):
		fmt.Fprintf(rootStderr, "cws: PolicyConfigError: %v\n", ce)
		return ExitUsageErr
	case errors.Is(err, daemon.ErrAlreadyRunning):
		code = ExitUsageErr
	}
	fmt.Fprintf(rootStderr, "cws: %v\n", err)
	return code
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cws",
		Short: "Coding workspace service",
		Long: `cws exposes one workspace directory to a coding agent: file reads and
edits, search and command execution, each checked against the workspace
policy in .cws/policy.toml.`,
		Version:       buildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError("unknown command %q", args[0])
			}
			return cmd.Help()
		},
	}
	root.SetVersionTemplate("cws {{.Version}}\n")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &exitError{code: ExitUsageErr, err: err}
	})

	root.AddCommand(
		newServeCmd(),
		newCallCmd(),
		newMCPCmd(),
		newPolicyCmd(),
	)
	return root
}

package cli

import (
	"io"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	rootStdin    io.Reader = os.Stdin
	rootStdout   io.Writer = os.Stdout
	rootStderr   io.Writer = os.Stderr
	buildVersion           = "dev"
)

func init() {
	buildVersion = resolveBuildVersion(buildVersion)
}

func resolveBuildVersion(defaultVersion string) string {
	if defaultVersion != "" && defaultVersion != "dev" {
		return defaultVersion
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return defaultVersion
	}
	if info.Main.Version == "" || info.Main.Version == "(devel)" {
		return defaultVersion
	}
	return info.Main.Version
}

// workspaceFlags are shared by every command that targets a workspace.
type workspaceFlags struct {
	workspace string
	verbose   bool
	logFormat string
}

func (f *workspaceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.workspace, "workspace", "w", ".", "workspace root directory")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "log at debug level")
	cmd.Flags().StringVar(&f.logFormat, "log-format", "json", "log encoding: json or console")
}

func (f *workspaceFlags) level() string {
	if f.verbose {
		return "debug"
	}
	return "info"
}

package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/FulgerX2007/chartsnap/pkg/config"
)

var (
	version string
	commit  string
	date    string
)

// SetVersion sets the version information displayed by --version
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
}

// ExitError carries a process exit status out of a command without printing anything
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// globalOpts holds the persistent flags shared by every command
type globalOpts struct {
	verbose    bool
	configPath string
}

// loadConfig reads the config named by --config, or the default file if present
func (g *globalOpts) loadConfig() (config.Config, error) {
	return config.Load(g.configPath)
}

// Execute runs the chartsnap CLI
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	g := &globalOpts{}

	root := &cobra.Command{
		Use:           "chartsnap",
		Short:         "chartsnap renders time-series charts to images in isolated browser workers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := log.InfoLevel
			if g.verbose {
				level = log.DebugLevel
			}
			cmd.SetContext(withLogger(cmd.Context(), newLogger(os.Stderr, level)))
		},
	}

	root.SetVersionTemplate(fmt.Sprintf("chartsnap %s\ncommit: %s\nbuilt: %s\n", version, commit, date))
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "enable verbose logging")
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file (default "+config.DefaultPath+" if present)")

	root.AddCommand(newWorkerCmd(g))
	root.AddCommand(newRenderCmd(g))
	root.AddCommand(newServeCmd(g))

	return root
}

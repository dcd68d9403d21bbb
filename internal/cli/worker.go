package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/FulgerX2007/chartsnap/pkg/config"
	"github.com/FulgerX2007/chartsnap/pkg/model"
	"github.com/FulgerX2007/chartsnap/pkg/render"
	"github.com/FulgerX2007/chartsnap/pkg/surface"
	"github.com/FulgerX2007/chartsnap/pkg/worker"
)

// newWorkerCmd creates the render worker process command. It reads one
// request on stdin and answers on stdout, or on stderr with a kind-mapped
// exit status. It never logs to stderr.
func newWorkerCmd(g *globalOpts) *cobra.Command {
	var logFile string

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Render one request from stdin to a PNG on stdout",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(io.Discard)
			if logFile != "" {
				f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					return workerExit(model.Wrap(model.KindWorker, "failed to open log file", err))
				}
				defer f.Close()
				level := log.InfoLevel
				if g.verbose {
					level = log.DebugLevel
				}
				logger = newLogger(f, level)
				logger.SetPrefix(fmt.Sprintf("pid=%d", os.Getpid()))
			}

			cfg, err := g.loadConfig()
			if err != nil {
				return workerExit(model.Wrap(model.KindWorker, "failed to load config", err))
			}
			factory, err := surface.New(cfg.Renderer, logger)
			if err != nil {
				return workerExit(model.Wrap(model.KindWorker, "failed to select surface", err))
			}

			code := worker.New(factory, logger).Run(cmd.Context(), os.Stdin, os.Stdout, os.Stderr)
			if code != model.ExitOK {
				return &ExitError{Code: code}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&logFile, "log-file", "", "append worker logs to this file instead of discarding them")
	return cmd
}

// workerExit reports a failure that happened before the state machine started
func workerExit(err *model.Error) error {
	fmt.Fprintln(os.Stderr, err.Error())
	return &ExitError{Code: err.Kind.ExitCode()}
}

// newManager builds the worker process manager for cfg. Workers are this
// binary's worker command unless the config names another executable.
func newManager(g *globalOpts, cfg config.Config, logger *log.Logger) (*render.Manager, error) {
	args := []string{"worker"}
	if g.configPath != "" {
		args = append(args, "--config", g.configPath)
	}
	if g.verbose {
		args = append(args, "--verbose")
	}
	return render.NewManager(render.Options{
		Executable:      cfg.Worker.Executable,
		Args:            args,
		Grace:           cfg.Worker.Grace(),
		DefaultDeadline: cfg.Worker.Deadline(),
		ReadinessCap:    time.Duration(cfg.Worker.ReadinessCapMS) * time.Millisecond,
		Logger:          logger,
	})
}

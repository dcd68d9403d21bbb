package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/FulgerX2007/chartsnap/pkg/api"
	"github.com/FulgerX2007/chartsnap/pkg/cron"
	"github.com/FulgerX2007/chartsnap/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// newServeCmd creates the command running the HTTP API and the job scheduler
func newServeCmd(g *globalOpts) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the render API and run scheduled snapshot jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := loggerFromContext(cmd.Context())

			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			st, err := store.NewStore(cfg.Store.Path, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			src, err := openSource(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to open source: %w", err)
			}
			defer src.Close()

			mgr, err := newManager(g, cfg, logger)
			if err != nil {
				return err
			}

			sched := cron.NewScheduler(st, mgr, src, cron.Options{
				MaxConcurrent: cfg.Scheduler.MaxConcurrent,
				MaxRetries:    cfg.Scheduler.MaxRetries,
				Deadline:      cfg.Worker.Deadline(),
				Logger:        logger,
			})

			srv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           api.NewHandler(st, sched, mgr, cfg.Chart, logger),
				ReadHeaderTimeout: 10 * time.Second,
			}

			if cfg.Scheduler.Enabled {
				if err := sched.Start(cmd.Context()); err != nil {
					return err
				}
			}

			eg, ctx := errgroup.WithContext(cmd.Context())

			eg.Go(func() error {
				logger.Info("listening", "addr", cfg.Server.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})

			eg.Go(func() error {
				<-ctx.Done()
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				err := srv.Shutdown(shutdownCtx)
				if cfg.Scheduler.Enabled {
					sched.Stop()
				}
				return err
			})

			if err := eg.Wait(); err != nil {
				return err
			}
			return cmd.Context().Err()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

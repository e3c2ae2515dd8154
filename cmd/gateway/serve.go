package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var consume bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP endpoint and the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, consume)
		},
	}
	cmd.Flags().BoolVar(&consume, "consume", false, "also run the usage batch consumer in-process")
	return cmd
}

func (a *app) serve(ctx context.Context, consume bool) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr(),
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("gateway listening",
			zap.String("addr", srv.Addr),
			zap.String("upstream", a.upstream.BaseURL()),
			zap.Bool("admin_auth", a.cfg.Server.AdminPassword != ""),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		a.usage.Wait()
		a.logger.Info("gateway stopped")
		return err
	})
	g.Go(func() error {
		return a.kv.RunPurge(ctx, a.cfg.Database.PurgeInterval, a.logger.Named("store"))
	})
	if consume {
		g.Go(func() error {
			return a.consumer.Run(ctx, a.cfg.Usage.FlushInterval)
		})
	}
	return g.Wait()
}

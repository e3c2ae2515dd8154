package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newConsumeUsageCmd(opts *rootOptions) *cobra.Command {
	var loop bool
	cmd := &cobra.Command{
		Use:   "consume-usage",
		Short: "Deliver queued usage records to the backend",
		Long: `consume-usage delivers one batch of queued usage records to the
backend ingestion endpoint. With --loop it keeps delivering every
usage.flush_interval until interrupted.`,
		Args: cobra.NoArgs,
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

			if loop {
				return a.consumer.Run(ctx, cfg.Usage.FlushInterval)
			}
			out, err := a.consumer.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "received=%d delivered=%d dropped=%d retried=%d\n",
				out.Received, out.Delivered, out.Dropped, out.Retried)
			if out.Failed {
				return fmt.Errorf("usage batch delivery failed, %d records left queued", out.Retried)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "keep consuming until interrupted")
	return cmd
}

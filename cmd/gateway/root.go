package main

import (
	"github.com/pysugar/mcp-auth-gateway/internal/version"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Authenticating MCP gateway in front of a backend API",
		Long: `gateway authenticates MCP tool calls against a backend API,
keeps per-service credentials validated and refreshed, and ships
per-call usage records to the backend in batches.`,
		Version:      version.Version,
		SilenceUsage: true,
	}
	cmd.SetVersionTemplate(`{{printf "gateway version %s\n" .Version}}`)
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML config file")

	cmd.AddCommand(
		newServeCmd(opts),
		newConsumeUsageCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

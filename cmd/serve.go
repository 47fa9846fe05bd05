package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scrapeq/internal/config"
	"github.com/JakeFAU/scrapeq/internal/server"
)

// runServer builds and runs the service. Tests replace it.
var runServer = func(ctx context.Context, cfg config.Config) error {
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API and the background workers",
		Long: `Starts every component built from the configuration and blocks until
SIGINT or SIGTERM, then drains in-flight requests and shuts down.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
}

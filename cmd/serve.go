// SPDX-License-Identifier: AGPL-3.0-or-later

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgefleet/edgefleet/internal/server"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var (
		bindAddr string
		interval time.Duration
	)
	c := &cobra.Command{
		Use:   "serve",
		Short: "Serve fleet state, validation reports and metrics over HTTP",
		Long: `Serve exposes /healthz, /metrics and the /v1 API and re-runs the
validator on an interval. Binding to a non-loopback address requires a
bearer token in ` + server.TokenEnv + `.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			ctx, stop := signalContext(c.Context())
			defer stop()

			if opts.verbose == 0 {
				opts.verbose = 1
			}
			a, err := openApp(ctx, opts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			err = server.Run(ctx, server.Config{
				Bind:             bindAddr,
				Token:            os.Getenv(server.TokenEnv),
				ValidateInterval: interval,
				Logger:           opts.logger(os.Stderr),
				Inventory:        a.inv,
				Validator:        a.validator,
				DB:               a.db,
				Records:          a.records,
			})
			if err != nil {
				if ctx.Err() != nil {
					// Shutdown initiated; surface as exit 0 after graceful stop.
					return nil
				}
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
	c.Flags().StringVar(&bindAddr, "bind", "127.0.0.1:8080", "Address for HTTP server to listen on")
	c.Flags().DurationVar(&interval, "interval", 5*time.Minute, "Interval between validation runs")
	return c
}

// SPDX-License-Identifier: AGPL-3.0-or-later

package cmd

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/edgefleet/edgefleet/internal/coredb"
	"github.com/edgefleet/edgefleet/internal/validate"
)

func newValidateCmd(opts *globalOptions) *cobra.Command {
	var (
		out     outputFormat
		promote bool
	)
	c := &cobra.Command{
		Use:   "validate",
		Short: "Run the read-only check battery against every node",
		Long: `Validate checks connectivity, public exposure, workload cardinality,
service health, resource limits and mesh status on every node and prints
one line per check followed by a summary. The exit status is 1 when any
check failed.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			ctx, stop := signalContext(c.Context())
			defer stop()

			a, err := openApp(ctx, opts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			report := a.validator.Run(ctx)
			if promote {
				promoted, err := a.validator.Promote(ctx, report)
				if err != nil {
					return err
				}
				for _, id := range promoted {
					a.logger.Info("node validated", slog.String("node", id))
				}
			}
			a.inv.PublishMetrics()

			if err := printReport(c.OutOrStdout(), &out, report); err != nil {
				return err
			}
			if report.Failed() {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	out.register(c)
	c.Flags().BoolVar(&promote, "promote", false, "Mark role-deployed nodes whose checks all passed as validated")
	return c
}

func newHealthCmd(opts *globalOptions) *cobra.Command {
	var out outputFormat
	c := &cobra.Command{
		Use:               "health <node>",
		ValidArgsFunction: completeNodeIDs(opts),
		Short:             "Quick health check of one node plus orchestrator storage",
		Args:              cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			ctx, stop := signalContext(c.Context())
			defer stop()

			a, err := openApp(ctx, opts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.validator.Health(ctx, args[0])
			if err != nil {
				return err
			}
			stats, statsErr := coredb.CollectStorageStats(ctx, a.db)

			w := c.OutOrStdout()
			if out.structured() {
				doc := struct {
					Report  validate.Report     `json:"report" yaml:"report"`
					Storage coredb.StorageStats `json:"storage" yaml:"storage"`
				}{report, stats}
				if _, err := out.write(w, doc); err != nil {
					return err
				}
			} else {
				if err := printReport(w, &out, report); err != nil {
					return err
				}
				if statsErr != nil {
					printf(w, "storage: degraded: %v\n", statsErr)
				} else {
					printf(w, "storage: ok=%t used=%d/%d records=%d eviction=%t\n",
						stats.OK, stats.BytesUsed, stats.MaxBytes, stats.Records, stats.EvictionActive)
				}
			}
			if report.Failed() || statsErr != nil || !stats.OK {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	out.register(c)
	return c
}

func printReport(w io.Writer, out *outputFormat, report validate.Report) error {
	if ok, err := out.write(w, report); ok {
		return err
	}
	for _, res := range report.Results {
		printf(w, "%s\n", res)
	}
	printf(w, "%s\n", report.Summary())
	return nil
}

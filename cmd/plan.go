// SPDX-License-Identifier: AGPL-3.0-or-later

package cmd

import (
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/edgefleet/edgefleet/internal/engine"
)

type planView struct {
	Node  string        `json:"node" yaml:"node"`
	Steps []engine.Step `json:"steps" yaml:"steps"`
}

func newPlanCmd(opts *globalOptions) *cobra.Command {
	var (
		out        outputFormat
		reapply    bool
		clearBlock bool
	)
	c := &cobra.Command{
		Use:               "plan [node|role...]",
		ValidArgsFunction: completeNodeIDs(opts),
		Short:             "Preview which phases provision would run, skip or block (no execution)",
		RunE: func(c *cobra.Command, args []string) error {
			ctx, stop := signalContext(c.Context())
			defer stop()

			a, err := openApp(ctx, opts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			ids, err := a.selectNodes(args)
			if err != nil {
				return err
			}
			popts := engine.ProvisionOptions{Reapply: reapply, ClearBlock: clearBlock}
			plans := make([]planView, 0, len(ids))
			for _, id := range ids {
				steps, err := a.engine.Plan(ctx, id, popts)
				if err != nil {
					return err
				}
				plans = append(plans, planView{Node: id, Steps: steps})
			}

			w := c.OutOrStdout()
			if ok, err := out.write(w, plans); ok {
				return err
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			printf(tw, "NODE\tSEQ\tPHASE\tCONTRACT\tDECISION\tREASON\n")
			for _, p := range plans {
				for _, s := range p.Steps {
					printf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n", p.Node, s.Seq, s.Name, s.Contract, s.Decision, s.Reason)
				}
			}
			return tw.Flush()
		},
	}
	out.register(c)
	c.Flags().BoolVar(&reapply, "reapply", false, "Plan as if repeatable phases were re-run")
	c.Flags().BoolVar(&clearBlock, "clear-block", false, "Plan as if the node's block were released")
	return c
}

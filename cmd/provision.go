// SPDX-License-Identifier: AGPL-3.0-or-later

package cmd

import (
	"errors"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgefleet/edgefleet/internal/engine"
)

func newProvisionCmd(opts *globalOptions) *cobra.Command {
	var (
		out        outputFormat
		reapply    bool
		clearBlock bool
		phase      string
	)
	c := &cobra.Command{
		Use:               "provision [node|role...]",
		ValidArgsFunction: completeNodeIDs(opts),
		Short:             "Run the phase sequence on nodes (all nodes when none are named)",
		Long: `Provision runs the base, secure, container, network and role deploy
phases in order. Phases whose latest record succeeded are skipped, so
re-running converges without repeating work. A node stops at its first
failing phase and is marked blocked; other nodes continue.`,
		RunE: func(c *cobra.Command, args []string) error {
			ctx, stop := signalContext(c.Context())
			defer stop()

			a, err := openApp(ctx, opts, eventWriter(c, &out))
			if err != nil {
				return err
			}
			defer a.Close()

			ids, err := a.selectNodes(args)
			if err != nil {
				return err
			}

			var results []engine.NodeResult
			if phase != "" {
				if len(ids) != 1 {
					return errors.New("--phase requires exactly one node")
				}
				if clearBlock {
					if err := a.inv.ClearBlock(ctx, ids[0]); err != nil {
						return err
					}
				}
				res, err := a.engine.RunPhase(ctx, ids[0], phase)
				results = []engine.NodeResult{{Node: ids[0], Result: res, Err: err}}
			} else {
				results = a.engine.ProvisionFleet(ctx, ids, engine.ProvisionOptions{Reapply: reapply, ClearBlock: clearBlock})
			}
			return reportRuns(c.OutOrStdout(), &out, results)
		},
	}
	out.register(c)
	c.Flags().BoolVar(&reapply, "reapply", false, "Re-run repeatable phases that already succeeded")
	c.Flags().BoolVar(&clearBlock, "clear-block", false, "Release a configuration or environment block before running")
	c.Flags().StringVar(&phase, "phase", "", "Run a single named phase on one node")
	return c
}

func newDeployCmd(opts *globalOptions) *cobra.Command {
	var (
		out        outputFormat
		clearBlock bool
	)
	c := &cobra.Command{
		Use:               "deploy [node|role...]",
		ValidArgsFunction: completeNodeIDs(opts),
		Short:             "Run only the role deploy phase on networked nodes",
		RunE: func(c *cobra.Command, args []string) error {
			ctx, stop := signalContext(c.Context())
			defer stop()

			a, err := openApp(ctx, opts, eventWriter(c, &out))
			if err != nil {
				return err
			}
			defer a.Close()

			ids, err := a.selectNodes(args)
			if err != nil {
				return err
			}
			results := make([]engine.NodeResult, 0, len(ids))
			for _, id := range ids {
				if ctx.Err() != nil {
					break
				}
				if clearBlock {
					if err := a.inv.ClearBlock(ctx, id); err != nil {
						return err
					}
				}
				res, err := a.engine.Deploy(ctx, id)
				results = append(results, engine.NodeResult{Node: id, Result: res, Err: err})
			}
			a.inv.PublishMetrics()
			return reportRuns(c.OutOrStdout(), &out, results)
		},
	}
	out.register(c)
	c.Flags().BoolVar(&clearBlock, "clear-block", false, "Release a configuration or environment block before deploying")
	return c
}

type runView struct {
	Node   string           `json:"node" yaml:"node"`
	Result engine.RunResult `json:"result" yaml:"result"`
	Error  string           `json:"error,omitempty" yaml:"error,omitempty"`
}

// reportRuns prints results and returns exit status 1 when any node failed.
func reportRuns(w io.Writer, out *outputFormat, results []engine.NodeResult) error {
	views := make([]runView, 0, len(results))
	for _, r := range results {
		views = append(views, runView{Node: r.Node, Result: r.Result, Error: r.Error()})
	}
	if ok, err := out.write(w, views); ok {
		if err != nil {
			return err
		}
	} else {
		for _, r := range results {
			printf(w, "%s\t%s\t%s", r.Node, statusOf(r), r.Result.State)
			if len(r.Result.Executed) > 0 {
				printf(w, "\tran=%s", strings.Join(r.Result.Executed, ","))
			}
			if len(r.Result.Skipped) > 0 {
				printf(w, "\tskipped=%s", strings.Join(r.Result.Skipped, ","))
			}
			if r.Err != nil {
				printf(w, "\terror=%s", firstLine(r.Err.Error()))
			}
			printf(w, "\n")
		}
	}
	if engine.Failed(results) {
		return &exitError{code: 1}
	}
	return nil
}

func statusOf(r engine.NodeResult) string {
	if r.Result.Status != "" {
		return r.Result.Status
	}
	if r.Err != nil {
		return engine.StatusFailed
	}
	return engine.StatusCompleted
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

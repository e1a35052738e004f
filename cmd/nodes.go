// SPDX-License-Identifier: AGPL-3.0-or-later

package cmd

import (
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/edgefleet/edgefleet/internal/coredb"
	"github.com/edgefleet/edgefleet/internal/inventory"
)

func newNodesCmd(opts *globalOptions) *cobra.Command {
	var (
		out  outputFormat
		role roleFlag
	)
	c := &cobra.Command{
		Use:   "nodes",
		Short: "List fleet nodes with lifecycle state",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			ctx, stop := signalContext(c.Context())
			defer stop()

			a, err := openApp(ctx, opts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			nodes := a.inv.List()
			if role.set {
				nodes = a.inv.ListByRole(role.role)
			}

			w := c.OutOrStdout()
			if ok, err := out.write(w, nodes); ok {
				return err
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			printf(tw, "ID\tROLE\tSTATE\tRUN\tADDRESS\tBLOCK\n")
			for _, n := range nodes {
				block := ""
				if n.Block != nil {
					block = n.Block.String()
				}
				printf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", n.ID, n.Role, n.State, n.RunState, n.Address, block)
			}
			return tw.Flush()
		},
	}
	out.register(c)
	c.Flags().Var(&role, "role", "Only list nodes with this role")
	_ = c.RegisterFlagCompletionFunc("role", completeRoles)
	return c
}

// roleFlag is a --role value checked at parse time.
type roleFlag struct {
	role inventory.Role
	set  bool
}

var _ pflag.Value = (*roleFlag)(nil)

func (f *roleFlag) String() string { return string(f.role) }

func (f *roleFlag) Set(s string) error {
	r, err := inventory.ParseRole(s)
	if err != nil {
		return err
	}
	f.role, f.set = r, true
	return nil
}

func (f *roleFlag) Type() string { return "role" }

func completeRoles(cmd *cobra.Command, args []string, toComplete string) ([]cobra.Completion, cobra.ShellCompDirective) {
	var out []cobra.Completion
	for _, r := range inventory.Roles() {
		if strings.HasPrefix(string(r), toComplete) {
			out = append(out, string(r))
		}
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}

type recordView struct {
	Seq          int64     `json:"seq" yaml:"seq"`
	RunID        string    `json:"run_id" yaml:"run_id"`
	Phase        string    `json:"phase" yaml:"phase"`
	PhaseSeq     int       `json:"phase_seq" yaml:"phase_seq"`
	Attempt      int       `json:"attempt" yaml:"attempt"`
	Outcome      string    `json:"outcome" yaml:"outcome"`
	FailureClass string    `json:"failure_class,omitempty" yaml:"failure_class,omitempty"`
	ExitCode     int       `json:"exit_code" yaml:"exit_code"`
	Duration     string    `json:"duration" yaml:"duration"`
	Timestamp    time.Time `json:"timestamp" yaml:"timestamp"`
	Output       string    `json:"output,omitempty" yaml:"output,omitempty"`
}

func newRecordsCmd(opts *globalOptions) *cobra.Command {
	var (
		out        outputFormat
		after      int64
		phase      string
		showOutput bool
	)
	c := &cobra.Command{
		Use:               "records <node>",
		ValidArgsFunction: completeNodeIDs(opts),
		Short:             "Show the execution record history of a node",
		Args:              cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			ctx, stop := signalContext(c.Context())
			defer stop()

			a, err := openApp(ctx, opts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			id := args[0]
			if _, err := a.inv.Get(id); err != nil {
				return err
			}
			var views []recordView
			err = a.records.ForEach(ctx, id, after, func(rec coredb.ExecutionRecord) error {
				if phase != "" && rec.Phase != phase {
					return nil
				}
				v := recordView{
					Seq:          rec.Seq,
					RunID:        rec.RunID,
					Phase:        rec.Phase,
					PhaseSeq:     rec.PhaseSeq,
					Attempt:      rec.Attempt,
					Outcome:      rec.Outcome,
					FailureClass: rec.FailureClass,
					ExitCode:     rec.ExitCode,
					Duration:     rec.Duration.Round(time.Millisecond).String(),
					Timestamp:    rec.Timestamp,
				}
				if showOutput || out.structured() {
					v.Output = string(rec.Output)
					if rec.OutputEvicted {
						v.Output = "(output evicted)"
					}
				}
				views = append(views, v)
				return nil
			})
			if err != nil {
				return err
			}

			w := c.OutOrStdout()
			if ok, err := out.write(w, views); ok {
				return err
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			printf(tw, "SEQ\tTIME\tRUN\tPHASE\tATTEMPT\tOUTCOME\tCLASS\tEXIT\tDURATION\n")
			for _, v := range views {
				printf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\t%d\t%s\n", v.Seq, v.Timestamp.Format(time.RFC3339),
					v.RunID, v.Phase, v.Attempt, v.Outcome, v.FailureClass, v.ExitCode, v.Duration)
				if showOutput && v.Output != "" {
					printf(tw, "%s\n", v.Output)
				}
			}
			return tw.Flush()
		},
	}
	out.register(c)
	c.Flags().Int64Var(&after, "after", 0, "Only records with a sequence number above this")
	c.Flags().StringVar(&phase, "phase", "", "Only records of this phase")
	c.Flags().BoolVar(&showOutput, "output", false, "Include captured command output")
	return c
}

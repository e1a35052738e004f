// SPDX-License-Identifier: AGPL-3.0-or-later

package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgefleet/edgefleet/internal/configloader"
)

func NewCompletionCmd(root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish|powershell]",
		Short:     "Generate shell completions",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return root.GenBashCompletionV2(out, true)
			case "zsh":
				return root.GenZshCompletion(out)
			case "fish":
				return root.GenFishCompletion(out, true)
			case "powershell":
				return root.GenPowerShellCompletionWithDesc(out)
			}
			return nil
		},
	}
}

// completeNodeIDs completes node arguments from the fleet file. It reads
// only the file and never opens the state DB.
func completeNodeIDs(opts *globalOptions) cobra.CompletionFunc {
	return func(cmd *cobra.Command, args []string, toComplete string) ([]cobra.Completion, cobra.ShellCompDirective) {
		cfg, err := configloader.Load(opts.fleetPath())
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		taken := make(map[string]struct{}, len(args))
		for _, a := range args {
			taken[a] = struct{}{}
		}
		var out []cobra.Completion
		for _, n := range cfg.Nodes {
			if _, dup := taken[n.ID]; dup {
				continue
			}
			if strings.HasPrefix(n.ID, toComplete) {
				out = append(out, cobra.CompletionWithDesc(n.ID, n.Role))
			}
		}
		return out, cobra.ShellCompDirectiveNoFileComp
	}
}

// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cmd implements the edgefleet command line.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgefleet/edgefleet/internal/paths"
)

// globalOptions are the persistent root flags.
type globalOptions struct {
	fleetFile string
	dataDir   string
	logMode   string
	verbose   int
	local     bool
}

// exitError carries a non-zero exit status without an extra message.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "edgefleet",
		Short:         "Provision, deploy and validate edge node fleets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.dataDir != "" {
				paths.SetDataDirOverride(opts.dataDir)
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.fleetFile, "fleet", "f", "", "Fleet file (default $EDGEFLEET_FLEET_FILE or $XDG_CONFIG_HOME/edgefleet/fleet.yaml)")
	flags.StringVar(&opts.dataDir, "data-dir", "", "State directory (overrides EDGEFLEET_DATA_DIR)")
	flags.StringVar(&opts.logMode, "log", "text", "Log output format (text|json)")
	flags.CountVarP(&opts.verbose, "verbose", "v", "Increase verbosity")
	flags.BoolVar(&opts.local, "local", false, "Run every command on this host instead of over SSH")

	root.AddCommand(
		newProvisionCmd(opts),
		newDeployCmd(opts),
		newPlanCmd(opts),
		newValidateCmd(opts),
		newHealthCmd(opts),
		newNodesCmd(opts),
		newRecordsCmd(opts),
		newServeCmd(opts),
		newInitCmd(),
		NewCompletionCmd(root),
	)
	return root
}

// Execute runs the CLI and exits with its status.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (o *globalOptions) fleetPath() string {
	if o.fleetFile != "" {
		return o.fleetFile
	}
	return paths.FleetFile()
}

func (o *globalOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	switch {
	case o.verbose >= 2:
		level = slog.LevelDebug
	case o.verbose == 1:
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(o.logMode) {
	case "json":
		handler = slog.NewJSONHandler(w, hopts)
	default:
		handler = slog.NewTextHandler(w, hopts)
	}
	return slog.New(handler)
}

func (o *globalOptions) jsonEvents() bool {
	return strings.EqualFold(o.logMode, "json")
}

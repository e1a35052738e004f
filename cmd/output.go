// SPDX-License-Identifier: AGPL-3.0-or-later

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type outputFormat struct {
	json bool
	yaml bool
}

func (f *outputFormat) register(c *cobra.Command) {
	c.Flags().BoolVar(&f.json, "json", false, "Output as JSON")
	c.Flags().BoolVar(&f.yaml, "yaml", false, "Output as YAML")
	c.MarkFlagsMutuallyExclusive("json", "yaml")
}

func (f *outputFormat) structured() bool { return f.json || f.yaml }

// write encodes v in the selected structured format. It reports false when
// neither format was requested.
func (f *outputFormat) write(w io.Writer, v any) (bool, error) {
	switch {
	case f.json:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case f.yaml:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	}
	return false, nil
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// eventWriter is where step events go: stdout for human output, stderr when
// stdout carries a structured document.
func eventWriter(c *cobra.Command, f *outputFormat) io.Writer {
	if f != nil && f.structured() {
		return c.ErrOrStderr()
	}
	return c.OutOrStdout()
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

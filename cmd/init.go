// SPDX-License-Identifier: AGPL-3.0-or-later

package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/edgefleet/edgefleet/internal/configloader"
	"github.com/edgefleet/edgefleet/internal/types"
)

const scaffoldHeader = `edgefleet fleet file.
Durations use Go syntax (90s, 15m). Unset settings take built-in defaults.
The mesh auth key is read from the environment variable named by
mesh.auth_key_env and is never stored here.`

func scaffoldConfig() types.FleetConfig {
	return types.FleetConfig{
		Settings: types.Settings{
			SSH:              types.SSHConfig{User: "pi", Port: 22, KeyPath: "~/.ssh/id_ed25519"},
			Concurrency:      4,
			ContainerRuntime: "docker",
			Timezone:         "UTC",
			ErrorHandling:    types.ErrorHandling{Retries: 3},
		},
		Nodes: []types.NodeConfig{
			{ID: "edge-01", Role: "bandwidth", Host: "192.168.1.21", MemoryMB: 1024, CPUs: 4, Arch: "arm64"},
			{ID: "edge-02", Role: "storage", Host: "192.168.1.22", MemoryMB: 4096, CPUs: 4, Arch: "arm64"},
			{ID: "edge-03", Role: "monitoring", Host: "192.168.1.23", MemoryMB: 2048, CPUs: 4, Arch: "arm64"},
		},
		HealthEndpoints: []types.HealthEndpoint{
			{Name: "monitoring-agent", Role: "monitoring", Port: 9100, Path: "/metrics"},
		},
		Mesh:     types.MeshConfig{Binary: "tailscale", AuthKeyEnv: "EDGEFLEET_MESH_AUTH_KEY"},
		Exposure: types.ExposureConfig{AllowPorts: []int{22}},
	}
}

// renderScaffold encodes the sample fleet with a header comment.
func renderScaffold() ([]byte, error) {
	cfg := scaffoldConfig()
	var doc yaml.Node
	if err := doc.Encode(&cfg); err != nil {
		return nil, err
	}
	doc.HeadComment = scaffoldHeader
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func newInitCmd() *cobra.Command {
	var force bool
	c := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a sample fleet file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			path := "fleet.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				} else if !errors.Is(err, fs.ErrNotExist) {
					return err
				}
			}
			data, err := renderScaffold()
			if err != nil {
				return fmt.Errorf("render fleet file: %w", err)
			}
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("creating %s: %w", dir, err)
				}
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", path, err)
			}
			if _, err := configloader.Load(path); err != nil {
				return fmt.Errorf("scaffold does not load: %w", err)
			}
			printf(c.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	c.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return c
}

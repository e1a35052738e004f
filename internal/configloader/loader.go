// SPDX-License-Identifier: AGPL-3.0-or-later

package configloader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/edgefleet/edgefleet/internal/inventory"
	"github.com/edgefleet/edgefleet/internal/types"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	defaultSSHUser        = "pi"
	defaultSSHPort        = 22
	defaultCommandTimeout = 15 * time.Minute
	defaultProbeTimeout   = 5 * time.Second
	defaultRetries        = 3
	defaultRetryBackoff   = 2 * time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultConcurrency    = 4
	defaultMeshBinary     = "tailscale"
	defaultAuthKeyEnv     = "EDGEFLEET_MESH_AUTH_KEY"
	defaultMeshCacheTTL   = 2 * time.Minute
	defaultTimezone       = "UTC"

	envNatsURL = "EDGEFLEET_NATS_URL"
	envSSHKey  = "EDGEFLEET_SSH_KEY"
	envRuntime = "EDGEFLEET_CONTAINER_RUNTIME"
)

// Load reads and validates a fleet file.
func Load(path string) (*types.FleetConfig, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load fleet file %s: %w", path, err)
	}

	var cfg types.FleetConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode fleet file %s: %w", path, err)
	}

	ApplyDefaults(&cfg)
	applyEnv(&cfg)
	cfg.Settings.SSH.KeyPath = expandHome(cfg.Settings.SSH.KeyPath)
	cfg.Settings.SSH.KnownHosts = expandHome(cfg.Settings.SSH.KnownHosts)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("fleet file %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values with the built-in defaults.
func ApplyDefaults(cfg *types.FleetConfig) {
	s := &cfg.Settings
	if s.SSH.User == "" {
		s.SSH.User = defaultSSHUser
	}
	if s.SSH.Port == 0 {
		s.SSH.Port = defaultSSHPort
	}
	if s.CommandTimeout <= 0 {
		s.CommandTimeout = defaultCommandTimeout
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = defaultProbeTimeout
	}
	if s.ErrorHandling.Retries == 0 {
		s.ErrorHandling.Retries = defaultRetries
	}
	if s.ErrorHandling.RetryBackoff <= 0 {
		s.ErrorHandling.RetryBackoff = defaultRetryBackoff
	}
	if s.ErrorHandling.MaxBackoff <= 0 {
		s.ErrorHandling.MaxBackoff = defaultMaxBackoff
	}
	if s.Concurrency <= 0 {
		s.Concurrency = defaultConcurrency
	}
	if s.Timezone == "" {
		s.Timezone = defaultTimezone
	}
	if cfg.Mesh.Binary == "" {
		cfg.Mesh.Binary = defaultMeshBinary
	}
	if cfg.Mesh.AuthKeyEnv == "" {
		cfg.Mesh.AuthKeyEnv = defaultAuthKeyEnv
	}
	if cfg.Mesh.CacheTTL <= 0 {
		cfg.Mesh.CacheTTL = defaultMeshCacheTTL
	}
	if len(cfg.Exposure.AllowPorts) == 0 {
		cfg.Exposure.AllowPorts = []int{defaultSSHPort}
	}
	for i := range cfg.Nodes {
		cfg.Nodes[i].ID = strings.TrimSpace(cfg.Nodes[i].ID)
		cfg.Nodes[i].Role = strings.ToLower(strings.TrimSpace(cfg.Nodes[i].Role))
		if cfg.Nodes[i].Host == "" {
			cfg.Nodes[i].Host = cfg.Nodes[i].ID
		}
	}
}

func applyEnv(cfg *types.FleetConfig) {
	if v := strings.TrimSpace(os.Getenv(envNatsURL)); v != "" {
		cfg.Settings.NatsURL = v
	}
	if v := strings.TrimSpace(os.Getenv(envSSHKey)); v != "" {
		cfg.Settings.SSH.KeyPath = v
	}
	if v := strings.TrimSpace(os.Getenv(envRuntime)); v != "" {
		cfg.Settings.ContainerRuntime = v
	}
}

// expandHome resolves a leading ~/ against the user's home directory.
func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}

// Validate checks structural invariants of a fleet definition.
func Validate(cfg *types.FleetConfig) error {
	if cfg == nil {
		return fmt.Errorf("fleet config is nil")
	}
	seen := make(map[string]struct{}, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		if n.ID == "" {
			return fmt.Errorf("nodes[%d].id is required", i)
		}
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("nodes[%d]: duplicate node id %q", i, n.ID)
		}
		seen[n.ID] = struct{}{}
		if _, err := inventory.ParseRole(n.Role); err != nil {
			return fmt.Errorf("nodes[%d] (%s): %w", i, n.ID, err)
		}
		if n.MemoryMB < 0 || n.CPUs < 0 {
			return fmt.Errorf("nodes[%d] (%s): hardware budget must not be negative", i, n.ID)
		}
	}
	for role := range cfg.Workloads {
		if _, err := inventory.ParseRole(role); err != nil {
			return fmt.Errorf("workloads.%s: %w", role, err)
		}
	}
	for i, ep := range cfg.HealthEndpoints {
		if ep.Port <= 0 || ep.Port > 65535 {
			return fmt.Errorf("health_endpoints[%d] (%s): invalid port %d", i, ep.Name, ep.Port)
		}
		if ep.Role != "" {
			if _, err := inventory.ParseRole(ep.Role); err != nil {
				return fmt.Errorf("health_endpoints[%d] (%s): %w", i, ep.Name, err)
			}
		}
	}
	if cfg.Settings.ErrorHandling.Retries < 0 {
		return fmt.Errorf("settings.error_handling.retries must not be negative")
	}
	return nil
}

// MeshAuthKey returns the enrollment key from the configured environment variable.
func MeshAuthKey(cfg *types.FleetConfig) string {
	if cfg == nil {
		return ""
	}
	return strings.TrimSpace(os.Getenv(cfg.Mesh.AuthKeyEnv))
}

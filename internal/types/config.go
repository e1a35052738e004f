// SPDX-License-Identifier: AGPL-3.0-or-later

// Package types holds the decoded fleet file.
package types

import "time"

// FleetConfig is the decoded fleet.yaml.
type FleetConfig struct {
	Settings        Settings                  `koanf:"settings" yaml:"settings"`
	Nodes           []NodeConfig              `koanf:"nodes" yaml:"nodes"`
	Workloads       map[string]WorkloadConfig `koanf:"workloads" yaml:"workloads,omitempty"`
	Phases          map[string]PhaseOverride  `koanf:"phases" yaml:"phases,omitempty"`
	HealthEndpoints []HealthEndpoint          `koanf:"health_endpoints" yaml:"health_endpoints,omitempty"`
	Mesh            MeshConfig                `koanf:"mesh" yaml:"mesh,omitempty"`
	Exposure        ExposureConfig            `koanf:"exposure" yaml:"exposure,omitempty"`
	Policy          PolicyConfig              `koanf:"policy" yaml:"policy,omitempty"`
}

// Settings carries orchestrator-wide knobs.
type Settings struct {
	SSH              SSHConfig     `koanf:"ssh" yaml:"ssh"`
	CommandTimeout   time.Duration `koanf:"command_timeout" yaml:"command_timeout,omitempty"`
	ProbeTimeout     time.Duration `koanf:"probe_timeout" yaml:"probe_timeout,omitempty"`
	ErrorHandling    ErrorHandling `koanf:"error_handling" yaml:"error_handling,omitempty"`
	Concurrency      int           `koanf:"concurrency" yaml:"concurrency,omitempty"`
	ContainerRuntime string        `koanf:"container_runtime" yaml:"container_runtime,omitempty"`
	Timezone         string        `koanf:"timezone" yaml:"timezone,omitempty"`
	NatsURL          string        `koanf:"nats_url" yaml:"nats_url,omitempty"`
	RecordOutputMax  int64         `koanf:"record_output_max_bytes" yaml:"record_output_max_bytes,omitempty"`
}

// SSHConfig holds credentials used by the remote executor.
type SSHConfig struct {
	User    string `koanf:"user" yaml:"user,omitempty"`
	Port    int    `koanf:"port" yaml:"port,omitempty"`
	KeyPath string `koanf:"key_path" yaml:"key_path,omitempty"`
	// KnownHosts enables host key verification when set.
	KnownHosts string `koanf:"known_hosts" yaml:"known_hosts,omitempty"`
}

// ErrorHandling bounds transient-failure retries.
type ErrorHandling struct {
	Retries      int           `koanf:"retries" yaml:"retries,omitempty"`
	RetryBackoff time.Duration `koanf:"retry_backoff" yaml:"retry_backoff,omitempty"`
	MaxBackoff   time.Duration `koanf:"max_backoff" yaml:"max_backoff,omitempty"`
}

// NodeConfig declares one fleet member.
type NodeConfig struct {
	ID       string `koanf:"id" yaml:"id"`
	Role     string `koanf:"role" yaml:"role"`
	Host     string `koanf:"host" yaml:"host,omitempty"`
	Address  string `koanf:"address" yaml:"address,omitempty"`
	MemoryMB int    `koanf:"memory_mb" yaml:"memory_mb,omitempty"`
	CPUs     int    `koanf:"cpus" yaml:"cpus,omitempty"`
	Arch     string `koanf:"arch" yaml:"arch,omitempty"`
	// ExitNode advertises the node as a mesh exit node.
	ExitNode     bool `koanf:"exit_node" yaml:"exit_node,omitempty"`
	AcceptRoutes bool `koanf:"accept_routes" yaml:"accept_routes,omitempty"`
}

// WorkloadConfig overrides the built-in workload definition for a role.
type WorkloadConfig struct {
	Image        string            `koanf:"image" yaml:"image,omitempty"`
	Name         string            `koanf:"name" yaml:"name,omitempty"`
	CPUs         float64           `koanf:"cpus" yaml:"cpus,omitempty"`
	Memory       string            `koanf:"memory" yaml:"memory,omitempty"`
	InboundPorts []int             `koanf:"inbound_ports" yaml:"inbound_ports,omitempty"`
	AllowInbound bool              `koanf:"allow_inbound" yaml:"allow_inbound,omitempty"`
	Standby      *bool             `koanf:"standby" yaml:"standby,omitempty"`
	Env          map[string]string `koanf:"env" yaml:"env,omitempty"`
	Args         []string          `koanf:"args" yaml:"args,omitempty"`
	Volumes      []string          `koanf:"volumes" yaml:"volumes,omitempty"`
	GPU          bool              `koanf:"gpu" yaml:"gpu,omitempty"`
	Restart      string            `koanf:"restart" yaml:"restart,omitempty"`
	NetworkMode  string            `koanf:"network_mode" yaml:"network_mode,omitempty"`
}

// PhaseOverride replaces the command of a phase, optionally per role.
type PhaseOverride struct {
	Command string            `koanf:"command" yaml:"command,omitempty"`
	Roles   map[string]string `koanf:"roles" yaml:"roles,omitempty"`
}

// HealthEndpoint is an HTTP probe target. An empty Role or Node matches all.
type HealthEndpoint struct {
	Name string `koanf:"name" yaml:"name"`
	Role string `koanf:"role" yaml:"role,omitempty"`
	Node string `koanf:"node" yaml:"node,omitempty"`
	Port int    `koanf:"port" yaml:"port"`
	Path string `koanf:"path" yaml:"path,omitempty"`
	// Scheme defaults to http.
	Scheme string `koanf:"scheme" yaml:"scheme,omitempty"`
}

// MeshConfig configures the mesh VPN client collaborator.
type MeshConfig struct {
	Binary      string        `koanf:"binary" yaml:"binary,omitempty"`
	AuthKeyEnv  string        `koanf:"auth_key_env" yaml:"auth_key_env,omitempty"`
	LoginServer string        `koanf:"login_server" yaml:"login_server,omitempty"`
	Interface   string        `koanf:"interface" yaml:"interface,omitempty"`
	CacheTTL    time.Duration `koanf:"cache_ttl" yaml:"cache_ttl,omitempty"`
}

// ExposureConfig lists ports allowed to listen on wildcard addresses.
type ExposureConfig struct {
	AllowPorts []int `koanf:"allow_ports" yaml:"allow_ports,omitempty"`
}

// PolicyConfig constrains which workload images may be deployed.
type PolicyConfig struct {
	AllowedRegistries []string       `koanf:"allowed_registries" yaml:"allowed_registries,omitempty"`
	VerifySignatures  string         `koanf:"verify_signatures" yaml:"verify_signatures,omitempty"`
	Ceilings          CeilingsConfig `koanf:"ceilings" yaml:"ceilings,omitempty"`
}

// CeilingsConfig caps per-workload resource limits. CPU accepts cores
// ("1.5") or millicores ("1500m"); Memory accepts k/m/g and Ki/Mi/Gi units.
type CeilingsConfig struct {
	CPU    string `koanf:"cpu" yaml:"cpu,omitempty"`
	Memory string `koanf:"memory" yaml:"memory,omitempty"`
}

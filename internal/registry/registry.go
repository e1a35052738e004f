// SPDX-License-Identifier: AGPL-3.0-or-later

// Package registry maps fleet roles to workload container definitions.
package registry

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/edgefleet/edgefleet/internal/executor/container"
	"github.com/edgefleet/edgefleet/internal/inventory"
	"github.com/edgefleet/edgefleet/internal/policy"
	"github.com/edgefleet/edgefleet/internal/types"
)

var (
	ErrNoWorkloadDefined = errors.New("registry: no workload defined for role")
	ErrInvalidExposure   = errors.New("registry: inbound ports declared without allow_inbound")
	ErrInvalidSpec       = errors.New("registry: invalid workload spec")
)

// WorkloadSpec describes the single workload container a role runs.
type WorkloadSpec struct {
	Role         inventory.Role    `json:"role" yaml:"role"`
	Image        string            `json:"image,omitempty" yaml:"image,omitempty"`
	Name         string            `json:"name,omitempty" yaml:"name,omitempty"`
	CPUs         float64           `json:"cpus,omitempty" yaml:"cpus,omitempty"`
	Memory       string            `json:"memory,omitempty" yaml:"memory,omitempty"`
	InboundPorts []int             `json:"inbound_ports,omitempty" yaml:"inbound_ports,omitempty"`
	AllowInbound bool              `json:"allow_inbound,omitempty" yaml:"allow_inbound,omitempty"`
	Standby      bool              `json:"standby,omitempty" yaml:"standby,omitempty"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Args         []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Volumes      []string          `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	GPU          bool              `json:"gpu,omitempty" yaml:"gpu,omitempty"`
	Restart      string            `json:"restart,omitempty" yaml:"restart,omitempty"`
	NetworkMode  string            `json:"network_mode,omitempty" yaml:"network_mode,omitempty"`
}

// ExposedPorts returns the inbound ports the spec is allowed to publish.
func (s WorkloadSpec) ExposedPorts() []int {
	if !s.AllowInbound {
		return nil
	}
	return append([]int(nil), s.InboundPorts...)
}

func (s WorkloadSpec) clone() WorkloadSpec {
	out := s
	out.InboundPorts = append([]int(nil), s.InboundPorts...)
	out.Args = append([]string(nil), s.Args...)
	out.Volumes = append([]string(nil), s.Volumes...)
	if s.Env != nil {
		out.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			out.Env[k] = v
		}
	}
	return out
}

// Defaults returns the built-in workload per role. Images are placeholders
// expected to be overridden in the fleet file.
func Defaults() map[inventory.Role]WorkloadSpec {
	return map[inventory.Role]WorkloadSpec{
		inventory.RoleBandwidth: {
			Role: inventory.RoleBandwidth, Image: "ghcr.io/edgefleet/bandwidth-share:latest",
			CPUs: 0.5, Memory: "256m",
		},
		inventory.RoleStorage: {
			Role: inventory.RoleStorage, Image: "ghcr.io/edgefleet/storage-node:latest",
			CPUs: 1, Memory: "1g", Volumes: []string{"/srv/edgefleet/storage:/data"},
		},
		inventory.RoleIndexing: {
			Role: inventory.RoleIndexing, Image: "ghcr.io/edgefleet/indexer:latest",
			CPUs: 1.5, Memory: "1536m", Volumes: []string{"/srv/edgefleet/index:/data"},
		},
		inventory.RoleMonitoring: {
			Role: inventory.RoleMonitoring, Image: "ghcr.io/edgefleet/monitoring-agent:latest",
			CPUs: 0.5, Memory: "512m",
		},
		inventory.RoleCompute: {
			Role: inventory.RoleCompute, Image: "ghcr.io/edgefleet/compute-worker:latest",
			CPUs: 4, Memory: "8g", GPU: true,
		},
		inventory.RoleStandby: {
			Role: inventory.RoleStandby, Standby: true,
		},
	}
}

// Registry resolves workload definitions by role.
type Registry struct {
	specs  map[inventory.Role]WorkloadSpec
	policy *policy.Policy
}

// New returns a registry seeded with Defaults and the fleet file overrides
// applied field by field.
func New(overrides map[string]types.WorkloadConfig) (*Registry, error) {
	r := &Registry{specs: Defaults()}
	roles := make([]string, 0, len(overrides))
	for role := range overrides {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, name := range roles {
		role, err := inventory.ParseRole(name)
		if err != nil {
			return nil, fmt.Errorf("workload override: %w", err)
		}
		r.specs[role] = merge(r.specs[role], role, overrides[name])
	}
	return r, nil
}

// SetPolicy installs an admission policy after checking every defined
// workload against it.
func (r *Registry) SetPolicy(p *policy.Policy) error {
	for _, spec := range r.Specs() {
		if spec.Standby {
			continue
		}
		if err := admitWith(p, spec); err != nil {
			return err
		}
	}
	r.policy = p
	return nil
}

func (r *Registry) admit(spec WorkloadSpec) error {
	return admitWith(r.policy, spec)
}

func admitWith(p *policy.Policy, spec WorkloadSpec) error {
	var mem int64
	if spec.Memory != "" {
		b, err := ParseMemory(spec.Memory)
		if err != nil {
			return fmt.Errorf("%w: role %s: %v", ErrInvalidSpec, spec.Role, err)
		}
		mem = b
	}
	if err := p.Admit(spec.Image, spec.CPUs, mem); err != nil {
		return fmt.Errorf("role %s: %w", spec.Role, err)
	}
	return nil
}

// NewEmpty returns a registry without any definitions.
func NewEmpty() *Registry {
	return &Registry{specs: make(map[inventory.Role]WorkloadSpec)}
}

// Define sets the spec for its role.
func (r *Registry) Define(spec WorkloadSpec) {
	r.specs[spec.Role] = spec.clone()
}

// WorkloadFor returns the role's spec. The standby role resolves to a
// standby-only spec.
func (r *Registry) WorkloadFor(role inventory.Role) (WorkloadSpec, error) {
	spec, ok := r.specs[role]
	if !ok {
		return WorkloadSpec{}, fmt.Errorf("%w: %s", ErrNoWorkloadDefined, role)
	}
	out := spec.clone()
	if out.Name == "" && !out.Standby {
		out.Name = "edgefleet-" + string(role)
	}
	return out, nil
}

// Specs returns every defined spec ordered by role.
func (r *Registry) Specs() []WorkloadSpec {
	out := make([]WorkloadSpec, 0, len(r.specs))
	for _, role := range inventory.Roles() {
		if _, ok := r.specs[role]; ok {
			spec, _ := r.WorkloadFor(role)
			out = append(out, spec)
		}
	}
	return out
}

func merge(base WorkloadSpec, role inventory.Role, o types.WorkloadConfig) WorkloadSpec {
	out := base.clone()
	out.Role = role
	if o.Image != "" {
		out.Image = o.Image
	}
	if o.Name != "" {
		out.Name = o.Name
	}
	if o.CPUs != 0 {
		out.CPUs = o.CPUs
	}
	if o.Memory != "" {
		out.Memory = o.Memory
	}
	if len(o.InboundPorts) > 0 {
		out.InboundPorts = append([]int(nil), o.InboundPorts...)
	}
	if o.AllowInbound {
		out.AllowInbound = true
	}
	if o.Standby != nil {
		out.Standby = *o.Standby
	}
	if len(o.Env) > 0 {
		if out.Env == nil {
			out.Env = make(map[string]string, len(o.Env))
		}
		for k, v := range o.Env {
			out.Env[k] = v
		}
	}
	if len(o.Args) > 0 {
		out.Args = append([]string(nil), o.Args...)
	}
	if len(o.Volumes) > 0 {
		out.Volumes = append([]string(nil), o.Volumes...)
	}
	if o.GPU {
		out.GPU = true
	}
	if o.Restart != "" {
		out.Restart = o.Restart
	}
	if o.NetworkMode != "" {
		out.NetworkMode = o.NetworkMode
	}
	return out
}

var memoryPattern = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)([bkmgBKMG]?)$`)

// ParseMemory converts a docker-style memory limit ("512m", "2g") to bytes.
func ParseMemory(s string) (int64, error) {
	m := memoryPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid memory limit %q", s)
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", s, err)
	}
	mult := float64(1)
	switch strings.ToLower(m[2]) {
	case "k":
		mult = 1 << 10
	case "m":
		mult = 1 << 20
	case "g":
		mult = 1 << 30
	}
	return int64(v * mult), nil
}

// ValidateSpec enforces the outbound-only rule and sane limits.
func ValidateSpec(spec WorkloadSpec) error {
	if len(spec.InboundPorts) > 0 && !spec.AllowInbound {
		return fmt.Errorf("%w: role %s ports %v", ErrInvalidExposure, spec.Role, spec.InboundPorts)
	}
	for _, p := range spec.InboundPorts {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("%w: role %s port %d out of range", ErrInvalidSpec, spec.Role, p)
		}
	}
	if spec.Standby {
		return nil
	}
	if strings.TrimSpace(spec.Image) == "" {
		return fmt.Errorf("%w: role %s has no image", ErrInvalidSpec, spec.Role)
	}
	if spec.CPUs <= 0 {
		return fmt.Errorf("%w: role %s cpu limit must be positive", ErrInvalidSpec, spec.Role)
	}
	mem, err := ParseMemory(spec.Memory)
	if err != nil {
		return fmt.Errorf("%w: role %s: %v", ErrInvalidSpec, spec.Role, err)
	}
	if mem <= 0 {
		return fmt.Errorf("%w: role %s memory limit must be positive", ErrInvalidSpec, spec.Role)
	}
	for _, v := range spec.Volumes {
		if _, err := container.ParseMount(v); err != nil {
			return fmt.Errorf("%w: role %s: %v", ErrInvalidSpec, spec.Role, err)
		}
	}
	if spec.Restart != "" {
		if err := container.ValidateRestart(spec.Restart); err != nil {
			return fmt.Errorf("%w: role %s: %v", ErrInvalidSpec, spec.Role, err)
		}
	}
	// Host networking binds every container port on the node.
	if spec.NetworkMode == "host" && !spec.AllowInbound {
		return fmt.Errorf("%w: role %s uses host networking", ErrInvalidExposure, spec.Role)
	}
	return nil
}

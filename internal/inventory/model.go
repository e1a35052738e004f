// SPDX-License-Identifier: AGPL-3.0-or-later

package inventory

import (
	"fmt"
	"strings"
)

// Role selects the workload a node runs.
type Role string

const (
	RoleBandwidth  Role = "bandwidth"
	RoleStorage    Role = "storage"
	RoleIndexing   Role = "indexing"
	RoleMonitoring Role = "monitoring"
	RoleCompute    Role = "compute"
	RoleStandby    Role = "standby"
)

var allRoles = []Role{RoleBandwidth, RoleStorage, RoleIndexing, RoleMonitoring, RoleCompute, RoleStandby}

// Roles returns every known role in declaration order.
func Roles() []Role {
	return append([]Role(nil), allRoles...)
}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range allRoles {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// State is the lifecycle position of a node. The order of the constants is
// the only permitted direction of travel.
type State int

const (
	StateUnprovisioned State = iota
	StateBaseReady
	StateSecured
	StateContainerized
	StateNetworked
	StateRoleDeployed
	StateValidated
)

var stateNames = [...]string{
	StateUnprovisioned: "unprovisioned",
	StateBaseReady:     "base-ready",
	StateSecured:       "secured",
	StateContainerized: "containerized",
	StateNetworked:     "networked",
	StateRoleDeployed:  "role-deployed",
	StateValidated:     "validated",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	return s >= StateUnprovisioned && s <= StateValidated
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid lifecycle state %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState converts a persisted lifecycle name.
func ParseState(name string) (State, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return StateUnprovisioned, nil
	}
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return StateUnprovisioned, fmt.Errorf("unknown lifecycle state %q", name)
}

// RunState tracks an orchestration run for one node.
type RunState string

const (
	RunPending  RunState = "pending"
	RunRunning  RunState = "running"
	RunBlocked  RunState = "blocked"
	RunComplete RunState = "complete"
)

// FailureClass categorises a phase failure.
type FailureClass string

const (
	ClassTransient     FailureClass = "transient"
	ClassConfiguration FailureClass = "configuration"
	ClassEnvironment   FailureClass = "environment"
)

// Block records why a node stopped progressing.
type Block struct {
	Class  FailureClass `json:"class" yaml:"class"`
	Phase  string       `json:"phase,omitempty" yaml:"phase,omitempty"`
	Reason string       `json:"reason" yaml:"reason"`
}

func (b Block) String() string {
	if b.Phase == "" {
		return fmt.Sprintf("%s: %s", b.Class, b.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", b.Class, b.Phase, b.Reason)
}

// Node is a fleet member. Values returned by the Inventory are copies.
type Node struct {
	ID       string `json:"id" yaml:"id"`
	Role     Role   `json:"role" yaml:"role"`
	Host     string `json:"host,omitempty" yaml:"host,omitempty"`
	User     string `json:"user,omitempty" yaml:"user,omitempty"`
	Port     int    `json:"port,omitempty" yaml:"port,omitempty"`
	Address  string `json:"address,omitempty" yaml:"address,omitempty"`
	MemoryMB int    `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
	CPUs     int    `json:"cpus,omitempty" yaml:"cpus,omitempty"`
	Arch     string `json:"arch,omitempty" yaml:"arch,omitempty"`

	ExitNode     bool `json:"exit_node,omitempty" yaml:"exit_node,omitempty"`
	AcceptRoutes bool `json:"accept_routes,omitempty" yaml:"accept_routes,omitempty"`

	State        State    `json:"state" yaml:"state"`
	RunState     RunState `json:"run_state" yaml:"run_state"`
	CurrentPhase string   `json:"current_phase,omitempty" yaml:"current_phase,omitempty"`
	Block        *Block   `json:"block,omitempty" yaml:"block,omitempty"`
}

// Blocked reports whether the node is in the terminal blocked run state.
func (n Node) Blocked() bool {
	return n.RunState == RunBlocked
}

func (n Node) clone() Node {
	out := n
	if n.Block != nil {
		b := *n.Block
		out.Block = &b
	}
	return out
}

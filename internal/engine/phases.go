// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/edgefleet/edgefleet/internal/executor"
	"github.com/edgefleet/edgefleet/internal/executor/container"
	"github.com/edgefleet/edgefleet/internal/inventory"
	"github.com/edgefleet/edgefleet/internal/meshvpn"
	"github.com/edgefleet/edgefleet/internal/registry"
	"github.com/edgefleet/edgefleet/internal/types"
)

// Contract states whether a phase may run again after it succeeded.
type Contract string

const (
	Repeatable Contract = "repeatable"
	Once       Contract = "once"
)

// Built-in phase names. The final phase is named after the role, see
// DeployPhaseName.
const (
	PhaseBase      = "base"
	PhaseSecure    = "secure"
	PhaseContainer = "container"
	PhaseNetwork   = "network"
)

const deploySuffix = "-deploy"

// DeployPhaseName returns the name of the role's final phase.
func DeployPhaseName(role inventory.Role) string {
	return string(role) + deploySuffix
}

// BuildContext is everything a command builder may read.
type BuildContext struct {
	Node        inventory.Node
	Settings    types.Settings
	Mesh        meshvpn.Client
	MeshAuthKey string
	Registry    *registry.Registry
	Runtime     container.Runtime
	AllowPorts  []int
}

// CommandBuilder returns the shell command for a node. An error means a
// required input is missing and is treated as a configuration failure.
type CommandBuilder func(bc BuildContext) (string, error)

// Phase is an immutable provisioning step definition.
type Phase struct {
	Name     string
	Seq      int
	Contract Contract
	// Requires names phases that must have succeeded on the same node.
	Requires []string
	Target   inventory.State
	Build    CommandBuilder
	// Timeout overrides settings.command_timeout when positive.
	Timeout time.Duration
	// CaptureAddress stores the IPv4 printed by the command as the node's
	// mesh address.
	CaptureAddress bool
}

// Catalogue returns the default ordered phases for role.
func Catalogue(role inventory.Role) []Phase {
	return []Phase{
		{Name: PhaseBase, Seq: 1, Contract: Repeatable, Target: inventory.StateBaseReady, Build: baseCommand},
		{Name: PhaseSecure, Seq: 2, Contract: Repeatable, Requires: []string{PhaseBase}, Target: inventory.StateSecured, Build: secureCommand},
		{Name: PhaseContainer, Seq: 3, Contract: Repeatable, Requires: []string{PhaseSecure}, Target: inventory.StateContainerized, Build: containerCommand},
		{Name: PhaseNetwork, Seq: 4, Contract: Once, Requires: []string{PhaseContainer}, Target: inventory.StateNetworked, Build: networkCommand, CaptureAddress: true},
		{Name: DeployPhaseName(role), Seq: 5, Contract: Repeatable, Requires: []string{PhaseNetwork}, Target: inventory.StateRoleDeployed, Build: deployCommand},
	}
}

// ApplyOverrides replaces phase commands from the fleet file. An override
// keyed by the generic name "deploy" applies to every role's final phase; a
// role entry wins over the phase-wide command.
func ApplyOverrides(phases []Phase, role inventory.Role, overrides map[string]types.PhaseOverride) []Phase {
	if len(overrides) == 0 {
		return phases
	}
	out := make([]Phase, len(phases))
	for i, ph := range phases {
		out[i] = ph
		o, ok := overrides[ph.Name]
		if !ok && strings.HasSuffix(ph.Name, deploySuffix) {
			o, ok = overrides["deploy"]
		}
		if !ok {
			continue
		}
		cmd := strings.TrimSpace(o.Command)
		if rc, ok := o.Roles[string(role)]; ok {
			cmd = strings.TrimSpace(rc)
		}
		if cmd == "" {
			continue
		}
		out[i].Build = staticCommand(cmd)
	}
	return out
}

func staticCommand(cmd string) CommandBuilder {
	return func(BuildContext) (string, error) { return cmd, nil }
}

func findPhase(phases []Phase, name string) (Phase, bool) {
	for _, ph := range phases {
		if ph.Name == name {
			return ph, true
		}
	}
	return Phase{}, false
}

// aptFunction wraps apt-get and exits with EX_TEMPFAIL while the dpkg lock
// is held.
var aptFunction = fmt.Sprintf(`apt_get() {
  local out
  if ! out=$(sudo -E apt-get -o DPkg::Lock::Timeout=60 "$@" 2>&1); then
    echo "$out" >&2
    case "$out" in
      *"Could not get lock"*|*"Unable to acquire the dpkg"*|*"is another process using it"*) exit %d ;;
    esac
    return 1
  fi
  echo "$out"
}`, executor.ExitTempFail)

func script(lines ...string) string {
	return strings.Join(append([]string{"set -euo pipefail", "export DEBIAN_FRONTEND=noninteractive"}, lines...), "\n")
}

func baseCommand(bc BuildContext) (string, error) {
	tz := strings.TrimSpace(bc.Settings.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	return script(
		aptFunction,
		"apt_get update",
		"apt_get -y upgrade",
		"apt_get install -y curl ca-certificates gnupg jq unattended-upgrades",
		"printf 'APT::Periodic::Update-Package-Lists \"1\";\\nAPT::Periodic::Unattended-Upgrade \"1\";\\n' | sudo tee /etc/apt/apt.conf.d/20auto-upgrades >/dev/null",
		fmt.Sprintf("sudo timedatectl set-timezone %s || exit %d", container.Quote(tz), executor.ExitConfig),
	), nil
}

const sshdDropIn = `PasswordAuthentication no
KbdInteractiveAuthentication no
PermitRootLogin no
MaxAuthTries 3
X11Forwarding no`

const fail2banJail = `[sshd]
enabled = true
maxretry = 5
bantime = 1h`

func allowedPorts(bc BuildContext) []int {
	seen := map[int]struct{}{}
	port := bc.Node.Port
	if port == 0 {
		port = bc.Settings.SSH.Port
	}
	if port > 0 {
		seen[port] = struct{}{}
	}
	for _, p := range bc.AllowPorts {
		seen[p] = struct{}{}
	}
	if bc.Registry != nil {
		if spec, err := bc.Registry.WorkloadFor(bc.Node.Role); err == nil {
			for _, p := range spec.ExposedPorts() {
				seen[p] = struct{}{}
			}
		}
	}
	out := make([]int, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

func secureCommand(bc BuildContext) (string, error) {
	lines := []string{
		aptFunction,
		"apt_get install -y ufw fail2ban",
		"sudo ufw default deny incoming",
		"sudo ufw default allow outgoing",
	}
	for _, p := range allowedPorts(bc) {
		lines = append(lines, "sudo ufw allow "+strconv.Itoa(p)+"/tcp")
	}
	lines = append(lines,
		"sudo ufw allow in on "+container.Quote(bc.Mesh.InterfaceName()),
		"sudo ufw --force enable",
		"sudo mkdir -p /etc/ssh/sshd_config.d",
		fmt.Sprintf("printf '%%s\\n' %s | sudo tee /etc/ssh/sshd_config.d/10-edgefleet.conf >/dev/null", container.Quote(sshdDropIn)),
		fmt.Sprintf("sudo sshd -t || exit %d", executor.ExitConfig),
		"sudo systemctl reload ssh 2>/dev/null || sudo systemctl reload sshd",
		fmt.Sprintf("printf '%%s\\n' %s | sudo tee /etc/fail2ban/jail.d/edgefleet.local >/dev/null", container.Quote(fail2banJail)),
		"sudo systemctl enable --now fail2ban",
		"sudo systemctl restart fail2ban",
	)
	return script(lines...), nil
}

const daemonJSON = `{"log-driver":"json-file","log-opts":{"max-size":"10m","max-file":"3"}}`

func containerCommand(bc BuildContext) (string, error) {
	user := bc.Node.User
	if user == "" {
		user = bc.Settings.SSH.User
	}
	userExpr := container.Quote(user)
	if user == "" {
		userExpr = `"$(id -un)"`
	}
	switch bc.Runtime {
	case container.RuntimePodman:
		return script(
			aptFunction,
			"apt_get install -y podman",
			"sudo mkdir -p /etc/containers",
			"printf '[containers]\\nlog_size_max = 10485760\\n' | sudo tee /etc/containers/containers.conf >/dev/null",
		), nil
	case "", container.RuntimeDocker:
		return script(
			"command -v docker >/dev/null 2>&1 || curl -fsSL https://get.docker.com | sudo sh",
			"sudo mkdir -p /etc/docker",
			fmt.Sprintf("printf '%%s\\n' %s | sudo tee /etc/docker/daemon.json >/dev/null", container.Quote(daemonJSON)),
			"sudo systemctl enable docker",
			"sudo systemctl restart docker",
			"sudo usermod -aG docker "+userExpr,
		), nil
	default:
		return "", fmt.Errorf("unsupported container runtime %q", bc.Runtime)
	}
}

func networkCommand(bc BuildContext) (string, error) {
	return bc.Mesh.EnrollCommand(bc.Node, bc.MeshAuthKey)
}

func deployCommand(bc BuildContext) (string, error) {
	if bc.Registry == nil {
		return "", registry.ErrNoWorkloadDefined
	}
	return bc.Registry.Deploy(bc.Node.Role, bc.Runtime)
}

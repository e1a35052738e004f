// SPDX-License-Identifier: AGPL-3.0-or-later

// Package meshvpn drives the tailscale-compatible mesh VPN client: it renders
// enrollment commands and parses the client's status output.
package meshvpn

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/edgefleet/edgefleet/internal/executor/container"
	"github.com/edgefleet/edgefleet/internal/inventory"
)

const DefaultBinary = "tailscale"

// DefaultInterface is the network interface the mesh client creates.
const DefaultInterface = "tailscale0"

// installScript installs the client when it is missing.
const installScript = "https://tailscale.com/install.sh"

// ErrMissingAuthKey is returned when enrollment is requested without a key.
var ErrMissingAuthKey = errors.New("meshvpn: auth key not set")

// Client renders commands for the mesh VPN CLI.
type Client struct {
	Binary      string
	LoginServer string
	// Interface is the tunnel device name on nodes.
	Interface string
}

// InterfaceName returns the tunnel device, DefaultInterface when unset.
func (c Client) InterfaceName() string {
	if c.Interface == "" {
		return DefaultInterface
	}
	return c.Interface
}

func (c Client) binary() string {
	if c.Binary == "" {
		return DefaultBinary
	}
	return c.Binary
}

// EnrollCommand returns the shell command that installs the client if needed,
// joins the mesh as node and prints the assigned IPv4 address.
func (c Client) EnrollCommand(node inventory.Node, authKey string) (string, error) {
	authKey = strings.TrimSpace(authKey)
	if authKey == "" {
		return "", ErrMissingAuthKey
	}
	bin := container.Quote(c.binary())
	up := []string{c.binary(), "up", "--auth-key=" + authKey, "--hostname=" + node.ID}
	if c.LoginServer != "" {
		up = append(up, "--login-server="+c.LoginServer)
	}
	if node.ExitNode {
		up = append(up, "--advertise-exit-node")
	}
	if node.AcceptRoutes {
		up = append(up, "--accept-routes")
	}
	lines := []string{
		"set -euo pipefail",
		fmt.Sprintf("command -v %s >/dev/null 2>&1 || curl -fsSL %s | sh", bin, installScript),
		"sudo " + container.Shell(up),
		c.IPCommand(),
	}
	return strings.Join(lines, "\n"), nil
}

// IPCommand prints the node's mesh IPv4 address.
func (c Client) IPCommand() string {
	return container.Shell([]string{c.binary(), "ip", "-4"})
}

// StatusCommand prints the client status as JSON.
func (c Client) StatusCommand() string {
	return container.Shell([]string{c.binary(), "status", "--json"})
}

// PrefsCommand prints the client preferences as JSON.
func (c Client) PrefsCommand() string {
	return container.Shell([]string{c.binary(), "debug", "prefs"})
}

// ParseIPv4 returns the first IPv4 address found in output.
func ParseIPv4(output string) (string, error) {
	for _, field := range strings.Fields(output) {
		ip := net.ParseIP(strings.TrimSpace(field))
		if ip != nil && ip.To4() != nil {
			return ip.String(), nil
		}
	}
	return "", fmt.Errorf("meshvpn: no IPv4 address in output")
}

// PeerStatus is one node as reported by the client.
type PeerStatus struct {
	HostName       string   `json:"HostName"`
	DNSName        string   `json:"DNSName"`
	TailscaleIPs   []string `json:"TailscaleIPs"`
	Online         bool     `json:"Online"`
	ExitNodeOption bool     `json:"ExitNodeOption"`
}

// IPv4 returns the peer's first IPv4 address.
func (p PeerStatus) IPv4() string {
	for _, raw := range p.TailscaleIPs {
		if ip := net.ParseIP(raw); ip != nil && ip.To4() != nil {
			return ip.String()
		}
	}
	return ""
}

// Matches reports whether the peer is the node with id.
func (p PeerStatus) Matches(id string) bool {
	if strings.EqualFold(p.HostName, id) {
		return true
	}
	label, _, _ := strings.Cut(p.DNSName, ".")
	return label != "" && strings.EqualFold(label, id)
}

// Status is the decoded output of the status command.
type Status struct {
	BackendState string                `json:"BackendState"`
	Self         PeerStatus            `json:"Self"`
	Peer         map[string]PeerStatus `json:"Peer"`
}

// Online reports whether the local client is connected.
func (s Status) Online() bool {
	return s.BackendState == "Running" && s.Self.Online
}

// Find returns the peer matching id, including the local node.
func (s Status) Find(id string) (PeerStatus, bool) {
	if s.Self.Matches(id) {
		return s.Self, true
	}
	for _, p := range s.Peer {
		if p.Matches(id) {
			return p, true
		}
	}
	return PeerStatus{}, false
}

// ParseStatus decodes status JSON.
func ParseStatus(data []byte) (Status, error) {
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return Status{}, fmt.Errorf("meshvpn: decode status: %w", err)
	}
	return st, nil
}

// Prefs is the subset of client preferences edgefleet checks.
type Prefs struct {
	WantRunning     bool     `json:"WantRunning"`
	RouteAll        bool     `json:"RouteAll"`
	AdvertiseRoutes []string `json:"AdvertiseRoutes"`
}

// AdvertisesExitNode reports whether default routes are advertised.
func (p Prefs) AdvertisesExitNode() bool {
	for _, r := range p.AdvertiseRoutes {
		if r == "0.0.0.0/0" || r == "::/0" {
			return true
		}
	}
	return false
}

// ParsePrefs decodes preferences JSON.
func ParsePrefs(data []byte) (Prefs, error) {
	var p Prefs
	if err := json.Unmarshal(data, &p); err != nil {
		return Prefs{}, fmt.Errorf("meshvpn: decode prefs: %w", err)
	}
	return p, nil
}

// SPDX-License-Identifier: AGPL-3.0-or-later

package validate

import (
	"fmt"
	"strconv"
	"strings"
)

// ListenersCommand lists TCP listening sockets without a header line.
const ListenersCommand = "ss -H -tln"

// Listener is one listening socket.
type Listener struct {
	Addr string
	Port int
	// Interface is the device a bind is scoped to ("%tailscale0"), or "".
	Interface string
}

// Wildcard reports whether the socket accepts connections on every address.
func (l Listener) Wildcard() bool {
	switch l.Addr {
	case "0.0.0.0", "::", "*", "":
		return true
	}
	return false
}

// Exposed reports whether the socket is reachable from outside the node: a
// wildcard bind that is not scoped to loopback or one of the private
// interfaces.
func (l Listener) Exposed(private ...string) bool {
	if !l.Wildcard() {
		return false
	}
	if l.Interface == "" {
		return true
	}
	if l.Interface == "lo" {
		return false
	}
	for _, iface := range private {
		if l.Interface == iface {
			return false
		}
	}
	return true
}

func (l Listener) String() string {
	addr := l.Addr
	if l.Interface != "" {
		addr += "%" + l.Interface
	}
	if strings.Contains(l.Addr, ":") {
		return fmt.Sprintf("[%s]:%d", addr, l.Port)
	}
	return fmt.Sprintf("%s:%d", addr, l.Port)
}

// ParseListeners parses `ss -H -tln` output. The local address is the
// fourth column, e.g. "0.0.0.0:22", "[::]:22", "*:8080" or
// "127.0.0.53%lo:53". ss prints scoped IPv6 binds as "[::]%tailscale0:9100".
func ParseListeners(output string) ([]Listener, error) {
	var out []Listener
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 4 {
			return nil, fmt.Errorf("unexpected ss line %q", line)
		}
		local := fields[3]
		i := strings.LastIndexByte(local, ':')
		if i < 0 {
			return nil, fmt.Errorf("no port in local address %q", local)
		}
		port, err := strconv.Atoi(local[i+1:])
		if err != nil {
			return nil, fmt.Errorf("parse port in %q: %w", local, err)
		}
		addr, iface, _ := strings.Cut(local[:i], "%")
		addr = strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
		iface = strings.TrimSuffix(iface, "]")
		out = append(out, Listener{Addr: addr, Port: port, Interface: iface})
	}
	return out, nil
}

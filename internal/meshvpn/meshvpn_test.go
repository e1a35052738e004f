package meshvpn

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefleet/edgefleet/internal/inventory"
)

const statusJSON = `{
  "BackendState": "Running",
  "Self": {"HostName": "operator", "DNSName": "operator.tail.ts.net.", "TailscaleIPs": ["100.64.0.1", "fd7a:115c::1"], "Online": true},
  "Peer": {
    "nodekey:a": {"HostName": "pi-storage", "DNSName": "pi-storage.tail.ts.net.", "TailscaleIPs": ["fd7a:115c::2", "100.64.0.2"], "Online": true, "ExitNodeOption": true},
    "nodekey:b": {"HostName": "localhost", "DNSName": "jetson.tail.ts.net.", "TailscaleIPs": ["100.64.0.3"], "Online": false}
  }
}`

func TestEnrollCommand(t *testing.T) {
	c := Client{LoginServer: "https://hs.example.net"}
	node := inventory.Node{ID: "pi-storage", ExitNode: true, AcceptRoutes: true}

	cmd, err := c.EnrollCommand(node, " tskey-auth-123 ")
	require.NoError(t, err)
	assert.Contains(t, cmd, "sudo tailscale up --auth-key=tskey-auth-123 --hostname=pi-storage --login-server=https://hs.example.net --advertise-exit-node --accept-routes")
	assert.True(t, strings.HasSuffix(cmd, "tailscale ip -4"))
	assert.Contains(t, cmd, "command -v tailscale")

	_, err = c.EnrollCommand(node, "")
	require.ErrorIs(t, err, ErrMissingAuthKey)
}

func TestEnrollCommandWithoutOptionalFlags(t *testing.T) {
	cmd, err := Client{Binary: "/usr/local/bin/tailscale"}.EnrollCommand(inventory.Node{ID: "pi-1"}, "k")
	require.NoError(t, err)
	assert.NotContains(t, cmd, "--advertise-exit-node")
	assert.NotContains(t, cmd, "--accept-routes")
	assert.Contains(t, cmd, "/usr/local/bin/tailscale up")
}

func TestInterfaceName(t *testing.T) {
	assert.Equal(t, DefaultInterface, Client{}.InterfaceName())
	assert.Equal(t, "wg0", Client{Interface: "wg0"}.InterfaceName())
}

func TestParseIPv4(t *testing.T) {
	ip, err := ParseIPv4("Warning: client version mismatch\n100.101.102.103\n")
	require.NoError(t, err)
	assert.Equal(t, "100.101.102.103", ip)

	_, err = ParseIPv4("fd7a:115c::5\n")
	require.Error(t, err)
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus([]byte(statusJSON))
	require.NoError(t, err)
	assert.True(t, st.Online())

	p, ok := st.Find("pi-storage")
	require.True(t, ok)
	assert.Equal(t, "100.64.0.2", p.IPv4())
	assert.True(t, p.ExitNodeOption)

	p, ok = st.Find("jetson")
	require.True(t, ok, "matched by DNS label")
	assert.False(t, p.Online)

	_, ok = st.Find("ghost")
	assert.False(t, ok)

	_, err = ParseStatus([]byte("not json"))
	require.Error(t, err)
}

func TestParsePrefs(t *testing.T) {
	p, err := ParsePrefs([]byte(`{"WantRunning": true, "RouteAll": true, "AdvertiseRoutes": ["0.0.0.0/0", "::/0"]}`))
	require.NoError(t, err)
	assert.True(t, p.RouteAll)
	assert.True(t, p.AdvertisesExitNode())

	p, err = ParsePrefs([]byte(`{"AdvertiseRoutes": null}`))
	require.NoError(t, err)
	assert.False(t, p.AdvertisesExitNode())
}

func TestResolverCachesLookups(t *testing.T) {
	calls := 0
	r := NewResolver(Client{}, time.Minute).WithRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls++
		assert.Equal(t, "tailscale", name)
		assert.Equal(t, []string{"status", "--json"}, args)
		return []byte(statusJSON), nil
	})
	ctx := context.Background()

	ip, err := r.Resolve(ctx, inventory.Node{ID: "pi-storage"})
	require.NoError(t, err)
	assert.Equal(t, "100.64.0.2", ip)

	ip, err = r.Resolve(ctx, inventory.Node{ID: "pi-storage"})
	require.NoError(t, err)
	assert.Equal(t, "100.64.0.2", ip)
	assert.Equal(t, 1, calls)

	ip, err = r.Resolve(ctx, inventory.Node{ID: "operator"})
	require.NoError(t, err)
	assert.Equal(t, "100.64.0.1", ip)
	assert.Equal(t, 1, calls, "peers from the first lookup are cached")

	r.Forget("pi-storage")
	_, err = r.Resolve(ctx, inventory.Node{ID: "pi-storage"})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestResolverErrors(t *testing.T) {
	r := NewResolver(Client{}, 0).WithRunner(func(context.Context, string, ...string) ([]byte, error) {
		return []byte(statusJSON), nil
	})
	_, err := r.Resolve(context.Background(), inventory.Node{ID: "ghost"})
	require.Error(t, err)

	failing := NewResolver(Client{}, 0).WithRunner(func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("tailscaled not running")
	})
	_, err = failing.Resolve(context.Background(), inventory.Node{ID: "pi-storage"})
	require.ErrorContains(t, err, "tailscaled not running")
}

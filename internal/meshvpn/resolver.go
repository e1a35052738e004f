// SPDX-License-Identifier: AGPL-3.0-or-later

package meshvpn

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/edgefleet/edgefleet/internal/inventory"
)

const defaultCacheTTL = 2 * time.Minute

// Runner executes a local command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Resolver looks up peer addresses through the operator machine's mesh
// client. Results are cached per node for the TTL.
type Resolver struct {
	client  Client
	run     Runner
	timeout time.Duration
	cache   *gocache.Cache
}

// NewResolver returns a Resolver. A zero ttl uses two minutes.
func NewResolver(client Client, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Resolver{
		client:  client,
		run:     execRunner,
		timeout: 10 * time.Second,
		cache:   gocache.New(ttl, ttl*2),
	}
}

// WithRunner replaces the command runner.
func (r *Resolver) WithRunner(run Runner) *Resolver {
	r.run = run
	return r
}

// Resolve returns the mesh IPv4 address of node.
func (r *Resolver) Resolve(ctx context.Context, node inventory.Node) (string, error) {
	if cached, ok := r.cache.Get(node.ID); ok {
		return cached.(string), nil
	}
	st, err := r.status(ctx)
	if err != nil {
		return "", err
	}
	// Every peer seen is cached; one status call serves the whole fleet.
	for _, p := range append([]PeerStatus{st.Self}, peers(st)...) {
		if ip := p.IPv4(); ip != "" && p.HostName != "" {
			r.cache.SetDefault(p.HostName, ip)
		}
	}
	peer, ok := st.Find(node.ID)
	if !ok {
		return "", fmt.Errorf("meshvpn: %s not found among peers", node.ID)
	}
	ip := peer.IPv4()
	if ip == "" {
		return "", fmt.Errorf("meshvpn: %s has no IPv4 address", node.ID)
	}
	r.cache.SetDefault(node.ID, ip)
	return ip, nil
}

// Forget drops a cached address.
func (r *Resolver) Forget(id string) {
	r.cache.Delete(id)
}

func (r *Resolver) status(ctx context.Context) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	out, err := r.run(ctx, r.client.binary(), "status", "--json")
	if err != nil {
		return Status{}, fmt.Errorf("meshvpn: status: %w", err)
	}
	return ParseStatus(out)
}

func peers(st Status) []PeerStatus {
	out := make([]PeerStatus, 0, len(st.Peer))
	for _, p := range st.Peer {
		out = append(out, p)
	}
	return out
}

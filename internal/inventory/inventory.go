// SPDX-License-Identifier: AGPL-3.0-or-later

// Package inventory is the canonical record of fleet nodes, their roles,
// network identities and lifecycle state.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/edgefleet/edgefleet/internal/coredb"
	"github.com/edgefleet/edgefleet/internal/metrics"
	"github.com/edgefleet/edgefleet/internal/types"
)

var (
	ErrDuplicateNode     = errors.New("inventory: duplicate node")
	ErrUnknownNode       = errors.New("inventory: unknown node")
	ErrAddressUnknown    = errors.New("inventory: address unknown")
	ErrInvalidTransition = errors.New("inventory: invalid transition")
)

// Store persists node state. *coredb.NodeStore satisfies it.
type Store interface {
	Save(ctx context.Context, st coredb.NodeState) error
	LoadAll(ctx context.Context) ([]coredb.NodeState, error)
}

// AddressResolver looks up a networked node's mesh address.
type AddressResolver interface {
	Resolve(ctx context.Context, node Node) (string, error)
}

type entry struct {
	mu   sync.Mutex
	node Node
}

// Inventory holds every registered node. Writers for one node are serialised
// by that node's mutex; readers receive copies.
type Inventory struct {
	mu       sync.RWMutex
	nodes    map[string]*entry
	order    []string
	store    Store
	resolver AddressResolver
	logger   *slog.Logger
}

// Option configures an Inventory.
type Option func(*Inventory)

// WithStore writes every mutation through to s.
func WithStore(s Store) Option {
	return func(inv *Inventory) { inv.store = s }
}

// WithResolver sets the lazy address resolver.
func WithResolver(r AddressResolver) Option {
	return func(inv *Inventory) { inv.resolver = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(inv *Inventory) {
		if l != nil {
			inv.logger = l
		}
	}
}

// New returns an empty Inventory.
func New(opts ...Option) *Inventory {
	inv := &Inventory{
		nodes:  make(map[string]*entry),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// NodeFromConfig converts a fleet file node using ssh for bootstrap access
// defaults.
func NodeFromConfig(nc types.NodeConfig, ssh types.SSHConfig) (Node, error) {
	role, err := ParseRole(nc.Role)
	if err != nil {
		return Node{}, fmt.Errorf("node %s: %w", nc.ID, err)
	}
	host := nc.Host
	if host == "" {
		host = nc.ID
	}
	return Node{
		ID:           nc.ID,
		Role:         role,
		Host:         host,
		User:         ssh.User,
		Port:         ssh.Port,
		Address:      nc.Address,
		MemoryMB:     nc.MemoryMB,
		CPUs:         nc.CPUs,
		Arch:         nc.Arch,
		ExitNode:     nc.ExitNode,
		AcceptRoutes: nc.AcceptRoutes,
		State:        StateUnprovisioned,
		RunState:     RunPending,
	}, nil
}

// FromConfig registers every configured node and merges persisted state.
func FromConfig(ctx context.Context, cfg *types.FleetConfig, opts ...Option) (*Inventory, error) {
	inv := New(opts...)
	for _, nc := range cfg.Nodes {
		node, err := NodeFromConfig(nc, cfg.Settings.SSH)
		if err != nil {
			return nil, err
		}
		if err := inv.Register(node); err != nil {
			return nil, err
		}
	}
	if err := inv.Restore(ctx); err != nil {
		return nil, err
	}
	return inv, nil
}

// Register adds a node. Persisted state is merged separately by Restore.
func (inv *Inventory) Register(node Node) error {
	node.ID = strings.TrimSpace(node.ID)
	if node.ID == "" {
		return fmt.Errorf("register node: id required")
	}
	if _, err := ParseRole(string(node.Role)); err != nil {
		return fmt.Errorf("register node %s: %w", node.ID, err)
	}
	if !node.State.Valid() {
		return fmt.Errorf("register node %s: invalid state %d", node.ID, int(node.State))
	}
	if node.RunState == "" {
		node.RunState = RunPending
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()
	if _, ok := inv.nodes[node.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, node.ID)
	}
	inv.nodes[node.ID] = &entry{node: node.clone()}
	inv.order = append(inv.order, node.ID)
	return nil
}

// Restore merges lifecycle state, address and block from the store into the
// registered nodes. Persisted nodes that are no longer configured are ignored.
// A run left in the running state by an interrupted process is reset to
// pending.
func (inv *Inventory) Restore(ctx context.Context) error {
	if inv.store == nil {
		return nil
	}
	states, err := inv.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("restore inventory: %w", err)
	}
	for _, st := range states {
		e := inv.lookup(st.ID)
		if e == nil {
			inv.logger.Debug("ignoring persisted state for unconfigured node", "node", st.ID)
			continue
		}
		lifecycle, err := ParseState(st.Lifecycle)
		if err != nil {
			return fmt.Errorf("restore node %s: %w", st.ID, err)
		}
		e.mu.Lock()
		e.node.State = lifecycle
		if st.Address != "" {
			e.node.Address = st.Address
		}
		e.node.RunState = RunState(st.RunState)
		if e.node.RunState == RunRunning || e.node.RunState == "" {
			e.node.RunState = RunPending
		}
		e.node.Block = nil
		if e.node.RunState == RunBlocked {
			e.node.Block = &Block{Class: FailureClass(st.BlockClass), Phase: st.BlockPhase, Reason: st.BlockReason}
		}
		e.mu.Unlock()
	}
	return nil
}

// Get returns a copy of the node.
func (inv *Inventory) Get(id string) (Node, error) {
	e := inv.lookup(id)
	if e == nil {
		return Node{}, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.node.clone(), nil
}

// List returns copies of every node in registration order.
func (inv *Inventory) List() []Node {
	inv.mu.RLock()
	entries := make([]*entry, 0, len(inv.order))
	for _, id := range inv.order {
		entries = append(entries, inv.nodes[id])
	}
	inv.mu.RUnlock()

	out := make([]Node, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.node.clone())
		e.mu.Unlock()
	}
	return out
}

// ListByRole returns copies of the nodes with role.
func (inv *Inventory) ListByRole(role Role) []Node {
	var out []Node
	for _, n := range inv.List() {
		if n.Role == role {
			out = append(out, n)
		}
	}
	return out
}

// ResolveAddress returns the mesh address of a networked node. The resolver,
// when configured, is consulted for networked nodes whose address was never
// captured and the result is stored.
func (inv *Inventory) ResolveAddress(ctx context.Context, id string) (string, error) {
	node, err := inv.Get(id)
	if err != nil {
		return "", err
	}
	if node.State < StateNetworked {
		return "", fmt.Errorf("%w: %s is %s", ErrAddressUnknown, id, node.State)
	}
	if node.Address != "" {
		return node.Address, nil
	}
	if inv.resolver == nil {
		return "", fmt.Errorf("%w: %s has no recorded address", ErrAddressUnknown, id)
	}
	addr, err := inv.resolver.Resolve(ctx, node)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrAddressUnknown, id, err)
	}
	if addr == "" {
		return "", fmt.Errorf("%w: %s not reported by mesh", ErrAddressUnknown, id)
	}
	if err := inv.SetAddress(ctx, id, addr); err != nil {
		return "", err
	}
	return addr, nil
}

// SetState advances the lifecycle state. The target must be strictly later
// than the current state.
func (inv *Inventory) SetState(ctx context.Context, id string, state State) error {
	return inv.mutate(ctx, id, func(n *Node) error {
		if !state.Valid() || state <= n.State {
			return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, n.State, state)
		}
		n.State = state
		return nil
	})
}

// SetAddress records the node's mesh address.
func (inv *Inventory) SetAddress(ctx context.Context, id, addr string) error {
	return inv.mutate(ctx, id, func(n *Node) error {
		n.Address = strings.TrimSpace(addr)
		return nil
	})
}

// SetRunning marks the node as running phase.
func (inv *Inventory) SetRunning(ctx context.Context, id, phase string) error {
	return inv.mutate(ctx, id, func(n *Node) error {
		if n.RunState == RunBlocked {
			return fmt.Errorf("node %s is blocked (%s)", id, n.Block)
		}
		n.RunState = RunRunning
		n.CurrentPhase = phase
		return nil
	})
}

// SetRunState sets a non-blocked run state and clears the current phase.
func (inv *Inventory) SetRunState(ctx context.Context, id string, rs RunState) error {
	if rs == RunBlocked {
		return fmt.Errorf("set run state %s: use Block", id)
	}
	return inv.mutate(ctx, id, func(n *Node) error {
		if n.RunState == RunBlocked {
			return fmt.Errorf("node %s is blocked (%s)", id, n.Block)
		}
		n.RunState = rs
		n.CurrentPhase = ""
		return nil
	})
}

// Block moves the node into the terminal blocked run state.
func (inv *Inventory) Block(ctx context.Context, id string, b Block) error {
	return inv.mutate(ctx, id, func(n *Node) error {
		n.RunState = RunBlocked
		n.CurrentPhase = ""
		n.Block = &b
		return nil
	})
}

// ClearBlock returns a blocked node to pending. It is a no-op for nodes that
// are not blocked.
func (inv *Inventory) ClearBlock(ctx context.Context, id string) error {
	return inv.mutate(ctx, id, func(n *Node) error {
		if n.RunState != RunBlocked {
			return nil
		}
		n.RunState = RunPending
		n.Block = nil
		return nil
	})
}

// PublishMetrics refreshes the node gauges.
func (inv *Inventory) PublishMetrics() {
	counts := make(map[[2]string]int)
	for _, n := range inv.List() {
		counts[[2]string{string(n.Role), n.State.String()}]++
	}
	metrics.SetNodeCounts(counts)
}

// IDs returns the registered node ids sorted lexically.
func (inv *Inventory) IDs() []string {
	inv.mu.RLock()
	out := append([]string(nil), inv.order...)
	inv.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (inv *Inventory) lookup(id string) *entry {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.nodes[id]
}

func (inv *Inventory) mutate(ctx context.Context, id string, fn func(*Node) error) error {
	e := inv.lookup(id)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.node.clone()
	if err := fn(&next); err != nil {
		return err
	}
	if inv.store != nil {
		if err := inv.store.Save(ctx, toState(next)); err != nil {
			return fmt.Errorf("persist node %s: %w", id, err)
		}
	}
	e.node = next
	return nil
}

func toState(n Node) coredb.NodeState {
	st := coredb.NodeState{
		ID:        n.ID,
		Lifecycle: n.State.String(),
		Address:   n.Address,
		RunState:  string(n.RunState),
	}
	if n.Block != nil {
		st.BlockClass = string(n.Block.Class)
		st.BlockPhase = n.Block.Phase
		st.BlockReason = n.Block.Reason
	}
	return st
}

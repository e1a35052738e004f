package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/edgefleet/edgefleet/internal/coredb"
	"github.com/edgefleet/edgefleet/internal/executor"
	"github.com/edgefleet/edgefleet/internal/inventory"
	"github.com/edgefleet/edgefleet/internal/meshvpn"
	"github.com/edgefleet/edgefleet/internal/registry"
	"github.com/edgefleet/edgefleet/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	Node    string
	Phase   string
	Attempt int
	Command string
}

// scriptedExecutor answers each call from respond; a nil respond succeeds.
type scriptedExecutor struct {
	mu      sync.Mutex
	calls   []call
	respond func(ctx context.Context, c call) (executor.Result, error)
}

func (s *scriptedExecutor) Execute(ctx context.Context, node inventory.Node, command string, timeout time.Duration) (executor.Result, error) {
	inv, _ := executor.InvocationFrom(ctx)
	c := call{Node: node.ID, Phase: inv.Phase, Attempt: inv.Attempt, Command: command}
	s.mu.Lock()
	s.calls = append(s.calls, c)
	respond := s.respond
	s.mu.Unlock()
	if respond != nil {
		return respond(ctx, c)
	}
	return succeed(c), nil
}

func succeed(c call) executor.Result {
	if c.Phase == PhaseNetwork {
		return executor.Result{Stdout: []byte("100.64.0.7\n")}
	}
	return executor.Result{Stdout: []byte("ok\n")}
}

func (s *scriptedExecutor) setRespond(fn func(ctx context.Context, c call) (executor.Result, error)) {
	s.mu.Lock()
	s.respond = fn
	s.mu.Unlock()
}

func (s *scriptedExecutor) reset() {
	s.mu.Lock()
	s.calls = nil
	s.mu.Unlock()
}

func (s *scriptedExecutor) phases(node string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.calls {
		if c.Node == node {
			out = append(out, c.Phase)
		}
	}
	return out
}

type harness struct {
	inv     *inventory.Inventory
	records *coredb.RecordStore
	exec    *scriptedExecutor
	engine  *Engine
}

func testSettings() types.Settings {
	return types.Settings{
		SSH:            types.SSHConfig{User: "pi", Port: 22},
		CommandTimeout: 5 * time.Second,
		Concurrency:    2,
		Timezone:       "UTC",
		ErrorHandling: types.ErrorHandling{
			Retries:      2,
			RetryBackoff: time.Millisecond,
			MaxBackoff:   2 * time.Millisecond,
		},
	}
}

func newHarness(t *testing.T, reg *registry.Registry, nodes ...inventory.Node) *harness {
	t.Helper()
	db, err := coredb.Open(context.Background(), coredb.Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	inv := inventory.New(inventory.WithStore(coredb.NewNodeStore(db)))
	for _, n := range nodes {
		require.NoError(t, inv.Register(n))
	}
	records := coredb.NewRecordStore(db)
	exec := &scriptedExecutor{}
	sessions := executor.NewSessions(func(inventory.Node) (executor.Executor, error) {
		return executor.NewRecorder(exec, records, nil, nil), nil
	})
	eng, err := New(Config{
		Inventory:   inv,
		Records:     records,
		Sessions:    sessions,
		Registry:    reg,
		Settings:    testSettings(),
		AllowPorts:  []int{22},
		MeshAuthKey: "tskey-test",
	})
	require.NoError(t, err)
	return &harness{inv: inv, records: records, exec: exec, engine: eng}
}

func storageNode(id string) inventory.Node {
	return inventory.Node{ID: id, Role: inventory.RoleStorage, Host: id, User: "pi", Port: 22}
}

func allPhases(role inventory.Role) []string {
	return []string{PhaseBase, PhaseSecure, PhaseContainer, PhaseNetwork, DeployPhaseName(role)}
}

func TestProvisionFreshNodeRunsCatalogueInOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, storageNode("pi-1"))

	res, err := h.engine.Provision(ctx, "pi-1", ProvisionOptions{})
	require.NoError(t, err)

	assert.Equal(t, allPhases(inventory.RoleStorage), h.exec.phases("pi-1"))
	assert.Equal(t, allPhases(inventory.RoleStorage), res.Executed)
	assert.Equal(t, StatusCompleted, res.Status)

	node, err := h.inv.Get("pi-1")
	require.NoError(t, err)
	assert.Equal(t, inventory.StateRoleDeployed, node.State)
	assert.Equal(t, inventory.RunComplete, node.RunState)
	assert.Equal(t, "100.64.0.7", node.Address)

	var seqs []int
	require.NoError(t, h.records.ForEach(ctx, "pi-1", 0, func(rec coredb.ExecutionRecord) error {
		seqs = append(seqs, rec.PhaseSeq)
		assert.Equal(t, res.RunID, rec.RunID)
		assert.Equal(t, executor.OutcomeSuccess, rec.Outcome)
		return nil
	}))
	assert.Equal(t, []int{1, 2, 3, 4, 5}, seqs)
}

func TestProvisionCompleteNodeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, storageNode("pi-1"))
	_, err := h.engine.Provision(ctx, "pi-1", ProvisionOptions{})
	require.NoError(t, err)
	h.exec.reset()

	res, err := h.engine.Provision(ctx, "pi-1", ProvisionOptions{})
	require.NoError(t, err)
	assert.Empty(t, h.exec.phases("pi-1"))
	assert.Equal(t, allPhases(inventory.RoleStorage), res.Skipped)

	node, err := h.inv.Get("pi-1")
	require.NoError(t, err)
	assert.Equal(t, inventory.RunComplete, node.RunState)
	assert.Equal(t, inventory.StateRoleDeployed, node.State)
}

func TestProvisionReapplyKeepsOncePhaseSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, storageNode("pi-1"))
	_, err := h.engine.Provision(ctx, "pi-1", ProvisionOptions{})
	require.NoError(t, err)
	h.exec.reset()

	res, err := h.engine.Provision(ctx, "pi-1", ProvisionOptions{Reapply: true})
	require.NoError(t, err)
	assert.Equal(t, []string{PhaseBase, PhaseSecure, PhaseContainer, DeployPhaseName(inventory.RoleStorage)}, h.exec.phases("pi-1"))
	assert.Equal(t, []string{PhaseNetwork}, res.Skipped)
}

func TestTransientTimeoutBlocksThenResumes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, storageNode("pi-1"))
	h.exec.setRespond(func(_ context.Context, c call) (executor.Result, error) {
		if c.Phase == PhaseSecure {
			return executor.Result{ExitCode: -1}, &executor.TimeoutError{Node: c.Node, Timeout: time.Second}
		}
		return succeed(c), nil
	})

	_, err := h.engine.Provision(ctx, "pi-1", ProvisionOptions{})
	require.Error(t, err)
	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, inventory.ClassTransient, pe.Class)
	assert.Equal(t, PhaseSecure, pe.Phase)
	assert.ErrorIs(t, err, executor.ErrTimeout)

	// One initial attempt plus two retries.
	assert.Equal(t, []string{PhaseBase, PhaseSecure, PhaseSecure, PhaseSecure}, h.exec.phases("pi-1"))

	node, err := h.inv.Get("pi-1")
	require.NoError(t, err)
	require.True(t, node.Blocked())
	assert.Equal(t, inventory.ClassTransient, node.Block.Class)
	assert.Equal(t, PhaseSecure, node.Block.Phase)
	assert.Equal(t, inventory.StateBaseReady, node.State)

	rec, ok, err := h.records.Latest(ctx, "pi-1", PhaseSecure)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, rec.Attempt)
	assert.Equal(t, string(inventory.ClassTransient), rec.FailureClass)

	h.exec.reset()
	h.exec.setRespond(nil)
	_, err = h.engine.Provision(ctx, "pi-1", ProvisionOptions{})
	require.NoError(t, err)
	assert.Equal(t, allPhases(inventory.RoleStorage)[1:], h.exec.phases("pi-1"))
}

func TestEnvironmentFailureNeedsClearBlock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, storageNode("pi-1"))
	h.exec.setRespond(func(_ context.Context, c call) (executor.Result, error) {
		if c.Phase == PhaseContainer {
			return executor.Result{ExitCode: 1, Stderr: []byte("E: broken\n")}, &executor.NonZeroExitError{Node: c.Node, Code: 1}
		}
		return succeed(c), nil
	})

	_, err := h.engine.Provision(ctx, "pi-1", ProvisionOptions{})
	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, inventory.ClassEnvironment, pe.Class)
	assert.Contains(t, string(pe.Output), "E: broken")
	assert.Equal(t, []string{PhaseBase, PhaseSecure, PhaseContainer}, h.exec.phases("pi-1"))

	_, err = h.engine.Provision(ctx, "pi-1", ProvisionOptions{})
	assert.ErrorIs(t, err, ErrBlocked)

	h.exec.reset()
	h.exec.setRespond(nil)
	_, err = h.engine.Provision(ctx, "pi-1", ProvisionOptions{ClearBlock: true})
	require.NoError(t, err)
	assert.Equal(t, []string{PhaseContainer, PhaseNetwork, DeployPhaseName(inventory.RoleStorage)}, h.exec.phases("pi-1"))
}

func TestConfigExitCodeBlocksWithoutRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, storageNode("pi-1"))
	h.exec.setRespond(func(_ context.Context, c call) (executor.Result, error) {
		if c.Phase == PhaseBase {
			return executor.Result{ExitCode: executor.ExitConfig}, &executor.NonZeroExitError{Node: c.Node, Code: executor.ExitConfig}
		}
		return succeed(c), nil
	})
	_, err := h.engine.Provision(ctx, "pi-1", ProvisionOptions{})
	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, inventory.ClassConfiguration, pe.Class)
	assert.Len(t, h.exec.phases("pi-1"), 1)
}

func TestRunPhaseOnceGuard(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, storageNode("pi-1"))
	_, err := h.engine.Provision(ctx, "pi-1", ProvisionOptions{})
	require.NoError(t, err)
	h.exec.reset()

	_, err = h.engine.RunPhase(ctx, "pi-1", PhaseNetwork)
	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, inventory.ClassConfiguration, pe.Class)
	assert.ErrorIs(t, err, ErrPhaseCompleted)
	assert.Empty(t, h.exec.phases("pi-1"))

	node, err := h.inv.Get("pi-1")
	require.NoError(t, err)
	assert.False(t, node.Blocked())

	_, err = h.engine.RunPhase(ctx, "pi-1", PhaseSecure)
	require.NoError(t, err)
	assert.Equal(t, []string{PhaseSecure}, h.exec.phases("pi-1"))
	node, err = h.inv.Get("pi-1")
	require.NoError(t, err)
	assert.Equal(t, inventory.RunComplete, node.RunState)
}

func TestRunPhaseChecksPreconditions(t *testing.T) {
	h := newHarness(t, nil, storageNode("pi-1"))
	_, err := h.engine.RunPhase(context.Background(), "pi-1", PhaseContainer)
	assert.ErrorIs(t, err, ErrPrecondition)
	assert.Empty(t, h.exec.phases("pi-1"))

	_, err = h.engine.RunPhase(context.Background(), "pi-1", "nope")
	assert.ErrorIs(t, err, ErrUnknownPhase)
}

func TestDeployRejectsUndeclaredExposureBeforeAnyCommand(t *testing.T) {
	ctx := context.Background()
	reg, err := registry.New(nil)
	require.NoError(t, err)
	spec, err := reg.WorkloadFor(inventory.RoleStorage)
	require.NoError(t, err)
	spec.InboundPorts = []int{8080}
	spec.AllowInbound = false
	reg.Define(spec)

	h := newHarness(t, reg, storageNode("pi-1"))
	_, err = h.engine.Provision(ctx, "pi-1", ProvisionOptions{})
	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, inventory.ClassConfiguration, pe.Class)
	assert.ErrorIs(t, err, registry.ErrInvalidExposure)
	assert.NotContains(t, h.exec.phases("pi-1"), DeployPhaseName(inventory.RoleStorage))

	node, err := h.inv.Get("pi-1")
	require.NoError(t, err)
	require.True(t, node.Blocked())
	assert.Equal(t, inventory.ClassConfiguration, node.Block.Class)
	assert.Equal(t, inventory.StateNetworked, node.State)
}

func TestMissingAuthKeyIsConfigurationFailure(t *testing.T) {
	h := newHarness(t, nil, storageNode("pi-1"))
	h.engine.authKey = ""
	_, err := h.engine.Provision(context.Background(), "pi-1", ProvisionOptions{})
	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseNetwork, pe.Phase)
	assert.Equal(t, inventory.ClassConfiguration, pe.Class)
}

func TestProvisionRejectsConcurrentRunOnSameNode(t *testing.T) {
	h := newHarness(t, nil, storageNode("pi-1"))
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.exec.setRespond(func(_ context.Context, c call) (executor.Result, error) {
		once.Do(func() { close(started) })
		<-release
		return succeed(c), nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Provision(context.Background(), "pi-1", ProvisionOptions{})
		done <- err
	}()
	<-started
	_, err := h.engine.Provision(context.Background(), "pi-1", ProvisionOptions{})
	assert.ErrorIs(t, err, ErrNodeBusy)
	close(release)
	require.NoError(t, <-done)
}

func TestCancelledPhaseWritesRecordAndStaysUnblocked(t *testing.T) {
	h := newHarness(t, nil, storageNode("pi-1"))
	ctx, cancel := context.WithCancel(context.Background())
	h.exec.setRespond(func(ctx context.Context, c call) (executor.Result, error) {
		if c.Phase == PhaseSecure {
			cancel()
			<-ctx.Done()
			return executor.Result{ExitCode: -1}, ctx.Err()
		}
		return succeed(c), nil
	})

	res, err := h.engine.Provision(ctx, "pi-1", ProvisionOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StatusCancelled, res.Status)

	rec, ok, err := h.records.Latest(context.Background(), "pi-1", PhaseSecure)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, executor.OutcomeCancelled, rec.Outcome)

	node, err := h.inv.Get("pi-1")
	require.NoError(t, err)
	assert.False(t, node.Blocked())
	assert.Equal(t, inventory.RunPending, node.RunState)
	assert.Equal(t, inventory.StateBaseReady, node.State)
}

func TestProvisionFleetIsolatesFailures(t *testing.T) {
	h := newHarness(t, nil, storageNode("pi-1"), storageNode("pi-2"),
		inventory.Node{ID: "mon", Role: inventory.RoleMonitoring, Host: "mon", User: "pi", Port: 22})
	h.exec.setRespond(func(_ context.Context, c call) (executor.Result, error) {
		if c.Node == "pi-2" && c.Phase == PhaseBase {
			return executor.Result{ExitCode: 2}, &executor.NonZeroExitError{Node: c.Node, Code: 2}
		}
		return succeed(c), nil
	})

	results := h.engine.ProvisionFleet(context.Background(), []string{"pi-1", "pi-2", "mon"}, ProvisionOptions{})
	require.Len(t, results, 3)
	assert.True(t, Failed(results))
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, allPhases(inventory.RoleMonitoring), h.exec.phases("mon"))
	assert.Equal(t, []string{PhaseBase}, h.exec.phases("pi-2"))
}

func TestPlanDecisions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, storageNode("pi-1"))

	steps, err := h.engine.Plan(ctx, "pi-1", ProvisionOptions{})
	require.NoError(t, err)
	require.Len(t, steps, 5)
	for _, s := range steps {
		assert.Equal(t, DecisionRun, s.Decision, s.Name)
	}

	_, err = h.engine.Provision(ctx, "pi-1", ProvisionOptions{})
	require.NoError(t, err)
	steps, err = h.engine.Plan(ctx, "pi-1", ProvisionOptions{Reapply: true})
	require.NoError(t, err)
	for _, s := range steps {
		want := DecisionRun
		if s.Name == PhaseNetwork {
			want = DecisionSkip
		}
		assert.Equal(t, want, s.Decision, s.Name)
	}
}

func TestPlanMarksBlockedNode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, storageNode("pi-1"))
	require.NoError(t, h.inv.Block(ctx, "pi-1", inventory.Block{Class: inventory.ClassEnvironment, Phase: PhaseBase, Reason: "disk full"}))

	steps, err := h.engine.Plan(ctx, "pi-1", ProvisionOptions{})
	require.NoError(t, err)
	for _, s := range steps {
		assert.Equal(t, DecisionBlocked, s.Decision)
	}
	steps, err = h.engine.Plan(ctx, "pi-1", ProvisionOptions{ClearBlock: true})
	require.NoError(t, err)
	assert.Equal(t, DecisionRun, steps[0].Decision)
}

func TestPhaseOverrides(t *testing.T) {
	phases := ApplyOverrides(Catalogue(inventory.RoleCompute), inventory.RoleCompute, map[string]types.PhaseOverride{
		PhaseBase: {Command: "echo base", Roles: map[string]string{"compute": "echo compute-base"}},
		"deploy":  {Command: "echo deploy"},
	})
	bc := BuildContext{Node: inventory.Node{ID: "gpu", Role: inventory.RoleCompute}}

	cmd, err := phases[0].Build(bc)
	require.NoError(t, err)
	assert.Equal(t, "echo compute-base", cmd)
	cmd, err = phases[4].Build(bc)
	require.NoError(t, err)
	assert.Equal(t, "echo deploy", cmd)
}

func TestSecureCommandAllowsConfiguredPorts(t *testing.T) {
	reg, err := registry.New(map[string]types.WorkloadConfig{
		"monitoring": {InboundPorts: []int{3000}, AllowInbound: true},
	})
	require.NoError(t, err)
	cmd, err := secureCommand(BuildContext{
		Node:       inventory.Node{ID: "mon", Role: inventory.RoleMonitoring, Port: 2222},
		Registry:   reg,
		AllowPorts: []int{22},
	})
	require.NoError(t, err)
	assert.Contains(t, cmd, "sudo ufw default deny incoming")
	assert.Contains(t, cmd, "sudo ufw allow 22/tcp")
	assert.Contains(t, cmd, "sudo ufw allow 2222/tcp")
	assert.Contains(t, cmd, "sudo ufw allow 3000/tcp")
	assert.Contains(t, cmd, "sshd -t || exit 78")
	assert.Contains(t, cmd, "sudo ufw allow in on tailscale0")

	cmd, err = secureCommand(BuildContext{Node: inventory.Node{ID: "mon"}, Registry: reg, Mesh: meshvpn.Client{Interface: "wg0"}})
	require.NoError(t, err)
	assert.Contains(t, cmd, "sudo ufw allow in on wg0")
}

func TestBaseCommandMapsDpkgLockToTempFail(t *testing.T) {
	cmd, err := baseCommand(BuildContext{Settings: types.Settings{Timezone: "Europe/Berlin"}})
	require.NoError(t, err)
	assert.Contains(t, cmd, "exit 75")
	assert.Contains(t, cmd, "timedatectl set-timezone Europe/Berlin")
}

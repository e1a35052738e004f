package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefleet/edgefleet/internal/executor/container"
	"github.com/edgefleet/edgefleet/internal/inventory"
	"github.com/edgefleet/edgefleet/internal/policy"
	"github.com/edgefleet/edgefleet/internal/types"
)

func TestWorkloadForDefaults(t *testing.T) {
	r, err := New(nil)
	require.NoError(t, err)

	for _, role := range inventory.Roles() {
		spec, err := r.WorkloadFor(role)
		require.NoError(t, err, role)
		require.NoError(t, ValidateSpec(spec), role)
	}

	standby, err := r.WorkloadFor(inventory.RoleStandby)
	require.NoError(t, err)
	assert.True(t, standby.Standby)
	assert.Empty(t, standby.Image)

	storage, _ := r.WorkloadFor(inventory.RoleStorage)
	assert.Equal(t, "edgefleet-storage", storage.Name)
}

func TestWorkloadForUnknownRole(t *testing.T) {
	_, err := NewEmpty().WorkloadFor(inventory.RoleStorage)
	require.ErrorIs(t, err, ErrNoWorkloadDefined)
}

func TestOverridesMergeFieldByField(t *testing.T) {
	standby := false
	r, err := New(map[string]types.WorkloadConfig{
		"storage": {Image: "registry.local/storj:1.2", Memory: "2g", Env: map[string]string{"WALLET": "0xabc"}},
		"standby": {Image: "busybox", CPUs: 0.1, Memory: "16m", Standby: &standby},
	})
	require.NoError(t, err)

	storage, _ := r.WorkloadFor(inventory.RoleStorage)
	assert.Equal(t, "registry.local/storj:1.2", storage.Image)
	assert.Equal(t, "2g", storage.Memory)
	assert.Equal(t, float64(1), storage.CPUs, "unset fields keep defaults")
	assert.Equal(t, []string{"/srv/edgefleet/storage:/data"}, storage.Volumes)
	assert.Equal(t, "0xabc", storage.Env["WALLET"])

	sb, _ := r.WorkloadFor(inventory.RoleStandby)
	assert.False(t, sb.Standby)
	assert.Equal(t, "busybox", sb.Image)

	_, err = New(map[string]types.WorkloadConfig{"miner": {}})
	require.Error(t, err)
}

func TestSpecsAreCopies(t *testing.T) {
	r, _ := New(nil)
	spec, _ := r.WorkloadFor(inventory.RoleStorage)
	spec.Volumes[0] = "/tmp:/x"
	again, _ := r.WorkloadFor(inventory.RoleStorage)
	assert.Equal(t, "/srv/edgefleet/storage:/data", again.Volumes[0])
	assert.Len(t, r.Specs(), len(inventory.Roles()))
}

func TestValidateSpec(t *testing.T) {
	base := WorkloadSpec{Role: inventory.RoleBandwidth, Image: "img", CPUs: 0.5, Memory: "256m"}
	require.NoError(t, ValidateSpec(base))

	exposed := base
	exposed.InboundPorts = []int{28967}
	require.ErrorIs(t, ValidateSpec(exposed), ErrInvalidExposure)

	exposed.AllowInbound = true
	require.NoError(t, ValidateSpec(exposed))

	cases := map[string]func(*WorkloadSpec){
		"no image":     func(s *WorkloadSpec) { s.Image = " " },
		"zero cpu":     func(s *WorkloadSpec) { s.CPUs = 0 },
		"negative cpu": func(s *WorkloadSpec) { s.CPUs = -1 },
		"zero memory":  func(s *WorkloadSpec) { s.Memory = "0" },
		"bad memory":   func(s *WorkloadSpec) { s.Memory = "lots" },
		"bad volume":   func(s *WorkloadSpec) { s.Volumes = []string{"relative"} },
		"bad port":     func(s *WorkloadSpec) { s.InboundPorts = []int{0}; s.AllowInbound = true },
		"bad restart":  func(s *WorkloadSpec) { s.Restart = "sometimes" },
	}
	for name, mutate := range cases {
		spec := base.clone()
		mutate(&spec)
		require.ErrorIs(t, ValidateSpec(spec), ErrInvalidSpec, name)
	}

	hostNet := base.clone()
	hostNet.NetworkMode = "host"
	require.ErrorIs(t, ValidateSpec(hostNet), ErrInvalidExposure)
	hostNet.AllowInbound = true
	require.NoError(t, ValidateSpec(hostNet))

	require.NoError(t, ValidateSpec(WorkloadSpec{Role: inventory.RoleStandby, Standby: true}))
	require.ErrorIs(t, ValidateSpec(WorkloadSpec{Role: inventory.RoleStandby, Standby: true, InboundPorts: []int{80}}), ErrInvalidExposure)
}

func TestParseMemory(t *testing.T) {
	cases := map[string]int64{"512m": 512 << 20, "2g": 2 << 30, "1.5G": 3 << 29, "1024": 1024, "64k": 64 << 10}
	for in, want := range cases {
		got, err := ParseMemory(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMemory("2gb")
	require.Error(t, err)
}

func TestDeployCommand(t *testing.T) {
	r, _ := New(nil)
	spec, _ := r.WorkloadFor(inventory.RoleStorage)

	cmd, err := DeployCommand(spec, container.RuntimeDocker)
	require.NoError(t, err)
	lines := strings.Split(cmd, "\n")
	assert.Equal(t, "set -euo pipefail", lines[0])
	assert.Contains(t, cmd, "sudo mkdir -p /srv/edgefleet/storage")
	assert.Contains(t, cmd, "docker pull ghcr.io/edgefleet/storage-node:latest")
	assert.Contains(t, cmd, "docker rm --force edgefleet-storage")
	assert.Contains(t, cmd, "grep -vx edgefleet-storage")
	last := lines[len(lines)-1]
	assert.True(t, strings.HasPrefix(last, "docker run --detach --name edgefleet-storage"))
	assert.Contains(t, last, "--cpus 1 --memory 1g")
	assert.Contains(t, last, "--label edgefleet.workload=true")
	assert.NotContains(t, last, "--publish")
}

func TestDeployCommandPublishesOnlyWhenOverridden(t *testing.T) {
	spec := WorkloadSpec{Role: inventory.RoleMonitoring, Image: "grafana/grafana-oss", CPUs: 0.5, Memory: "512m", InboundPorts: []int{3000}, AllowInbound: true}
	cmd, err := DeployCommand(spec, container.RuntimePodman)
	require.NoError(t, err)
	assert.Contains(t, cmd, "--publish 3000:3000")
	assert.NotContains(t, cmd, "grep -vx", "monitoring may host more than one container")

	spec.AllowInbound = false
	_, err = DeployCommand(spec, container.RuntimePodman)
	require.ErrorIs(t, err, ErrInvalidExposure)
}

func TestDeployCommandAppliesRestartAndNetwork(t *testing.T) {
	r, err := New(map[string]types.WorkloadConfig{
		"bandwidth": {Restart: "on-failure:5", NetworkMode: "edge-net"},
	})
	require.NoError(t, err)
	spec, err := r.WorkloadFor(inventory.RoleBandwidth)
	require.NoError(t, err)
	assert.Equal(t, "on-failure:5", spec.Restart)

	cmd, err := r.Deploy(inventory.RoleBandwidth, container.RuntimeDocker)
	require.NoError(t, err)
	lines := strings.Split(cmd, "\n")
	last := lines[len(lines)-1]
	assert.Contains(t, last, "--restart on-failure:5")
	assert.NotContains(t, last, "unless-stopped")
	assert.Contains(t, last, "--network edge-net")
}

func TestDeployCommandStandby(t *testing.T) {
	cmd, err := DeployCommand(WorkloadSpec{Role: inventory.RoleStandby, Standby: true}, "")
	require.NoError(t, err)
	assert.Contains(t, cmd, "docker ps -aq --filter label=edgefleet.workload=true | xargs -r docker rm --force")
	assert.NotContains(t, cmd, "docker run")
}

func TestSetPolicyRejectsDisallowedWorkloads(t *testing.T) {
	r, err := New(map[string]types.WorkloadConfig{"monitoring": {Image: "grafana/grafana-oss"}})
	require.NoError(t, err)
	p, err := policy.New(types.PolicyConfig{AllowedRegistries: []string{"ghcr.io"}})
	require.NoError(t, err)
	assert.ErrorIs(t, r.SetPolicy(p), policy.ErrRegistryDenied)

	r, err = New(nil)
	require.NoError(t, err)
	p, err = policy.New(types.PolicyConfig{Ceilings: types.CeilingsConfig{Memory: "256Mi"}})
	require.NoError(t, err)
	assert.ErrorIs(t, r.SetPolicy(p), policy.ErrCeilingExceeded)
}

func TestDeployVerifiesSignatureBeforePull(t *testing.T) {
	r, err := New(nil)
	require.NoError(t, err)
	p, err := policy.New(types.PolicyConfig{AllowedRegistries: []string{"ghcr.io"}, VerifySignatures: "required"})
	require.NoError(t, err)
	require.NoError(t, r.SetPolicy(p))

	cmd, err := r.Deploy(inventory.RoleIndexing, container.RuntimeDocker)
	require.NoError(t, err)
	verify := strings.Index(cmd, "cosign verify --keyless ghcr.io/edgefleet/indexer:latest")
	pull := strings.Index(cmd, "docker pull ghcr.io/edgefleet/indexer:latest")
	require.GreaterOrEqual(t, verify, 0)
	assert.Less(t, verify, pull)

	standby, err := r.Deploy(inventory.RoleStandby, container.RuntimeDocker)
	require.NoError(t, err)
	assert.NotContains(t, standby, "cosign")
}

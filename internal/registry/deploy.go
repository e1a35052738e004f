// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"fmt"
	"strings"

	"github.com/edgefleet/edgefleet/internal/executor/container"
	"github.com/edgefleet/edgefleet/internal/inventory"
)

// removeOtherWorkloads removes every labelled workload container except name.
func removeOtherWorkloads(runtime container.Runtime, keep string) string {
	rt := string(runtime)
	filter := fmt.Sprintf("label=%s=true", container.WorkloadLabel)
	if keep == "" {
		return fmt.Sprintf("%s ps -aq --filter %s | xargs -r %s rm --force", rt, filter, rt)
	}
	return fmt.Sprintf("%s ps -a --filter %s --format '{{.Names}}' | { grep -vx %s || true; } | xargs -r %s rm --force",
		rt, filter, container.Quote(keep), rt)
}

// DeployCommand renders the shell command that replaces the role's workload
// container. The spec is validated first. A standby spec removes any
// workload container. Outside the monitoring role every other workload
// container is removed so a node never runs more than one.
func DeployCommand(spec WorkloadSpec, runtime container.Runtime) (string, error) {
	return renderDeploy(spec, runtime, "")
}

// Deploy renders the deploy command for role after admitting its spec
// against the registry's policy. When the policy verifies signatures the
// check runs before the image is pulled.
func (r *Registry) Deploy(role inventory.Role, runtime container.Runtime) (string, error) {
	spec, err := r.WorkloadFor(role)
	if err != nil {
		return "", err
	}
	if spec.Standby {
		return renderDeploy(spec, runtime, "")
	}
	if err := r.admit(spec); err != nil {
		return "", err
	}
	return renderDeploy(spec, runtime, r.policy.VerifyCommand(spec.Image))
}

func renderDeploy(spec WorkloadSpec, runtime container.Runtime, verify string) (string, error) {
	if err := ValidateSpec(spec); err != nil {
		return "", err
	}
	if runtime == "" {
		runtime = container.RuntimeDocker
	}
	if spec.Standby {
		return strings.Join([]string{
			"set -euo pipefail",
			removeOtherWorkloads(runtime, ""),
			"echo standby",
		}, "\n"), nil
	}

	name := spec.Name
	if name == "" {
		name = "edgefleet-" + string(spec.Role)
	}
	mounts := make([]container.Mount, 0, len(spec.Volumes))
	for _, v := range spec.Volumes {
		m, err := container.ParseMount(v)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidSpec, err)
		}
		mounts = append(mounts, m)
	}
	args, err := container.BuildArgs(container.RunOptions{
		Runtime:     runtime,
		Image:       spec.Image,
		Name:        name,
		Command:     spec.Args,
		Env:         spec.Env,
		Mounts:      mounts,
		Ports:       spec.ExposedPorts(),
		CPUs:        spec.CPUs,
		Memory:      spec.Memory,
		Restart:     spec.Restart,
		Labels:      map[string]string{"edgefleet.role": string(spec.Role)},
		NetworkMode: spec.NetworkMode,
		GPU:         spec.GPU,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}

	lines := []string{"set -euo pipefail"}
	for _, m := range mounts {
		if strings.HasPrefix(m.Source, "/") {
			lines = append(lines, "sudo mkdir -p "+container.Quote(m.Source))
		}
	}
	if verify != "" {
		lines = append(lines, verify)
	}
	lines = append(lines,
		container.Shell(container.PullArgs(runtime, spec.Image)),
		container.Shell(container.RemoveArgs(runtime, name)),
	)
	if spec.Role != inventory.RoleMonitoring {
		lines = append(lines, removeOtherWorkloads(runtime, name))
	}
	lines = append(lines, container.Shell(args))
	return strings.Join(lines, "\n"), nil
}

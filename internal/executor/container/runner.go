// SPDX-License-Identifier: AGPL-3.0-or-later

// Package container renders container runtime command lines for fleet
// workloads and parses the runtime's inspection output.
package container

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Runtime represents a supported container runtime CLI.
type Runtime string

const (
	RuntimeDocker Runtime = "docker"
	RuntimePodman Runtime = "podman"
)

// RuntimeAuto is the setting that picks the runtime installed on the host.
const RuntimeAuto = "auto"

// WorkloadLabel marks containers managed as fleet workloads.
const WorkloadLabel = "edgefleet.workload"

// ParseRuntime validates a runtime name. Empty selects docker.
func ParseRuntime(name string) (Runtime, error) {
	switch Runtime(strings.ToLower(strings.TrimSpace(name))) {
	case "", RuntimeDocker:
		return RuntimeDocker, nil
	case RuntimePodman:
		return RuntimePodman, nil
	default:
		return "", fmt.Errorf("unsupported container runtime %q", name)
	}
}

// ResolveRuntime parses a container_runtime setting. "auto" detects the
// runtime installed on this host when onHost is set; for remote nodes it
// selects docker, which the container phase installs.
func ResolveRuntime(name string, onHost bool) (Runtime, error) {
	if !strings.EqualFold(strings.TrimSpace(name), RuntimeAuto) {
		return ParseRuntime(name)
	}
	if !onHost {
		return RuntimeDocker, nil
	}
	return DetectRuntime(nil)
}

// DetectRuntime returns the preferred available runtime, preferring Docker.
func DetectRuntime(lookPath func(string) (string, error)) (Runtime, error) {
	if lookPath == nil {
		lookPath = func(cmd string) (string, error) {
			return execLookPath(cmd)
		}
	}
	if _, err := lookPath(string(RuntimeDocker)); err == nil {
		return RuntimeDocker, nil
	}
	if _, err := lookPath(string(RuntimePodman)); err == nil {
		return RuntimePodman, nil
	}
	return "", fmt.Errorf("no supported container runtime found (docker or podman)")
}

// RunOptions encapsulates workload container parameters.
type RunOptions struct {
	Runtime Runtime
	Image   string
	Name    string
	Command []string
	Env     map[string]string
	Mounts  []Mount
	// Ports are published on all interfaces. Empty keeps the container
	// outbound-only.
	Ports  []int
	CPUs   float64
	Memory string
	// Restart is the restart policy. Empty uses unless-stopped.
	Restart     string
	Labels      map[string]string
	NetworkMode string
	GPU         bool
}

// Mount describes a bind mount or named volume.
type Mount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// ParseMount parses a "source:destination[:ro|rw]" volume spec.
func ParseMount(spec string) (Mount, error) {
	parts := strings.Split(strings.TrimSpace(spec), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Mount{}, fmt.Errorf("invalid volume %q: want source:destination[:ro]", spec)
	}
	m := Mount{Source: parts[0], Destination: parts[1]}
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			m.ReadOnly = true
		case "rw":
		default:
			return Mount{}, fmt.Errorf("invalid volume mode %q in %q", parts[2], spec)
		}
	}
	return m, validateMount(m)
}

// BuildArgs builds detached run arguments with the workload label and
// resource limits applied.
func BuildArgs(opts RunOptions) ([]string, error) {
	if opts.Image == "" {
		return nil, fmt.Errorf("image is required")
	}
	if opts.Runtime == "" {
		return nil, fmt.Errorf("runtime is required")
	}
	if opts.Name == "" {
		return nil, fmt.Errorf("container name is required")
	}

	args := []string{string(opts.Runtime), "run", "--detach", "--name", opts.Name}

	restart := opts.Restart
	if restart == "" {
		restart = "unless-stopped"
	}
	if err := ValidateRestart(restart); err != nil {
		return nil, err
	}
	args = append(args, "--restart", restart)

	// Secure defaults
	args = append(args, "--security-opt=no-new-privileges")

	labels := map[string]string{WorkloadLabel: "true"}
	for k, v := range opts.Labels {
		labels[k] = v
	}
	for _, kv := range sortedPairs(labels) {
		args = append(args, "--label", kv)
	}

	if opts.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(opts.CPUs, 'f', -1, 64))
	}
	if opts.Memory != "" {
		args = append(args, "--memory", opts.Memory)
	}
	if opts.NetworkMode != "" {
		args = append(args, "--network", opts.NetworkMode)
	}
	if opts.GPU {
		args = append(args, "--gpus", "all")
	}
	for _, port := range opts.Ports {
		if port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port %d", port)
		}
		args = append(args, "--publish", fmt.Sprintf("%d:%d", port, port))
	}
	for _, kv := range sortedPairs(opts.Env) {
		args = append(args, "--env", kv)
	}
	for _, m := range opts.Mounts {
		if err := validateMount(m); err != nil {
			return nil, err
		}
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		args = append(args, "--volume", fmt.Sprintf("%s:%s:%s", m.Source, m.Destination, mode))
	}
	args = append(args, opts.Image)
	args = append(args, opts.Command...)
	return args, nil
}

// ValidateRestart accepts the restart policies docker and podman share:
// no, always, unless-stopped and on-failure[:N].
func ValidateRestart(policy string) error {
	switch policy {
	case "no", "always", "unless-stopped", "on-failure":
		return nil
	}
	if n, ok := strings.CutPrefix(policy, "on-failure:"); ok {
		if v, err := strconv.Atoi(n); err == nil && v > 0 {
			return nil
		}
	}
	return fmt.Errorf("invalid restart policy %q", policy)
}

func validateMount(m Mount) error {
	if m.Source == "" || m.Destination == "" {
		return fmt.Errorf("invalid mount: missing source or destination")
	}
	if !filepath.IsAbs(m.Destination) {
		return fmt.Errorf("invalid mount destination %q: must be absolute", m.Destination)
	}
	return nil
}

// RemoveArgs force-removes a container and tolerates its absence.
func RemoveArgs(runtime Runtime, name string) []string {
	args := []string{string(runtime), "rm", "--force"}
	if runtime == RuntimePodman {
		args = append(args, "--ignore")
	}
	return append(args, name)
}

// PullArgs pulls image.
func PullArgs(runtime Runtime, image string) []string {
	return []string{string(runtime), "pull", image}
}

// ListWorkloadsArgs lists running workload containers, one name per line.
func ListWorkloadsArgs(runtime Runtime) []string {
	return []string{string(runtime), "ps", "--filter", "label=" + WorkloadLabel + "=true", "--format", "{{.Names}}"}
}

// InspectLimitsFormat prints name, NanoCpus and Memory for each container.
const InspectLimitsFormat = "{{.Name}} {{.HostConfig.NanoCpus}} {{.HostConfig.Memory}}"

// InspectLimitsCommand renders a shell pipeline printing the resource limits
// of every running workload container.
func InspectLimitsCommand(runtime Runtime) string {
	rt := string(runtime)
	return fmt.Sprintf("ids=$(%s ps -q --filter label=%s=true); [ -z \"$ids\" ] || %s inspect --format %s $ids",
		rt, WorkloadLabel, rt, Quote(InspectLimitsFormat))
}

// Limits are the resource ceilings of a running container.
type Limits struct {
	Name        string
	NanoCPUs    int64
	MemoryBytes int64
}

// ParseNames returns the non-empty lines of runtime ps output.
func ParseNames(output string) []string {
	var names []string
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names
}

// ParseLimits parses output produced with InspectLimitsFormat.
func ParseLimits(output string) ([]Limits, error) {
	var out []Limits
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return nil, fmt.Errorf("unexpected inspect line %q", line)
		}
		cpus, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse cpus in %q: %w", line, err)
		}
		mem, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse memory in %q: %w", line, err)
		}
		out = append(out, Limits{Name: strings.TrimPrefix(fields[0], "/"), NanoCPUs: cpus, MemoryBytes: mem})
	}
	return out, nil
}

// Shell joins args into a single shell-safe command line.
func Shell(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}

// Quote single-quotes s when it contains shell metacharacters.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=,@%+", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func sortedPairs(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}

// execLookPath is declared for test substitution.
var execLookPath = func(file string) (string, error) {
	return exec.LookPath(file)
}

// SPDX-License-Identifier: AGPL-3.0-or-later

// Package policy decides whether a workload image and its resource limits
// may be deployed to the fleet.
package policy

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	yaml "gopkg.in/yaml.v3"

	"github.com/edgefleet/edgefleet/internal/executor/container"
	"github.com/edgefleet/edgefleet/internal/types"
)

// EnvPolicyFile names a policy file that replaces the fleet file's policy
// block.
const EnvPolicyFile = "EDGEFLEET_POLICY_FILE"

var (
	ErrRegistryDenied  = errors.New("policy: image registry not allowed")
	ErrCeilingExceeded = errors.New("policy: resource ceiling exceeded")
)

// VerifyMode represents the policy mode for image signature verification.
type VerifyMode string

const (
	VerifyModeRequired   VerifyMode = "required"
	VerifyModePermissive VerifyMode = "permissive"
	VerifyModeDisabled   VerifyMode = "disabled"
)

// Policy is a parsed admission policy. A nil *Policy admits everything.
type Policy struct {
	allowed       []string
	verify        VerifyMode
	cpuMillicores int
	memoryBytes   int64
}

// New parses cfg. An empty config yields a policy that admits everything
// and verifies nothing.
func New(cfg types.PolicyConfig) (*Policy, error) {
	p := &Policy{verify: VerifyModeDisabled}
	if v := strings.TrimSpace(cfg.VerifySignatures); v != "" {
		mode, ok := normalizeVerifyMode(v)
		if !ok {
			return nil, fmt.Errorf("invalid verify_signatures: %q", v)
		}
		p.verify = mode
	}
	for _, r := range cfg.AllowedRegistries {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
			p.allowed = append(p.allowed, r)
		}
	}
	if v := strings.TrimSpace(cfg.Ceilings.CPU); v != "" {
		mc, err := ParseCPUMillicores(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ceilings.cpu: %w", err)
		}
		p.cpuMillicores = mc
	}
	if v := strings.TrimSpace(cfg.Ceilings.Memory); v != "" {
		b, err := ParseMemoryBytes(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ceilings.memory: %w", err)
		}
		p.memoryBytes = b
	}
	return p, nil
}

// LoadFile reads a standalone policy file with the same schema as the fleet
// file's policy block.
func LoadFile(path string) (types.PolicyConfig, error) {
	var cfg types.PolicyConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return cfg, nil
}

// Resolve builds the effective policy: the file named by
// EDGEFLEET_POLICY_FILE when set, otherwise cfg.
func Resolve(cfg types.PolicyConfig) (*Policy, error) {
	if path := strings.TrimSpace(os.Getenv(EnvPolicyFile)); path != "" {
		fromFile, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fromFile
	}
	return New(cfg)
}

// VerifyMode returns the effective signature verification mode.
func (p *Policy) VerifyMode() VerifyMode {
	if p == nil {
		return VerifyModeDisabled
	}
	return p.verify
}

// AllowedRegistries returns the registry allow-list. Empty allows any.
func (p *Policy) AllowedRegistries() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.allowed...)
}

// Admit checks an image and its limits against the policy. Zero limits are
// not compared.
func (p *Policy) Admit(image string, cpus float64, memoryBytes int64) error {
	if p == nil {
		return nil
	}
	reg, err := RegistryFromImage(image)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryDenied, err)
	}
	if !RegistryAllowed(reg, p.allowed) {
		return fmt.Errorf("%w: %s (image %s)", ErrRegistryDenied, reg, image)
	}
	if p.cpuMillicores > 0 && cpus > 0 {
		if mc := int(math.Round(cpus * 1000)); mc > p.cpuMillicores {
			return fmt.Errorf("%w: cpu %dm above %dm", ErrCeilingExceeded, mc, p.cpuMillicores)
		}
	}
	if p.memoryBytes > 0 && memoryBytes > p.memoryBytes {
		return fmt.Errorf("%w: memory %d bytes above %d", ErrCeilingExceeded, memoryBytes, p.memoryBytes)
	}
	return nil
}

// VerifyCommand returns the shell line that checks the image signature on
// the node before it is pulled, or "" when verification is disabled. In
// permissive mode a failed verification only warns.
func (p *Policy) VerifyCommand(image string) string {
	switch p.VerifyMode() {
	case VerifyModeRequired:
		return "cosign verify --keyless " + container.Quote(image)
	case VerifyModePermissive:
		return fmt.Sprintf("cosign verify --keyless %s || echo %s >&2",
			container.Quote(image), container.Quote("warning: signature verification failed for "+image))
	default:
		return ""
	}
}

func normalizeVerifyMode(v string) (VerifyMode, bool) {
	switch m := VerifyMode(strings.ToLower(v)); m {
	case VerifyModeRequired, VerifyModePermissive, VerifyModeDisabled:
		return m, true
	default:
		return "", false
	}
}

// RegistryFromImage extracts the registry host[:port] portion from an OCI image reference.
// When the reference does not include an explicit registry, docker.io is assumed.
func RegistryFromImage(image string) (string, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		return "", errors.New("empty image reference")
	}
	if strings.Contains(image, "://") {
		return "", errors.New("image reference must not include scheme")
	}
	if strings.HasPrefix(image, "/") {
		return "", errors.New("image reference must not start with slash")
	}
	first, _, hasPath := strings.Cut(image, "/")
	if !hasPath {
		return "docker.io", nil
	}
	if strings.ContainsAny(first, ".:") || first == "localhost" {
		return strings.ToLower(first), nil
	}
	return "docker.io", nil
}

// RegistryAllowed reports whether the registry host is present in the allow-list.
func RegistryAllowed(registry string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	registry = strings.ToLower(strings.TrimSpace(registry))
	for _, entry := range allowed {
		if registry == strings.ToLower(strings.TrimSpace(entry)) {
			return true
		}
	}
	return false
}

// ParseCPUMillicores parses CPU values expressed in cores or millicores.
func ParseCPUMillicores(value string) (int, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return 0, errors.New("empty cpu value")
	}
	if num, ok := strings.CutSuffix(v, "m"); ok {
		mc, err := strconv.Atoi(strings.TrimSpace(num))
		if err != nil {
			return 0, fmt.Errorf("parse millicores %q: %w", value, err)
		}
		if mc <= 0 {
			return 0, errors.New("cpu value must be positive")
		}
		return mc, nil
	}
	cores, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cores %q: %w", value, err)
	}
	if cores <= 0 {
		return 0, errors.New("cpu value must be positive")
	}
	return int(math.Round(cores * 1000)), nil
}

// ParseMemoryBytes parses memory values in bytes or binary units
// (k/m/g, Ki/Mi/Gi).
func ParseMemoryBytes(value string) (int64, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return 0, errors.New("empty memory value")
	}
	units := []struct {
		suffix string
		scale  float64
	}{
		{"gib", 1 << 30}, {"gi", 1 << 30}, {"g", 1 << 30},
		{"mib", 1 << 20}, {"mi", 1 << 20}, {"m", 1 << 20},
		{"kib", 1 << 10}, {"ki", 1 << 10}, {"k", 1 << 10},
	}
	scale := float64(1)
	for _, u := range units {
		if num, ok := strings.CutSuffix(v, u.suffix); ok {
			v, scale = strings.TrimSpace(num), u.scale
			break
		}
	}
	amt, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parse memory %q: %w", value, err)
	}
	if amt <= 0 {
		return 0, errors.New("memory value must be positive")
	}
	return int64(math.Round(amt * scale)), nil
}

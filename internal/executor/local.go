// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/edgefleet/edgefleet/internal/inventory"
	"github.com/edgefleet/edgefleet/internal/paths"
)

const defaultShell = "/bin/bash"

// umaskMu serialises process starts because the umask is process wide. The
// child inherits it at fork, so the lock is released before Wait.
var umaskMu sync.Mutex

// Local runs commands on the orchestrator host itself.
type Local struct {
	// Shell interprets the command with -c. Empty uses /bin/bash.
	Shell string
	// Env is added to the minimal environment passed to commands.
	Env map[string]string
	// InheritEnv passes the orchestrator's environment through.
	InheritEnv bool
	// Umask applied while the command runs. Negative leaves it unchanged.
	Umask          int
	DefaultTimeout time.Duration
	// Stdout and Stderr optionally receive a live copy of the output.
	Stdout io.Writer
	Stderr io.Writer
}

// NewLocal returns a Local executor with umask 022.
func NewLocal() *Local {
	return &Local{Umask: 0o022}
}

// Execute runs command under Shell with a bounded timeout.
func (l *Local) Execute(ctx context.Context, node inventory.Node, command string, timeout time.Duration) (Result, error) {
	timeout = effectiveTimeout(timeout, l.DefaultTimeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell := l.Shell
	if shell == "" {
		shell = defaultShell
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, shell, "-c", command)
	cmd.Stdout = tee(&stdout, l.Stdout)
	cmd.Stderr = tee(&stderr, l.Stderr)
	cmd.Env = nodeEnv(buildSecureEnv(l.Env, l.InheritEnv), node)
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err := l.run(cmd)
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Duration: time.Since(start)}

	if err == nil {
		return res, nil
	}
	res.ExitCode = -1
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("command on %s: %w", node.ID, ctxErr)
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return res, &TimeoutError{Node: node.ID, Timeout: timeout}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &NonZeroExitError{Node: node.ID, Code: res.ExitCode}
	}
	return res, fmt.Errorf("start %s on %s: %w", shell, node.ID, err)
}

func (l *Local) run(cmd *exec.Cmd) error {
	if l.Umask < 0 {
		return cmd.Run()
	}
	if err := l.start(cmd); err != nil {
		return err
	}
	return cmd.Wait()
}

func (l *Local) start(cmd *exec.Cmd) error {
	umaskMu.Lock()
	defer umaskMu.Unlock()
	if restore := applyUmask(l.Umask); restore != nil {
		defer restore()
	}
	return cmd.Start()
}

func tee(buf *bytes.Buffer, live io.Writer) io.Writer {
	if live == nil {
		return buf
	}
	return io.MultiWriter(buf, live)
}

func nodeEnv(env []string, node inventory.Node) []string {
	env = upsertEnv(env, "EDGEFLEET_NODE", node.ID)
	env = upsertEnv(env, "EDGEFLEET_ROLE", string(node.Role))
	env = upsertEnv(env, "EDGEFLEET_DATA_DIR", paths.DataDir())
	env = upsertEnv(env, "DEBIAN_FRONTEND", "noninteractive")
	return env
}

func upsertEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// buildSecureEnv returns a minimal environment: configured variables, PATH
// and HOME from the host, and the rest of the host environment only when
// inherit is set.
func buildSecureEnv(vars map[string]string, inherit bool) []string {
	type entry struct {
		key string
		val string
	}
	ordered := make([]entry, 0)
	envSet := make(map[string]string)
	set := func(k, v string) {
		if _, exists := envSet[k]; !exists {
			ordered = append(ordered, entry{key: k, val: v})
		}
		envSet[k] = v
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		set(k, vars[k])
	}
	for _, k := range []string{"PATH", "HOME"} {
		if _, ok := envSet[k]; !ok {
			if v := os.Getenv(k); v != "" {
				set(k, v)
			}
		}
	}
	if inherit {
		for _, kv := range os.Environ() {
			parts := strings.SplitN(kv, "=", 2)
			if len(parts) != 2 {
				continue
			}
			if _, exists := envSet[parts[0]]; exists {
				continue
			}
			set(parts[0], parts[1])
		}
	}
	env := make([]string, 0, len(ordered))
	for _, e := range ordered {
		env = append(env, fmt.Sprintf("%s=%s", e.key, envSet[e.key]))
	}
	return env
}

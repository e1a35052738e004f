// SPDX-License-Identifier: AGPL-3.0-or-later

package validate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/edgefleet/edgefleet/internal/executor"
	"github.com/edgefleet/edgefleet/internal/executor/container"
	"github.com/edgefleet/edgefleet/internal/inventory"
	"github.com/edgefleet/edgefleet/internal/meshvpn"
	"github.com/edgefleet/edgefleet/internal/metrics"
	"github.com/edgefleet/edgefleet/internal/observability/tracing"
	"github.com/edgefleet/edgefleet/internal/registry"
	"github.com/edgefleet/edgefleet/internal/types"
	"golang.org/x/sync/errgroup"
)

const (
	defaultProbeTimeout   = 5 * time.Second
	defaultCommandTimeout = 30 * time.Second
)

// SessionSource hands out the executor for a node. *executor.Sessions
// satisfies it.
type SessionSource interface {
	For(node inventory.Node) (executor.Executor, error)
}

// Config wires a Validator.
type Config struct {
	Inventory       *inventory.Inventory
	Sessions        SessionSource
	Registry        *registry.Registry
	Runtime         container.Runtime
	Mesh            meshvpn.Client
	AllowPorts      []int
	HealthEndpoints []types.HealthEndpoint
	ProbeTimeout    time.Duration
	CommandTimeout  time.Duration
	Concurrency     int
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// Validator runs the check battery. Apart from Promote and lazily resolved
// addresses it only reads inventory snapshots.
type Validator struct {
	inv            *inventory.Inventory
	sessions       SessionSource
	registry       *registry.Registry
	runtime        container.Runtime
	mesh           meshvpn.Client
	allow          map[int]struct{}
	endpoints      []types.HealthEndpoint
	commandTimeout time.Duration
	concurrency    int
	client         *http.Client
	logger         *slog.Logger
	now            func() time.Time
}

// New returns a Validator.
func New(cfg Config) (*Validator, error) {
	if cfg.Inventory == nil {
		return nil, fmt.Errorf("validate: inventory required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("validate: executor sessions required")
	}
	if cfg.Registry == nil {
		reg, err := registry.New(nil)
		if err != nil {
			return nil, err
		}
		cfg.Registry = reg
	}
	if cfg.Runtime == "" {
		cfg.Runtime = container.RuntimeDocker
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: cfg.ProbeTimeout,
			// 3xx responses are judged as returned, not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	allow := make(map[int]struct{}, len(cfg.AllowPorts))
	for _, p := range cfg.AllowPorts {
		allow[p] = struct{}{}
	}
	return &Validator{
		inv:            cfg.Inventory,
		sessions:       cfg.Sessions,
		registry:       cfg.Registry,
		runtime:        cfg.Runtime,
		mesh:           cfg.Mesh,
		allow:          allow,
		endpoints:      cfg.HealthEndpoints,
		commandTimeout: cfg.CommandTimeout,
		concurrency:    cfg.Concurrency,
		client:         client,
		logger:         cfg.Logger,
		now:            func() time.Time { return time.Now().UTC() },
	}, nil
}

type check func(ctx context.Context, t *target) CheckResult

// target carries the per-node state shared by the checks of one battery.
type target struct {
	node inventory.Node
	exec executor.Executor
	// addr is the address probes dial: the mesh address once networked,
	// else the bootstrap host.
	addr    string
	addrErr error
}

// Run executes the full battery against every node, nodes in parallel.
func (v *Validator) Run(ctx context.Context) Report {
	nodes := v.inv.List()
	perNode := make([][]CheckResult, len(nodes))
	var g errgroup.Group
	if v.concurrency > 0 {
		g.SetLimit(v.concurrency)
	}
	for i, node := range nodes {
		g.Go(func() error {
			perNode[i] = v.CheckNode(ctx, node)
			return nil
		})
	}
	_ = g.Wait()

	var results []CheckResult
	for _, rs := range perNode {
		results = append(results, rs...)
	}
	return v.report(results)
}

// CheckNode runs every check against one node. A failing check never stops
// the others.
func (v *Validator) CheckNode(ctx context.Context, node inventory.Node) []CheckResult {
	t := v.newTarget(ctx, node)
	results := v.runChecks(ctx, t, []check{v.connectivity, v.exposure, v.cardinality, v.resourceLimits, v.meshStatus})
	return append(results, v.serviceHealth(ctx, t)...)
}

// Health runs the lightweight subset against one node.
func (v *Validator) Health(ctx context.Context, id string) (Report, error) {
	node, err := v.inv.Get(id)
	if err != nil {
		return Report{}, err
	}
	results := v.runChecks(ctx, v.newTarget(ctx, node), []check{v.connectivity, v.cardinality, v.resourceLimits})
	return v.report(results), nil
}

// Promote moves every role-deployed node whose checks all passed to
// validated and returns the promoted ids.
func (v *Validator) Promote(ctx context.Context, report Report) ([]string, error) {
	var promoted []string
	var errs []error
	for _, node := range v.inv.List() {
		if node.State != inventory.StateRoleDeployed || !report.NodePassed(node.ID) {
			continue
		}
		if err := v.inv.SetState(ctx, node.ID, inventory.StateValidated); err != nil {
			errs = append(errs, err)
			continue
		}
		v.logger.Info("node validated", "node", node.ID)
		promoted = append(promoted, node.ID)
	}
	v.inv.PublishMetrics()
	return promoted, errors.Join(errs...)
}

func (v *Validator) report(results []CheckResult) Report {
	for _, r := range results {
		metrics.RecordCheck(r.Category, string(r.Verdict))
	}
	rep := Aggregate(results)
	rep.GeneratedAt = v.now()
	metrics.SetLastVerdict(string(rep.Verdict))
	return rep
}

func (v *Validator) runChecks(ctx context.Context, t *target, checks []check) []CheckResult {
	results := make([]CheckResult, 0, len(checks))
	for _, c := range checks {
		results = append(results, v.safe(ctx, t, c))
	}
	return results
}

// safe turns a panicking check into a fail result.
func (v *Validator) safe(ctx context.Context, t *target, c check) (res CheckResult) {
	ctx, span := tracing.Start(tracing.WithLogger(ctx, v.logger), "validate.check", tracing.Node(t.node.ID))
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("check panicked", "node", t.node.ID, "panic", r)
			res = fail("internal", t.node.ID, "check panicked: %v", r)
		}
		span.SetAttributes(tracing.String("category", res.Category), tracing.String("verdict", string(res.Verdict)))
		span.End()
	}()
	return c(ctx, t)
}

func (v *Validator) newTarget(ctx context.Context, node inventory.Node) *target {
	t := &target{node: node}
	if node.State >= inventory.StateNetworked {
		t.addr, t.addrErr = v.inv.ResolveAddress(ctx, node.ID)
	} else {
		t.addr = node.Host
		if t.addr == "" {
			t.addr = node.ID
		}
	}
	ex, err := v.sessions.For(node)
	if err != nil {
		v.logger.Warn("no executor for node", "node", node.ID, "error", err)
	}
	t.exec = ex
	return t
}

func (v *Validator) run(ctx context.Context, t *target, command string) (string, error) {
	if t.exec == nil {
		return "", fmt.Errorf("no executor for %s", t.node.ID)
	}
	res, err := t.exec.Execute(ctx, t.node, command, v.commandTimeout)
	if err != nil {
		if msg := strings.TrimSpace(string(res.Stderr)); msg != "" {
			return "", fmt.Errorf("%w: %s", err, firstLine(msg))
		}
		return "", err
	}
	return string(res.Stdout), nil
}

func (v *Validator) connectivity(ctx context.Context, t *target) CheckResult {
	if t.addrErr != nil {
		return fail(CategoryConnectivity, t.node.ID, "address: %v", t.addrErr)
	}
	started := time.Now()
	if _, err := v.run(ctx, t, "true"); err != nil {
		return fail(CategoryConnectivity, t.node.ID, "no-op command failed: %v", err)
	}
	return pass(CategoryConnectivity, t.node.ID, "%s reachable in %s", t.addr, time.Since(started).Round(time.Millisecond))
}

func (v *Validator) allowedPorts(role inventory.Role) map[int]struct{} {
	allowed := make(map[int]struct{}, len(v.allow))
	for p := range v.allow {
		allowed[p] = struct{}{}
	}
	if spec, err := v.registry.WorkloadFor(role); err == nil {
		for _, p := range spec.ExposedPorts() {
			allowed[p] = struct{}{}
		}
	}
	return allowed
}

func (v *Validator) exposure(ctx context.Context, t *target) CheckResult {
	out, err := v.run(ctx, t, ListenersCommand)
	if err != nil {
		return fail(CategoryExposure, t.node.ID, "list listeners: %v", err)
	}
	listeners, err := ParseListeners(out)
	if err != nil {
		return fail(CategoryExposure, t.node.ID, "parse listeners: %v", err)
	}
	allowed := v.allowedPorts(t.node.Role)
	var exposed []string
	seen := map[string]bool{}
	for _, l := range listeners {
		if !l.Exposed(v.mesh.InterfaceName()) {
			continue
		}
		if _, ok := allowed[l.Port]; ok {
			continue
		}
		if s := l.String(); !seen[s] {
			seen[s] = true
			exposed = append(exposed, s)
		}
	}
	if len(exposed) > 0 {
		sort.Strings(exposed)
		return fail(CategoryExposure, t.node.ID, "unexpected wildcard listeners: %s", strings.Join(exposed, ", "))
	}
	return pass(CategoryExposure, t.node.ID, "%d listeners, none unexpectedly exposed", len(listeners))
}

func (v *Validator) cardinality(ctx context.Context, t *target) CheckResult {
	out, err := v.run(ctx, t, container.Shell(container.ListWorkloadsArgs(v.runtime)))
	if err != nil {
		return fail(CategoryCardinality, t.node.ID, "list workloads: %v", err)
	}
	names := container.ParseNames(out)
	if t.node.Role == inventory.RoleMonitoring {
		return pass(CategoryCardinality, t.node.ID, "monitoring node exempt (%d workload containers)", len(names))
	}
	if len(names) > 1 {
		return fail(CategoryCardinality, t.node.ID, "%d workload containers running: %s", len(names), strings.Join(names, ", "))
	}
	return pass(CategoryCardinality, t.node.ID, "%d workload container running", len(names))
}

func (v *Validator) resourceLimits(ctx context.Context, t *target) CheckResult {
	out, err := v.run(ctx, t, container.InspectLimitsCommand(v.runtime))
	if err != nil {
		return fail(CategoryResourceLimits, t.node.ID, "inspect workloads: %v", err)
	}
	limits, err := container.ParseLimits(out)
	if err != nil {
		return fail(CategoryResourceLimits, t.node.ID, "parse limits: %v", err)
	}
	var missing []string
	for _, l := range limits {
		if l.NanoCPUs <= 0 || l.MemoryBytes <= 0 {
			missing = append(missing, strings.TrimPrefix(l.Name, "/"))
		}
	}
	if len(missing) > 0 {
		return warn(CategoryResourceLimits, t.node.ID, "no cpu or memory ceiling on: %s", strings.Join(missing, ", "))
	}
	if len(limits) == 0 {
		return pass(CategoryResourceLimits, t.node.ID, "no workload containers")
	}
	return pass(CategoryResourceLimits, t.node.ID, "%d workload containers limited", len(limits))
}

func (v *Validator) meshStatus(ctx context.Context, t *target) CheckResult {
	if t.node.State < inventory.StateNetworked {
		return warn(CategoryMeshStatus, t.node.ID, "not enrolled (%s)", t.node.State)
	}
	out, err := v.run(ctx, t, v.mesh.StatusCommand())
	if err != nil {
		return fail(CategoryMeshStatus, t.node.ID, "mesh status: %v", err)
	}
	status, err := meshvpn.ParseStatus([]byte(out))
	if err != nil {
		return fail(CategoryMeshStatus, t.node.ID, "%v", err)
	}
	if !status.Online() {
		return warn(CategoryMeshStatus, t.node.ID, "mesh client offline (%s)", status.BackendState)
	}
	out, err = v.run(ctx, t, v.mesh.PrefsCommand())
	if err != nil {
		return fail(CategoryMeshStatus, t.node.ID, "mesh prefs: %v", err)
	}
	prefs, err := meshvpn.ParsePrefs([]byte(out))
	if err != nil {
		return fail(CategoryMeshStatus, t.node.ID, "%v", err)
	}
	var mismatch []string
	if prefs.AdvertisesExitNode() != t.node.ExitNode {
		mismatch = append(mismatch, fmt.Sprintf("exit node %t, want %t", prefs.AdvertisesExitNode(), t.node.ExitNode))
	}
	if prefs.RouteAll != t.node.AcceptRoutes {
		mismatch = append(mismatch, fmt.Sprintf("accept routes %t, want %t", prefs.RouteAll, t.node.AcceptRoutes))
	}
	if len(mismatch) > 0 {
		return warn(CategoryMeshStatus, t.node.ID, "%s", strings.Join(mismatch, "; "))
	}
	return pass(CategoryMeshStatus, t.node.ID, "online as %s", status.Self.IPv4())
}

func (v *Validator) endpointsFor(node inventory.Node) []types.HealthEndpoint {
	var out []types.HealthEndpoint
	for _, ep := range v.endpoints {
		if ep.Role != "" && ep.Role != string(node.Role) {
			continue
		}
		if ep.Node != "" && ep.Node != node.ID {
			continue
		}
		out = append(out, ep)
	}
	return out
}

// EndpointURL builds the probe URL for ep on host.
func EndpointURL(ep types.HealthEndpoint, host string) string {
	scheme := ep.Scheme
	if scheme == "" {
		scheme = "http"
	}
	path := ep.Path
	if path == "" {
		path = "/"
	} else if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(ep.Port)) + path
}

func (v *Validator) serviceHealth(ctx context.Context, t *target) []CheckResult {
	endpoints := v.endpointsFor(t.node)
	results := make([]CheckResult, 0, len(endpoints))
	for _, ep := range endpoints {
		if t.addrErr != nil {
			results = append(results, fail(CategoryServiceHealth, t.node.ID, "%s: address: %v", ep.Name, t.addrErr))
			continue
		}
		results = append(results, v.probe(ctx, t.node.ID, ep, EndpointURL(ep, t.addr)))
	}
	return results
}

func (v *Validator) probe(ctx context.Context, node string, ep types.HealthEndpoint, url string) CheckResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fail(CategoryServiceHealth, node, "%s: %v", ep.Name, err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fail(CategoryServiceHealth, node, "%s: %v", ep.Name, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return pass(CategoryServiceHealth, node, "%s: %s", ep.Name, resp.Status)
	}
	return fail(CategoryServiceHealth, node, "%s: %s returned %s", ep.Name, url, resp.Status)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

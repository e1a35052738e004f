// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine applies the ordered provisioning phases to fleet nodes,
// resuming from the execution records of earlier runs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/edgefleet/edgefleet/internal/coredb"
	"github.com/edgefleet/edgefleet/internal/events"
	"github.com/edgefleet/edgefleet/internal/executor"
	"github.com/edgefleet/edgefleet/internal/executor/container"
	"github.com/edgefleet/edgefleet/internal/inventory"
	"github.com/edgefleet/edgefleet/internal/meshvpn"
	"github.com/edgefleet/edgefleet/internal/metrics"
	"github.com/edgefleet/edgefleet/internal/observability/tracing"
	"github.com/edgefleet/edgefleet/internal/registry"
	"github.com/edgefleet/edgefleet/internal/retry"
	"github.com/edgefleet/edgefleet/internal/types"
)

var (
	ErrBlocked        = errors.New("engine: node blocked")
	ErrNodeBusy       = errors.New("engine: node busy")
	ErrUnknownPhase   = errors.New("engine: unknown phase")
	ErrPrecondition   = errors.New("engine: precondition not met")
	ErrPhaseCompleted = errors.New("engine: once phase already succeeded")
)

// Run statuses reported on run.finish events.
const (
	StatusCompleted = "completed"
	StatusBlocked   = "blocked"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// PhaseError describes a failed phase on one node.
type PhaseError struct {
	Node   string
	Phase  string
	Class  inventory.FailureClass
	Output []byte
	Err    error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s on %s failed (%s): %v", e.Phase, e.Node, e.Class, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// RecordReader answers whether a phase already ran. *coredb.RecordStore
// satisfies it.
type RecordReader interface {
	Latest(ctx context.Context, nodeID, phase string) (coredb.ExecutionRecord, bool, error)
}

// SessionSource hands out the executor for a node. *executor.Sessions
// satisfies it.
type SessionSource interface {
	For(node inventory.Node) (executor.Executor, error)
}

// Config wires an Engine.
type Config struct {
	Inventory   *inventory.Inventory
	Records     RecordReader
	Sessions    SessionSource
	Registry    *registry.Registry
	Settings    types.Settings
	Phases      map[string]types.PhaseOverride
	AllowPorts  []int
	Mesh        meshvpn.Client
	MeshAuthKey string
	Sink        events.Sink
	Logger      *slog.Logger
	// Redact scrubs step output before it reaches the sink.
	Redact func(string) string
}

// Engine runs phases. Distinct nodes proceed in parallel; a node accepts
// one run at a time.
type Engine struct {
	inv      *inventory.Inventory
	records  RecordReader
	sessions SessionSource
	registry *registry.Registry
	settings types.Settings
	phases   map[string]types.PhaseOverride
	allow    []int
	mesh     meshvpn.Client
	authKey  string
	runtime  container.Runtime
	sink     events.Sink
	logger   *slog.Logger
	redact   func(string) string

	locks sync.Map
}

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Inventory == nil {
		return nil, fmt.Errorf("engine: inventory required")
	}
	if cfg.Records == nil {
		return nil, fmt.Errorf("engine: record reader required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("engine: executor sessions required")
	}
	runtime, err := container.ResolveRuntime(cfg.Settings.ContainerRuntime, false)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := cfg.Registry
	if reg == nil {
		reg, err = registry.New(nil)
		if err != nil {
			return nil, err
		}
	}
	return &Engine{
		inv:      cfg.Inventory,
		records:  cfg.Records,
		sessions: cfg.Sessions,
		registry: reg,
		settings: cfg.Settings,
		phases:   cfg.Phases,
		allow:    cfg.AllowPorts,
		mesh:     cfg.Mesh,
		authKey:  cfg.MeshAuthKey,
		runtime:  runtime,
		sink:     events.NewCompositeSink(cfg.Sink),
		logger:   logger,
		redact:   cfg.Redact,
	}, nil
}

// ProvisionOptions adjusts a Provision run.
type ProvisionOptions struct {
	// Reapply re-runs repeatable phases that already succeeded.
	Reapply bool
	// ClearBlock releases a configuration or environment block first.
	// Transient blocks are released without it.
	ClearBlock bool
}

// RunResult summarises one node run.
type RunResult struct {
	RunID    string          `json:"run_id" yaml:"run_id"`
	Node     string          `json:"node" yaml:"node"`
	Executed []string        `json:"executed,omitempty" yaml:"executed,omitempty"`
	Skipped  []string        `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	State    inventory.State `json:"state" yaml:"state"`
	Status   string          `json:"status" yaml:"status"`
}

// Phases returns the effective phase list for node, overrides applied.
func (e *Engine) Phases(node inventory.Node) []Phase {
	return ApplyOverrides(Catalogue(node.Role), node.Role, e.phases)
}

// Provision applies every unsatisfied phase to the node in order and stops
// at the first failure.
func (e *Engine) Provision(ctx context.Context, id string, opts ProvisionOptions) (RunResult, error) {
	unlock, err := e.lock(id)
	if err != nil {
		return RunResult{Node: id}, err
	}
	defer unlock()

	node, err := e.inv.Get(id)
	if err != nil {
		return RunResult{Node: id}, err
	}
	if err := e.releaseBlock(ctx, node, opts.ClearBlock); err != nil {
		return RunResult{Node: id, State: node.State, Status: StatusBlocked}, err
	}

	steps, err := e.plan(ctx, node, e.Phases(node), opts)
	if err != nil {
		return RunResult{Node: id, State: node.State}, err
	}

	res := RunResult{RunID: events.GenerateRunID(), Node: id}
	e.sink.EmitRunStart(res.RunID, id)
	e.logger.Info("provision started", "node", id, "role", node.Role, "run_id", res.RunID)

	for _, step := range steps {
		if step.Decision == DecisionSkip {
			res.Skipped = append(res.Skipped, step.Phase.Name)
			if err := e.advance(ctx, id, step.Phase.Target); err != nil {
				return e.finish(res, StatusFailed, err)
			}
			continue
		}
		if step.Decision == DecisionBlocked {
			return e.finish(res, StatusFailed, fmt.Errorf("%w: %s on %s: %s", ErrPrecondition, step.Name, id, step.Reason))
		}
		if err := e.execute(ctx, res.RunID, id, step.Phase); err != nil {
			return e.finish(res, statusFor(err), err)
		}
		res.Executed = append(res.Executed, step.Phase.Name)
	}

	if err := e.inv.SetRunState(ctx, id, inventory.RunComplete); err != nil {
		return e.finish(res, StatusFailed, err)
	}
	return e.finish(res, StatusCompleted, nil)
}

// RunPhase forces a single phase. A once phase that already succeeded is
// refused with a configuration error and the node is left untouched.
func (e *Engine) RunPhase(ctx context.Context, id, name string) (RunResult, error) {
	unlock, err := e.lock(id)
	if err != nil {
		return RunResult{Node: id}, err
	}
	defer unlock()

	node, err := e.inv.Get(id)
	if err != nil {
		return RunResult{Node: id}, err
	}
	phases := e.Phases(node)
	ph, ok := findPhase(phases, name)
	if !ok {
		return RunResult{Node: id, State: node.State}, &PhaseError{Node: id, Phase: name, Class: inventory.ClassConfiguration, Err: ErrUnknownPhase}
	}
	if ph.Contract == Once {
		done, err := e.succeeded(ctx, id, ph.Name)
		if err != nil {
			return RunResult{Node: id, State: node.State}, err
		}
		if done {
			return RunResult{Node: id, State: node.State}, &PhaseError{Node: id, Phase: name, Class: inventory.ClassConfiguration, Err: ErrPhaseCompleted}
		}
	}
	if err := e.releaseBlock(ctx, node, false); err != nil {
		return RunResult{Node: id, State: node.State, Status: StatusBlocked}, err
	}
	for _, req := range ph.Requires {
		done, err := e.succeeded(ctx, id, req)
		if err != nil {
			return RunResult{Node: id, State: node.State}, err
		}
		if !done {
			return RunResult{Node: id, State: node.State}, fmt.Errorf("%w: %s requires %s on %s", ErrPrecondition, name, req, id)
		}
	}

	res := RunResult{RunID: events.GenerateRunID(), Node: id}
	e.sink.EmitRunStart(res.RunID, id)
	if err := e.execute(ctx, res.RunID, id, ph); err != nil {
		return e.finish(res, statusFor(err), err)
	}
	res.Executed = []string{ph.Name}

	final := inventory.RunPending
	if complete, err := e.allSucceeded(ctx, id, phases); err == nil && complete {
		final = inventory.RunComplete
	}
	if err := e.inv.SetRunState(ctx, id, final); err != nil {
		return e.finish(res, StatusFailed, err)
	}
	return e.finish(res, StatusCompleted, nil)
}

// Deploy runs only the node's role-specific final phase.
func (e *Engine) Deploy(ctx context.Context, id string) (RunResult, error) {
	node, err := e.inv.Get(id)
	if err != nil {
		return RunResult{Node: id}, err
	}
	return e.RunPhase(ctx, id, DeployPhaseName(node.Role))
}

func statusFor(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StatusCancelled
	case errors.Is(err, ErrBlocked):
		return StatusBlocked
	}
	var pe *PhaseError
	if errors.As(err, &pe) {
		return StatusBlocked
	}
	return StatusFailed
}

func (e *Engine) finish(res RunResult, status string, err error) (RunResult, error) {
	res.Status = status
	if node, getErr := e.inv.Get(res.Node); getErr == nil {
		res.State = node.State
	}
	e.sink.EmitRunFinish(res.RunID, res.Node, status, err)
	if err != nil {
		e.logger.Warn("run finished", "node", res.Node, "run_id", res.RunID, "status", status, "error", err)
	} else {
		e.logger.Info("run finished", "node", res.Node, "run_id", res.RunID, "status", status, "state", res.State)
	}
	return res, err
}

func (e *Engine) lock(id string) (func(), error) {
	v, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, fmt.Errorf("%w: %s", ErrNodeBusy, id)
	}
	return mu.Unlock, nil
}

// releaseBlock clears the node's block when allowed and fails with
// ErrBlocked otherwise.
func (e *Engine) releaseBlock(ctx context.Context, node inventory.Node, force bool) error {
	if !node.Blocked() {
		return nil
	}
	transient := node.Block != nil && node.Block.Class == inventory.ClassTransient
	if !force && !transient {
		return fmt.Errorf("%w: %s (%s)", ErrBlocked, node.ID, node.Block)
	}
	e.logger.Info("clearing block", "node", node.ID, "block", node.Block.String())
	return e.inv.ClearBlock(ctx, node.ID)
}

func (e *Engine) succeeded(ctx context.Context, id, phase string) (bool, error) {
	rec, ok, err := e.records.Latest(ctx, id, phase)
	if err != nil {
		return false, err
	}
	return ok && rec.Outcome == executor.OutcomeSuccess, nil
}

func (e *Engine) allSucceeded(ctx context.Context, id string, phases []Phase) (bool, error) {
	for _, ph := range phases {
		done, err := e.succeeded(ctx, id, ph.Name)
		if err != nil || !done {
			return false, err
		}
	}
	return true, nil
}

// advance moves the lifecycle forward to target; an earlier or equal target
// is a no-op so a failed or repeated phase never regresses state.
func (e *Engine) advance(ctx context.Context, id string, target inventory.State) error {
	node, err := e.inv.Get(id)
	if err != nil {
		return err
	}
	if target <= node.State {
		return nil
	}
	return e.inv.SetState(ctx, id, target)
}

func (e *Engine) buildContext(node inventory.Node) BuildContext {
	return BuildContext{
		Node:        node,
		Settings:    e.settings,
		Mesh:        e.mesh,
		MeshAuthKey: e.authKey,
		Registry:    e.registry,
		Runtime:     e.runtime,
		AllowPorts:  e.allow,
	}
}

func (e *Engine) timeout(ph Phase) time.Duration {
	if ph.Timeout > 0 {
		return ph.Timeout
	}
	if e.settings.CommandTimeout > 0 {
		return e.settings.CommandTimeout
	}
	return executor.DefaultTimeout
}

// execute runs one phase with transient retries and blocks the node on a
// final failure. Cancellation returns the node to pending without a block.
func (e *Engine) execute(ctx context.Context, runID, id string, ph Phase) (err error) {
	ctx, span := tracing.Start(tracing.WithLogger(ctx, e.logger), "engine.phase",
		tracing.RunID(runID), tracing.Node(id), tracing.Phase(ph.Name), tracing.Int("phase_seq", ph.Seq))
	defer tracing.End(span, &err)

	node, err := e.inv.Get(id)
	if err != nil {
		return err
	}
	if err := e.inv.SetRunning(ctx, id, ph.Name); err != nil {
		return err
	}

	command, err := ph.Build(e.buildContext(node))
	if err != nil {
		return e.fail(ctx, &PhaseError{Node: id, Phase: ph.Name, Class: inventory.ClassConfiguration, Err: err})
	}
	ex, err := e.sessions.For(node)
	if err != nil {
		return e.fail(ctx, &PhaseError{Node: id, Phase: ph.Name, Class: inventory.ClassConfiguration, Err: err})
	}

	eh := e.settings.ErrorHandling
	timeout := e.timeout(ph)
	var last executor.Result
	err = retry.Do(ctx, func(attempt int) error {
		actx := executor.WithInvocation(ctx, executor.Invocation{RunID: runID, Phase: ph.Name, PhaseSeq: ph.Seq, Attempt: attempt})
		span.SetAttributes(tracing.Int("attempts", attempt))
		e.sink.EmitStepStart(runID, id, ph.Name, attempt)
		res, runErr := ex.Execute(actx, node, command, timeout)
		last = res
		e.emitOutput(runID, id, ph.Name, res)

		outcome := executor.Outcome(runErr)
		class := executor.Classify(runErr)
		e.sink.EmitStepFinish(runID, id, ph.Name, events.StepResult{
			Attempt:  attempt,
			ExitCode: res.ExitCode,
			Outcome:  outcome,
			Class:    string(class),
			Duration: res.Duration,
			Err:      runErr,
		})
		metrics.RecordPhase(ph.Name, outcome, res.Duration)

		switch {
		case runErr == nil:
			return nil
		case ctx.Err() != nil || errors.Is(runErr, context.Canceled):
			return retry.Fatal(runErr)
		case class != inventory.ClassTransient:
			return retry.Fatal(runErr)
		}
		return runErr
	},
		retry.WithMaxRetries(eh.Retries),
		retry.WithInitialDelay(eh.RetryBackoff),
		retry.WithMaxDelay(eh.MaxBackoff),
		retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			metrics.RecordPhaseRetry(ph.Name)
			e.logger.Warn("transient phase failure, retrying", "node", id, "phase", ph.Name, "attempt", attempt, "delay", delay, "error", err)
		}),
	)

	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			if rsErr := e.inv.SetRunState(context.WithoutCancel(ctx), id, inventory.RunPending); rsErr != nil {
				e.logger.Error("reset run state after cancellation", "node", id, "error", rsErr)
			}
			return fmt.Errorf("phase %s on %s cancelled: %w", ph.Name, id, err)
		}
		return e.fail(ctx, &PhaseError{Node: id, Phase: ph.Name, Class: executor.Classify(err), Output: last.Output(), Err: err})
	}

	if err := e.advance(ctx, id, ph.Target); err != nil {
		return err
	}
	if ph.CaptureAddress {
		e.captureAddress(ctx, id, last.Stdout)
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, pe *PhaseError) error {
	reason := firstLine(pe.Err.Error())
	metrics.RecordBlocked(string(pe.Class))
	if err := e.inv.Block(context.WithoutCancel(ctx), pe.Node, inventory.Block{Class: pe.Class, Phase: pe.Phase, Reason: reason}); err != nil {
		return errors.Join(pe, err)
	}
	e.logger.Error("node blocked", "node", pe.Node, "phase", pe.Phase, "class", pe.Class, "error", pe.Err)
	return pe
}

func (e *Engine) captureAddress(ctx context.Context, id string, stdout []byte) {
	addr, err := meshvpn.ParseIPv4(string(stdout))
	if err != nil {
		e.logger.Warn("mesh address not captured", "node", id, "error", err)
		return
	}
	if err := e.inv.SetAddress(ctx, id, addr); err != nil {
		e.logger.Warn("store mesh address", "node", id, "error", err)
		return
	}
	e.logger.Info("mesh address captured", "node", id, "address", addr)
}

func (e *Engine) emitOutput(runID, id, phase string, res executor.Result) {
	for _, ch := range []struct {
		name string
		data []byte
	}{{"stdout", res.Stdout}, {"stderr", res.Stderr}} {
		if len(ch.data) == 0 {
			continue
		}
		w := events.NewStepWriter(e.sink, runID, id, phase, ch.name, nil, e.redact)
		_, _ = w.Write(ch.data)
		w.Flush()
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"fmt"

	"github.com/edgefleet/edgefleet/internal/inventory"
)

// Decision is what a run would do with one phase.
type Decision string

const (
	DecisionRun     Decision = "run"
	DecisionSkip    Decision = "skip"
	DecisionBlocked Decision = "blocked"
)

// Step is one planned phase.
type Step struct {
	Phase    Phase    `json:"-" yaml:"-"`
	Name     string   `json:"phase" yaml:"phase"`
	Seq      int      `json:"seq" yaml:"seq"`
	Contract Contract `json:"contract" yaml:"contract"`
	Decision Decision `json:"decision" yaml:"decision"`
	Reason   string   `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Plan previews what Provision would do for the node without executing
// anything.
func (e *Engine) Plan(ctx context.Context, id string, opts ProvisionOptions) ([]Step, error) {
	node, err := e.inv.Get(id)
	if err != nil {
		return nil, err
	}
	steps, err := e.plan(ctx, node, e.Phases(node), opts)
	if err != nil {
		return nil, err
	}
	if node.Blocked() && !opts.ClearBlock && node.Block.Class != inventory.ClassTransient {
		for i := range steps {
			if steps[i].Decision == DecisionRun {
				steps[i].Decision = DecisionBlocked
				steps[i].Reason = "node blocked: " + node.Block.String()
			}
		}
	}
	return steps, nil
}

// plan decides each phase from the latest execution records. A phase whose
// latest record is a success is skipped unless Reapply is set and the phase
// is repeatable. A phase is blocked when one of its preconditions neither
// succeeded before nor runs earlier in the same plan.
func (e *Engine) plan(ctx context.Context, node inventory.Node, phases []Phase, opts ProvisionOptions) ([]Step, error) {
	satisfied := make(map[string]bool, len(phases))
	scheduled := make(map[string]bool, len(phases))
	steps := make([]Step, 0, len(phases))
	for _, ph := range phases {
		done, err := e.succeeded(ctx, node.ID, ph.Name)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", node.ID, err)
		}
		step := Step{Phase: ph, Name: ph.Name, Seq: ph.Seq, Contract: ph.Contract}
		switch {
		case done && (ph.Contract == Once || !opts.Reapply):
			step.Decision = DecisionSkip
			step.Reason = "already succeeded"
			satisfied[ph.Name] = true
		default:
			step.Decision = DecisionRun
			for _, req := range ph.Requires {
				if !satisfied[req] && !scheduled[req] {
					step.Decision = DecisionBlocked
					step.Reason = "requires " + req
					break
				}
			}
			if step.Decision == DecisionRun {
				scheduled[ph.Name] = true
			}
		}
		steps = append(steps, step)
	}
	return steps, nil
}

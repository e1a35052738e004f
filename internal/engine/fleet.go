// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// NodeResult is one node's outcome in a fleet run.
type NodeResult struct {
	Node   string    `json:"node"`
	Result RunResult `json:"result"`
	Err    error     `json:"-"`
}

// Error returns the failure message, or "" on success.
func (r NodeResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// ProvisionFleet provisions the nodes in parallel, at most
// settings.concurrency at a time. A failing node never stops the others.
// Results keep the order of ids.
func (e *Engine) ProvisionFleet(ctx context.Context, ids []string, opts ProvisionOptions) []NodeResult {
	results := make([]NodeResult, len(ids))
	var g errgroup.Group
	if limit := e.settings.Concurrency; limit > 0 {
		g.SetLimit(limit)
	}
	for i, id := range ids {
		g.Go(func() error {
			res, err := e.Provision(ctx, id, opts)
			results[i] = NodeResult{Node: id, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	e.inv.PublishMetrics()
	return results
}

// Failed reports whether any node result carries an error.
func Failed(results []NodeResult) bool {
	for _, r := range results {
		if r.Err != nil {
			return true
		}
	}
	return false
}

// SPDX-License-Identifier: AGPL-3.0-or-later

// Package validate runs read-only checks against fleet nodes and aggregates
// them into a report.
package validate

import (
	"fmt"
	"strings"
	"time"
)

// Verdict is the outcome of one check or of a whole report.
type Verdict string

const (
	Pass Verdict = "pass"
	Warn Verdict = "warn"
	Fail Verdict = "fail"
)

// Check categories.
const (
	CategoryConnectivity   = "connectivity"
	CategoryExposure       = "exposure"
	CategoryCardinality    = "workload-cardinality"
	CategoryServiceHealth  = "service-health"
	CategoryResourceLimits = "resource-limits"
	CategoryMeshStatus     = "mesh-status"
)

// CheckResult is one check verdict. Node is empty for fleet-wide checks.
type CheckResult struct {
	Category string  `json:"category" yaml:"category"`
	Node     string  `json:"node,omitempty" yaml:"node,omitempty"`
	Verdict  Verdict `json:"verdict" yaml:"verdict"`
	Message  string  `json:"message" yaml:"message"`
}

func (r CheckResult) String() string {
	if r.Node == "" {
		return fmt.Sprintf("[%s] %s: %s", r.Verdict, r.Category, r.Message)
	}
	return fmt.Sprintf("[%s] %s %s: %s", r.Verdict, r.Node, r.Category, r.Message)
}

// Report is an ordered list of results with their counts.
type Report struct {
	GeneratedAt time.Time     `json:"generated_at" yaml:"generated_at"`
	Results     []CheckResult `json:"results" yaml:"results"`
	Pass        int           `json:"pass" yaml:"pass"`
	Warn        int           `json:"warn" yaml:"warn"`
	Fail        int           `json:"fail" yaml:"fail"`
	Verdict     Verdict       `json:"verdict" yaml:"verdict"`
}

// Aggregate counts results. The verdict is fail if any check failed, warn if
// any warned, else pass.
func Aggregate(results []CheckResult) Report {
	r := Report{Results: results, Verdict: Pass}
	for _, res := range results {
		switch res.Verdict {
		case Pass:
			r.Pass++
		case Warn:
			r.Warn++
		default:
			r.Fail++
		}
	}
	switch {
	case r.Fail > 0:
		r.Verdict = Fail
	case r.Warn > 0:
		r.Verdict = Warn
	}
	return r
}

// Failed reports whether any check failed.
func (r Report) Failed() bool {
	return r.Fail > 0
}

// ForNode returns the node's results in report order.
func (r Report) ForNode(id string) []CheckResult {
	var out []CheckResult
	for _, res := range r.Results {
		if res.Node == id {
			out = append(out, res)
		}
	}
	return out
}

// NodePassed reports whether the node has results and all of them passed.
func (r Report) NodePassed(id string) bool {
	results := r.ForNode(id)
	if len(results) == 0 {
		return false
	}
	for _, res := range results {
		if res.Verdict != Pass {
			return false
		}
	}
	return true
}

// Summary is the one-line counts string printed by the CLI.
func (r Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d pass, %d warn, %d fail", strings.ToUpper(string(r.Verdict)), r.Pass, r.Warn, r.Fail)
	return b.String()
}

func pass(category, node, format string, args ...any) CheckResult {
	return CheckResult{Category: category, Node: node, Verdict: Pass, Message: fmt.Sprintf(format, args...)}
}

func warn(category, node, format string, args ...any) CheckResult {
	return CheckResult{Category: category, Node: node, Verdict: Warn, Message: fmt.Sprintf(format, args...)}
}

func fail(category, node, format string, args ...any) CheckResult {
	return CheckResult{Category: category, Node: node, Verdict: Fail, Message: fmt.Sprintf(format, args...)}
}

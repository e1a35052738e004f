// SPDX-License-Identifier: AGPL-3.0-or-later

package events

// Sink represents something that can consume run events.
type Sink interface {
	EmitRunStart(runID, node string)
	EmitRunFinish(runID, node, status string, err error)
	EmitStepStart(runID, node, step string, attempt int)
	EmitStepLog(runID, node, step, channel, message string)
	EmitStepFinish(runID, node, step string, res StepResult)
}

// CompositeSink fan-outs emitted events to multiple sinks.
type CompositeSink struct {
	sinks []Sink
}

// NewCompositeSink returns a sink that forwards events to all provided sinks.
// Typed nil pointers are dropped along with untyped nils.
func NewCompositeSink(sinks ...Sink) Sink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if isNilSink(s) {
			continue
		}
		filtered = append(filtered, s)
	}
	switch len(filtered) {
	case 0:
		return nil
	case 1:
		return filtered[0]
	default:
		return &CompositeSink{sinks: filtered}
	}
}

func isNilSink(s Sink) bool {
	switch v := s.(type) {
	case nil:
		return true
	case *Emitter:
		return v == nil
	case *NATSSink:
		return v == nil
	default:
		return false
	}
}

func (c *CompositeSink) EmitRunStart(runID, node string) {
	for _, s := range c.sinks {
		s.EmitRunStart(runID, node)
	}
}

func (c *CompositeSink) EmitRunFinish(runID, node, status string, err error) {
	for _, s := range c.sinks {
		s.EmitRunFinish(runID, node, status, err)
	}
}

func (c *CompositeSink) EmitStepStart(runID, node, step string, attempt int) {
	for _, s := range c.sinks {
		s.EmitStepStart(runID, node, step, attempt)
	}
}

func (c *CompositeSink) EmitStepLog(runID, node, step, channel, message string) {
	for _, s := range c.sinks {
		s.EmitStepLog(runID, node, step, channel, message)
	}
}

func (c *CompositeSink) EmitStepFinish(runID, node, step string, res StepResult) {
	for _, s := range c.sinks {
		s.EmitStepFinish(runID, node, step, res)
	}
}

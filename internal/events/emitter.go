// SPDX-License-Identifier: AGPL-3.0-or-later

// Package events streams provisioning run and phase step events to sinks.
package events

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	TypeRunStart   = "run.start"
	TypeRunFinish  = "run.finish"
	TypeStepStart  = "step.start"
	TypeStepLog    = "step.log"
	TypeStepFinish = "step.finish"
)

type RunEvent struct {
	Sequence  int64                  `json:"sequence"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	RunID     string                 `json:"run_id"`
	Node      string                 `json:"node,omitempty"`
	Step      string                 `json:"step,omitempty"`
	Channel   string                 `json:"channel,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// StepResult summarises one phase attempt for EmitStepFinish.
type StepResult struct {
	Attempt  int
	ExitCode int
	Outcome  string
	Class    string
	Duration time.Duration
	Err      error
}

func (r StepResult) data() map[string]interface{} {
	data := map[string]interface{}{
		"attempt":     r.Attempt,
		"exit_code":   r.ExitCode,
		"outcome":     r.Outcome,
		"duration_ms": r.Duration.Milliseconds(),
	}
	if r.Class != "" {
		data["class"] = r.Class
	}
	if r.Err != nil {
		data["error"] = r.Err.Error()
	}
	return data
}

// Emitter writes events as text lines or NDJSON.
type Emitter struct {
	mu   sync.Mutex
	seq  int64
	out  io.Writer
	json bool
}

func NewEmitter(out io.Writer, json bool) *Emitter {
	if out == nil {
		return nil
	}
	return &Emitter{out: out, json: json}
}

func (e *Emitter) nextSeq() int64 {
	e.seq++
	return e.seq
}

func (e *Emitter) emit(ev RunEvent) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ev.Sequence = e.nextSeq()
	ev.Timestamp = time.Now().UTC()

	if e.json {
		payload, err := json.Marshal(ev)
		if err != nil {
			fmt.Fprintf(e.out, "{\"error\":%q}\n", err.Error())
			return
		}
		fmt.Fprintf(e.out, "%s\n", payload)
		return
	}

	fmt.Fprintf(e.out, "[%d] %s", ev.Sequence, ev.Type)
	if ev.RunID != "" {
		fmt.Fprintf(e.out, " run=%s", ev.RunID)
	}
	if ev.Node != "" {
		fmt.Fprintf(e.out, " node=%s", ev.Node)
	}
	if ev.Step != "" {
		fmt.Fprintf(e.out, " step=%s", ev.Step)
	}
	if ev.Channel != "" {
		fmt.Fprintf(e.out, " channel=%s", ev.Channel)
	}
	if ev.Message != "" {
		fmt.Fprintf(e.out, " msg=%s", ev.Message)
	}
	if len(ev.Data) > 0 {
		keys := make([]string, 0, len(ev.Data))
		for k := range ev.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(e.out, " data={")
		for i, k := range keys {
			if i > 0 {
				fmt.Fprintf(e.out, ", ")
			}
			fmt.Fprintf(e.out, "%s:%v", k, ev.Data[k])
		}
		fmt.Fprintf(e.out, "}")
	}
	fmt.Fprintln(e.out)
}

func (e *Emitter) EmitRunStart(runID, node string) {
	e.emit(RunEvent{Type: TypeRunStart, RunID: runID, Node: node})
}

func (e *Emitter) EmitRunFinish(runID, node, status string, err error) {
	e.emit(RunEvent{Type: TypeRunFinish, RunID: runID, Node: node, Data: runFinishData(status, err)})
}

func (e *Emitter) EmitStepStart(runID, node, step string, attempt int) {
	e.emit(RunEvent{Type: TypeStepStart, RunID: runID, Node: node, Step: step, Data: map[string]interface{}{"attempt": attempt}})
}

func (e *Emitter) EmitStepLog(runID, node, step, channel, message string) {
	if message == "" {
		return
	}
	e.emit(RunEvent{Type: TypeStepLog, RunID: runID, Node: node, Step: step, Channel: channel, Message: message})
}

func (e *Emitter) EmitStepFinish(runID, node, step string, res StepResult) {
	e.emit(RunEvent{Type: TypeStepFinish, RunID: runID, Node: node, Step: step, Data: res.data()})
}

func runFinishData(status string, err error) map[string]interface{} {
	data := map[string]interface{}{"status": status}
	if err != nil {
		data["error"] = err.Error()
	}
	return data
}

// GenerateRunID returns a fresh run identifier.
func GenerateRunID() string {
	return "run-" + uuid.NewString()
}

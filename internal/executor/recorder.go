// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/edgefleet/edgefleet/internal/coredb"
	"github.com/edgefleet/edgefleet/internal/inventory"
)

// Record outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeCancelled = "cancelled"
)

const defaultRecordWriteTimeout = 10 * time.Second

// RecordAppender persists execution records. *coredb.RecordStore satisfies it.
type RecordAppender interface {
	Append(ctx context.Context, rec coredb.ExecutionRecord) (coredb.ExecutionRecord, error)
}

// Invocation identifies the phase attempt an Execute call belongs to.
type Invocation struct {
	RunID    string
	Phase    string
	PhaseSeq int
	Attempt  int
}

type invocationKey struct{}

// WithInvocation attaches inv to ctx for the Recorder.
func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFrom returns the invocation attached to ctx.
func InvocationFrom(ctx context.Context) (Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(Invocation)
	return inv, ok
}

// RecordError reports that a command completed but its record could not be
// persisted.
type RecordError struct {
	Node  string
	Phase string
	Err   error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("persist record %s/%s: %v", e.Node, e.Phase, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// Recorder appends exactly one execution record per invocation of the
// wrapped executor, including failed and cancelled ones.
type Recorder struct {
	next         Executor
	store        RecordAppender
	redact       func(string) string
	logger       *slog.Logger
	writeTimeout time.Duration
}

// NewRecorder wraps next. redact, when non-nil, scrubs captured output
// before it is stored.
func NewRecorder(next Executor, store RecordAppender, logger *slog.Logger, redact func(string) string) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{next: next, store: store, redact: redact, logger: logger, writeTimeout: defaultRecordWriteTimeout}
}

func (r *Recorder) Execute(ctx context.Context, node inventory.Node, command string, timeout time.Duration) (Result, error) {
	started := time.Now().UTC()
	res, err := r.next.Execute(ctx, node, command, timeout)

	inv, ok := InvocationFrom(ctx)
	if !ok {
		inv = Invocation{RunID: "adhoc", Phase: "adhoc", Attempt: 1}
	}
	output := res.Output()
	if r.redact != nil && len(output) > 0 {
		output = []byte(r.redact(string(output)))
	}
	rec := coredb.ExecutionRecord{
		RunID:     inv.RunID,
		NodeID:    node.ID,
		Phase:     inv.Phase,
		PhaseSeq:  inv.PhaseSeq,
		Attempt:   inv.Attempt,
		Outcome:   Outcome(err),
		ExitCode:  res.ExitCode,
		Output:    output,
		Duration:  res.Duration,
		Timestamp: started,
	}
	if rec.Outcome == OutcomeFailure {
		rec.FailureClass = string(Classify(err))
	}

	// The record must land even when the caller has been cancelled.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
	defer cancel()
	if r.store == nil {
		return res, err
	}
	if _, appendErr := r.store.Append(wctx, rec); appendErr != nil {
		r.logger.Error("persist execution record", "node", node.ID, "phase", inv.Phase, "attempt", inv.Attempt, "error", appendErr)
		if err == nil {
			return res, &RecordError{Node: node.ID, Phase: inv.Phase, Err: appendErr}
		}
	}
	return res, err
}

// Close closes the wrapped executor when it holds resources.
func (r *Recorder) Close() error {
	if c, ok := r.next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Outcome maps an Execute error to a record outcome.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, context.Canceled):
		return OutcomeCancelled
	default:
		return OutcomeFailure
	}
}

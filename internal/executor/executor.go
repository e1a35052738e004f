// SPDX-License-Identifier: AGPL-3.0-or-later

// Package executor runs phase commands on fleet nodes, locally or over SSH.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edgefleet/edgefleet/internal/inventory"
)

// DefaultTimeout bounds a command when the caller passes no timeout.
const DefaultTimeout = 15 * time.Minute

// Exit codes from sysexits.h that carry a failure class.
const (
	ExitTempFail = 75
	ExitConfig   = 78
)

var (
	ErrUnreachable = errors.New("executor: node unreachable")
	ErrTimeout     = errors.New("executor: command timed out")
)

// Executor runs one command on a node.
type Executor interface {
	Execute(ctx context.Context, node inventory.Node, command string, timeout time.Duration) (Result, error)
}

// Result is the outcome of a command that ran to completion or was cut short.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Output joins stdout and stderr for diagnostics.
func (r Result) Output() []byte {
	if len(r.Stderr) == 0 {
		return append([]byte(nil), r.Stdout...)
	}
	out := make([]byte, 0, len(r.Stdout)+len(r.Stderr)+16)
	out = append(out, r.Stdout...)
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	out = append(out, "--- stderr ---\n"...)
	out = append(out, r.Stderr...)
	return out
}

// UnreachableError reports that the node could not be contacted.
type UnreachableError struct {
	Node string
	Addr string
	Err  error
}

func (e *UnreachableError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("node %s unreachable at %s: %v", e.Node, e.Addr, e.Err)
	}
	return fmt.Sprintf("node %s unreachable: %v", e.Node, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

func (e *UnreachableError) Is(target error) bool { return target == ErrUnreachable }

// TimeoutError reports that a command exceeded its timeout.
type TimeoutError struct {
	Node    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command on %s timed out after %s", e.Node, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// NonZeroExitError reports that a command exited unsuccessfully.
type NonZeroExitError struct {
	Node string
	Code int
}

func (e *NonZeroExitError) Error() string {
	return fmt.Sprintf("command on %s exited with code %d", e.Node, e.Code)
}

// Classify maps an executor error to a failure class: unreachable, timeout
// and EX_TEMPFAIL are transient, EX_CONFIG is configuration, any other exit
// or error is environment.
func Classify(err error) inventory.FailureClass {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return inventory.ClassTransient
	}
	var exitErr *NonZeroExitError
	if errors.As(err, &exitErr) {
		switch exitErr.Code {
		case ExitTempFail:
			return inventory.ClassTransient
		case ExitConfig:
			return inventory.ClassConfiguration
		}
	}
	return inventory.ClassEnvironment
}

func effectiveTimeout(timeout, fallback time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultTimeout
}

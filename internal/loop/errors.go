package loop

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/openclaw/termagent/internal/tools"
)

// Kind classifies a failure for routing and reporting.
type Kind int

const (
	KindUnknown Kind = iota
	KindParsing
	KindExecution
	KindPermission
	KindCommandNotFound
	KindAmbiguousInput
	KindNetwork
	KindLoopDetected
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindParsing:
		return "parsing"
	case KindExecution:
		return "execution"
	case KindPermission:
		return "permission"
	case KindCommandNotFound:
		return "command_not_found"
	case KindAmbiguousInput:
		return "ambiguous_input"
	case KindNetwork:
		return "network"
	case KindLoopDetected:
		return "loop_detected"
	default:
		return "unknown"
	}
}

// Soft reports whether the failure should produce a clarification
// instead of terminating the run as failed.
func (k Kind) Soft() bool {
	return k == KindParsing || k == KindAmbiguousInput || k == KindCommandNotFound
}

// TaskError is a classified failure.
type TaskError struct {
	Kind Kind
	Op   string // what was being attempted
	Err  error
}

func (e *TaskError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// NewTaskError creates a classified failure.
func NewTaskError(kind Kind, op string, err error) *TaskError {
	return &TaskError{Kind: kind, Op: op, Err: err}
}

// Classify maps an arbitrary error onto the taxonomy.
func Classify(op string, err error) *TaskError {
	if err == nil {
		return nil
	}

	var te *TaskError
	if errors.As(err, &te) {
		return te
	}

	if errors.Is(err, tools.ErrForbidden) {
		return NewTaskError(KindPermission, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewTaskError(KindExecution, op, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "i/o timeout"):
		return NewTaskError(KindNetwork, op, err)
	case strings.Contains(msg, "executable file not found"),
		strings.Contains(msg, "command not found"):
		return NewTaskError(KindCommandNotFound, op, err)
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "operation not permitted"):
		return NewTaskError(KindPermission, op, err)
	}

	// syscall.Errno satisfies net.Error, so a bare OS error (file not
	// found, EACCES) would classify as network on the interface check
	// alone. Only an error that is a net.Error and NOT a wrapped errno
	// counts as a network failure here.
	var errno syscall.Errno
	var netErr net.Error
	if errors.As(err, &netErr) && !errors.As(err, &errno) {
		return NewTaskError(KindNetwork, op, err)
	}

	return NewTaskError(KindExecution, op, err)
}

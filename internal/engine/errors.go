package engine

import (
	"errors"
	"fmt"
)

// ErrCancelled marks an execution stopped by an external cancel signal.
var ErrCancelled = errors.New("execution cancelled")

// NodeExecutionError wraps a node body failure with its retry history.
type NodeExecutionError struct {
	NodeName string
	NodeType string
	Attempts int
	Err      error
}

func (e *NodeExecutionError) Error() string {
	unit := "attempts"
	if e.Attempts == 1 {
		unit = "attempt"
	}
	return fmt.Sprintf("node %q (%s) failed after %d %s: %v", e.NodeName, e.NodeType, e.Attempts, unit, e.Err)
}

func (e *NodeExecutionError) Unwrap() error { return e.Err }

// ExpressionError marks a parameter whose expression failed to resolve in
// strict mode.
type ExpressionError struct {
	NodeName  string
	Parameter string
	Err       error
}

func (e *ExpressionError) Error() string {
	return fmt.Sprintf("node %q parameter %q: %v", e.NodeName, e.Parameter, e.Err)
}

func (e *ExpressionError) Unwrap() error { return e.Err }

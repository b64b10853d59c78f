package convoflow

import (
	"errors"
	"fmt"

	cferrors "github.com/randalmurphal/convoflow/pkg/convoflow/errors"
)

// Sentinel errors for workflow building.
var (
	// ErrNoEntryPoint indicates the definition has no entry point.
	ErrNoEntryPoint = errors.New("entry point not set")

	// ErrEntryNotFound indicates the entry point matches no node id or type.
	ErrEntryNotFound = errors.New("entry point node not found")

	// ErrNodeNotFound indicates an edge references a non-existent node.
	ErrNodeNotFound = errors.New("node not found")

	// ErrUnknownNodeType indicates a node type with no registered handler.
	ErrUnknownNodeType = errors.New("unknown node type")

	// ErrDuplicateNodeID indicates two nodes share an id.
	ErrDuplicateNodeID = errors.New("duplicate node id")
)

// Sentinel errors for execution.
var (
	// ErrMaxIterations indicates the execution loop exceeded the limit.
	ErrMaxIterations = errors.New("exceeded maximum iterations")

	// ErrNilContext indicates Run was called with a nil context.
	ErrNilContext = errors.New("context cannot be nil")

	// ErrRouteTargetNotFound indicates a route names an unknown node.
	ErrRouteTargetNotFound = errors.New("route target not found")
)

// ConfigError reports a broken workflow definition. Configuration
// errors are fatal and never retried.
type ConfigError struct {
	// NodeID is the offending node, if any.
	NodeID string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("workflow config: node %s: %v", e.NodeID, e.Err)
	}
	return fmt.Sprintf("workflow config: %v", e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ErrorCategory implements errors.Classifier.
func (e *ConfigError) ErrorCategory() cferrors.Category {
	return cferrors.CategoryConfig
}

// NodeError wraps a handler failure with node context.
type NodeError struct {
	// NodeID is the identifier of the node that failed.
	NodeID string
	// NodeType is the registered type of the node.
	NodeType string
	// Err is the underlying error from the handler.
	Err error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s (%s): %v", e.NodeID, e.NodeType, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *NodeError) Unwrap() error {
	return e.Err
}

// PanicError captures panic information from node execution.
type PanicError struct {
	// NodeID is the identifier of the node that panicked.
	NodeID string
	// Value is the value passed to panic().
	Value any
	// Stack is the full stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("node %s panicked: %v", e.NodeID, e.Value)
}

// CancellationError captures the point where a run was cancelled.
type CancellationError struct {
	// NodeID is the node that was about to execute.
	NodeID string
	// Cause is the underlying cancellation cause.
	Cause error
}

// Error implements the error interface.
func (e *CancellationError) Error() string {
	return fmt.Sprintf("cancelled before node %s: %v", e.NodeID, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CancellationError) Unwrap() error {
	return e.Cause
}

// MaxIterationsError provides context when the loop limit is exceeded.
type MaxIterationsError struct {
	// Max is the configured iteration limit.
	Max int
	// LastNodeID is the node that would have executed next.
	LastNodeID string
}

// Error implements the error interface.
func (e *MaxIterationsError) Error() string {
	return fmt.Sprintf("exceeded maximum iterations (%d) at node %s", e.Max, e.LastNodeID)
}

// Unwrap returns ErrMaxIterations for errors.Is support.
func (e *MaxIterationsError) Unwrap() error {
	return ErrMaxIterations
}

package convoflow

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Context is the execution context passed to node handlers. It embeds
// context.Context for cancellation and carries the run identity and a
// structured logger enriched per node.
type Context interface {
	context.Context

	// Logger returns the logger for the current node.
	Logger() *slog.Logger

	// RunID returns the unique identifier for this run.
	RunID() string

	// NodeID returns the currently executing node id, empty outside
	// node execution.
	NodeID() string
}

// ContextOption configures a new Context.
type ContextOption func(*executionContext)

// WithContextLogger sets the logger carried by the context.
func WithContextLogger(logger *slog.Logger) ContextOption {
	return func(ec *executionContext) { ec.logger = logger }
}

// WithRunID sets the run identifier instead of generating one.
func WithRunID(runID string) ContextOption {
	return func(ec *executionContext) { ec.runID = runID }
}

// NewContext creates an execution context from a parent
// context.Context. A run id is generated unless WithRunID is given.
func NewContext(parent context.Context, opts ...ContextOption) Context {
	ec := &executionContext{
		Context: parent,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(ec)
	}
	if ec.runID == "" {
		ec.runID = uuid.NewString()
	}
	return ec
}

type executionContext struct {
	context.Context
	logger *slog.Logger
	runID  string
	nodeID string
}

func (ec *executionContext) Logger() *slog.Logger { return ec.logger }
func (ec *executionContext) RunID() string        { return ec.runID }
func (ec *executionContext) NodeID() string       { return ec.nodeID }

// withNodeID returns a child context scoped to one node, with the
// logger enriched for that node.
func (ec *executionContext) withNodeID(nodeID string) *executionContext {
	child := *ec
	child.nodeID = nodeID
	child.logger = ec.logger.With("node_id", nodeID)
	return &child
}

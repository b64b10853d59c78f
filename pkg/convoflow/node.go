package convoflow

import (
	"github.com/randalmurphal/convoflow/pkg/convoflow/config"
	"github.com/randalmurphal/convoflow/pkg/convoflow/registry"
)

// Built-in node types. Custom types may be registered alongside them.
const (
	// TypeModelInvoke calls the model with a built prompt.
	TypeModelInvoke = "model_invoke"
	// TypeRouter selects the next node from parsed route conditions.
	TypeRouter = "router"
	// TypeSlotTracker collects required values across turns, halting
	// until every slot is filled.
	TypeSlotTracker = "slot_tracker"
	// TypeRespond delivers the final response; it is terminal.
	TypeRespond = "respond"
)

// terminalTypes signal "final response delivered" and are wired to
// the terminal state explicitly.
var terminalTypes = map[string]bool{
	TypeRespond: true,
}

// END is the terminal pseudo-node id.
const END = "__end__"

// NodeInfo is the resolved view of a node a handler receives: its
// identity, its configuration, and (for Router nodes) the conditions
// parsed at build time.
type NodeInfo struct {
	ID         string
	Type       string
	WorkflowID string
	Config     config.Config

	// Routes, DefaultRoute, and RouteMode are populated for Router
	// nodes only, parsed once when the workflow is built.
	Routes       []Route
	DefaultRoute string
	RouteMode    string
}

// Handler executes one node. It receives the full run state and the
// node's resolved config, and returns a partial state patch plus an
// explicit continue/halt/fail decision. Handlers must not retain
// references into the state after returning.
type Handler func(ctx Context, state RunState, node NodeInfo) (Delta, Outcome)

// Registry maps node-type names to handlers.
type Registry = registry.Registry[string, Handler]

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return registry.New[string, Handler]()
}

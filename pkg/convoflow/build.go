package convoflow

import (
	"errors"
	"fmt"

	"github.com/randalmurphal/convoflow/pkg/convoflow/config"
)

// compiledNode is a node after validation, with its handler bound and
// its router conditions parsed.
type compiledNode struct {
	id      string
	typ     string
	handler Handler
	config  config.Config

	// next is the statically wired successor, END for terminal nodes.
	next string

	isRouter     bool
	routes       []Route
	defaultRoute string
	routeMode    string

	// slotSuccessor is the static edge out of a slot tracker, followed
	// only once every slot is filled.
	isSlot        bool
	slotSuccessor string
}

// Workflow is a validated, executable workflow. It is immutable after
// Build and safe for concurrent runs.
type Workflow struct {
	id    string
	name  string
	entry string
	nodes map[string]*compiledNode
}

// ID returns the workflow identifier.
func (w *Workflow) ID() string { return w.id }

// Name returns the workflow display name.
func (w *Workflow) Name() string { return w.name }

// Build validates a definition against the handler registry and
// compiles it into an executable workflow. All validation errors are
// collected and reported together, not one at a time.
func Build(def Definition, handlers *Registry) (*Workflow, error) {
	if handlers == nil {
		return nil, &ConfigError{Err: errors.New("handler registry cannot be nil")}
	}

	var errs []error

	nodes := make(map[string]*compiledNode, len(def.Nodes))
	for _, n := range def.Nodes {
		if n.ID == "" {
			errs = append(errs, &ConfigError{Err: errors.New("node with empty id")})
			continue
		}
		if _, exists := nodes[n.ID]; exists {
			errs = append(errs, &ConfigError{NodeID: n.ID, Err: ErrDuplicateNodeID})
			continue
		}
		handler, ok := handlers.Get(n.Type)
		if !ok {
			errs = append(errs, &ConfigError{NodeID: n.ID, Err: fmt.Errorf("%w: %s", ErrUnknownNodeType, n.Type)})
			continue
		}
		nodes[n.ID] = &compiledNode{
			id:      n.ID,
			typ:     n.Type,
			handler: handler,
			config:  config.New(n.Config),
		}
	}

	// Static edges come from both the per-node Next pointer and the
	// explicit edge list. The edge list wins on conflict.
	static := make(map[string]string, len(def.Nodes))
	for _, n := range def.Nodes {
		if n.Next != "" {
			static[n.ID] = n.Next
		}
	}
	for _, e := range def.Edges {
		if _, ok := nodes[e.From]; !ok {
			errs = append(errs, &ConfigError{NodeID: e.From, Err: fmt.Errorf("edge source: %w", ErrNodeNotFound)})
			continue
		}
		static[e.From] = e.To
	}
	for from, to := range static {
		node, ok := nodes[from]
		if !ok {
			continue
		}
		if to != END {
			if _, ok := nodes[to]; !ok {
				errs = append(errs, &ConfigError{NodeID: from, Err: fmt.Errorf("edge target %s: %w", to, ErrNodeNotFound)})
				continue
			}
		}
		node.next = to
	}

	for _, node := range nodes {
		switch {
		case terminalTypes[node.typ]:
			// Terminal nodes always complete the run; a stray static
			// edge out of one is ignored.
			node.next = END
		case node.typ == TypeRouter:
			node.isRouter = true
			compileRoutes(node, &errs)
		case node.typ == TypeSlotTracker:
			// The static edge out of a slot tracker is deferred until
			// every slot is filled.
			node.isSlot = true
			node.slotSuccessor = node.next
			node.next = ""
		default:
			if node.next == "" {
				errs = append(errs, &ConfigError{NodeID: node.id, Err: errors.New("no outgoing edge")})
			}
		}
	}

	for _, node := range nodes {
		if node.isRouter {
			for _, r := range node.routes {
				if _, ok := nodes[r.Target]; !ok && r.Target != END {
					errs = append(errs, &ConfigError{NodeID: node.id, Err: fmt.Errorf("route target %s: %w", r.Target, ErrNodeNotFound)})
				}
			}
			if node.defaultRoute != "" && node.defaultRoute != END {
				if _, ok := nodes[node.defaultRoute]; !ok {
					errs = append(errs, &ConfigError{NodeID: node.id, Err: fmt.Errorf("default route %s: %w", node.defaultRoute, ErrNodeNotFound)})
				}
			}
		}
	}

	entry := def.EntryPoint
	if entry == "" {
		errs = append(errs, &ConfigError{Err: ErrNoEntryPoint})
	} else if _, ok := nodes[entry]; !ok {
		// Entry may name a node type rather than an id.
		entry = ""
		for _, n := range def.Nodes {
			if n.Type == def.EntryPoint {
				entry = n.ID
				break
			}
		}
		if entry == "" {
			errs = append(errs, &ConfigError{Err: fmt.Errorf("%w: %s", ErrEntryNotFound, def.EntryPoint)})
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return &Workflow{
		id:    def.ID,
		name:  def.Name,
		entry: entry,
		nodes: nodes,
	}, nil
}

// compileRoutes parses a router node's route conditions from its
// config. Conditions are parsed exactly once here; handlers only ever
// see the parsed variants.
func compileRoutes(node *compiledNode, errs *[]error) {
	node.routeMode = node.config.String("mode", ModeFirstMatch)
	if node.routeMode != ModeFirstMatch && node.routeMode != ModeEvaluateAll {
		*errs = append(*errs, &ConfigError{NodeID: node.id, Err: fmt.Errorf("unknown route mode: %s", node.routeMode)})
	}
	node.defaultRoute = node.config.String("default", "")

	for i, rc := range node.config.Slice("routes") {
		condStr := rc.String("condition", "")
		target := rc.String("target", "")
		if target == "" {
			*errs = append(*errs, &ConfigError{NodeID: node.id, Err: fmt.Errorf("route %d has no target", i)})
			continue
		}
		cond, err := ParseCondition(condStr)
		if err != nil {
			*errs = append(*errs, &ConfigError{NodeID: node.id, Err: fmt.Errorf("route %d: %w", i, err)})
			continue
		}
		node.routes = append(node.routes, Route{Condition: cond, Target: target})
	}

	// A router's static edges are ignored; only route targets and the
	// default apply.
	node.next = ""
}

// info builds the handler-facing view of a compiled node.
func (w *Workflow) info(node *compiledNode) NodeInfo {
	return NodeInfo{
		ID:           node.id,
		Type:         node.typ,
		WorkflowID:   w.id,
		Config:       node.config,
		Routes:       node.routes,
		DefaultRoute: node.defaultRoute,
		RouteMode:    node.routeMode,
	}
}

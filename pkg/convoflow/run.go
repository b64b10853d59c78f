package convoflow

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/randalmurphal/convoflow/pkg/convoflow/observability"
	"github.com/randalmurphal/convoflow/pkg/convoflow/store"
	"github.com/randalmurphal/convoflow/pkg/convoflow/telemetry"
)

// DefaultMaxIterations bounds the execution loop. Conversation
// workflows are short; a run hitting this limit has a routing cycle.
const DefaultMaxIterations = 50

// RunOption configures a single workflow run.
type RunOption func(*runOptions)

type runOptions struct {
	maxIterations int
	metrics       observability.MetricsRecorder
	spans         observability.SpanManager
	sink          telemetry.Sink
	store         store.Client
}

// WithMaxIterations overrides the execution loop limit.
func WithMaxIterations(max int) RunOption {
	return func(o *runOptions) {
		if max > 0 {
			o.maxIterations = max
		}
	}
}

// WithMetrics sets the metrics recorder for the run.
func WithMetrics(m observability.MetricsRecorder) RunOption {
	return func(o *runOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithSpans enables distributed tracing for the run and each node.
func WithSpans(m observability.SpanManager) RunOption {
	return func(o *runOptions) {
		if m != nil {
			o.spans = m
		}
	}
}

// WithTelemetry sets the telemetry sink for the run.
func WithTelemetry(s telemetry.Sink) RunOption {
	return func(o *runOptions) {
		if s != nil {
			o.sink = s
		}
	}
}

// WithStore enables slot-state persistence across halts. At run start
// the slot subset is rehydrated from the conversation record; on every
// halt it is written back, so a later run resumes mid-collection.
func WithStore(c store.Client) RunOption {
	return func(o *runOptions) { o.store = c }
}

// Run executes the workflow from its entry point until a terminal
// node, a halt, or a failure. The input state is not mutated; the
// result carries the final copy.
func (w *Workflow) Run(ctx Context, state RunState, opts ...RunOption) (RunResult, error) {
	if ctx == nil {
		return RunResult{}, ErrNilContext
	}

	o := runOptions{
		maxIterations: DefaultMaxIterations,
		metrics:       observability.NoopMetrics{},
		spans:         observability.NoopSpanManager{},
		sink:          telemetry.NoopSink{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	// Run works on a copy so a caller reusing the context does not
	// accumulate per-run logger attributes.
	ec := &executionContext{
		Context: ctx,
		logger:  ctx.Logger(),
		runID:   ctx.RunID(),
	}
	ec.logger = ec.logger.With("workflow_id", w.id, "run_id", ec.runID)

	state = state.Clone()
	w.rehydrateSlots(ec, &state, o.store)

	spanCtx, runSpan := o.spans.StartRunSpan(ec.Context, w.id, ec.runID)
	ec.Context = spanCtx

	observability.LogRunStart(ec.logger, ec.runID, w.id)
	runStart := time.Now()
	result, err := w.execute(ec, state, &o)
	o.spans.EndSpanWithError(runSpan, err)
	durationMs := float64(time.Since(runStart).Microseconds()) / 1000.0

	o.metrics.RecordRun(ec, string(result.Status), time.Since(runStart))
	switch result.Status {
	case StatusCompleted:
		observability.LogRunComplete(ec.logger, ec.runID, durationMs, result.NodesExecuted)
	case StatusHalted:
		observability.LogRunHalted(ec.logger, ec.runID, ec.nodeID, result.AwaitingInput)
	case StatusFailed:
		observability.LogRunError(ec.logger, ec.runID, err, durationMs, ec.nodeID)
	}
	o.sink.Record(telemetry.NewEvent("workflow.run", map[string]any{
		"workflow_id":    w.id,
		"status":         string(result.Status),
		"nodes_executed": result.NodesExecuted,
	}).WithRun(ec.runID, ""))

	return result, err
}

func (w *Workflow) execute(ec *executionContext, state RunState, o *runOptions) (RunResult, error) {
	current := w.entry
	executed := 0

	for {
		if current == END {
			return RunResult{State: state, Status: StatusCompleted, NodesExecuted: executed}, nil
		}
		if executed >= o.maxIterations {
			err := &MaxIterationsError{Max: o.maxIterations, LastNodeID: current}
			return RunResult{State: state, Status: StatusFailed, NodesExecuted: executed}, err
		}
		if cause := context.Cause(ec); cause != nil {
			err := &CancellationError{NodeID: current, Cause: cause}
			return RunResult{State: state, Status: StatusFailed, NodesExecuted: executed}, err
		}

		node, ok := w.nodes[current]
		if !ok {
			err := &ConfigError{NodeID: current, Err: ErrNodeNotFound}
			return RunResult{State: state, Status: StatusFailed, NodesExecuted: executed}, err
		}
		// Keep the run-level context pointing at the node in flight so
		// the end-of-run logs name where the run stopped.
		ec.nodeID = node.id

		delta, outcome, err := w.executeNode(ec, node, state, o)
		if err != nil {
			return RunResult{State: state, Status: StatusFailed, NodesExecuted: executed}, err
		}
		delta.apply(&state)
		executed++

		switch outcome.kind {
		case outcomeFail:
			err := &NodeError{NodeID: node.id, NodeType: node.typ, Err: outcome.err}
			return RunResult{State: state, Status: StatusFailed, NodesExecuted: executed}, err

		case outcomeHalt:
			w.persistSlots(ec, &state, o.store)
			state.UserInput = ""
			return RunResult{
				State:         state,
				Status:        StatusHalted,
				AwaitingInput: outcome.awaitingFor,
				NodesExecuted: executed,
			}, nil

		case outcomeContinueTo:
			if outcome.target != END {
				if _, ok := w.nodes[outcome.target]; !ok {
					err := &NodeError{NodeID: node.id, NodeType: node.typ, Err: ErrRouteTargetNotFound}
					return RunResult{State: state, Status: StatusFailed, NodesExecuted: executed}, err
				}
			}
			current = outcome.target

		case outcomeContinue:
			next, halted, err := w.successor(ec, node, &state, o)
			if err != nil {
				return RunResult{State: state, Status: StatusFailed, NodesExecuted: executed}, err
			}
			if halted {
				return RunResult{
					State:         state,
					Status:        StatusHalted,
					AwaitingInput: state.CurrentSlotKey,
					NodesExecuted: executed,
				}, nil
			}
			current = next
		}
	}
}

// successor resolves the node a Continue outcome leads to. Router
// nodes consume the routing signal; slot trackers halt unless every
// slot is filled, regardless of static wiring.
func (w *Workflow) successor(ec *executionContext, node *compiledNode, state *RunState, o *runOptions) (string, bool, error) {
	switch {
	case node.isRouter:
		target := state.RouteChosen
		state.RouteChosen = ""
		if target == "" {
			// No route matched and no default: stop cleanly rather
			// than guess an edge.
			ec.logger.Warn("router produced no route, halting", "node_id", node.id)
			return "", true, nil
		}
		if target != END {
			if _, ok := w.nodes[target]; !ok {
				return "", false, &NodeError{NodeID: node.id, NodeType: node.typ, Err: ErrRouteTargetNotFound}
			}
		}
		return target, false, nil

	case node.isSlot:
		if !state.AllSlotsFilled {
			w.persistSlots(ec, state, o.store)
			state.UserInput = ""
			return "", true, nil
		}
		if node.slotSuccessor == "" {
			return END, false, nil
		}
		return node.slotSuccessor, false, nil

	default:
		if node.next == "" {
			return "", false, &ConfigError{NodeID: node.id, Err: errors.New("no outgoing edge")}
		}
		return node.next, false, nil
	}
}

// executeNode runs one handler with panic recovery and per-node
// observability.
func (w *Workflow) executeNode(ec *executionContext, node *compiledNode, state RunState, o *runOptions) (delta Delta, outcome Outcome, err error) {
	nodeCtx := ec.withNodeID(node.id)
	spanCtx, span := o.spans.StartNodeSpan(nodeCtx.Context, node.id, node.typ)
	nodeCtx.Context = spanCtx
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{NodeID: node.id, Value: r, Stack: string(debug.Stack())}
			nodeCtx.logger.Error("node panicked", "panic", r)
			o.metrics.RecordNodeExecution(ec, node.id, time.Since(start), err)
			o.spans.EndSpanWithError(span, err)
		}
	}()

	observability.LogNodeStart(nodeCtx.logger, node.id, node.typ)
	delta, outcome = node.handler(nodeCtx, state, w.info(node))

	var nodeErr error
	if outcome.kind == outcomeFail {
		nodeErr = outcome.err
		observability.LogNodeError(nodeCtx.logger, node.id, nodeErr)
	} else {
		observability.LogNodeComplete(nodeCtx.logger, node.id, float64(time.Since(start).Microseconds())/1000.0)
	}
	o.metrics.RecordNodeExecution(ec, node.id, time.Since(start), nodeErr)
	o.spans.EndSpanWithError(span, nodeErr)
	return delta, outcome, nil
}

// rehydrateSlots loads persisted slot-collection state so a run can
// resume a collection a previous run halted in. Load failures are
// logged and the run proceeds with empty slot state.
func (w *Workflow) rehydrateSlots(ec *executionContext, state *RunState, client store.Client) {
	if client == nil || state.ConversationID == "" {
		return
	}
	conv, err := client.GetConversation(ec, state.ConversationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			ec.logger.Warn("slot state rehydration failed", "error", err)
		}
		return
	}
	if state.SlotValues == nil {
		state.SlotValues = copyStringMap(conv.SlotValues)
	}
	if state.SlotAttempts == nil {
		state.SlotAttempts = copyIntMap(conv.SlotAttempts)
	}
	if state.CurrentSlotKey == "" {
		state.CurrentSlotKey = conv.CurrentSlotKey
	}
	if len(state.Memory) == 0 {
		state.Memory = append([]store.Turn(nil), conv.Memory...)
	}
}

// persistSlots writes the slot-collection subset back on halt.
// Failures are logged, not fatal; the run still halts cleanly.
func (w *Workflow) persistSlots(ec *executionContext, state *RunState, client store.Client) {
	if client == nil || state.ConversationID == "" {
		return
	}
	conv, err := client.GetConversation(ec, state.ConversationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			ec.logger.Warn("slot state persistence failed", "error", err)
			return
		}
		conv = &store.Conversation{ID: state.ConversationID, UserID: state.UserID}
	}
	conv.SlotValues = copyStringMap(state.SlotValues)
	conv.SlotAttempts = copyIntMap(state.SlotAttempts)
	conv.CurrentSlotKey = state.CurrentSlotKey
	if err := client.PutConversation(ec, conv); err != nil {
		ec.logger.Warn("slot state persistence failed", "error", err)
	}
}

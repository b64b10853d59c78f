package convoflow

// outcomeKind is the closed set of decisions a handler can return.
type outcomeKind int

const (
	outcomeContinue outcomeKind = iota
	outcomeContinueTo
	outcomeHalt
	outcomeFail
)

// Outcome is the explicit halt/continue/route decision returned by a
// node handler alongside its state delta. The executor pattern-matches
// on it; handlers never signal control flow through state fields.
type Outcome struct {
	kind        outcomeKind
	target      string
	awaitingFor string
	err         error
}

// Continue follows the node's statically wired edge.
func Continue() Outcome {
	return Outcome{kind: outcomeContinue}
}

// ContinueTo jumps to an explicit node id, bypassing static edges.
func ContinueTo(nodeID string) Outcome {
	return Outcome{kind: outcomeContinueTo, target: nodeID}
}

// Halt terminates the run cleanly pending more external input.
// awaitingFor names what the run is waiting on (e.g. a slot key).
func Halt(awaitingFor string) Outcome {
	return Outcome{kind: outcomeHalt, awaitingFor: awaitingFor}
}

// Fail terminates the run with an error.
func Fail(err error) Outcome {
	return Outcome{kind: outcomeFail, err: err}
}

// RunStatus distinguishes the three ways a run ends.
type RunStatus string

const (
	// StatusCompleted means the run reached a terminal node.
	StatusCompleted RunStatus = "completed"
	// StatusHalted means the run stopped cleanly awaiting input.
	// A halted run is not an error.
	StatusHalted RunStatus = "halted"
	// StatusFailed means a node or the executor reported an error.
	StatusFailed RunStatus = "failed"
)

// RunResult is the outcome of one workflow run.
type RunResult struct {
	// State is the final state, or the state at the point of failure.
	State RunState
	// Status reports how the run ended.
	Status RunStatus
	// AwaitingInput names what a halted run is waiting on.
	AwaitingInput string
	// NodesExecuted counts handlers that completed.
	NodesExecuted int
}

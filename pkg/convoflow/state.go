package convoflow

import (
	"github.com/randalmurphal/convoflow/pkg/convoflow/store"
)

// RunState is the single mutable value threaded through node
// execution. Exactly one handler owns the right to mutate it at a
// time; handlers return a Delta that the executor merges, never the
// full state.
type RunState struct {
	// ConversationID identifies the conversation this run serves.
	ConversationID string
	// UserID identifies the end user, when known.
	UserID string
	// TenantID scopes prompt resolution, when multi-tenant.
	TenantID string

	// UserInput is the current, not-yet-consumed user message. The
	// executor clears it when a handler halts awaiting input, so a
	// replay never reprocesses the same input.
	UserInput string

	// Memory is the accumulated conversation history, oldest first.
	Memory []store.Turn

	// Response is the final assistant output once a terminal node has
	// produced it.
	Response string

	// RouteChosen is the routing signal set by Router handlers; empty
	// means no route matched.
	RouteChosen string

	// Slot-collection state, rehydrated from the conversation record
	// at run start and persisted on halt.
	SlotValues     map[string]string
	SlotAttempts   map[string]int
	CurrentSlotKey string
	AllSlotsFilled bool

	// Input is a free-form payload for inter-node data passing.
	Input map[string]any
}

// Clone returns a deep copy so a stored snapshot cannot alias live
// state.
func (s RunState) Clone() RunState {
	cp := s
	cp.Memory = append([]store.Turn(nil), s.Memory...)
	cp.SlotValues = copyStringMap(s.SlotValues)
	cp.SlotAttempts = copyIntMap(s.SlotAttempts)
	if s.Input != nil {
		cp.Input = make(map[string]any, len(s.Input))
		for k, v := range s.Input {
			cp.Input[k] = v
		}
	}
	return cp
}

// Delta is a partial state patch returned by a handler. Nil-valued
// fields leave the corresponding state untouched; map fields merge
// key-by-key.
type Delta struct {
	UserInput      *string
	Response       *string
	RouteChosen    *string
	CurrentSlotKey *string
	AllSlotsFilled *bool

	// AppendTurns is appended to Memory.
	AppendTurns []store.Turn

	// SlotValues and SlotAttempts merge into the existing maps.
	SlotValues   map[string]string
	SlotAttempts map[string]int

	// Input merges into the free-form payload.
	Input map[string]any
}

// apply merges the delta into the state in place.
func (d Delta) apply(s *RunState) {
	if d.UserInput != nil {
		s.UserInput = *d.UserInput
	}
	if d.Response != nil {
		s.Response = *d.Response
	}
	if d.RouteChosen != nil {
		s.RouteChosen = *d.RouteChosen
	}
	if d.CurrentSlotKey != nil {
		s.CurrentSlotKey = *d.CurrentSlotKey
	}
	if d.AllSlotsFilled != nil {
		s.AllSlotsFilled = *d.AllSlotsFilled
	}
	s.Memory = append(s.Memory, d.AppendTurns...)
	if len(d.SlotValues) > 0 {
		if s.SlotValues == nil {
			s.SlotValues = make(map[string]string, len(d.SlotValues))
		}
		for k, v := range d.SlotValues {
			s.SlotValues[k] = v
		}
	}
	if len(d.SlotAttempts) > 0 {
		if s.SlotAttempts == nil {
			s.SlotAttempts = make(map[string]int, len(d.SlotAttempts))
		}
		for k, v := range d.SlotAttempts {
			s.SlotAttempts[k] = v
		}
	}
	if len(d.Input) > 0 {
		if s.Input == nil {
			s.Input = make(map[string]any, len(d.Input))
		}
		for k, v := range d.Input {
			s.Input[k] = v
		}
	}
}

// String returns a pointer for Delta string fields.
func String(s string) *string { return &s }

// Bool returns a pointer for Delta bool fields.
func Bool(b bool) *bool { return &b }

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyIntMap(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Package workspacestate defines the WorkspaceState state machine attached
// to each agent workspace, independent of the queue entry's own status. Pure
// domain logic: no I/O, no store handle.
package workspacestate

import (
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle stage of one workspace.
type State string

const (
	Created   State = "created"
	Working   State = "working"
	Ready     State = "ready"
	Merged    State = "merged"
	Abandoned State = "abandoned"
	Conflict  State = "conflict"
)

// All returns every workspace state value.
func All() []State {
	return []State{Created, Working, Ready, Merged, Abandoned, Conflict}
}

// ValidNextStates returns the states s may transition to. Terminal states
// return an empty slice.
func (s State) ValidNextStates() []State {
	switch s {
	case Created:
		return []State{Working}
	case Working:
		return []State{Ready, Conflict, Abandoned}
	case Ready:
		return []State{Working, Merged, Conflict, Abandoned}
	case Conflict:
		return []State{Working, Abandoned}
	default: // Merged, Abandoned
		return nil
	}
}

// CanTransitionTo reports whether s -> next is one of s's valid next states.
func (s State) CanTransitionTo(next State) bool {
	for _, candidate := range s.ValidNextStates() {
		if candidate == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no valid outgoing transitions.
func (s State) IsTerminal() bool {
	return s == Merged || s == Abandoned
}

// IsActive reports whether active work is happening in this state.
func (s State) IsActive() bool {
	return s == Working || s == Conflict
}

// IsComplete reports whether work is done, pending or actual merge.
func (s State) IsComplete() bool {
	return s == Ready || s == Merged
}

// String implements fmt.Stringer.
func (s State) String() string { return string(s) }

// Parse parses s (case-insensitively) into a State.
func Parse(s string) (State, error) {
	switch strings.ToLower(s) {
	case string(Created):
		return Created, nil
	case string(Working):
		return Working, nil
	case string(Ready):
		return Ready, nil
	case string(Merged):
		return Merged, nil
	case string(Abandoned):
		return Abandoned, nil
	case string(Conflict):
		return Conflict, nil
	default:
		return "", fmt.Errorf("invalid workspace state: %q (valid states: created, working, ready, merged, abandoned, conflict)", s)
	}
}

// Transition is a recorded move from one workspace state to another, with
// audit metadata. It self-validates via Validate.
type Transition struct {
	From      State
	To        State
	Timestamp time.Time
	Reason    string
	AgentID   string // empty if not attributed to a specific agent
}

// NewTransition builds a Transition stamped at now, with no agent attribution.
func NewTransition(from, to State, reason string, now time.Time) Transition {
	return Transition{From: from, To: to, Timestamp: now, Reason: reason}
}

// NewTransitionWithAgent builds a Transition attributed to agentID.
func NewTransitionWithAgent(from, to State, reason, agentID string, now time.Time) Transition {
	return Transition{From: from, To: to, Timestamp: now, Reason: reason, AgentID: agentID}
}

// Validate reports whether the transition's From -> To edge is allowed.
func (t Transition) Validate() error {
	if t.From.CanTransitionTo(t.To) {
		return nil
	}
	return fmt.Errorf("invalid workspace state transition: %s -> %s (valid transitions from %s are %v)",
		t.From, t.To, t.From, t.From.ValidNextStates())
}

// Filter is a predicate over workspace states, used to scope list/query
// operations across the queue repository.
type Filter struct {
	kind  filterKind
	state State // only meaningful when kind == filterState
}

type filterKind int

const (
	filterState filterKind = iota
	filterActive
	filterComplete
	filterTerminal
	filterNonTerminal
	filterAll
)

// FilterState matches exactly the given state.
func FilterState(s State) Filter { return Filter{kind: filterState, state: s} }

// FilterActive matches Working and Conflict.
func FilterActive() Filter { return Filter{kind: filterActive} }

// FilterComplete matches Ready and Merged.
func FilterComplete() Filter { return Filter{kind: filterComplete} }

// FilterTerminal matches Merged and Abandoned.
func FilterTerminal() Filter { return Filter{kind: filterTerminal} }

// FilterNonTerminal matches every non-terminal state.
func FilterNonTerminal() Filter { return Filter{kind: filterNonTerminal} }

// FilterAll matches every state.
func FilterAll() Filter { return Filter{kind: filterAll} }

// Matches reports whether state satisfies the filter.
func (f Filter) Matches(state State) bool {
	switch f.kind {
	case filterState:
		return state == f.state
	case filterActive:
		return state.IsActive()
	case filterComplete:
		return state.IsComplete()
	case filterTerminal:
		return state.IsTerminal()
	case filterNonTerminal:
		return !state.IsTerminal()
	case filterAll:
		return true
	default:
		return false
	}
}

// ParseFilter parses s into a Filter: the reserved words "all", "active",
// "complete", "terminal", "non-terminal"/"nonterminal", or else falls back to
// parsing s as a specific state name.
func ParseFilter(s string) (Filter, error) {
	switch strings.ToLower(s) {
	case "all":
		return FilterAll(), nil
	case "active":
		return FilterActive(), nil
	case "complete":
		return FilterComplete(), nil
	case "terminal":
		return FilterTerminal(), nil
	case "non-terminal", "nonterminal":
		return FilterNonTerminal(), nil
	default:
		state, err := Parse(s)
		if err != nil {
			return Filter{}, err
		}
		return FilterState(state), nil
	}
}

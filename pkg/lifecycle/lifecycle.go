// Package lifecycle defines the plugin state machine.
//
// The adjacency table is fixed. CanTransition and Transition are pure lookups; the
// owner of a plugin's current state must serialize transitions for that plugin and
// call Transition before persisting the new state.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

// State is a plugin lifecycle state
type State string

const (
	Discovered State = "discovered"
	Validated  State = "validated"
	Loading    State = "loading"
	Loaded     State = "loaded"
	Syncing    State = "syncing"
	Enabled    State = "enabled"
	Disabled   State = "disabled"
	Crashed    State = "crashed"
	Error      State = "error"
	Unloading  State = "unloading"
)

// ErrIllegalTransition is wrapped by IllegalTransitionError
var ErrIllegalTransition = errors.New("illegal lifecycle transition")

// IllegalTransitionError reports an edge that is not in the table
type IllegalTransitionError struct {
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrIllegalTransition, e.From, e.To)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

var states = []State{
	Discovered, Validated, Loading, Loaded, Syncing,
	Enabled, Disabled, Crashed, Error, Unloading,
}

var transitions = map[State][]State{
	Discovered: {Validated, Error},
	Validated:  {Loading, Error},
	Loading:    {Loaded, Crashed, Error},
	Loaded:     {Syncing, Enabled, Unloading, Error},
	Syncing:    {Enabled, Crashed, Error},
	Enabled:    {Disabled, Syncing, Crashed, Unloading, Error},
	Disabled:   {Enabled, Unloading, Error},
	Crashed:    {Loading, Unloading, Error},
	Error:      {Discovered},
	Unloading:  {Discovered, Error},
}

// States returns every state in declaration order
func States() []State {
	return append([]State(nil), states...)
}

// Valid reports whether s is a known state
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s State) String() string { return string(s) }

// ParseState resolves a state name, case-insensitively
func ParseState(name string) (State, error) {
	s := State(strings.ToLower(strings.TrimSpace(name)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown lifecycle state: %q", name)
	}
	return s, nil
}

// Next returns the states reachable from s in one step. The slice is a copy.
func Next(s State) []State {
	return append([]State(nil), transitions[s]...)
}

// CanTransition reports whether from -> to is an edge of the table
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition returns to if the edge is legal and an *IllegalTransitionError otherwise
func Transition(from, to State) (State, error) {
	if !CanTransition(from, to) {
		return from, &IllegalTransitionError{From: from, To: to}
	}
	return to, nil
}

// Table returns a copy of the full adjacency table, keyed by source state
func Table() map[State][]State {
	out := make(map[State][]State, len(transitions))
	for from, to := range transitions {
		out[from] = append([]State(nil), to...)
	}
	return out
}

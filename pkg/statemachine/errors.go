package statemachine

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition      = errors.New("statemachine: transition needs from, to and event")
	ErrTransitionFromTerminal = errors.New("statemachine: terminal state cannot have outgoing transitions")
	ErrNilArgument            = errors.New("statemachine: state and event must not be nil")
)

// Reasons a Fire call is refused. Match them with errors.Is.
var (
	ErrTerminalState = errors.New("state is terminal")
	ErrNoTransition  = errors.New("no transition for event")
	ErrRejected      = errors.New("rejected by guards")
)

// FireError reports why an event could not be applied to a state.
type FireError struct {
	State  string
	Event  string
	Reason error
}

func (e *FireError) Error() string {
	return fmt.Sprintf("statemachine: %s on %s: %v", e.Event, e.State, e.Reason)
}

func (e *FireError) Unwrap() error { return e.Reason }

// ActionError wraps the error returned by a failing Action.
type ActionError struct {
	From string
	To   string
	Err  error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("statemachine: action %s->%s: %v", e.From, e.To, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

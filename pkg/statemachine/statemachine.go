package statemachine

import "context"

// State is a named position in a Table. Any string-backed type with a Name
// method works.
type State interface {
	Name() string
}

// Event is a named trigger evaluated against a State.
type Event interface {
	Name() string
}

// Action runs a side effect of a transition. Returning an error aborts the
// transition and leaves the caller on the from state.
type Action func(ctx context.Context, from, to State, event Event, data any) error

// Guard decides at fire time whether a transition may be taken.
type Guard func(ctx context.Context, from State, event Event, data any) bool

// Transition is one edge of a Table. Several transitions may share From and
// Event; they are tried in declaration order and the first whose Guards all
// pass is taken.
type Transition struct {
	From    State
	To      State
	Event   Event
	Guards  []Guard
	Actions []Action
}

func (tr Transition) allowed(ctx context.Context, data any) bool {
	for _, guard := range tr.Guards {
		if guard != nil && !guard(ctx, tr.From, tr.Event, data) {
			return false
		}
	}
	return true
}

func (tr Transition) run(ctx context.Context, data any) error {
	for _, action := range tr.Actions {
		if action == nil {
			continue
		}
		if err := action(ctx, tr.From, tr.To, tr.Event, data); err != nil {
			return err
		}
	}
	return nil
}

package statemachine

import (
	"context"
	"fmt"
)

type edge struct {
	from  string
	event string
}

// Table is an immutable transition table. It holds no current state, so one
// Table can drive any number of records whose state lives in storage.
// Safe for concurrent use.
type Table struct {
	edges    map[edge][]Transition
	terminal map[string]struct{}
}

// New builds a Table. Terminal states accept no events, so declaring a
// transition out of one is an error.
func New(transitions []Transition, terminal ...State) (*Table, error) {
	t := &Table{
		edges:    make(map[edge][]Transition, len(transitions)),
		terminal: make(map[string]struct{}, len(terminal)),
	}
	for _, s := range terminal {
		if s == nil {
			return nil, ErrNilArgument
		}
		t.terminal[s.Name()] = struct{}{}
	}

	for i, tr := range transitions {
		if tr.From == nil || tr.To == nil || tr.Event == nil {
			return nil, fmt.Errorf("transition[%d]: %w", i, ErrInvalidTransition)
		}
		if _, ok := t.terminal[tr.From.Name()]; ok {
			return nil, fmt.Errorf("transition[%d] %s->%s: %w", i, tr.From.Name(), tr.To.Name(), ErrTransitionFromTerminal)
		}
		k := edge{from: tr.From.Name(), event: tr.Event.Name()}
		t.edges[k] = append(t.edges[k], tr)
	}
	return t, nil
}

// Fire applies event to from and returns the new state. Actions run in
// declaration order; on any error the returned state is from.
func (t *Table) Fire(ctx context.Context, from State, event Event, data any) (State, error) {
	if from == nil || event == nil {
		return from, ErrNilArgument
	}

	tr, err := t.match(ctx, from, event, data)
	if err != nil {
		return from, err
	}
	if err := tr.run(ctx, data); err != nil {
		return from, &ActionError{From: from.Name(), To: tr.To.Name(), Err: err}
	}
	return tr.To, nil
}

func (t *Table) match(ctx context.Context, from State, event Event, data any) (Transition, error) {
	refuse := func(reason error) error {
		return &FireError{State: from.Name(), Event: event.Name(), Reason: reason}
	}

	if _, ok := t.terminal[from.Name()]; ok {
		return Transition{}, refuse(ErrTerminalState)
	}
	candidates := t.edges[edge{from: from.Name(), event: event.Name()}]
	if len(candidates) == 0 {
		return Transition{}, refuse(ErrNoTransition)
	}
	for _, tr := range candidates {
		// Hand guards and actions the caller's value, not the declared one.
		tr.From = from
		if tr.allowed(ctx, data) {
			return tr, nil
		}
	}
	return Transition{}, refuse(ErrRejected)
}

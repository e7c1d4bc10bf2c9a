// Package statemachine evaluates events against transition tables whose
// current state is owned by the caller.
//
// A Table is declared once and applied to whatever state a record holds,
// which suits entities persisted in a database: load the record, Fire an
// event against its state, persist the result.
//
// # Usage
//
//	type status string
//
//	func (s status) Name() string { return string(s) }
//
//	table, err := statemachine.New([]statemachine.Transition{
//	    {From: Pending, To: Sending, Event: Start},
//	    {From: Sending, To: Sent, Event: Succeed, Actions: []statemachine.Action{save}},
//	    {From: Failed, To: Pending, Event: Resolve, Guards: []statemachine.Guard{hasAttemptsLeft}},
//	    {From: Failed, To: Exhausted, Event: Resolve},
//	}, Sent, Exhausted)
//
//	next, err := table.Fire(ctx, record.Status, Start, record)
//
// Transitions sharing a state and event are tried in order, so a guarded
// edge followed by an unguarded one branches on runtime data. Actions may
// veto a transition by returning an error.
//
// # Errors
//
// A refused event yields a *FireError matching ErrTerminalState,
// ErrNoTransition or ErrRejected under errors.Is. A failing action yields an
// *ActionError wrapping the action's error.
package statemachine

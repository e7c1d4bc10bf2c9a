package statemachine_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/pkg/statemachine"
)

type state string

func (s state) Name() string { return string(s) }

type event string

func (e event) Name() string { return string(e) }

const (
	pending   state = "pending"
	sending   state = "sending"
	sent      state = "sent"
	failed    state = "failed"
	exhausted state = "exhausted"

	start   event = "start"
	succeed event = "succeed"
	fail    event = "fail"
	retry   event = "retry"
)

type attempts struct {
	made, max int
}

func hasAttemptsLeft(_ context.Context, _ statemachine.State, _ statemachine.Event, data any) bool {
	a, ok := data.(attempts)
	return ok && a.made < a.max
}

func newTable(t *testing.T) *statemachine.Table {
	t.Helper()
	table, err := statemachine.New([]statemachine.Transition{
		{From: pending, To: sending, Event: start},
		{From: sending, To: sent, Event: succeed},
		{From: sending, To: failed, Event: fail},
		{From: failed, To: pending, Event: retry, Guards: []statemachine.Guard{hasAttemptsLeft}},
		{From: failed, To: exhausted, Event: retry},
	}, sent, exhausted)
	require.NoError(t, err)
	return table
}

func TestTable_Fire(t *testing.T) {
	t.Parallel()
	table := newTable(t)
	ctx := context.Background()

	next, err := table.Fire(ctx, pending, start, nil)
	require.NoError(t, err)
	assert.Equal(t, sending, next)

	next, err = table.Fire(ctx, next, succeed, nil)
	require.NoError(t, err)
	assert.Equal(t, sent, next)
}

func TestTable_GuardBranching(t *testing.T) {
	t.Parallel()
	table := newTable(t)
	ctx := context.Background()

	tests := []struct {
		name string
		data attempts
		want statemachine.State
	}{
		{"attempts left", attempts{made: 1, max: 3}, pending},
		{"last attempt used", attempts{made: 3, max: 3}, exhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			next, err := table.Fire(ctx, failed, retry, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, next)
		})
	}
}

func TestTable_Refusals(t *testing.T) {
	t.Parallel()
	deny := func(context.Context, statemachine.State, statemachine.Event, any) bool { return false }
	table, err := statemachine.New([]statemachine.Transition{
		{From: pending, To: sending, Event: start, Guards: []statemachine.Guard{deny}},
		{From: sending, To: sent, Event: succeed},
	}, sent)
	require.NoError(t, err)

	tests := []struct {
		name   string
		from   state
		event  event
		reason error
	}{
		{"terminal state", sent, retry, statemachine.ErrTerminalState},
		{"terminal ignores known events", sent, succeed, statemachine.ErrTerminalState},
		{"no transition", sending, fail, statemachine.ErrNoTransition},
		{"guards reject", pending, start, statemachine.ErrRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			next, err := table.Fire(context.Background(), tt.from, tt.event, nil)
			require.ErrorIs(t, err, tt.reason)
			assert.Equal(t, tt.from, next)

			var fe *statemachine.FireError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, string(tt.from), fe.State)
			assert.Equal(t, string(tt.event), fe.Event)
		})
	}
}

func TestTable_ActionsRunInOrderAndCanAbort(t *testing.T) {
	t.Parallel()
	var calls []string
	record := func(name string) statemachine.Action {
		return func(_ context.Context, from, to statemachine.State, _ statemachine.Event, _ any) error {
			calls = append(calls, name+":"+from.Name()+"->"+to.Name())
			return nil
		}
	}
	errPersist := errors.New("persist failed")
	failing := func(context.Context, statemachine.State, statemachine.State, statemachine.Event, any) error {
		return errPersist
	}

	table, err := statemachine.New([]statemachine.Transition{
		{From: pending, To: sending, Event: start, Actions: []statemachine.Action{record("a"), nil, record("b")}},
		{From: sending, To: sent, Event: succeed, Actions: []statemachine.Action{failing, record("never")}},
	})
	require.NoError(t, err)
	ctx := context.Background()

	next, err := table.Fire(ctx, pending, start, nil)
	require.NoError(t, err)
	assert.Equal(t, sending, next)
	assert.Equal(t, []string{"a:pending->sending", "b:pending->sending"}, calls)

	next, err = table.Fire(ctx, sending, succeed, nil)
	require.ErrorIs(t, err, errPersist)
	assert.Equal(t, sending, next)
	assert.Len(t, calls, 2)

	var ae *statemachine.ActionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "sending", ae.From)
	assert.Equal(t, "sent", ae.To)
}

func TestNew_InvalidDefinitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		transitions []statemachine.Transition
		terminal    []statemachine.State
		want        error
		msg         string
	}{
		{
			name:        "missing from",
			transitions: []statemachine.Transition{{To: sending, Event: start}},
			want:        statemachine.ErrInvalidTransition,
			msg:         "transition[0]",
		},
		{
			name: "missing target reports its index",
			transitions: []statemachine.Transition{
				{From: pending, To: sending, Event: start},
				{From: sending, Event: succeed},
			},
			want: statemachine.ErrInvalidTransition,
			msg:  "transition[1]",
		},
		{
			name:        "transition out of terminal",
			transitions: []statemachine.Transition{{From: sent, To: pending, Event: retry}},
			terminal:    []statemachine.State{sent},
			want:        statemachine.ErrTransitionFromTerminal,
			msg:         "sent->pending",
		},
		{
			name:     "nil terminal",
			terminal: []statemachine.State{nil},
			want:     statemachine.ErrNilArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			table, err := statemachine.New(tt.transitions, tt.terminal...)
			require.ErrorIs(t, err, tt.want)
			assert.Nil(t, table)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestTable_FireNilArguments(t *testing.T) {
	t.Parallel()
	table := newTable(t)

	_, err := table.Fire(context.Background(), nil, start, nil)
	assert.ErrorIs(t, err, statemachine.ErrNilArgument)

	next, err := table.Fire(context.Background(), pending, nil, nil)
	assert.ErrorIs(t, err, statemachine.ErrNilArgument)
	assert.Equal(t, pending, next)
}

func TestTable_ConcurrentFire(t *testing.T) {
	t.Parallel()
	table := newTable(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next, err := table.Fire(ctx, failed, retry, attempts{made: i % 4, max: 3})
			assert.NoError(t, err)
			if i%4 < 3 {
				assert.Equal(t, pending, next)
			} else {
				assert.Equal(t, exhausted, next)
			}
		}()
	}
	wg.Wait()
}

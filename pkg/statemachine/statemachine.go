package statemachine

import (
	"context"
	"fmt"
)

// State is a named node in a transition table.
type State interface {
	comparable
	Name() string
}

// Event is a named trigger in a transition table.
type Event interface {
	comparable
	Name() string
}

// Guard evaluates whether a transition may be taken for the given data.
type Guard[S State, E Event] func(ctx context.Context, from S, event E, data any) bool

// Action runs side effects while a transition is taken. Returning an error
// aborts the transition.
type Action[S State, E Event] func(ctx context.Context, from, to S, event E, data any) error

// Transition defines a state change triggered by an event.
// When several transitions share From and Event, the first whose guards all
// pass wins, in registration order.
type Transition[S State, E Event] struct {
	From    S
	To      S
	Event   E
	Guards  []Guard[S, E]
	Actions []Action[S, E]
}

// Table is an immutable-after-construction transition table. It has no
// current state of its own: callers pass the state they hold, which lets one
// table drive any number of entities concurrently.
type Table[S State, E Event] struct {
	transitions map[S]map[E][]Transition[S, E]
}

// New builds a table from transition definitions.
func New[S State, E Event](defs ...Transition[S, E]) *Table[S, E] {
	t := &Table[S, E]{transitions: make(map[S]map[E][]Transition[S, E])}
	for _, d := range defs {
		if _, ok := t.transitions[d.From]; !ok {
			t.transitions[d.From] = make(map[E][]Transition[S, E])
		}
		t.transitions[d.From][d.Event] = append(t.transitions[d.From][d.Event], d)
	}
	return t
}

// Fire resolves the target state for event from the given state and runs the
// chosen transition's actions. The table itself is not modified.
func (t *Table[S, E]) Fire(ctx context.Context, from S, event E, data any) (S, error) {
	tr, err := t.resolve(ctx, from, event, data)
	if err != nil {
		var zero S
		return zero, err
	}

	for _, action := range tr.Actions {
		if err := action(ctx, from, tr.To, event, data); err != nil {
			var zero S
			return zero, fmt.Errorf("transition %s -> %s on %s: %w", from.Name(), tr.To.Name(), event.Name(), err)
		}
	}

	return tr.To, nil
}

// CanFire reports whether event has an allowed transition from the given state.
func (t *Table[S, E]) CanFire(ctx context.Context, from S, event E, data any) bool {
	_, err := t.resolve(ctx, from, event, data)
	return err == nil
}

// Events lists the events that have at least one transition out of from.
func (t *Table[S, E]) Events(from S) []E {
	events := make([]E, 0, len(t.transitions[from]))
	for e := range t.transitions[from] {
		events = append(events, e)
	}
	return events
}

func (t *Table[S, E]) resolve(ctx context.Context, from S, event E, data any) (Transition[S, E], error) {
	candidates := t.transitions[from][event]
	if len(candidates) == 0 {
		return Transition[S, E]{}, NewErrNoTransitionAvailable(from.Name(), event.Name())
	}

	for _, tr := range candidates {
		if guardsPass(ctx, tr, from, event, data) {
			return tr, nil
		}
	}

	return Transition[S, E]{}, NewErrTransitionRejected(from.Name(), event.Name())
}

func guardsPass[S State, E Event](ctx context.Context, tr Transition[S, E], from S, event E, data any) bool {
	for _, g := range tr.Guards {
		if !g(ctx, from, event, data) {
			return false
		}
	}
	return true
}

// StringState provides a simple string-based state implementation.
type StringState string

func (s StringState) Name() string {
	return string(s)
}

// StringEvent provides a simple string-based event implementation.
type StringEvent string

func (e StringEvent) Name() string {
	return string(e)
}

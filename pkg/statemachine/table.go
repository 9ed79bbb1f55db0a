// Package statemachine provides immutable transition tables for lifecycle
// state machines whose current state lives elsewhere (a database row, for
// example). A Table resolves the next state for a (state, event) pair.
package statemachine

import "fmt"

// Transition moves From to To on Event.
type Transition[S, E ~string] struct {
	From  S
	To    S
	Event E
}

// Table is a read-only transition table, safe for concurrent use.
type Table[S, E ~string] struct {
	transitions map[S]map[E]S
}

// NewTable builds a table from transitions. Each (From, Event) pair may
// appear once.
func NewTable[S, E ~string](defs ...Transition[S, E]) (*Table[S, E], error) {
	if len(defs) == 0 {
		return nil, ErrEmptyTable
	}
	t := &Table[S, E]{transitions: make(map[S]map[E]S)}
	for _, d := range defs {
		if d.From == "" || d.To == "" || d.Event == "" {
			return nil, fmt.Errorf("%w: %q --%q--> %q", ErrInvalidTransition, d.From, d.Event, d.To)
		}
		if t.transitions[d.From] == nil {
			t.transitions[d.From] = make(map[E]S)
		}
		if _, dup := t.transitions[d.From][d.Event]; dup {
			return nil, fmt.Errorf("%w: %q --%q-->", ErrDuplicateTransition, d.From, d.Event)
		}
		t.transitions[d.From][d.Event] = d.To
	}
	return t, nil
}

// MustNewTable is like NewTable but panics on an invalid definition.
func MustNewTable[S, E ~string](defs ...Transition[S, E]) *Table[S, E] {
	t, err := NewTable(defs...)
	if err != nil {
		panic(fmt.Sprintf("failed to build transition table: %v", err))
	}
	return t
}

// Fire returns the state reached from `from` on event. On error the state
// is returned unchanged.
func (t *Table[S, E]) Fire(from S, event E) (S, error) {
	to, ok := t.transitions[from][event]
	if !ok {
		return from, NewErrNoTransitionAvailable(string(from), string(event))
	}
	return to, nil
}

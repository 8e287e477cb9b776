// Package loanstate defines the loan lifecycle states and the transitions
// allowed between them.
package loanstate

import (
	"errors"
	"fmt"
)

// Status is the persisted lifecycle state of a loan
type Status string

const (
	Reserved  Status = "reserved"
	Active    Status = "active"
	Overdue   Status = "overdue"
	Returned  Status = "returned"
	Cancelled Status = "cancelled"
)

// ErrIllegalTransition is returned by Check for a move the lifecycle forbids
var ErrIllegalTransition = errors.New("illegal loan transition")

// transitions lists, per state, the states it may move to. Terminal states
// have no entry.
var transitions = map[Status][]Status{
	Reserved: {Active, Cancelled},
	Active:   {Overdue, Returned},
	Overdue:  {Returned},
}

// All returns every status in lifecycle order
func All() []Status {
	return []Status{Reserved, Active, Overdue, Returned, Cancelled}
}

// Open returns the statuses that hold a claim on one available copy
func Open() []Status {
	return []Status{Reserved, Active, Overdue}
}

// Parse converts s into a Status
func Parse(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown loan status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case Reserved, Active, Overdue, Returned, Cancelled:
		return true
	}
	return false
}

// IsOpen reports whether a loan in this status holds a copy
func (s Status) IsOpen() bool {
	return s == Reserved || s == Active || s == Overdue
}

// IsTerminal reports whether no further transition is possible
func (s Status) IsTerminal() bool {
	return s == Returned || s == Cancelled
}

// CanTransitionTo reports whether the lifecycle allows s -> to
func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Check returns ErrIllegalTransition, wrapped with both states, when the
// lifecycle does not allow from -> to.
func Check(from, to Status) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// Sources returns every status that may move to to. The result feeds the
// status condition of a conditional update.
func Sources(to Status) []Status {
	var from []Status
	for _, s := range All() {
		if s.CanTransitionTo(to) {
			from = append(from, s)
		}
	}
	return from
}

// String implements fmt.Stringer
func (s Status) String() string {
	return string(s)
}

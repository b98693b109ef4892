package billing

import "slices"

// Status is the subscription lifecycle state.
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusPaused   Status = "paused"
	StatusCanceled Status = "canceled"
)

var transitions = map[Status][]Status{
	StatusTrialing: {StatusActive, StatusCanceled},
	StatusActive:   {StatusPastDue, StatusPaused, StatusCanceled},
	StatusPastDue:  {StatusActive, StatusCanceled},
	StatusPaused:   {StatusActive, StatusCanceled},
	StatusCanceled: nil,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether s -> next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	return slices.Contains(transitions[s], next)
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// Entitled reports whether the tenant may use paid features in state s.
func (s Status) Entitled() bool {
	return s == StatusTrialing || s == StatusActive || s == StatusPastDue
}

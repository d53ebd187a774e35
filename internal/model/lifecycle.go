package model

import "fmt"

// StackStatus is the lifecycle state of a tenant stack
type StackStatus string

const (
	StatusDeploying StackStatus = "deploying"
	StatusActive    StackStatus = "active"
	StatusFailed    StackStatus = "failed"
	StatusSuspended StackStatus = "suspended"
	StatusDeleted   StackStatus = "deleted"
)

// AllStatuses lists every lifecycle state
var AllStatuses = []StackStatus{StatusDeploying, StatusActive, StatusFailed, StatusSuspended, StatusDeleted}

var transitions = map[StackStatus][]StackStatus{
	StatusDeploying: {StatusActive, StatusFailed},
	StatusActive:    {StatusSuspended, StatusDeleted},
	StatusSuspended: {StatusDeleted},
	StatusFailed:    {StatusDeleted},
}

// TransitionError reports an attempt to move a stack along an edge the
// lifecycle does not have. It signals a bug in the caller.
type TransitionError struct {
	From StackStatus
	To   StackStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid stack status transition %s -> %s", e.From, e.To)
}

// Valid reports whether s is a known status
func (s StackStatus) Valid() bool {
	switch s {
	case StatusDeploying, StatusActive, StatusFailed, StatusSuspended, StatusDeleted:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the lifecycle
func CanTransition(from, to StackStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to
func Transition(from, to StackStatus) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// IsTerminal reports whether no transition leaves s
func (s StackStatus) IsTerminal() bool {
	return len(transitions[s]) == 0
}

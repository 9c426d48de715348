package session

import "fmt"

// State is the lifecycle state of a session.
type State int

// Session lifecycle states. A session is born pending, becomes authenticated
// once its credentials pass validation, provisioning while its container is
// created, and attached while a client is pumping. Losing the client without a
// clean exit orphans it; the grace window allows one resume back to attached.
// Rejected, terminal and failed are final.
const (
	StatePending State = iota
	StateAuthenticated
	StateProvisioning
	StateAttached
	StateOrphaned
	StateRejected
	StateTerminal
	StateFailed
)

var stateNames = map[State]string{
	StatePending:       "pending",
	StateAuthenticated: "authenticated",
	StateProvisioning:  "provisioning",
	StateAttached:      "attached",
	StateOrphaned:      "orphaned",
	StateRejected:      "rejected",
	StateTerminal:      "terminal",
	StateFailed:        "failed",
}

// String returns the lowercase state name used in logs and status frames.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Final reports whether the state admits no further transitions.
func (s State) Final() bool {
	switch s {
	case StateRejected, StateTerminal, StateFailed:
		return true
	default:
		return false
	}
}

// transitions is the legality table. Failed is reachable from every non-final
// state, so it is handled separately in allowed.
var transitions = map[State][]State{
	StatePending:       {StateAuthenticated, StateRejected},
	StateAuthenticated: {StateProvisioning, StateRejected},
	StateProvisioning:  {StateAttached},
	StateAttached:      {StateOrphaned, StateTerminal},
	StateOrphaned:      {StateAttached, StateTerminal},
}

func allowed(from, to State) bool {
	if from.Final() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned by Session.Transition for a move the
// lifecycle table does not permit.
type ErrInvalidTransition struct {
	From State
	To   State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.From, e.To)
}

package pool

import "fmt"

// State represents the lifecycle state of a pooled connection holder.
type State int32

const (
	// StateInPool means the holder is owned by the pool and available.
	StateInPool State = iota
	// StateAccessible means the holder is checked out and callable.
	StateAccessible
	// StateNotAccessible means the holder is checked out but suspended,
	// typically because the ambient transaction is suspended.
	StateNotAccessible
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInPool:
		return "IN_POOL"
	case StateAccessible:
		return "ACCESSIBLE"
	case StateNotAccessible:
		return "NOT_ACCESSIBLE"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("!invalid state (%d)!", int32(s))
	}
}

// validTransitions encodes the permitted holder state machine. A transition
// to the current state is never listed; the acquire path tolerates the shared
// ACCESSIBLE re-entry by not requesting a transition at all.
var validTransitions = map[State][]State{
	StateInPool:        {StateAccessible, StateClosed},
	StateAccessible:    {StateInPool, StateNotAccessible, StateClosed},
	StateNotAccessible: {StateAccessible},
	StateClosed:        {},
}

// checkTransition returns ErrInvalidTransition unless from→to is permitted.
func checkTransition(from, to State) error {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("cannot switch from %s to %s: %w", from, to, ErrInvalidTransition)
}

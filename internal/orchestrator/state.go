package orchestrator

// State is the call lifecycle state. closed and failed are terminal for an
// attempt; disconnected may self-heal through a single ICE restart.
type State string

const (
	StateNew          State = "new"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

var transitions = map[State][]State{
	StateNew:          {StateConnecting, StateClosed},
	StateConnecting:   {StateConnected, StateDisconnected, StateFailed, StateClosed},
	StateConnected:    {StateDisconnected, StateFailed, StateClosed},
	StateDisconnected: {StateConnecting, StateConnected, StateFailed, StateClosed},
	StateFailed:       {StateClosed},
	StateClosed:       {},
}

func (s State) canTransitionTo(to State) bool {
	if s == to {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

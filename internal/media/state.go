package media

import "sync/atomic"

// State is the per-session processing state.
type State int32

const (
	// StateIdle means no speech and no playback are in flight.
	StateIdle State = iota
	// StateListening means caller speech is being recognised.
	StateListening
	// StateSpeaking means agent audio is flowing to the socket.
	StateSpeaking
	// StateBargingIn means a barge-in is being executed.
	StateBargingIn
	// StateTurning means a final transcript is being orchestrated.
	StateTurning
	// StateClosing is terminal.
	StateClosing
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateListening:
		return "Listening"
	case StateSpeaking:
		return "Speaking"
	case StateBargingIn:
		return "BargingIn"
	case StateTurning:
		return "Turning"
	case StateClosing:
		return "Closing"
	}
	return "Unknown"
}

// stateVar is an atomically updated State. Closing is sticky: once entered,
// no transition leaves it.
type stateVar struct {
	v atomic.Int32
}

func (s *stateVar) Load() State {
	return State(s.v.Load())
}

func (s *stateVar) Store(next State) {
	for {
		cur := s.v.Load()
		if State(cur) == StateClosing {
			return
		}
		if s.v.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

// Transition moves to next only when the current state is one of from.
// Reports whether the swap happened.
func (s *stateVar) Transition(next State, from ...State) bool {
	for {
		cur := State(s.v.Load())
		var allowed bool
		for _, f := range from {
			if cur == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
		if s.v.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}

package task

import "fmt"

// State is the lifecycle position of one task.
type State string

const (
	Pending    State = "pending"
	Running    State = "running"
	Exited     State = "exited"
	TimedOut   State = "timedOut"
	Killed     State = "killed"
	SpawnError State = "spawnError"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case Exited, TimedOut, Killed, SpawnError:
		return true
	default:
		return false
	}
}

// event drives the state machine.
type event int

const (
	evSpawned event = iota
	evSpawnFailed
	evExited
	evDeadline
	evCanceled
)

func (e event) String() string {
	switch e {
	case evSpawned:
		return "spawned"
	case evSpawnFailed:
		return "spawn-failed"
	case evExited:
		return "exited"
	case evDeadline:
		return "deadline"
	case evCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// transitions lists every legal move. Anything else is ignored, which makes
// a late exit after a kill, or a deadline racing an exit, harmless.
var transitions = map[State]map[event]State{
	Pending: {
		evSpawned:     Running,
		evSpawnFailed: SpawnError,
	},
	Running: {
		evExited:   Exited,
		evDeadline: TimedOut,
		evCanceled: Killed,
	},
}

// next returns the state after ev and whether ev caused a transition.
func next(s State, ev event) (State, bool) {
	to, ok := transitions[s][ev]
	if !ok {
		return s, false
	}
	return to, true
}

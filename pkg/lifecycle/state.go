// Package lifecycle implements the Agent Lifecycle Engine from spec §4.1:
// the agent state machine, resource accounting, capability checking,
// worker liveness, auto-checkpoint, and graceful shutdown. One supervisor
// owns each live agent's mutable state and guards it with its own mutex,
// so state-machine transitions, RecordUsage, and capability checks for a
// given agent are always linearized.
package lifecycle

// State is a node in the agent state machine graph from spec §4.1.
type State string

const (
	StateCreated      State = "created"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateError        State = "error"
	StateTerminated   State = "terminated"
)

// Event names a state-machine trigger, recorded in transition history.
type Event string

const (
	EventInitialize Event = "INITIALIZE"
	EventReady      Event = "READY"
	EventStart      Event = "START"
	EventComplete   Event = "COMPLETE"
	EventPause      Event = "PAUSE"
	EventResume     Event = "RESUME"
	EventFail       Event = "FAIL"
	EventRecover    Event = "RECOVER"
	EventTerminate  Event = "TERMINATE"
)

// transitions enumerates every legal (from, event) -> to edge in spec §4.1's
// state graph. TERMINATE (from every non-terminal state) and FAIL (from
// every non-terminal state except created) are handled separately in
// nextState rather than listed per source state.
var transitions = map[State]map[Event]State{
	StateCreated: {
		EventInitialize: StateInitializing,
	},
	StateInitializing: {
		EventReady: StateReady,
	},
	StateReady: {
		EventStart: StateRunning,
		EventPause: StatePaused,
	},
	StateRunning: {
		EventComplete: StateReady,
		EventPause:    StatePaused,
	},
	StatePaused: {
		EventResume: StateReady,
	},
	StateError: {
		EventRecover: StateReady,
	},
}

// nonTerminal reports whether s can still receive FAIL/TERMINATE.
func nonTerminal(s State) bool {
	return s != StateTerminated
}

// nextState resolves (from, event) to a destination state, or false if the
// event is not a legal transition from from. TERMINATE is legal from any
// non-terminal state and FAIL from any non-terminal state except created,
// regardless of the per-state table above.
func nextState(from State, ev Event) (State, bool) {
	if ev == EventTerminate {
		if nonTerminal(from) {
			return StateTerminated, true
		}
		return "", false
	}
	if ev == EventFail {
		if nonTerminal(from) && from != StateCreated {
			return StateError, true
		}
		return "", false
	}
	if byEvent, ok := transitions[from]; ok {
		if to, ok := byEvent[ev]; ok {
			return to, true
		}
	}
	return "", false
}

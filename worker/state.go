package worker

import "sync/atomic"

// State is the lifecycle state of a Worker.
type State uint32

const (
	CreatedState State = iota
	RunningState
	PausedState
	StoppedState
)

func (s State) String() string {
	switch s {
	case CreatedState:
		return "Created"
	case RunningState:
		return "Running"
	case PausedState:
		return "Paused"
	case StoppedState:
		return "Stopped"
	default:
		return "Unknown"
	}
}

type atomicState struct {
	state atomic.Uint32
}

func (st *atomicState) Get() State {
	return State(st.state.Load())
}

func (st *atomicState) toRunning() bool {
	return st.state.CompareAndSwap(uint32(CreatedState), uint32(RunningState))
}

func (st *atomicState) toPaused() bool {
	return st.state.CompareAndSwap(uint32(RunningState), uint32(PausedState))
}

func (st *atomicState) toResumed() bool {
	return st.state.CompareAndSwap(uint32(PausedState), uint32(RunningState))
}

// toStopped moves any live state to Stopped. It returns the state it left
// and whether this call performed the transition.
func (st *atomicState) toStopped() (State, bool) {
	for {
		cur := st.state.Load()
		if State(cur) == StoppedState {
			return StoppedState, false
		}
		if st.state.CompareAndSwap(cur, uint32(StoppedState)) {
			return State(cur), true
		}
	}
}

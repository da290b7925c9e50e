package session

import "sync/atomic"

// State is the lifecycle state of a session.
type State uint32

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
	StateFaulted
)

func (st State) String() string {
	switch st {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (st State) MarshalText() ([]byte, error) {
	return []byte(st.String()), nil
}

type atomicState struct {
	state atomic.Uint32
}

// Get returns the current state.
func (st *atomicState) Get() State {
	return State(st.state.Load())
}

func (st *atomicState) cas(from, to State) bool {
	return st.state.CompareAndSwap(uint32(from), uint32(to))
}

func (st *atomicState) toOpening() bool {
	return st.cas(StateClosed, StateOpening)
}

func (st *atomicState) toOpen() bool {
	if st.Get() == StateOpen {
		return true
	}

	return st.cas(StateOpening, StateOpen)
}

func (st *atomicState) toClosing() bool {
	if st.cas(StateOpen, StateClosing) {
		return true
	}

	return st.cas(StateOpening, StateClosing)
}

func (st *atomicState) toFaulted() bool {
	if st.cas(StateOpen, StateFaulted) {
		return true
	}

	return st.cas(StateOpening, StateFaulted)
}

func (st *atomicState) toClosed() bool {
	if st.Get() == StateClosed {
		return true
	}
	if st.cas(StateClosing, StateClosed) {
		return true
	}

	return st.cas(StateFaulted, StateClosed)
}

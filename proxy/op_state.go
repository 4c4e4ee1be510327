package proxy

import "sync/atomic"

// OpState is the lifecycle state of a proxy.
type OpState uint32

const (
	ClosedState OpState = iota
	ClosingState
	OpeningState
	OpenedState
)

func (s OpState) String() string {
	switch s {
	case ClosedState:
		return "closed"
	case ClosingState:
		return "closing"
	case OpeningState:
		return "opening"
	case OpenedState:
		return "opened"
	default:
		return "unknown"
	}
}

// atomicOpState guards Start and Close against concurrent and repeated calls.
type atomicOpState struct {
	state atomic.Uint32
}

func (st *atomicOpState) Get() OpState {
	return OpState(st.state.Load())
}

func (st *atomicOpState) String() string {
	return st.Get().String()
}

func (st *atomicOpState) IsOpened() bool {
	return st.Get() == OpenedState
}

func (st *atomicOpState) ToOpening() bool {
	return st.state.CompareAndSwap(uint32(ClosedState), uint32(OpeningState))
}

func (st *atomicOpState) ToOpened() bool {
	return st.state.CompareAndSwap(uint32(OpeningState), uint32(OpenedState))
}

func (st *atomicOpState) ToClosing() bool {
	if st.state.CompareAndSwap(uint32(OpenedState), uint32(ClosingState)) {
		return true
	}

	return st.state.CompareAndSwap(uint32(OpeningState), uint32(ClosingState))
}

func (st *atomicOpState) ToClosed() bool {
	return st.state.CompareAndSwap(uint32(ClosingState), uint32(ClosedState))
}

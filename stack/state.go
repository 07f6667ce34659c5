package stack

import "sync/atomic"

// State is a step of the stack lifecycle. States only move forward.
type State int32

const (
	Unstarted State = iota
	StartingRouter
	StartingExchange
	StartingBidderInterface
	Ready
	ContinuationRunning
	Running
	Stopped
	Failed
)

var stateNames = map[State]string{
	Unstarted:               "unstarted",
	StartingRouter:          "startingRouter",
	StartingExchange:        "startingExchange",
	StartingBidderInterface: "startingBidderInterface",
	Ready:                   "ready",
	ContinuationRunning:     "continuationRunning",
	Running:                 "running",
	Stopped:                 "stopped",
	Failed:                  "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

type stateMachine struct {
	state int32
}

func (m *stateMachine) load() State {
	return State(atomic.LoadInt32(&m.state))
}

// transition moves from one state to the next. It fails if another caller got there first.
func (m *stateMachine) transition(from, to State) bool {
	return atomic.CompareAndSwapInt32(&m.state, int32(from), int32(to))
}

func (m *stateMachine) store(to State) {
	atomic.StoreInt32(&m.state, int32(to))
}

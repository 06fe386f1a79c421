// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import "sync/atomic"

// State is the relay process state.
type State uint32

// Relay states.
const (
	StateIdle State = iota
	StateConnecting
	StateSubscribed
	StateDisconnecting
	StateTerminated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnecting:
		return "disconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// stateManager handles atomic state transitions.
type stateManager struct {
	state uint32
}

func (sm *stateManager) get() State {
	return State(atomic.LoadUint32(&sm.state))
}

func (sm *stateManager) set(s State) {
	atomic.StoreUint32(&sm.state, uint32(s))
}

// transition attempts to move from expected to new state.
func (sm *stateManager) transition(from, to State) bool {
	return atomic.CompareAndSwapUint32(&sm.state, uint32(from), uint32(to))
}

// transitionFrom attempts to move to `to` from any of the given states.
func (sm *stateManager) transitionFrom(to State, from ...State) (State, bool) {
	for _, f := range from {
		if sm.transition(f, to) {
			return f, true
		}
	}
	return sm.get(), false
}

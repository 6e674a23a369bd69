// Copyright 2024 the Failover Watchdog Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package watcher

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/dbfailover/watchdog/coordination"
)

// State is the persisted failover lifecycle state.
type State string

const (
	// StateComplete means no transition is in flight; the only state from
	// which a new transition may begin.
	StateComplete State = "complete"
	// StateTransition means a transition is in flight (or a node crashed
	// mid-transition and the state was never finalized).
	StateTransition State = "transition"
	// StateError means the last transition failed. Like StateTransition it
	// blocks new transitions until an operator resets the state node.
	StateError State = "error"
)

// StateMachine persists the COMPLETE/TRANSITION/ERROR lifecycle of a
// failover at a well-known coordination node, where it is visible to the
// whole fleet and survives a crash mid-transition.
type StateMachine struct {
	session coordination.Session
	node    string
}

// NewStateMachine returns a state machine persisting at the given node.
func NewStateMachine(session coordination.Session, node string) *StateMachine {
	return &StateMachine{session: session, node: node}
}

// Current reads the persisted state. An absent node reads as StateComplete.
func (m *StateMachine) Current(ctx context.Context) (State, error) {
	val, _, err := m.session.Get(ctx, m.node)
	if err == coordination.ErrNoNode {
		return StateComplete, nil
	}
	if err != nil {
		return "", err
	}
	return State(val), nil
}

func (m *StateMachine) set(ctx context.Context, s State) error {
	return m.session.Set(ctx, m.node, []byte(s))
}

// RunTransition executes body under the persisted transition guard. If the
// current state is anything but StateComplete the transition is refused,
// the state is left untouched, and false is returned. Otherwise the state
// is moved to StateTransition, body runs, and the state is finalized to
// StateComplete or StateError depending on body's error. The error itself
// is absorbed here: callers observe only the returned bool and the
// persisted state. Returns true iff the transition ran and finalized to
// StateComplete.
//
// The read-then-write guard is not atomic against another node racing
// through it; the reactor already serializes attempts on this node, and
// cross-node races resolve to whichever state write lands last. The single
// external elector driving leadership changes makes that sufficient.
func (m *StateMachine) RunTransition(ctx context.Context, body func(ctx context.Context, prev State) error) bool {
	prev, err := m.Current(ctx)
	if err != nil {
		klog.Errorf("Failed to read failover state: %v", err)
		transitions.Inc("refused")
		return false
	}
	if prev != StateComplete {
		klog.Warningf("Transition refused: failover state is %q", prev)
		transitions.Inc("refused")
		return false
	}

	if err := m.set(ctx, StateTransition); err != nil {
		klog.Errorf("Failed to persist transition state: %v", err)
		transitions.Inc("refused")
		return false
	}
	klog.Infof("Failover state: %s -> %s", prev, StateTransition)

	final := StateComplete
	if err := body(ctx, prev); err != nil {
		klog.Errorf("Transition failed: %v", err)
		final = StateError
	}

	if err := m.set(ctx, final); err != nil {
		// Retry once so a transient write failure does not strand the
		// fleet in StateTransition.
		klog.Errorf("Failed to finalize failover state to %q: %v", final, err)
		if err := m.set(ctx, final); err != nil {
			klog.Errorf("Retry failed, state node may be stuck in %q: %v", StateTransition, err)
		}
	}
	klog.Infof("Failover state: %s -> %s", StateTransition, final)

	if final == StateError {
		transitions.Inc("error")
		return false
	}
	transitions.Inc("complete")
	return true
}

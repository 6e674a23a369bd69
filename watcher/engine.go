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
	"strings"

	"k8s.io/klog/v2"

	"github.com/dbfailover/watchdog/coordination"
	"github.com/dbfailover/watchdog/resource"
	"github.com/dbfailover/watchdog/util/clock"
)

// normalizeID brings a raw leadership pointer payload into canonical form
// for comparison: byte payloads become strings, surrounding whitespace is
// dropped, and an absent value is the empty string. Idempotent.
func normalizeID(v []byte) string {
	return strings.TrimSpace(string(v))
}

// Engine orchestrates step-up and step-down sequences in response to
// leadership changes. Its activeMaster field is owned by the reactor's
// consumer goroutine; no other goroutine reads or writes it.
type Engine struct {
	self       string
	session    coordination.Session
	adapter    resource.Adapter
	machine    *StateMachine
	waiter     *ConvergenceWaiter
	clientData []byte
	paths      coordination.Paths
	timeSource clock.TimeSource

	// activeMaster is the locally cached copy of the leadership pointer,
	// seeded by an initial unwatched read and thereafter updated only by
	// the consumer goroutine while dispatching events.
	activeMaster string
}

// NewEngine wires a transition engine for the given identity.
func NewEngine(self string, session coordination.Session, adapter resource.Adapter, machine *StateMachine,
	waiter *ConvergenceWaiter, clientData []byte, paths coordination.Paths, ts clock.TimeSource) *Engine {
	return &Engine{
		self:       self,
		session:    session,
		adapter:    adapter,
		machine:    machine,
		waiter:     waiter,
		clientData: clientData,
		paths:      paths,
		timeSource: ts,
	}
}

// seedActiveMaster initializes the cached leadership pointer before the
// reactor starts consuming. Must not be called once dispatch has begun.
func (e *Engine) seedActiveMaster(id string) {
	e.activeMaster = id
	e.updateMasterGauge()
}

// shouldStepUp reports whether this node must promote itself: it was not the
// master before, and the new leadership pointer names it.
func (e *Engine) shouldStepUp(newLeader string) bool {
	return e.activeMaster != e.self && newLeader == e.self
}

// shouldStepDown reports whether this node must demote itself: it was the
// master before, and the new leadership pointer names someone else.
func (e *Engine) shouldStepDown(newLeader string) bool {
	return e.activeMaster == e.self && newLeader != e.self
}

// handleEvent is the reactor's consumer entry point. The switch is
// exhaustive over the event kinds defined in event.go.
func (e *Engine) handleEvent(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case leadershipChangedEvent:
		e.leadershipChanged(ctx, ev)
	case leadershipClearedEvent:
		klog.Infof("Leadership pointer deleted, clearing cached master %q", e.activeMaster)
		e.activeMaster = ""
		e.updateMasterGauge()
	default:
		klog.Errorf("Unknown event type %T dropped", ev)
	}
}

// leadershipChanged evaluates the promotion/demotion predicates against the
// new leadership value and runs the chosen transition. The cached pointer is
// updated before the transition is invoked, so re-entrant reads during the
// transition see the new value.
func (e *Engine) leadershipChanged(ctx context.Context, ev leadershipChangedEvent) {
	newLeader := ev.id
	if newLeader == e.activeMaster {
		// Duplicate notification, e.g. a metadata-only version bump.
		klog.V(1).Infof("Leadership unchanged (%q), ignoring", newLeader)
		return
	}

	klog.Infof("Leadership change observed: %q -> %q (version %d)", e.activeMaster, newLeader, ev.meta.Version)
	switch {
	case e.shouldStepUp(newLeader):
		e.activeMaster = newLeader
		e.updateMasterGauge()
		e.timed("step_up", func() { e.StepUp(ctx, ev.meta) })
	case e.shouldStepDown(newLeader):
		e.activeMaster = newLeader
		e.updateMasterGauge()
		e.timed("step_down", func() { e.StepDown(ctx, ev.meta) })
	default:
		// Leadership moved between two other nodes; just track it.
		e.activeMaster = newLeader
		e.updateMasterGauge()
	}
}

func (e *Engine) timed(direction string, fn func()) {
	start := e.timeSource.Now()
	fn()
	transitionSeconds.Observe(clock.SecondsSince(e.timeSource, start), direction)
}

func (e *Engine) updateMasterGauge() {
	if e.activeMaster == e.self {
		isMaster.Set(1)
	} else {
		isMaster.Set(0)
	}
}

// StepUp promotes the managed resource: inside the guarded transition it
// enables writes, waits for replication to converge on the tracking token
// matching meta, and publishes the client data blob. Returns true iff the
// guarded transition ran to completion; false when refused or failed, with
// the distinction visible in the persisted state.
//
// A convergence wait that expires does not fail the promotion; the engine
// proceeds and publishes anyway, trading possible lost transactions for
// availability.
func (e *Engine) StepUp(ctx context.Context, meta coordination.NodeMeta) bool {
	stepUpAttempts.Inc()
	klog.Infof("%s: stepping up as active master", e.self)

	ok := e.machine.RunTransition(ctx, func(ctx context.Context, prev State) error {
		klog.V(1).Infof("Step up starting (previous state %q)", prev)
		if err := e.adapter.SetReadOnly(ctx, false); err != nil {
			return err
		}
		token := resource.TrackingToken{Version: meta.Version, ModTime: meta.ModTime}
		if found := e.waiter.Await(ctx, token); !found {
			klog.Warningf("Proceeding with promotion without convergence to token %d", token.Version)
		}
		if err := e.session.Set(ctx, e.paths.ClientData, e.clientData); err != nil {
			return err
		}
		klog.Infof("%s: promotion complete, client data published", e.self)
		return nil
	})
	if !ok {
		klog.Warningf("%s: step up did not complete", e.self)
	}
	return ok
}

// StepDown demotes the managed resource: disable writes, quiesce client
// sessions, and record the tracking token for meta so a future promotion
// elsewhere can wait for convergence to this point. Step-down is
// unconditional: it is not wrapped in the state-machine guard, and each
// action is attempted even if an earlier one failed. The first failure is
// returned for the caller's log.
func (e *Engine) StepDown(ctx context.Context, meta coordination.NodeMeta) error {
	stepDownAttempts.Inc()
	klog.Infof("%s: stepping down, new master is %q", e.self, e.activeMaster)

	var firstErr error
	if err := e.adapter.SetReadOnly(ctx, true); err != nil {
		klog.Errorf("Step down: failed to set read-only: %v", err)
		firstErr = err
	}
	if err := e.adapter.QuiesceConnections(ctx); err != nil {
		klog.Errorf("Step down: failed to quiesce connections: %v", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	token := resource.TrackingToken{Version: meta.Version, ModTime: meta.ModTime}
	if err := e.adapter.RecordCheckpoint(ctx, token); err != nil {
		klog.Errorf("Step down: failed to record checkpoint: %v", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		klog.Infof("%s: demotion complete, checkpoint %d recorded", e.self, token.Version)
	}
	return firstErr
}

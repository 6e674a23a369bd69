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

// Package watcher implements the failover coordination engine: a watchdog
// that observes a leadership pointer in the coordination service and drives
// the managed resource through promotion and demotion, with the transition
// state persisted for the whole fleet to see.
package watcher

import (
	"context"
	"errors"
	"time"

	"k8s.io/klog/v2"

	"github.com/dbfailover/watchdog/coordination"
	"github.com/dbfailover/watchdog/monitoring"
	"github.com/dbfailover/watchdog/resource"
	"github.com/dbfailover/watchdog/util/clock"
)

// Defaults for the tunable knobs in Config.
const (
	DefaultMaxConvergenceWait = 600 * time.Second
	DefaultPollInterval       = 5 * time.Second
	DefaultMigrationsDir      = "db/migrate"

	defaultQueueDepth = 128
)

// Config carries the watchdog's identity and tuning knobs. Zero values fall
// back to the defaults above.
type Config struct {
	// SelfID is this watcher instance's identity; a node is promoted when
	// the leadership pointer names it.
	SelfID string
	// Paths is the coordination node layout.
	Paths coordination.Paths
	// MaxConvergenceWait bounds how long a promotion waits for replication
	// to catch up.
	MaxConvergenceWait time.Duration
	// PollInterval is the convergence check interval.
	PollInterval time.Duration
	// ClientData is the payload published on successful promotion.
	ClientData []byte
	// MigrationsDir holds the schema migration files.
	MigrationsDir string
	// QueueDepth bounds the event reactor's queue.
	QueueDepth int
	// TimeSource allows tests to control timing. Defaults to clock.System.
	TimeSource clock.TimeSource
	// MetricFactory defaults to the inert factory.
	MetricFactory monitoring.MetricFactory
}

func (c *Config) applyDefaults() {
	if c.Paths == (coordination.Paths{}) {
		c.Paths = coordination.DefaultPaths()
	}
	if c.MaxConvergenceWait == 0 {
		c.MaxConvergenceWait = DefaultMaxConvergenceWait
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MigrationsDir == "" {
		c.MigrationsDir = DefaultMigrationsDir
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.TimeSource == nil {
		c.TimeSource = clock.System
	}
}

// Watchdog ties the coordination session, the transition engine and the
// event reactor together into the running daemon.
type Watchdog struct {
	cfg     Config
	session coordination.Session
	adapter resource.Adapter
	engine  *Engine
	reactor *reactor
	guard   *MigrationGuard
}

// New assembles a watchdog from its collaborators.
func New(cfg Config, session coordination.Session, adapter resource.Adapter) *Watchdog {
	cfg.applyDefaults()
	initMetrics(cfg.MetricFactory)

	machine := NewStateMachine(session, cfg.Paths.State)
	waiter := NewConvergenceWaiter(adapter, cfg.MaxConvergenceWait, cfg.PollInterval, cfg.TimeSource)
	engine := NewEngine(cfg.SelfID, session, adapter, machine, waiter, cfg.ClientData, cfg.Paths, cfg.TimeSource)
	guard := NewMigrationGuard(session.NewLock(cfg.Paths.MigrationLock), adapter, cfg.MigrationsDir)

	return &Watchdog{
		cfg:     cfg,
		session: session,
		adapter: adapter,
		engine:  engine,
		reactor: newReactor(cfg.QueueDepth),
		guard:   guard,
	}
}

// Run starts the watchdog and blocks until ctx is done. It registers this
// instance for membership visibility, seeds the cached leadership pointer
// with an initial unwatched read, establishes the watch, runs the fleet-wide
// migration pass, and then drains the event queue on the calling goroutine.
func (w *Watchdog) Run(ctx context.Context) error {
	unregister, err := w.session.RegisterSelf(ctx, w.cfg.Paths.MastersDir, w.cfg.SelfID)
	if err != nil {
		return err
	}
	defer unregister()

	// The seed read's version feeds the watch, so a leadership write landing
	// between the two is delivered as an event instead of silently missed.
	var seedRev int64
	val, meta, err := w.session.Get(ctx, w.cfg.Paths.ActiveMaster)
	switch err {
	case nil:
		w.engine.seedActiveMaster(normalizeID(val))
		seedRev = meta.Version
	case coordination.ErrNoNode:
		w.engine.seedActiveMaster("")
	default:
		return err
	}
	klog.Infof("Watchdog %s starting, current master is %q", w.cfg.SelfID, w.engine.activeMaster)

	if err := w.session.Watch(ctx, w.cfg.Paths.ActiveMaster, seedRev, w.observe); err != nil {
		return err
	}

	// The fleet-wide migration pass runs once at startup. Failure is logged
	// but not fatal: the watchdog's job is failover, not schema upkeep.
	if err := w.guard.Run(ctx); err != nil {
		klog.Errorf("Migration pass failed: %v", err)
	}

	w.reactor.run(ctx, w.engine.handleEvent)
	return ctx.Err()
}

// observe runs on the session's watch delivery goroutine. It only
// normalizes the payload and enqueues; all blocking work happens on the
// reactor's consumer goroutine. Deletion travels as its own event so that
// the cached leadership pointer is mutated in exactly one place.
func (w *Watchdog) observe(ev coordination.NodeEvent) {
	switch ev.Type {
	case coordination.NodeDeleted:
		w.reactor.enqueue(leadershipClearedEvent{})
	default:
		w.reactor.enqueue(leadershipChangedEvent{id: normalizeID(ev.Value), meta: ev.Meta})
	}
}

// Healthz reports whether the managed resource is reachable; wired to the
// daemon's /healthz endpoint.
func (w *Watchdog) Healthz(ctx context.Context) error {
	if !w.adapter.IsReachable(ctx) {
		return errResourceUnreachable
	}
	return nil
}

var errResourceUnreachable = errors.New("managed resource unreachable")

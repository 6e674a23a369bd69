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

// Package resource defines the capability interface for the managed
// resource the watchdog drives through promotion and demotion. The concrete
// MySQL implementation lives in the mysql subpackage.
package resource

import (
	"context"
	"time"
)

// TrackingToken is a replication checkpoint. It is recorded on the old
// master during step-down and polled for on the new master during step-up:
// the row reaches the new master through replication itself, so its
// existence proves convergence up to the recorded point.
type TrackingToken struct {
	Version int64
	ModTime time.Time
}

// Adapter executes the managed-resource-specific actions of a transition.
// All methods are driven from a single goroutine during a transition; the
// implementation needs no locking beyond its own connection handling.
type Adapter interface {
	// SetReadOnly toggles whether the resource accepts writes from regular
	// clients. The adapter's own connection must retain write access so
	// checkpoints can still be recorded on a read-only instance.
	SetReadOnly(ctx context.Context, readOnly bool) error

	// QuiesceConnections stops in-flight client work while preserving
	// replication stream integrity: the replication applier is paused
	// before client sessions are terminated, then resumed.
	QuiesceConnections(ctx context.Context) error

	// RecordCheckpoint durably records a replication checkpoint.
	RecordCheckpoint(ctx context.Context, token TrackingToken) error

	// CheckpointExists reports whether a checkpoint with the given version
	// and a modification time at or after mtimeLowerBound has been
	// replicated to this instance. Fails closed: any query error reads as
	// false.
	CheckpointExists(ctx context.Context, version int64, mtimeLowerBound time.Time) bool

	// IsReachable is a health probe for the resource.
	IsReachable(ctx context.Context) bool

	// RunPendingMigrations applies any schema migrations under dir that
	// have not been applied yet. A no-op when everything is up to date.
	RunPendingMigrations(ctx context.Context, dir string) error
}

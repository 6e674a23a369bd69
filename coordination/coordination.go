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

// Package coordination defines the capability interface the watchdog uses to
// talk to its coordination service, and the node layout it expects there.
//
// The watchdog is a pure observer of the coordination service: it never
// elects a leader itself, it only reads and watches the leadership pointer
// that an external elector maintains, and persists its own transition state
// alongside it.
package coordination

import (
	"context"
	"errors"
	"time"
)

// ErrNoNode is returned by Session.Get when the requested node does not
// exist. Callers generally treat this as a benign default rather than a
// failure.
var ErrNoNode = errors.New("coordination: node does not exist")

// NodeEventType describes what happened to a watched node.
type NodeEventType int

const (
	// NodeCreated indicates the watched node came into existence.
	NodeCreated NodeEventType = iota
	// NodeChanged indicates the watched node's value (or only its version)
	// was updated.
	NodeChanged
	// NodeDeleted indicates the watched node was removed.
	NodeDeleted
)

func (t NodeEventType) String() string {
	switch t {
	case NodeCreated:
		return "created"
	case NodeChanged:
		return "changed"
	case NodeDeleted:
		return "deleted"
	}
	return "unknown"
}

// NodeMeta carries the version information of a node observation. Version is
// backend specific (the key's ModRevision for etcd) and is used for
// de-duplication and as the replication tracking token. ModTime is the time
// the observation was delivered.
type NodeMeta struct {
	Version int64
	ModTime time.Time
}

// NodeEvent is a single observation delivered by a watch. Value is nil for
// NodeDeleted.
type NodeEvent struct {
	Type  NodeEventType
	Value []byte
	Meta  NodeMeta
}

// Session provides watched reads and writes of named nodes, ephemeral
// self-registration, and named distributed locks. Implementations must
// deliver watch events for a node in order.
type Session interface {
	// Get reads the current value of a node without establishing a watch.
	// Returns ErrNoNode if the node does not exist.
	Get(ctx context.Context, node string) ([]byte, NodeMeta, error)

	// Set writes the value of a node, creating it if necessary.
	Set(ctx context.Context, node string, value []byte) error

	// Delete removes a node. Removing an absent node is not an error.
	Delete(ctx context.Context, node string) error

	// Watch arranges for fn to be called, in order, for every change to the
	// node newer than fromVersion, until ctx is canceled. Passing the
	// Version from a preceding Get makes the read-then-watch sequence
	// lossless: a write landing between the read and the watch is delivered
	// rather than missed. fromVersion 0 means the caller has not observed
	// the node; a value existing at watch time is then delivered as a
	// change. fn runs on the session's delivery goroutine and must not
	// block; anything expensive belongs on another goroutine, typically
	// behind a queue.
	Watch(ctx context.Context, node string, fromVersion int64, fn func(NodeEvent)) error

	// RegisterSelf creates an ephemeral, uniquely-suffixed node carrying id
	// under dir. The node disappears when the session dies. The returned
	// function removes the registration early.
	RegisterSelf(ctx context.Context, dir, id string) (func(), error)

	// NewLock returns a handle on the named fleet-wide lock. The lock is not
	// acquired until TryAcquire is called.
	NewLock(name string) Lock
}

// Lock is an exclusive fleet-wide lock with non-blocking acquisition.
type Lock interface {
	// TryAcquire attempts to take the lock without waiting. Returns false
	// with a nil error when the lock is held elsewhere.
	TryAcquire(ctx context.Context) (bool, error)

	// Release gives up the lock. Must be called on every exit path after a
	// successful TryAcquire.
	Release(ctx context.Context) error
}

// Paths is the node layout used by the watchdog. All paths are configurable;
// DefaultPaths gives the conventional layout.
type Paths struct {
	// ActiveMaster is the leadership pointer, written by the external
	// elector and watched by every watchdog.
	ActiveMaster string
	// State holds the persisted failover transition state.
	State string
	// ClientData is where the promotion payload is published.
	ClientData string
	// MastersDir is the directory for ephemeral membership registration.
	MastersDir string
	// MigrationLock is the name of the fleet-wide migration lock.
	MigrationLock string
}

// DefaultPaths returns the conventional node layout.
func DefaultPaths() Paths {
	return Paths{
		ActiveMaster:  "/active_master_id",
		State:         "/state",
		ClientData:    "/client_data",
		MastersDir:    "/masters",
		MigrationLock: "migrations_running",
	}
}

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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbfailover/watchdog/coordination"
	"github.com/dbfailover/watchdog/coordination/testonly"
)

// startWatchdog runs a watchdog against the in-memory session and blocks
// until its startup sequence is complete. The migration pass is the last
// startup step before the reactor, so once it has run the watch is live.
func startWatchdog(t *testing.T, session coordination.Session, adapter *fakeAdapter, self string) *Watchdog {
	t.Helper()
	wd := New(Config{
		SelfID:             self,
		MaxConvergenceWait: 50 * time.Millisecond,
		PollInterval:       time.Millisecond,
		ClientData:         []byte(`{"master":"` + self + `"}`),
	}, session, adapter)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		wd.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("watchdog did not stop")
		}
	})
	require.Eventually(t, func() bool {
		return len(adapter.snapshot().migrationDirs) > 0
	}, 5*time.Second, time.Millisecond, "watchdog did not finish starting up")
	return wd
}

func TestWatchdogPromotesOnLeadershipGain(t *testing.T) {
	ctx := context.Background()
	session := testonly.NewSession()
	adapter := &fakeAdapter{}

	// Leadership pointer absent at startup; then the external elector
	// names this node.
	startWatchdog(t, session, adapter, "node-A")
	require.NoError(t, session.Set(ctx, "/active_master_id", []byte("node-A")))

	require.Eventually(t, func() bool {
		state, _, err := session.Get(ctx, "/state")
		return err == nil && string(state) == string(StateComplete)
	}, 5*time.Second, time.Millisecond, "promotion never completed")

	snap := adapter.snapshot()
	require.Len(t, snap.readOnlySets, 1)
	assert.False(t, snap.readOnlySets[0], "promotion must clear read-only")

	data, _, err := session.Get(ctx, "/client_data")
	require.NoError(t, err, "client data not published")
	assert.Equal(t, `{"master":"node-A"}`, string(data))

	reg := session.Registered
	require.Len(t, reg, 1)
	assert.Equal(t, "node-A", reg[0])
}

func TestWatchdogDemotesOnLeadershipLoss(t *testing.T) {
	ctx := context.Background()
	session := testonly.NewSession()
	adapter := &fakeAdapter{}

	// This node is master at startup.
	require.NoError(t, session.Set(ctx, "/active_master_id", []byte("node-A")))
	startWatchdog(t, session, adapter, "node-A")

	require.NoError(t, session.Set(ctx, "/active_master_id", []byte("node-B")))

	require.Eventually(t, func() bool {
		return len(adapter.snapshot().checkpoints) == 1
	}, 5*time.Second, time.Millisecond, "checkpoint never recorded")

	snap := adapter.snapshot()
	require.Len(t, snap.readOnlySets, 1)
	assert.True(t, snap.readOnlySets[0], "demotion must set read-only")
	assert.Equal(t, 1, snap.quiesceCalls)
}

func TestWatchdogPointerDeletionDoesNotDemote(t *testing.T) {
	ctx := context.Background()
	session := testonly.NewSession()
	adapter := &fakeAdapter{}

	require.NoError(t, session.Set(ctx, "/active_master_id", []byte("node-A")))
	startWatchdog(t, session, adapter, "node-A")

	// Deletion clears the cached pointer without a transition, so the
	// subsequent appearance of node-B is leadership moving between an
	// absent master and another node, not a loss for this one.
	require.NoError(t, session.Delete(ctx, "/active_master_id"))
	require.NoError(t, session.Set(ctx, "/active_master_id", []byte("node-B")))

	// A final event with an observable effect fences the queue: once the
	// promotion lands, the earlier delete and hand-off were processed too.
	require.NoError(t, session.Set(ctx, "/active_master_id", []byte("node-A")))
	require.Eventually(t, func() bool {
		return len(adapter.snapshot().readOnlySets) == 1
	}, 5*time.Second, time.Millisecond, "fencing promotion never happened")

	snap := adapter.snapshot()
	assert.False(t, snap.readOnlySets[0], "only the promotion should have touched read-only")
	assert.Zero(t, snap.quiesceCalls, "deletion must not demote")
	assert.Empty(t, snap.checkpoints, "deletion must not demote")
}

// interleavedWriteSession models a leadership write landing after the seed
// read but before the watch is established.
type interleavedWriteSession struct {
	*testonly.Session
	node  string
	value []byte
}

func (s *interleavedWriteSession) Watch(ctx context.Context, node string, fromVersion int64, fn func(coordination.NodeEvent)) error {
	if err := s.Session.Set(ctx, s.node, s.value); err != nil {
		return err
	}
	return s.Session.Watch(ctx, node, fromVersion, fn)
}

func TestWatchdogCatchesWriteBetweenSeedAndWatch(t *testing.T) {
	ctx := context.Background()
	inner := testonly.NewSession()
	require.NoError(t, inner.Set(ctx, "/active_master_id", []byte("node-B")))
	session := &interleavedWriteSession{
		Session: inner,
		node:    "/active_master_id",
		value:   []byte("node-A"),
	}
	adapter := &fakeAdapter{}

	// The seed read sees node-B; the hand-off to node-A happens before the
	// watch exists, so it must arrive through the watch's catch-up replay.
	startWatchdog(t, session, adapter, "node-A")

	require.Eventually(t, func() bool {
		state, _, err := inner.Get(ctx, "/state")
		return err == nil && string(state) == string(StateComplete)
	}, 5*time.Second, time.Millisecond, "promotion from the interleaved write never completed")

	snap := adapter.snapshot()
	require.Len(t, snap.readOnlySets, 1)
	assert.False(t, snap.readOnlySets[0], "missed hand-off must still promote")
}

func TestWatchdogRunsMigrationPassOnStartup(t *testing.T) {
	session := testonly.NewSession()
	adapter := &fakeAdapter{}

	startWatchdog(t, session, adapter, "node-A")

	dirs := adapter.snapshot().migrationDirs
	require.Len(t, dirs, 1)
	assert.Equal(t, DefaultMigrationsDir, dirs[0])
}

func TestWatchdogHealthzReflectsResource(t *testing.T) {
	ctx := context.Background()
	session := testonly.NewSession()
	adapter := &fakeAdapter{}
	wd := New(Config{SelfID: "node-A"}, session, adapter)

	assert.NoError(t, wd.Healthz(ctx))
	adapter.mu.Lock()
	adapter.unreachable = true
	adapter.mu.Unlock()
	assert.Error(t, wd.Healthz(ctx))
}

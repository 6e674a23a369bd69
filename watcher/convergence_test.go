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

	"github.com/dbfailover/watchdog/resource"
	"github.com/dbfailover/watchdog/util/clock"
)

func TestAwaitFindsTokenImmediately(t *testing.T) {
	initMetrics(nil)
	adapter := &fakeAdapter{existsAfter: 0}
	w := NewConvergenceWaiter(adapter, 100*time.Millisecond, 10*time.Millisecond, clock.System)

	if found := w.Await(context.Background(), resource.TrackingToken{Version: 1}); !found {
		t.Error("Await() = false, want immediate find")
	}
	if adapter.existsCalls != 1 {
		t.Errorf("existsCalls = %d, want exactly one check before any sleep", adapter.existsCalls)
	}
}

func TestAwaitFindsTokenAfterRetries(t *testing.T) {
	initMetrics(nil)
	adapter := &fakeAdapter{existsAfter: 3}
	w := NewConvergenceWaiter(adapter, time.Second, time.Millisecond, clock.System)

	if found := w.Await(context.Background(), resource.TrackingToken{Version: 1}); !found {
		t.Error("Await() = false, want find after retries")
	}
	if adapter.existsCalls != 4 {
		t.Errorf("existsCalls = %d, want 4", adapter.existsCalls)
	}
}

func TestAwaitExpiresWithinBound(t *testing.T) {
	initMetrics(nil)
	adapter := &fakeAdapter{existsAfter: -1}
	maxWait := 30 * time.Millisecond
	poll := 5 * time.Millisecond
	w := NewConvergenceWaiter(adapter, maxWait, poll, clock.System)

	start := time.Now()
	found := w.Await(context.Background(), resource.TrackingToken{Version: 1})
	elapsed := time.Since(start)

	if found {
		t.Error("Await() = true, want expiry")
	}
	if elapsed < maxWait {
		t.Errorf("Await() returned after %v, want at least %v", elapsed, maxWait)
	}
	// Generous upper bound; the contract is maxWait + pollInterval.
	if elapsed > maxWait+poll+500*time.Millisecond {
		t.Errorf("Await() took %v, want bounded by maxWait + pollInterval", elapsed)
	}
}

// advanceWhenSleeping moves the fake clock forward by d once a sleeper has
// registered its timer, so every advance fires exactly one poll interval.
func advanceWhenSleeping(t *testing.T, ts *clock.FakeTimeSource, d time.Duration) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for ts.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no sleeper appeared on the fake clock")
		}
		time.Sleep(time.Millisecond)
	}
	ts.Advance(d)
}

func TestAwaitExpiryBoundWithFakeClock(t *testing.T) {
	initMetrics(nil)
	adapter := &fakeAdapter{existsAfter: -1}
	ts := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	maxWait := 30 * time.Second
	poll := 10 * time.Second
	w := NewConvergenceWaiter(adapter, maxWait, poll, ts)

	expiredBefore := convergenceWaits.Value("expired")
	start := ts.Now()
	done := make(chan bool, 1)
	go func() { done <- w.Await(context.Background(), resource.TrackingToken{Version: 1}) }()

	// Checks land at t=0s, 10s, 20s and 30s; the last one sees the deadline.
	for i := 0; i < 3; i++ {
		advanceWhenSleeping(t, ts, poll)
	}

	select {
	case found := <-done:
		if found {
			t.Error("Await() = true, want expiry")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Await() did not expire after the fake clock passed maxWait")
	}

	if adapter.existsCalls != 4 {
		t.Errorf("existsCalls = %d, want 4", adapter.existsCalls)
	}
	if elapsed := ts.Now().Sub(start); elapsed != maxWait {
		t.Errorf("fake elapsed = %v, want expiry at exactly %v (bound maxWait + pollInterval)", elapsed, maxWait)
	}
	if got := convergenceWaits.Value("expired") - expiredBefore; got != 1 {
		t.Errorf("expired waits delta = %v, want 1", got)
	}
}

func TestAwaitInterruptedByContext(t *testing.T) {
	initMetrics(nil)
	adapter := &fakeAdapter{existsAfter: -1}
	w := NewConvergenceWaiter(adapter, time.Hour, time.Hour, clock.System)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	done := make(chan bool, 1)
	go func() { done <- w.Await(ctx, resource.TrackingToken{Version: 1}) }()

	select {
	case found := <-done:
		if found {
			t.Error("Await() = true after cancellation, want false")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Await() did not return after context cancellation")
	}
}

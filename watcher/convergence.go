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
	"time"

	"k8s.io/klog/v2"

	"github.com/dbfailover/watchdog/resource"
	"github.com/dbfailover/watchdog/util/clock"
)

// ConvergenceWaiter polls the managed resource for a replication checkpoint
// during promotion, bounding how long the new master waits for replication
// to catch up to where the old master left off.
type ConvergenceWaiter struct {
	adapter      resource.Adapter
	maxWait      time.Duration
	pollInterval time.Duration
	timeSource   clock.TimeSource
}

// NewConvergenceWaiter returns a waiter with the given bounds. Elapsed time
// is measured via ts, which tests replace with a fake.
func NewConvergenceWaiter(adapter resource.Adapter, maxWait, pollInterval time.Duration, ts clock.TimeSource) *ConvergenceWaiter {
	return &ConvergenceWaiter{adapter: adapter, maxWait: maxWait, pollInterval: pollInterval, timeSource: ts}
}

// Await polls until the tracking token is visible on the resource or maxWait
// elapses, and reports whether it was found. The loop always performs at
// least one check before sleeping, measures elapsed time from loop start,
// and treats an adapter query failure as not-found for that iteration. A
// canceled ctx ends the wait early, reported as not found.
func (w *ConvergenceWaiter) Await(ctx context.Context, token resource.TrackingToken) bool {
	start := w.timeSource.Now()
	for {
		if w.adapter.CheckpointExists(ctx, token.Version, token.ModTime) {
			elapsed := clock.SecondsSince(w.timeSource, start)
			klog.Infof("Tracking token %d found after %.1fs", token.Version, elapsed)
			convergenceWaits.Inc("found")
			convergenceWaitSeconds.Observe(elapsed)
			return true
		}
		if w.timeSource.Now().Sub(start) >= w.maxWait {
			elapsed := clock.SecondsSince(w.timeSource, start)
			klog.Warningf("Gave up waiting for tracking token %d after %.1fs", token.Version, elapsed)
			convergenceWaits.Inc("expired")
			convergenceWaitSeconds.Observe(elapsed)
			return false
		}
		if err := clock.SleepSource(ctx, w.pollInterval, w.timeSource); err != nil {
			klog.Warningf("Convergence wait interrupted: %v", err)
			convergenceWaits.Inc("expired")
			return false
		}
	}
}

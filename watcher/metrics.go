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
	"sync"

	"github.com/dbfailover/watchdog/monitoring"
)

var (
	metricsOnce sync.Once

	stepUpAttempts         monitoring.Counter
	stepDownAttempts       monitoring.Counter
	transitions            monitoring.Counter   // outcome: complete / error / refused
	transitionSeconds      monitoring.Histogram // direction: step_up / step_down
	convergenceWaits       monitoring.Counter   // result: found / expired
	convergenceWaitSeconds monitoring.Histogram
	migrationRuns          monitoring.Counter // result: applied / skipped / error
	isMaster               monitoring.Gauge
)

// initMetrics creates the package metrics once, using the first factory
// passed in.
func initMetrics(mf monitoring.MetricFactory) {
	metricsOnce.Do(func() {
		if mf == nil {
			mf = monitoring.InertMetricFactory{}
		}
		stepUpAttempts = mf.NewCounter("step_up_attempts", "Number of promotion attempts")
		stepDownAttempts = mf.NewCounter("step_down_attempts", "Number of demotion attempts")
		transitions = mf.NewCounter("transitions", "Number of guarded transitions by outcome", "outcome")
		transitionSeconds = mf.NewHistogram("transition_seconds", "Transition latency by direction", "direction")
		convergenceWaits = mf.NewCounter("convergence_waits", "Number of convergence waits by result", "result")
		convergenceWaitSeconds = mf.NewHistogram("convergence_wait_seconds", "Time spent waiting for replication convergence")
		migrationRuns = mf.NewCounter("migration_runs", "Number of migration guard runs by result", "result")
		isMaster = mf.NewGauge("is_master", "1 while this node observes itself as the active master")
	})
}

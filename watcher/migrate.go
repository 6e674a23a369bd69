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
	"github.com/dbfailover/watchdog/resource"
)

// MigrationGuard runs schema migrations on at most one node of the fleet at
// a time, using a non-blocking distributed lock. Losing the lock race is
// normal: another node is handling it.
type MigrationGuard struct {
	lock    coordination.Lock
	adapter resource.Adapter
	dir     string
}

// NewMigrationGuard returns a guard applying migrations from dir under lock.
func NewMigrationGuard(lock coordination.Lock, adapter resource.Adapter, dir string) *MigrationGuard {
	return &MigrationGuard{lock: lock, adapter: adapter, dir: dir}
}

// Run attempts the fleet-wide migration pass. If the lock is contended the
// pass is skipped entirely with a nil error. When the lock is held, pending
// migrations are applied (a no-op when up to date) and the lock is released
// on every exit path.
func (g *MigrationGuard) Run(ctx context.Context) error {
	ok, err := g.lock.TryAcquire(ctx)
	if err != nil {
		migrationRuns.Inc("error")
		return err
	}
	if !ok {
		klog.Infof("Migrations already running on another node, skipping")
		migrationRuns.Inc("skipped")
		return nil
	}
	defer func() {
		if err := g.lock.Release(context.WithoutCancel(ctx)); err != nil {
			klog.Warningf("Failed to release migration lock: %v", err)
		}
	}()

	if err := g.adapter.RunPendingMigrations(ctx, g.dir); err != nil {
		migrationRuns.Inc("error")
		return err
	}
	klog.Infof("Migration pass complete")
	migrationRuns.Inc("applied")
	return nil
}

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

// Package mysql provides a MySQL implementation of the resource Adapter.
//
// The adapter expects to connect as a privileged user: SET GLOBAL read_only
// does not restrict SUPER connections, which is what lets the adapter record
// a checkpoint on an instance it has just made read-only.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // Register the mysql driver.
	"k8s.io/klog/v2"

	"github.com/dbfailover/watchdog/resource"
)

const (
	createCheckpointTableSQL = `CREATE TABLE IF NOT EXISTS failover_checkpoints (
		version BIGINT NOT NULL,
		mtime DATETIME(6) NOT NULL,
		recorded_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		PRIMARY KEY (version)
	)`
	insertCheckpointSQL = `INSERT INTO failover_checkpoints (version, mtime) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE mtime = VALUES(mtime)`
	selectCheckpointSQL = `SELECT COUNT(*) FROM failover_checkpoints
		WHERE version = ? AND mtime >= ?`

	selectProcessListSQL = `SELECT id, user, command FROM information_schema.processlist`
)

// DB is a resource.Adapter backed by a MySQL server.
type DB struct {
	db *sql.DB
}

var _ resource.Adapter = (*DB)(nil)

// New opens a connection pool to the MySQL server at the given DSN and
// verifies it is reachable.
func New(ctx context.Context, dsn string) (*DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(time.Minute)
	db.SetMaxIdleConns(2)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping mysql: %v", err)
	}
	return &DB{db: db}, nil
}

// Close releases the connection pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// SetReadOnly toggles whether the server accepts writes from regular
// clients. SUPER connections (including the adapter's own) are unaffected.
func (d *DB) SetReadOnly(ctx context.Context, readOnly bool) error {
	val := 0
	if readOnly {
		val = 1
	}
	if _, err := d.db.ExecContext(ctx, fmt.Sprintf("SET GLOBAL read_only = %d", val)); err != nil {
		return fmt.Errorf("failed to set read_only = %d: %v", val, err)
	}
	klog.Infof("Set global read_only = %d", val)
	return nil
}

// QuiesceConnections terminates non-system client sessions. The replication
// applier thread is stopped first and restarted after, so killed sessions
// cannot interleave with applied transactions.
func (d *DB) QuiesceConnections(ctx context.Context) error {
	// Pin a single connection: the connection id used for self-exclusion
	// must belong to the same session running the kills.
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	var selfID int64
	if err := conn.QueryRowContext(ctx, "SELECT CONNECTION_ID()").Scan(&selfID); err != nil {
		return fmt.Errorf("failed to get connection id: %v", err)
	}

	if _, err := conn.ExecContext(ctx, "STOP REPLICA SQL_THREAD"); err != nil {
		return fmt.Errorf("failed to stop replication applier: %v", err)
	}
	// The applier must come back regardless of how the kill pass goes.
	defer func() {
		if _, err := conn.ExecContext(ctx, "START REPLICA SQL_THREAD"); err != nil {
			klog.Errorf("Failed to restart replication applier: %v", err)
		}
	}()

	rows, err := conn.QueryContext(ctx, selectProcessListSQL)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %v", err)
	}
	defer rows.Close()

	var victims []int64
	for rows.Next() {
		var (
			id      int64
			user    sql.NullString
			command sql.NullString
		)
		if err := rows.Scan(&id, &user, &command); err != nil {
			return err
		}
		if shouldTerminate(id, selfID, user.String, command.String) {
			victims = append(victims, id)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range victims {
		// A session may have gone away on its own; that is not a failure.
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("KILL CONNECTION %d", id)); err != nil {
			klog.Warningf("Failed to kill connection %d: %v", id, err)
		}
	}
	klog.Infof("Quiesced %d client sessions", len(victims))
	return nil
}

// systemUsers are never terminated during quiesce.
var systemUsers = map[string]bool{
	"system user":     true,
	"event_scheduler": true,
}

// shouldTerminate decides whether a session from the processlist is fair
// game during quiesce. Replication threads (both the applier, which runs as
// "system user", and downstream replica dump threads) and our own session
// are preserved.
func shouldTerminate(id, selfID int64, user, command string) bool {
	if id == selfID {
		return false
	}
	if systemUsers[user] {
		return false
	}
	if command == "Binlog Dump" || command == "Binlog Dump GTID" {
		return false
	}
	return true
}

// RecordCheckpoint durably records a replication checkpoint. The row
// replicates to downstream instances, which is what makes CheckpointExists
// a convergence probe there.
func (d *DB) RecordCheckpoint(ctx context.Context, token resource.TrackingToken) error {
	if _, err := d.db.ExecContext(ctx, createCheckpointTableSQL); err != nil {
		return fmt.Errorf("failed to ensure checkpoint table: %v", err)
	}
	if _, err := d.db.ExecContext(ctx, insertCheckpointSQL, token.Version, token.ModTime); err != nil {
		return fmt.Errorf("failed to record checkpoint %d: %v", token.Version, err)
	}
	klog.Infof("Recorded checkpoint version=%d mtime=%v", token.Version, token.ModTime)
	return nil
}

// CheckpointExists reports whether the checkpoint has replicated to this
// instance. Fails closed: any error reads as false.
func (d *DB) CheckpointExists(ctx context.Context, version int64, mtimeLowerBound time.Time) bool {
	var count int
	if err := d.db.QueryRowContext(ctx, selectCheckpointSQL, version, mtimeLowerBound).Scan(&count); err != nil {
		klog.Warningf("Checkpoint query failed (treating as not found): %v", err)
		return false
	}
	return count > 0
}

// IsReachable is a health probe for the server.
func (d *DB) IsReachable(ctx context.Context) bool {
	if err := d.db.PingContext(ctx); err != nil {
		klog.Warningf("MySQL unreachable: %v", err)
		return false
	}
	return true
}

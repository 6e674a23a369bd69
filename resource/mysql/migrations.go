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

package mysql

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"k8s.io/klog/v2"
)

const createMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version VARCHAR(255) NOT NULL,
	applied_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	PRIMARY KEY (version)
)`

// RunPendingMigrations applies, in lexical order, any .sql files under dir
// whose versions are not yet recorded in schema_migrations. The caller is
// responsible for ensuring only one node in the fleet runs this at a time.
func (d *DB) RunPendingMigrations(ctx context.Context, dir string) error {
	if _, err := d.db.ExecContext(ctx, createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to ensure migrations table: %v", err)
	}

	applied := make(map[string]bool)
	rows, err := d.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return err
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	pending, err := pendingMigrations(dir, applied)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		klog.V(1).Infof("Migrations up to date in %s", dir)
		return nil
	}

	for _, m := range pending {
		contents, err := os.ReadFile(filepath.Join(dir, m))
		if err != nil {
			return err
		}
		klog.Infof("Applying migration %s", m)
		for _, stmt := range splitStatements(string(contents)) {
			if _, err := d.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration %s failed: %v", m, err)
			}
		}
		if _, err := d.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", m); err != nil {
			return fmt.Errorf("failed to record migration %s: %v", m, err)
		}
	}
	klog.Infof("Applied %d migrations from %s", len(pending), dir)
	return nil
}

// pendingMigrations lists the .sql files in dir that are not in applied,
// sorted lexically. A missing directory means no pending migrations.
func pendingMigrations(dir string, applied map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		if !applied[name] {
			pending = append(pending, name)
		}
	}
	sort.Strings(pending)
	return pending, nil
}

// splitStatements breaks a migration file into individual statements, since
// the driver executes one statement per call. Statements end with a ";" at
// the end of a line. Line comments and blank segments are dropped.
func splitStatements(contents string) []string {
	var stmts []string
	var b strings.Builder
	for _, line := range strings.Split(contents, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") || strings.HasPrefix(trimmed, "#") {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			stmt := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(b.String()), ";"))
			if stmt != "" {
				stmts = append(stmts, stmt)
			}
			b.Reset()
		}
	}
	if tail := strings.TrimSpace(b.String()); tail != "" {
		stmts = append(stmts, tail)
	}
	return stmts
}

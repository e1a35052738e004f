// SPDX-License-Identifier: AGPL-3.0-or-later

package coredb

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaVersion = 1

var baseMigrations = [...]string{
	`CREATE TABLE IF NOT EXISTS fleet_nodes (
		id TEXT PRIMARY KEY,
		lifecycle TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		run_state TEXT NOT NULL DEFAULT 'pending',
		block_class TEXT NOT NULL DEFAULT '',
		block_phase TEXT NOT NULL DEFAULT '',
		block_reason TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS fleet_execution_records (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		phase_seq INTEGER NOT NULL,
		attempt INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		failure_class TEXT NOT NULL DEFAULT '',
		exit_code INTEGER NOT NULL,
		output BLOB NOT NULL,
		output_evicted INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL,
		ts INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_fleet_records_node_phase ON fleet_execution_records(node_id, phase, seq);`,
	`CREATE INDEX IF NOT EXISTS idx_fleet_records_node_seq ON fleet_execution_records(node_id, seq);`,
}

func applyMigrations(ctx context.Context, conn *sql.DB) error {
	for _, stmt := range baseMigrations {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version=%d;", schemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

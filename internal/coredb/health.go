// SPDX-License-Identifier: AGPL-3.0-or-later

package coredb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// StorageStats captures high-level information about the state DB.
type StorageStats struct {
	Driver         string `json:"driver" yaml:"driver"`
	Path           string `json:"path" yaml:"path"`
	OK             bool   `json:"ok" yaml:"ok"`
	BytesUsed      int64  `json:"bytes_used" yaml:"bytes_used"`
	MaxBytes       int64  `json:"max_bytes" yaml:"max_bytes"`
	OutputBytes    int64  `json:"output_bytes" yaml:"output_bytes"`
	OutputMaxBytes int64  `json:"output_max_bytes" yaml:"output_max_bytes"`
	Records        int64  `json:"records" yaml:"records"`
	Nodes          int64  `json:"nodes" yaml:"nodes"`
	EvictionActive bool   `json:"eviction_active" yaml:"eviction_active"`
	SchemaVersion  int64  `json:"schema_version" yaml:"schema_version"`
}

// CollectStorageStats inspects the backing SQLite database and returns
// aggregate storage statistics suitable for health monitoring.
func CollectStorageStats(ctx context.Context, db *DB) (StorageStats, error) {
	if db == nil || db.sql == nil {
		return StorageStats{}, errors.New("coredb: database not initialised")
	}
	conn := db.sql
	stats := StorageStats{Driver: sqliteDriverName, Path: db.path}

	pageSize, err := querySingleInt(ctx, conn, "PRAGMA page_size;")
	if err != nil {
		return stats, fmt.Errorf("coredb: lookup page_size: %w", err)
	}
	pageCount, err := querySingleInt(ctx, conn, "PRAGMA page_count;")
	if err != nil {
		return stats, fmt.Errorf("coredb: lookup page_count: %w", err)
	}
	maxPageCount, err := querySingleInt(ctx, conn, "PRAGMA max_page_count;")
	if err != nil {
		return stats, fmt.Errorf("coredb: lookup max_page_count: %w", err)
	}

	userVersion, err := querySingleInt(ctx, conn, "PRAGMA user_version;")
	if err != nil {
		return stats, fmt.Errorf("coredb: lookup user_version: %w", err)
	}
	stats.SchemaVersion = userVersion

	stats.OutputMaxBytes = db.opts.OutputMaxBytes

	var outputBytes, records sql.NullInt64
	if err := conn.QueryRowContext(ctx, `SELECT COALESCE(SUM(length(output)),0), COUNT(*) FROM fleet_execution_records`).Scan(&outputBytes, &records); err != nil {
		return stats, fmt.Errorf("coredb: record output inspection: %w", err)
	}
	stats.OutputBytes = outputBytes.Int64
	stats.Records = records.Int64

	nodes, err := querySingleInt(ctx, conn, "SELECT COUNT(*) FROM fleet_nodes;")
	if err != nil {
		return stats, fmt.Errorf("coredb: count nodes: %w", err)
	}
	stats.Nodes = nodes

	stats.BytesUsed = pageCount * pageSize
	stats.MaxBytes = maxPageCount * pageSize

	maxBytes := stats.MaxBytes
	if maxBytes <= 0 {
		maxBytes = db.opts.MaxBytes
		stats.MaxBytes = maxBytes
	}
	stats.OK = maxBytes == 0 || stats.BytesUsed < maxBytes

	if stats.OutputMaxBytes > 0 && stats.OutputBytes >= (stats.OutputMaxBytes*9)/10 {
		stats.EvictionActive = true
	}
	if stats.MaxBytes > 0 && stats.BytesUsed >= (stats.MaxBytes*9)/10 {
		stats.EvictionActive = true
	}

	return stats, nil
}

func querySingleInt(ctx context.Context, conn *sql.DB, stmt string) (int64, error) {
	var out sql.NullInt64
	if err := conn.QueryRowContext(ctx, stmt).Scan(&out); err != nil {
		return 0, err
	}
	return out.Int64, nil
}

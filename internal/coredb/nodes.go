// SPDX-License-Identifier: AGPL-3.0-or-later

package coredb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/edgefleet/edgefleet/internal/metrics"
)

// NodeState is the persisted part of a fleet node. Static attributes such as
// role and host live in the fleet file.
type NodeState struct {
	ID          string
	Lifecycle   string
	Address     string
	RunState    string
	BlockClass  string
	BlockPhase  string
	BlockReason string
	UpdatedAt   time.Time
}

// NodeStore persists node lifecycle and run state keyed by node id.
type NodeStore struct {
	db    *sql.DB
	nowFn func() time.Time
}

// NewNodeStore returns a NodeStore backed by db.
func NewNodeStore(db *DB) *NodeStore {
	if db == nil {
		return nil
	}
	return &NodeStore{
		db: db.sql,
		nowFn: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Save upserts the node state.
func (s *NodeStore) Save(ctx context.Context, st NodeState) error {
	if s == nil {
		return nil
	}
	if st.ID == "" {
		return fmt.Errorf("save node: id required")
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = s.nowFn()
	}
	if st.RunState == "" {
		st.RunState = "pending"
	}
	timer := metrics.StartStoreTimer(metrics.StoreOperationNodeSave)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO fleet_nodes (id, lifecycle, address, run_state, block_class, block_phase, block_reason, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	lifecycle = excluded.lifecycle,
	address = excluded.address,
	run_state = excluded.run_state,
	block_class = excluded.block_class,
	block_phase = excluded.block_phase,
	block_reason = excluded.block_reason,
	updated_at = excluded.updated_at
`, st.ID, st.Lifecycle, st.Address, st.RunState, st.BlockClass, st.BlockPhase, st.BlockReason, st.UpdatedAt.UnixMilli())
	if err != nil {
		timer.Observe(metrics.OutcomeError)
		if IsQuotaExceeded(err) {
			return fmt.Errorf("save node %s: storage quota exceeded: %w", st.ID, err)
		}
		return fmt.Errorf("save node %s: %w", st.ID, err)
	}
	timer.Observe(metrics.OutcomeOK)
	return nil
}

// Load returns the persisted state for id. The boolean is false when the node
// has never been saved.
func (s *NodeStore) Load(ctx context.Context, id string) (NodeState, bool, error) {
	if s == nil {
		return NodeState{}, false, nil
	}
	timer := metrics.StartStoreTimer(metrics.StoreOperationNodeLoad)
	row := s.db.QueryRowContext(ctx, `
SELECT id, lifecycle, address, run_state, block_class, block_phase, block_reason, updated_at
FROM fleet_nodes WHERE id = ?
`, id)
	st, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		timer.Observe(metrics.OutcomeOK)
		return NodeState{}, false, nil
	}
	if err != nil {
		timer.Observe(metrics.OutcomeError)
		return NodeState{}, false, fmt.Errorf("load node %s: %w", id, err)
	}
	timer.Observe(metrics.OutcomeOK)
	return st, true, nil
}

// LoadAll returns every persisted node ordered by id.
func (s *NodeStore) LoadAll(ctx context.Context) ([]NodeState, error) {
	if s == nil {
		return nil, nil
	}
	timer := metrics.StartStoreTimer(metrics.StoreOperationNodeLoad)
	rows, err := s.db.QueryContext(ctx, `
SELECT id, lifecycle, address, run_state, block_class, block_phase, block_reason, updated_at
FROM fleet_nodes ORDER BY id ASC
`)
	if err != nil {
		timer.Observe(metrics.OutcomeError)
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	defer rows.Close()

	var out []NodeState
	for rows.Next() {
		st, scanErr := scanNode(rows)
		if scanErr != nil {
			timer.Observe(metrics.OutcomeError)
			return nil, fmt.Errorf("scan node: %w", scanErr)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		timer.Observe(metrics.OutcomeError)
		return nil, fmt.Errorf("load nodes rows: %w", err)
	}
	timer.Observe(metrics.OutcomeOK)
	return out, nil
}

func scanNode(row rowScanner) (NodeState, error) {
	var (
		st      NodeState
		updated int64
	)
	if err := row.Scan(&st.ID, &st.Lifecycle, &st.Address, &st.RunState, &st.BlockClass, &st.BlockPhase, &st.BlockReason, &updated); err != nil {
		return NodeState{}, err
	}
	st.UpdatedAt = time.UnixMilli(updated).UTC()
	return st, nil
}

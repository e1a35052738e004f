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

// ExecutionRecord is one persisted executor invocation for a node phase.
type ExecutionRecord struct {
	Seq           int64
	RunID         string
	NodeID        string
	Phase         string
	PhaseSeq      int
	Attempt       int
	Outcome       string
	FailureClass  string
	ExitCode      int
	Output        []byte
	OutputEvicted bool
	Duration      time.Duration
	Timestamp     time.Time
}

// RecordStore provides append-only persistence of execution records.
type RecordStore struct {
	db       *sql.DB
	maxBytes int64
	nowFn    func() time.Time
}

// NewRecordStore returns a RecordStore backed by db. Captured output across
// all records is bounded by the DB's OutputMaxBytes option.
func NewRecordStore(db *DB) *RecordStore {
	if db == nil {
		return nil
	}
	maxBytes := db.opts.OutputMaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultOutputMaxBytes
	}
	return &RecordStore{
		db:       db.sql,
		maxBytes: maxBytes,
		nowFn: func() time.Time {
			return time.Now().UTC()
		},
	}
}

const recordColumns = `seq, run_id, node_id, phase, phase_seq, attempt, outcome, failure_class, exit_code, output, output_evicted, duration_ms, ts`

// Append stores rec and returns it with the allocated sequence number.
// Eviction and insertion happen in one transaction. When the output budget
// would be exceeded the output of the oldest records is dropped first; the
// rows themselves are retained. Output larger than the whole budget keeps
// its tail.
func (s *RecordStore) Append(ctx context.Context, rec ExecutionRecord) (out ExecutionRecord, err error) {
	if s == nil {
		return rec, nil
	}
	timer := metrics.StartStoreTimer(metrics.StoreOperationRecordAppend)
	outcome := metrics.OutcomeError
	defer func() {
		if IsQuotaExceeded(err) {
			outcome = metrics.OutcomeQuota
		}
		timer.Observe(outcome)
	}()

	if rec.RunID == "" {
		return out, fmt.Errorf("append record: run id required")
	}
	if rec.NodeID == "" || rec.Phase == "" {
		return out, fmt.Errorf("append record: node and phase required")
	}
	if rec.Outcome == "" {
		return out, fmt.Errorf("append record: outcome required")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.nowFn()
	}
	output := rec.Output
	if output == nil {
		output = []byte{}
	}
	if int64(len(output)) > s.maxBytes {
		output = output[int64(len(output))-s.maxBytes:]
	}
	outputBytes := int64(len(output))

	var tx *sql.Tx
	tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return out, fmt.Errorf("begin record tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var existingBytes int64
	if err = tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(length(output)), 0) FROM fleet_execution_records`).Scan(&existingBytes); err != nil {
		err = fmt.Errorf("record output size lookup: %w", err)
		return out, err
	}

	for existingBytes+outputBytes > s.maxBytes {
		var seq, size int64
		err = tx.QueryRowContext(ctx, `
SELECT seq, length(output) FROM fleet_execution_records
WHERE length(output) > 0 ORDER BY seq ASC LIMIT 1
`).Scan(&seq, &size)
		if errors.Is(err, sql.ErrNoRows) {
			err = nil
			break
		}
		if err != nil {
			err = fmt.Errorf("record eviction lookup: %w", err)
			return out, err
		}
		if _, err = tx.ExecContext(ctx, `UPDATE fleet_execution_records SET output = x'', output_evicted = 1 WHERE seq = ?`, seq); err != nil {
			err = fmt.Errorf("record eviction seq=%d: %w", seq, err)
			return out, err
		}
		metrics.RecordOutputEviction(size)
		existingBytes -= size
		if existingBytes < 0 {
			existingBytes = 0
		}
	}

	var res sql.Result
	res, err = tx.ExecContext(ctx, `
INSERT INTO fleet_execution_records
	(run_id, node_id, phase, phase_seq, attempt, outcome, failure_class, exit_code, output, output_evicted, duration_ms, ts)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
`, rec.RunID, rec.NodeID, rec.Phase, rec.PhaseSeq, rec.Attempt, rec.Outcome, rec.FailureClass,
		rec.ExitCode, output, rec.Duration.Milliseconds(), rec.Timestamp.UnixMilli())
	if err != nil {
		err = fmt.Errorf("record insert: %w", err)
		return out, err
	}
	var seq int64
	seq, err = res.LastInsertId()
	if err != nil {
		err = fmt.Errorf("record last insert id: %w", err)
		return out, err
	}
	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("record commit: %w", err)
		return out, err
	}

	out = rec
	out.Seq = seq
	out.Output = append([]byte(nil), output...)
	outcome = metrics.OutcomeOK
	return out, nil
}

// Latest returns the newest record for the node phase pair. The boolean is
// false when no record exists.
func (s *RecordStore) Latest(ctx context.Context, nodeID, phase string) (ExecutionRecord, bool, error) {
	if s == nil {
		return ExecutionRecord{}, false, nil
	}
	timer := metrics.StartStoreTimer(metrics.StoreOperationRecordRead)
	row := s.db.QueryRowContext(ctx, `
SELECT `+recordColumns+`
FROM fleet_execution_records
WHERE node_id = ? AND phase = ?
ORDER BY seq DESC LIMIT 1
`, nodeID, phase)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		timer.Observe(metrics.OutcomeOK)
		return ExecutionRecord{}, false, nil
	}
	if err != nil {
		timer.Observe(metrics.OutcomeError)
		return ExecutionRecord{}, false, fmt.Errorf("latest record %s/%s: %w", nodeID, phase, err)
	}
	timer.Observe(metrics.OutcomeOK)
	return rec, true, nil
}

// Bounds returns the earliest and latest sequence retained for the node. A
// zero earliest indicates no records are stored.
func (s *RecordStore) Bounds(ctx context.Context, nodeID string) (earliest, latest int64, err error) {
	if s == nil {
		return 0, 0, nil
	}
	if err = s.db.QueryRowContext(ctx, `
SELECT COALESCE(MIN(seq), 0), COALESCE(MAX(seq), 0)
FROM fleet_execution_records WHERE node_id = ?
`, nodeID).Scan(&earliest, &latest); err != nil {
		return 0, 0, fmt.Errorf("record bounds: %w", err)
	}
	return earliest, latest, nil
}

// ForEach streams records for the node strictly after afterSeq in ascending
// order. Iteration halts if fn returns an error.
func (s *RecordStore) ForEach(ctx context.Context, nodeID string, afterSeq int64, fn func(ExecutionRecord) error) (err error) {
	if s == nil || fn == nil {
		return nil
	}
	timer := metrics.StartStoreTimer(metrics.StoreOperationRecordRead)
	outcome := metrics.OutcomeError
	defer func() { timer.Observe(outcome) }()

	rows, err := s.db.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM fleet_execution_records
WHERE node_id = ? AND seq > ?
ORDER BY seq ASC
`, nodeID, afterSeq)
	if err != nil {
		return fmt.Errorf("record query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return fmt.Errorf("record scan: %w", scanErr)
		}
		if fnErr := fn(rec); fnErr != nil {
			return fnErr
		}
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return fmt.Errorf("record rows: %w", rowsErr)
	}
	outcome = metrics.OutcomeOK
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (ExecutionRecord, error) {
	var (
		rec        ExecutionRecord
		evicted    int64
		durationMS int64
		tsMillis   int64
	)
	if err := row.Scan(&rec.Seq, &rec.RunID, &rec.NodeID, &rec.Phase, &rec.PhaseSeq, &rec.Attempt,
		&rec.Outcome, &rec.FailureClass, &rec.ExitCode, &rec.Output, &evicted, &durationMS, &tsMillis); err != nil {
		return ExecutionRecord{}, err
	}
	rec.Output = append([]byte(nil), rec.Output...)
	rec.OutputEvicted = evicted != 0
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	rec.Timestamp = time.UnixMilli(tsMillis).UTC()
	return rec, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/powersync-ja/powersync-sqlite-core/internal/oplog"
)

// TrackCheckpoint records the target op of every bucket named by a
// checkpoint, creating bucket rows for buckets not seen before. Buckets the
// checkpoint does not name keep their current target.
func (s *Store) TrackCheckpoint(ctx context.Context, cp oplog.Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin track checkpoint: %w", err)
	}
	defer tx.Rollback()

	for _, b := range cp.Buckets {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ps_buckets(name, target_op) VALUES(?1, ?2)
			ON CONFLICT(name) DO UPDATE SET target_op = ?2`,
			b.Bucket, b.TargetOp); err != nil {
			return fmt.Errorf("track bucket %q: %w", b.Bucket, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit track checkpoint: %w", err)
	}
	return nil
}

// ValidateCheckpoint compares each bucket's accumulated checksum against the
// value the checkpoint declares. Returns a ChecksumMismatchError naming the
// first bucket that disagrees; matching buckets are not reported. A bucket
// with no local state has checksum zero.
func (s *Store) ValidateCheckpoint(ctx context.Context, cp oplog.Checkpoint) error {
	actual, err := bucketChecksums(ctx, s.db)
	if err != nil {
		return err
	}
	for _, b := range cp.Buckets {
		if got := actual[b.Bucket]; got != b.Checksum {
			return &ChecksumMismatchError{Bucket: b.Bucket, Expected: b.Checksum, Actual: got}
		}
	}
	return nil
}

// ApplyCheckpoint atomically publishes a checkpoint to the queryable view.
//
// The apply is a single transaction: either the view reflects the whole
// checkpoint afterwards, or nothing changed. It returns (false, nil) when
// some bucket has not yet reached its target op - the caller should retry
// once more data arrives. A checkpoint at or below the current watermark is
// an idempotent no-op returning (true, nil).
//
// Rows with pending local writes keep local precedence: the synced payload
// is re-derived and the row's outbox entries are overlaid in enqueue order.
func (s *Store) ApplyCheckpoint(ctx context.Context, cp oplog.Checkpoint) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin apply: %w", err)
	}
	defer tx.Rollback()

	applied, err := appliedCheckpointID(ctx, tx)
	if err != nil {
		return false, err
	}
	if cp.ID <= applied {
		return true, nil
	}

	// Consistency gate: every bucket must have downloaded through its
	// target before anything becomes visible.
	var lagging sql.NullString
	if err := tx.QueryRowContext(ctx, `
		SELECT group_concat(name) FROM ps_buckets
		WHERE target_op > last_op`).Scan(&lagging); err != nil {
		return false, fmt.Errorf("check bucket progress: %w", err)
	}
	if lagging.Valid {
		return false, nil
	}

	// Re-validate inside the transaction so nothing slips between an
	// earlier ValidateCheckpoint call and the publish.
	actual, err := bucketChecksums(ctx, tx)
	if err != nil {
		return false, err
	}
	for _, b := range cp.Buckets {
		if got := actual[b.Bucket]; got != b.Checksum {
			return false, &ChecksumMismatchError{Bucket: b.Bucket, Expected: b.Checksum, Actual: got}
		}
	}

	if err := mergeUpdatedRows(ctx, tx); err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ps_buckets SET last_applied_op = last_op
		WHERE last_applied_op != last_op`); err != nil {
		return false, fmt.Errorf("advance applied op: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ps_updated_rows`); err != nil {
		return false, fmt.Errorf("clear updated rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO ps_kv(key, value)
		VALUES('applied_checkpoint_id', ?)`, cp.ID); err != nil {
		return false, fmt.Errorf("record watermark: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO ps_sync_state(priority, last_synced_at)
		VALUES(1, ?)`, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return false, fmt.Errorf("record sync time: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit apply: %w", err)
	}
	return true, nil
}

// mergedRow is a row whose view state must be recomputed during apply.
type mergedRow struct {
	rowType string
	rowID   string
	data    sql.NullString
	buckets int
}

// mergeUpdatedRows recomputes the view state of every row touched since the
// last apply: rows with unapplied log entries plus rows marked in
// ps_updated_rows. For each, the newest payload across all buckets wins; a
// row held by no bucket is deleted. Pending local writes are overlaid last.
func mergeUpdatedRows(ctx context.Context, tx *sql.Tx) error {
	// Collected up front: the connection is busy while rows are open, and
	// the writes below reuse it.
	rows, err := tx.QueryContext(ctx, `
		WITH updated_rows AS (
		  SELECT DISTINCT b.row_type, b.row_id FROM ps_buckets AS buckets
		    CROSS JOIN ps_oplog AS b
		      ON b.bucket = buckets.id AND b.op_id > buckets.last_applied_op
		  UNION SELECT row_type, row_id FROM ps_updated_rows
		)
		SELECT b.row_type, b.row_id, r.data, count(r.bucket),
		       max(r.op_id)
		FROM updated_rows b
		  LEFT OUTER JOIN ps_oplog AS r
		    ON r.row_type = b.row_type AND r.row_id = b.row_id
		GROUP BY b.row_type, b.row_id`)
	if err != nil {
		return fmt.Errorf("merge updated rows: %w", err)
	}

	var merged []mergedRow
	for rows.Next() {
		var m mergedRow
		var maxOp sql.NullInt64
		if err := rows.Scan(&m.rowType, &m.rowID, &m.data, &m.buckets, &maxOp); err != nil {
			rows.Close()
			return fmt.Errorf("scan merged row: %w", err)
		}
		merged = append(merged, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("merge updated rows: %w", err)
	}

	for _, m := range merged {
		var current json.RawMessage
		if m.buckets > 0 && m.data.Valid {
			current = json.RawMessage(m.data.String)
		}

		// Local precedence: a row with pending writes shows the local
		// outcome, not the synced payload.
		pending, err := pendingForRow(ctx, tx, m.rowType, m.rowID)
		if err != nil {
			return err
		}
		for _, p := range pending {
			current, err = overlayWrite(current, p.Kind, p.Data)
			if err != nil {
				return fmt.Errorf("row %s/%s: %w", m.rowType, m.rowID, err)
			}
		}

		if err := writeViewRow(ctx, tx, m.rowType, m.rowID, current); err != nil {
			return err
		}
	}
	return nil
}

func pendingForRow(ctx context.Context, tx *sql.Tx, table, rowID string) ([]oplog.CrudEntry, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT op, data FROM ps_crud
		WHERE row_type = ? AND row_id = ? ORDER BY id`, table, rowID)
	if err != nil {
		return nil, fmt.Errorf("read pending writes for %s/%s: %w", table, rowID, err)
	}
	defer rows.Close()

	var entries []oplog.CrudEntry
	for rows.Next() {
		var opName string
		var data sql.NullString
		if err := rows.Scan(&opName, &data); err != nil {
			return nil, fmt.Errorf("scan pending write: %w", err)
		}
		kind, ok := oplog.ParseCrudKind(opName)
		if !ok {
			return nil, fmt.Errorf("row %s/%s: unknown write kind %q", table, rowID, opName)
		}
		entries = append(entries, oplog.CrudEntry{Kind: kind, Data: data.String})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read pending writes for %s/%s: %w", table, rowID, err)
	}
	return entries, nil
}

// bucketChecksums returns every bucket's accumulated checksum by name.
func bucketChecksums(ctx context.Context, q dbtx) (map[string]oplog.Checksum, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT b.name, (b.add_checksum + IFNULL(SUM(o.hash), 0)) & 0xffffffff
		FROM ps_buckets b
		LEFT JOIN ps_oplog o ON o.bucket = b.id
		GROUP BY b.id`)
	if err != nil {
		return nil, fmt.Errorf("bucket checksums: %w", err)
	}
	defer rows.Close()

	sums := make(map[string]oplog.Checksum)
	for rows.Next() {
		var name string
		var sum int64
		if err := rows.Scan(&name, &sum); err != nil {
			return nil, fmt.Errorf("scan bucket checksum: %w", err)
		}
		sums[name] = oplog.Checksum(uint32(sum))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bucket checksums: %w", err)
	}
	return sums, nil
}

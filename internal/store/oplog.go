package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/powersync-ja/powersync-sqlite-core/internal/oplog"
)

// BucketState describes the durable cursors of a single bucket.
type BucketState struct {
	Name          string
	LastOp        int64
	LastAppliedOp int64
	TargetOp      int64
	Checksum      oplog.Checksum
}

// AppendOperations appends a batch of operations to a bucket's log.
// Operations must arrive in strictly ascending op_id order, each greater
// than anything already appended to the bucket; a violation returns an
// OutOfOrderError and leaves the log untouched.
//
// Only PUT operations are persisted as log rows. A PUT or REMOVE supersedes
// any earlier operation with the same row key: the older row is deleted and
// its checksum contribution moves from op_checksum into add_checksum, so the
// bucket's accumulated checksum never changes meaning. REMOVE and MOVE fold
// entirely into add_checksum; a REMOVE that superseded an applied PUT also
// marks the row in ps_updated_rows so the next apply revisits it. CLEAR
// resets the bucket to the checksum of the CLEAR operation itself and marks
// every previously held row for re-evaluation.
func (s *Store) AppendOperations(ctx context.Context, bucket string, ops []oplog.Operation) error {
	if len(ops) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	if err := appendBucketOps(ctx, tx, bucket, ops); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func appendBucketOps(ctx context.Context, tx *sql.Tx, bucket string, ops []oplog.Operation) error {
	// Upsert so that RETURNING works for existing rows too.
	var bucketID, lastAppliedOp, lastOp int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO ps_buckets(name) VALUES(?)
		ON CONFLICT DO UPDATE SET last_applied_op = last_applied_op
		RETURNING id, last_applied_op, last_op`, bucket).
		Scan(&bucketID, &lastAppliedOp, &lastOp)
	if err != nil {
		return fmt.Errorf("upsert bucket %q: %w", bucket, err)
	}

	// An empty bucket has never applied anything, so REMOVE operations that
	// supersede nothing can be skipped entirely during initial sync.
	isEmpty := lastAppliedOp == 0

	maxSeen := lastOp
	var addChecksum, opChecksum oplog.Checksum

	for _, op := range ops {
		if op.OpID <= maxSeen {
			return &OutOfOrderError{Bucket: bucket, OpID: op.OpID, MaxOpID: maxSeen}
		}
		maxSeen = op.OpID

		switch op.Kind {
		case oplog.OpPut, oplog.OpRemove:
			key := op.Key()

			superseded := false
			if key != "" {
				rows, err := tx.QueryContext(ctx, `
					DELETE FROM ps_oplog
					WHERE bucket = ? AND key = ?
					RETURNING hash`, bucketID, key)
				if err != nil {
					return fmt.Errorf("supersede %q: %w", key, err)
				}
				for rows.Next() {
					var hash int64
					if err := rows.Scan(&hash); err != nil {
						rows.Close()
						return fmt.Errorf("scan superseded hash: %w", err)
					}
					h := oplog.Checksum(uint32(hash))
					addChecksum = addChecksum.Add(h)
					opChecksum = opChecksum.Sub(h)
					if !isEmpty {
						superseded = true
					}
				}
				rows.Close()
				if err := rows.Err(); err != nil {
					return fmt.Errorf("supersede %q: %w", key, err)
				}
			}

			if op.Kind == oplog.OpRemove {
				addChecksum = addChecksum.Add(op.Checksum)
				// A REMOVE that superseded a PUT in a non-empty bucket may
				// have knocked out a row the view already shows; mark it for
				// re-evaluation. With nothing superseded the bucket never
				// published the row and there is nothing to revisit.
				if superseded && op.RowType != "" && op.RowID != "" {
					if _, err := tx.ExecContext(ctx, `
						INSERT OR IGNORE INTO ps_updated_rows(row_type, row_id)
						VALUES(?, ?)`, op.RowType, op.RowID); err != nil {
						return fmt.Errorf("mark removed row: %w", err)
					}
				}
				continue
			}

			var keyArg, typeArg, idArg, dataArg any
			if key != "" {
				keyArg = key
			}
			if op.RowType != "" && op.RowID != "" {
				typeArg, idArg = op.RowType, op.RowID
			}
			if len(op.Data) > 0 {
				dataArg = string(op.Data)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO ps_oplog(bucket, op_id, key, row_type, row_id, data, hash)
				VALUES(?, ?, ?, ?, ?, ?, ?)`,
				bucketID, op.OpID, keyArg, typeArg, idArg, dataArg, int64(op.Checksum)); err != nil {
				return fmt.Errorf("insert op %d: %w", op.OpID, err)
			}
			opChecksum = opChecksum.Add(op.Checksum)

		case oplog.OpMove:
			addChecksum = addChecksum.Add(op.Checksum)

		case oplog.OpClear:
			// Every row the bucket still holds gets an implicit REMOVE.
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO ps_updated_rows(row_type, row_id)
				SELECT row_type, row_id FROM ps_oplog WHERE bucket = ?`, bucketID); err != nil {
				return fmt.Errorf("mark cleared rows: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM ps_oplog WHERE bucket = ?`, bucketID); err != nil {
				return fmt.Errorf("clear oplog: %w", err)
			}
			// The CLEAR op's checksum replaces everything accumulated so far.
			if _, err := tx.ExecContext(ctx, `
				UPDATE ps_buckets
				SET last_applied_op = 0, add_checksum = ?, op_checksum = 0
				WHERE id = ?`, int64(op.Checksum), bucketID); err != nil {
				return fmt.Errorf("reset bucket on clear: %w", err)
			}
			addChecksum = 0
			opChecksum = 0
			isEmpty = true

		default:
			return fmt.Errorf("bucket %q: unknown operation kind %q", bucket, op.Kind)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ps_buckets
		SET last_op = ?,
		    add_checksum = (add_checksum + ?) & 0xffffffff,
		    op_checksum = (op_checksum + ?) & 0xffffffff
		WHERE id = ?`,
		maxSeen, int64(addChecksum), int64(opChecksum), bucketID); err != nil {
		return fmt.Errorf("advance bucket %q: %w", bucket, err)
	}
	return nil
}

// ChecksumOf returns the bucket's accumulated checksum: the folded
// contributions of compacted operations plus the hashes of every live log
// row, wrapped to 32 bits. An unknown bucket has checksum zero.
func (s *Store) ChecksumOf(ctx context.Context, bucket string) (oplog.Checksum, error) {
	var add, live int64
	err := s.db.QueryRowContext(ctx, `
		SELECT b.add_checksum, IFNULL(SUM(o.hash), 0)
		FROM ps_buckets b
		LEFT JOIN ps_oplog o ON o.bucket = b.id
		WHERE b.name = ?
		GROUP BY b.id`, bucket).Scan(&add, &live)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("checksum of %q: %w", bucket, err)
	}
	return oplog.Checksum(uint32(add)).Add(oplog.Checksum(uint32(live))), nil
}

// TruncateBucket compacts a bucket's log up to and including the given
// op_id. Only rows that no longer contribute to the queryable view are
// removed: rows without a key, and rows superseded by a newer operation on
// the same key. The newest row per key is the replay base for the view and
// is always retained. Removed hashes fold into add_checksum, so ChecksumOf
// is unchanged by compaction.
func (s *Store) TruncateBucket(ctx context.Context, bucket string, upto int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin truncate: %w", err)
	}
	defer tx.Rollback()

	var bucketID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM ps_buckets WHERE name = ?`, bucket).Scan(&bucketID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup bucket %q: %w", bucket, err)
	}

	rows, err := tx.QueryContext(ctx, `
		DELETE FROM ps_oplog
		WHERE bucket = ?1 AND op_id <= ?2
		  AND (key IS NULL OR op_id < (
			SELECT MAX(op_id) FROM ps_oplog newer
			WHERE newer.bucket = ?1 AND newer.key = ps_oplog.key))
		RETURNING hash`, bucketID, upto)
	if err != nil {
		return fmt.Errorf("truncate bucket %q: %w", bucket, err)
	}
	var folded oplog.Checksum
	for rows.Next() {
		var hash int64
		if err := rows.Scan(&hash); err != nil {
			rows.Close()
			return fmt.Errorf("scan truncated hash: %w", err)
		}
		folded = folded.Add(oplog.Checksum(uint32(hash)))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("truncate bucket %q: %w", bucket, err)
	}

	if folded != 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE ps_buckets
			SET add_checksum = (add_checksum + ?2) & 0xffffffff,
			    op_checksum = (op_checksum - ?2) & 0xffffffff
			WHERE id = ?1`, bucketID, int64(folded)); err != nil {
			return fmt.Errorf("fold truncated checksum: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit truncate: %w", err)
	}
	return nil
}

// DeleteBucket discards a bucket's local data so it can be re-fetched from
// scratch, typically after a checksum mismatch. The bucket row itself is
// retained with all cursors and checksums reset to zero; every row the
// bucket held is marked in ps_updated_rows so the next apply removes or
// re-derives it.
func (s *Store) DeleteBucket(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete bucket: %w", err)
	}
	defer tx.Rollback()

	var bucketID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM ps_buckets WHERE name = ?`, name).Scan(&bucketID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup bucket %q: %w", name, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO ps_updated_rows(row_type, row_id)
		SELECT row_type, row_id FROM ps_oplog WHERE bucket = ?`, bucketID); err != nil {
		return fmt.Errorf("mark bucket rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM ps_oplog WHERE bucket = ?`, bucketID); err != nil {
		return fmt.Errorf("delete bucket oplog: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE ps_buckets
		SET last_applied_op = 0, last_op = 0, target_op = 0,
		    add_checksum = 0, op_checksum = 0, pending_delete = 0
		WHERE id = ?`, bucketID); err != nil {
		return fmt.Errorf("reset bucket %q: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete bucket: %w", err)
	}
	return nil
}

// BucketCursors returns the durable state of every known bucket, ordered by
// name.
func (s *Store) BucketCursors(ctx context.Context) ([]BucketState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, last_op, last_applied_op, target_op,
		       (add_checksum + op_checksum) & 0xffffffff
		FROM ps_buckets
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close()

	var states []BucketState
	for rows.Next() {
		var st BucketState
		var checksum int64
		if err := rows.Scan(&st.Name, &st.LastOp, &st.LastAppliedOp, &st.TargetOp, &checksum); err != nil {
			return nil, fmt.Errorf("scan bucket state: %w", err)
		}
		st.Checksum = oplog.Checksum(uint32(checksum))
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	return states, nil
}

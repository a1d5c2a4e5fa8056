package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/powersync-ja/powersync-sqlite-core/internal/oplog"
)

// Watermark returns the durable apply progress: the id of the last fully
// applied checkpoint and each bucket's applied op. A fresh database reports
// checkpoint id 0 and no buckets.
func (s *Store) Watermark(ctx context.Context) (oplog.Watermark, error) {
	w := oplog.Watermark{Buckets: make(map[string]int64)}

	applied, err := appliedCheckpointID(ctx, s.db)
	if err != nil {
		return oplog.Watermark{}, err
	}
	w.CheckpointID = applied

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, last_applied_op FROM ps_buckets`)
	if err != nil {
		return oplog.Watermark{}, fmt.Errorf("read watermark: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var op int64
		if err := rows.Scan(&name, &op); err != nil {
			return oplog.Watermark{}, fmt.Errorf("scan watermark: %w", err)
		}
		w.Buckets[name] = op
	}
	if err := rows.Err(); err != nil {
		return oplog.Watermark{}, fmt.Errorf("read watermark: %w", err)
	}
	return w, nil
}

// LastSyncedAt returns the wall-clock time of the last fully applied
// checkpoint. The second return is false if no checkpoint was ever applied.
func (s *Store) LastSyncedAt(ctx context.Context) (time.Time, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_synced_at FROM ps_sync_state WHERE priority = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read last_synced_at: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last_synced_at: %w", err)
	}
	return ts, true, nil
}

func appliedCheckpointID(ctx context.Context, q dbtx) (int64, error) {
	var raw string
	err := q.QueryRowContext(ctx,
		`SELECT value FROM ps_kv WHERE key = 'applied_checkpoint_id'`).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read applied checkpoint: %w", err)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse applied checkpoint: %w", err)
	}
	return id, nil
}

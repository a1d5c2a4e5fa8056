package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/powersync-ja/powersync-sqlite-core/internal/oplog"
)

// EnqueueWrite records a local write in the CRUD outbox and applies it
// optimistically to the queryable view in the same transaction. The write
// joins the current write transaction, opening one if none is active; use
// CompleteWriteTransaction to close the group.
//
// The returned entry carries the generated client id used to correlate the
// write with a later acknowledgment or rejection.
func (s *Store) EnqueueWrite(ctx context.Context, table, rowID string, kind oplog.CrudKind, data string) (oplog.CrudEntry, error) {
	entry := oplog.CrudEntry{
		ClientID:  uuid.NewString(),
		Table:     table,
		RowID:     rowID,
		Kind:      kind,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return oplog.CrudEntry{}, fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	entry.TxID, err = currentTxID(ctx, tx)
	if err != nil {
		return oplog.CrudEntry{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ps_crud(client_id, tx_id, row_type, row_id, op, data, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		entry.ClientID, entry.TxID, entry.Table, entry.RowID,
		entry.Kind.String(), nullable(entry.Data),
		entry.CreatedAt.Format(time.RFC3339Nano)); err != nil {
		return oplog.CrudEntry{}, fmt.Errorf("insert outbox entry: %w", err)
	}

	// Optimistic apply: the view reflects the write immediately, before any
	// server acknowledgment.
	switch kind {
	case oplog.CrudPut:
		if err := writeViewRow(ctx, tx, table, rowID, json.RawMessage(data)); err != nil {
			return oplog.CrudEntry{}, err
		}
	case oplog.CrudPatch:
		base, err := readViewRow(ctx, tx, table, rowID)
		if err != nil {
			return oplog.CrudEntry{}, err
		}
		merged, err := oplog.MergePatch(string(base), data)
		if err != nil {
			return oplog.CrudEntry{}, fmt.Errorf("patch %s/%s: %w", table, rowID, err)
		}
		if err := writeViewRow(ctx, tx, table, rowID, json.RawMessage(merged)); err != nil {
			return oplog.CrudEntry{}, err
		}
	case oplog.CrudDelete:
		if err := deleteViewRow(ctx, tx, table, rowID); err != nil {
			return oplog.CrudEntry{}, err
		}
	default:
		return oplog.CrudEntry{}, fmt.Errorf("unknown write kind %q", kind)
	}

	// The next apply must re-derive this row so synced state and pending
	// local writes are merged consistently.
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO ps_updated_rows(row_type, row_id)
		VALUES(?, ?)`, table, rowID); err != nil {
		return oplog.CrudEntry{}, fmt.Errorf("mark written row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return oplog.CrudEntry{}, fmt.Errorf("commit enqueue: %w", err)
	}
	return entry, nil
}

// CompleteWriteTransaction closes the current write transaction group.
// The next EnqueueWrite starts a new group with a fresh tx id.
func (s *Store) CompleteWriteTransaction(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE ps_tx SET current_tx = NULL WHERE id = 1`); err != nil {
		return fmt.Errorf("complete write transaction: %w", err)
	}
	return nil
}

// currentTxID returns the active write transaction id, lazily opening a new
// transaction group when none is active.
func currentTxID(ctx context.Context, tx *sql.Tx) (int64, error) {
	var current sql.NullInt64
	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT current_tx, next_tx FROM ps_tx WHERE id = 1`).Scan(&current, &next); err != nil {
		return 0, fmt.Errorf("read tx counter: %w", err)
	}
	if current.Valid {
		return current.Int64, nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE ps_tx SET current_tx = ?, next_tx = ? WHERE id = 1`, next, next+1); err != nil {
		return 0, fmt.Errorf("advance tx counter: %w", err)
	}
	return next, nil
}

// PendingWrites returns outbox entries in enqueue order, oldest first.
// A limit of 0 returns everything.
func (s *Store) PendingWrites(ctx context.Context, limit int) ([]oplog.CrudEntry, error) {
	query := `
		SELECT client_id, tx_id, row_type, row_id, op, data, created_at
		FROM ps_crud ORDER BY id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.scanCrudEntries(ctx, query, args...)
}

// PendingForKey returns outbox entries targeting a single row, in enqueue
// order.
func (s *Store) PendingForKey(ctx context.Context, table, rowID string) ([]oplog.CrudEntry, error) {
	return s.scanCrudEntries(ctx, `
		SELECT client_id, tx_id, row_type, row_id, op, data, created_at
		FROM ps_crud WHERE row_type = ? AND row_id = ? ORDER BY id`, table, rowID)
}

// HasPendingWrites reports whether any outbox entry is awaiting
// acknowledgment.
func (s *Store) HasPendingWrites(ctx context.Context) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM ps_crud LIMIT 1`).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check outbox: %w", err)
	}
	return true, nil
}

// AcknowledgeWrite removes an acknowledged entry from the outbox and
// re-derives the row's view state from synced data plus any remaining
// pending writes. Returns ErrEntryNotFound if no entry has the client id.
func (s *Store) AcknowledgeWrite(ctx context.Context, clientID string) error {
	_, err := s.settleWrite(ctx, clientID)
	return err
}

// RejectWrite removes a rejected entry from the outbox, re-derives the
// row's view state without it, and returns the discarded entry so the
// caller can surface the rejection. Returns ErrEntryNotFound if no entry
// has the client id.
func (s *Store) RejectWrite(ctx context.Context, clientID string) (oplog.CrudEntry, error) {
	return s.settleWrite(ctx, clientID)
}

// settleWrite deletes an outbox entry and rematerializes its row. Ack and
// reject differ only in how the caller reports the outcome: either way the
// entry no longer shapes the view.
func (s *Store) settleWrite(ctx context.Context, clientID string) (oplog.CrudEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return oplog.CrudEntry{}, fmt.Errorf("begin settle: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		DELETE FROM ps_crud WHERE client_id = ?
		RETURNING client_id, tx_id, row_type, row_id, op, data, created_at`, clientID)
	entry, err := scanCrudEntry(row.Scan)
	if err == sql.ErrNoRows {
		return oplog.CrudEntry{}, fmt.Errorf("settle %q: %w", clientID, ErrEntryNotFound)
	}
	if err != nil {
		return oplog.CrudEntry{}, fmt.Errorf("settle %q: %w", clientID, err)
	}

	if err := rematerializeRow(ctx, tx, entry.Table, entry.RowID); err != nil {
		return oplog.CrudEntry{}, err
	}

	if err := tx.Commit(); err != nil {
		return oplog.CrudEntry{}, fmt.Errorf("commit settle: %w", err)
	}
	return entry, nil
}

// rematerializeRow recomputes a row's view state: the newest synced payload
// from the operation log, overlaid with the row's remaining pending writes
// in enqueue order. A nil result deletes the row from the view.
func rematerializeRow(ctx context.Context, tx *sql.Tx, table, rowID string) error {
	var base sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT data FROM ps_oplog
		WHERE row_type = ? AND row_id = ?
		ORDER BY op_id DESC LIMIT 1`, table, rowID).Scan(&base)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read synced base for %s/%s: %w", table, rowID, err)
	}

	var current json.RawMessage
	if base.Valid {
		current = json.RawMessage(base.String)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT op, data FROM ps_crud
		WHERE row_type = ? AND row_id = ? ORDER BY id`, table, rowID)
	if err != nil {
		return fmt.Errorf("read pending writes for %s/%s: %w", table, rowID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var opName string
		var data sql.NullString
		if err := rows.Scan(&opName, &data); err != nil {
			return fmt.Errorf("scan pending write: %w", err)
		}
		kind, ok := oplog.ParseCrudKind(opName)
		if !ok {
			return fmt.Errorf("row %s/%s: unknown write kind %q", table, rowID, opName)
		}
		current, err = overlayWrite(current, kind, data.String)
		if err != nil {
			return fmt.Errorf("row %s/%s: %w", table, rowID, err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read pending writes for %s/%s: %w", table, rowID, err)
	}

	return writeViewRow(ctx, tx, table, rowID, current)
}

// overlayWrite applies a single pending write on top of a row payload.
func overlayWrite(current json.RawMessage, kind oplog.CrudKind, data string) (json.RawMessage, error) {
	switch kind {
	case oplog.CrudPut:
		return json.RawMessage(data), nil
	case oplog.CrudPatch:
		merged, err := oplog.MergePatch(string(current), data)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(merged), nil
	case oplog.CrudDelete:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown write kind %q", kind)
	}
}

func (s *Store) scanCrudEntries(ctx context.Context, query string, args ...any) ([]oplog.CrudEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()

	var entries []oplog.CrudEntry
	for rows.Next() {
		entry, err := scanCrudEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	return entries, nil
}

func scanCrudEntry(scan func(...any) error) (oplog.CrudEntry, error) {
	var entry oplog.CrudEntry
	var opName, createdAt string
	var data sql.NullString
	if err := scan(&entry.ClientID, &entry.TxID, &entry.Table, &entry.RowID,
		&opName, &data, &createdAt); err != nil {
		return oplog.CrudEntry{}, err
	}
	kind, ok := oplog.ParseCrudKind(opName)
	if !ok {
		return oplog.CrudEntry{}, fmt.Errorf("unknown write kind %q", opName)
	}
	entry.Kind = kind
	entry.Data = data.String
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return oplog.CrudEntry{}, fmt.Errorf("parse created_at: %w", err)
	}
	entry.CreatedAt = ts
	return entry, nil
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ViewRow is a single row of the queryable view.
type ViewRow struct {
	ID   string
	Data json.RawMessage
}

// ReadRow returns the current view state of a row, or nil if the row does
// not exist. Rows of types with a defined table live in ps_data_<type>;
// everything else falls back to ps_untyped.
func (s *Store) ReadRow(ctx context.Context, table, id string) (json.RawMessage, error) {
	return readViewRow(ctx, s.db, table, id)
}

// ListRows returns every row of a type in the queryable view, ordered by id.
func (s *Store) ListRows(ctx context.Context, table string) ([]ViewRow, error) {
	typed, err := dataTableExists(ctx, s.db, table)
	if err != nil {
		return nil, err
	}

	var rows *sql.Rows
	if typed {
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf(
			`SELECT id, data FROM %s ORDER BY id`, quoteIdentifier(dataTableName(table))))
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, data FROM ps_untyped WHERE type = ? ORDER BY id`, table)
	}
	if err != nil {
		return nil, fmt.Errorf("list rows of %q: %w", table, err)
	}
	defer rows.Close()

	var out []ViewRow
	for rows.Next() {
		var r ViewRow
		var data sql.NullString
		if err := rows.Scan(&r.ID, &data); err != nil {
			return nil, fmt.Errorf("scan row of %q: %w", table, err)
		}
		if data.Valid {
			r.Data = json.RawMessage(data.String)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rows of %q: %w", table, err)
	}
	return out, nil
}

// RowTypes returns every row type present in the queryable view, sorted:
// schema-defined types plus any type holding rows in ps_untyped.
func (s *Store) RowTypes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT substr(name, 9) FROM sqlite_master
		WHERE type = 'table' AND name GLOB 'ps_data_*'
		UNION
		SELECT DISTINCT type FROM ps_untyped
		ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("list row types: %w", err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

func dataTableName(table string) string {
	return "ps_data_" + table
}

func dataTableExists(ctx context.Context, q dbtx, table string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `
		SELECT 1 FROM sqlite_master
		WHERE type = 'table' AND name = ?`, dataTableName(table)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup table for %q: %w", table, err)
	}
	return true, nil
}

func readViewRow(ctx context.Context, q dbtx, table, id string) (json.RawMessage, error) {
	typed, err := dataTableExists(ctx, q, table)
	if err != nil {
		return nil, err
	}

	var data sql.NullString
	if typed {
		err = q.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT data FROM %s WHERE id = ?`, quoteIdentifier(dataTableName(table))), id).Scan(&data)
	} else {
		err = q.QueryRowContext(ctx,
			`SELECT data FROM ps_untyped WHERE type = ? AND id = ?`, table, id).Scan(&data)
	}
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read row %s/%s: %w", table, id, err)
	}
	if !data.Valid {
		return nil, nil
	}
	return json.RawMessage(data.String), nil
}

// writeViewRow upserts a row in the queryable view. A nil data deletes the
// row instead.
func writeViewRow(ctx context.Context, q dbtx, table, id string, data json.RawMessage) error {
	if data == nil {
		return deleteViewRow(ctx, q, table, id)
	}

	typed, err := dataTableExists(ctx, q, table)
	if err != nil {
		return err
	}
	if typed {
		_, err = q.ExecContext(ctx, fmt.Sprintf(`
			INSERT OR REPLACE INTO %s(id, data) VALUES(?, ?)`,
			quoteIdentifier(dataTableName(table))), id, string(data))
	} else {
		_, err = q.ExecContext(ctx, `
			INSERT OR REPLACE INTO ps_untyped(type, id, data) VALUES(?, ?, ?)`,
			table, id, string(data))
	}
	if err != nil {
		return fmt.Errorf("write row %s/%s: %w", table, id, err)
	}
	return nil
}

func deleteViewRow(ctx context.Context, q dbtx, table, id string) error {
	typed, err := dataTableExists(ctx, q, table)
	if err != nil {
		return err
	}
	if typed {
		_, err = q.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE id = ?`, quoteIdentifier(dataTableName(table))), id)
	} else {
		_, err = q.ExecContext(ctx,
			`DELETE FROM ps_untyped WHERE type = ? AND id = ?`, table, id)
	}
	if err != nil {
		return fmt.Errorf("delete row %s/%s: %w", table, id, err)
	}
	return nil
}

package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/powersync-ja/powersync-sqlite-core/internal/schema"
)

// ApplySchema reconciles the typed tables of the queryable view with a
// compiled schema. New tables are created and adopt any untyped rows of the
// same type; tables no longer in the schema have their rows demoted back to
// ps_untyped before the table is dropped. Synced data is never lost by a
// schema change.
//
// Each typed table also gets a read-only SQL view named after the type,
// extracting the schema's columns from the JSON payload.
func (s *Store) ApplySchema(ctx context.Context, sch *schema.Schema) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin apply schema: %w", err)
	}
	defer tx.Rollback()

	existing, err := listDataTables(ctx, tx)
	if err != nil {
		return err
	}

	wanted := make(map[string]bool, len(sch.Tables))
	for _, table := range sch.Tables {
		wanted[table.Name] = true

		if !existing[table.Name] {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
				CREATE TABLE %s(id TEXT PRIMARY KEY NOT NULL, data TEXT)`,
				quoteIdentifier(dataTableName(table.Name)))); err != nil {
				return fmt.Errorf("create table for %q: %w", table.Name, err)
			}
			// Adopt rows synced before the type had a table.
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
				INSERT OR REPLACE INTO %s(id, data)
				SELECT id, data FROM ps_untyped WHERE type = ?`,
				quoteIdentifier(dataTableName(table.Name))), table.Name); err != nil {
				return fmt.Errorf("adopt untyped rows for %q: %w", table.Name, err)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM ps_untyped WHERE type = ?`, table.Name); err != nil {
				return fmt.Errorf("clear untyped rows for %q: %w", table.Name, err)
			}
		}

		if err := createViewFor(ctx, tx, table); err != nil {
			return err
		}
	}

	// Demote tables the schema dropped.
	for name := range existing {
		if wanted[name] {
			continue
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT OR REPLACE INTO ps_untyped(type, id, data)
			SELECT ?, id, data FROM %s`,
			quoteIdentifier(dataTableName(name))), name); err != nil {
			return fmt.Errorf("demote rows of %q: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DROP VIEW IF EXISTS %s`, quoteIdentifier(name))); err != nil {
			return fmt.Errorf("drop view %q: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DROP TABLE %s`, quoteIdentifier(dataTableName(name)))); err != nil {
			return fmt.Errorf("drop table for %q: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit apply schema: %w", err)
	}
	return nil
}

// createViewFor (re)creates the read-only column view of a typed table.
func createViewFor(ctx context.Context, tx dbtx, table schema.Table) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`DROP VIEW IF EXISTS %s`, quoteIdentifier(table.Name))); err != nil {
		return fmt.Errorf("drop view %q: %w", table.Name, err)
	}

	cols := make([]string, 0, len(table.Columns)+1)
	cols = append(cols, "id")
	for _, col := range table.Columns {
		cols = append(cols, fmt.Sprintf("CAST(json_extract(data, '$.%s') AS %s) AS %s",
			col.Name, strings.ToUpper(col.Type), quoteIdentifier(col.Name)))
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`CREATE VIEW %s AS SELECT %s FROM %s`,
		quoteIdentifier(table.Name), strings.Join(cols, ", "),
		quoteIdentifier(dataTableName(table.Name)))); err != nil {
		return fmt.Errorf("create view %q: %w", table.Name, err)
	}
	return nil
}

func listDataTables(ctx context.Context, q dbtx) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name GLOB 'ps_data_*'`)
	if err != nil {
		return nil, fmt.Errorf("list typed tables: %w", err)
	}
	defer rows.Close()

	tables := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan typed table: %w", err)
		}
		tables[strings.TrimPrefix(name, "ps_data_")] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list typed tables: %w", err)
	}
	return tables, nil
}

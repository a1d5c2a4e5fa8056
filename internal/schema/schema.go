// Package schema compiles CUE table definitions into the set of typed
// tables backing the queryable view. Rows of a type without a table here
// fall back to untyped storage.
package schema

import (
	"fmt"
	"regexp"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// Schema is the compiled set of client table definitions.
type Schema struct {
	Tables []Table
}

// Table defines one typed table of the queryable view.
type Table struct {
	Name    string
	Columns []Column
	// LocalOnly tables hold device-local data that never syncs; they get no
	// outbox capture and no bucket data.
	LocalOnly bool
}

// Column is a single extracted column of a table's view.
type Column struct {
	Name string
	Type string // "text", "integer" or "real"
}

// Table returns the named table definition, or nil.
func (s *Schema) Table(name string) *Table {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i]
		}
	}
	return nil
}

var identPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// CompileString parses CUE source and compiles the schema found under the
// top-level "schema" field.
//
// The CUE value should map table names to column definitions, e.g.:
//
//	schema: {
//		todos: {
//			columns: {
//				description: string
//				completed:   int
//			}
//		}
//	}
func CompileString(src string) (*Schema, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src)
	return Compile(v.LookupPath(cue.ParsePath("schema")))
}

// Compile parses a CUE value into a Schema.
// Uses CUE SDK's Go API directly (not CLI subprocess).
func Compile(v cue.Value) (*Schema, error) {
	if !v.Exists() {
		return nil, &CompileError{
			Field:   "schema",
			Message: "schema is required",
		}
	}
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	sch := &Schema{}
	seen := make(map[string]bool)

	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	for iter.Next() {
		name := iter.Label()
		if !identPattern.MatchString(name) {
			return nil, &CompileError{
				Field:   name,
				Message: "table name must start with a letter and contain only letters, digits and underscores",
				Pos:     iter.Value().Pos(),
			}
		}
		if seen[name] {
			return nil, &CompileError{
				Field:   name,
				Message: "duplicate table name",
				Pos:     iter.Value().Pos(),
			}
		}
		seen[name] = true

		table, err := parseTable(name, iter.Value())
		if err != nil {
			return nil, err
		}
		sch.Tables = append(sch.Tables, table)
	}

	return sch, nil
}

// parseTable extracts one table definition.
func parseTable(name string, v cue.Value) (Table, error) {
	table := Table{Name: name}

	// Parse columns (required, at least one)
	colsVal := v.LookupPath(cue.ParsePath("columns"))
	if !colsVal.Exists() {
		return table, &CompileError{
			Field:   fmt.Sprintf("%s.columns", name),
			Message: "columns are required",
			Pos:     v.Pos(),
		}
	}

	colIter, err := colsVal.Fields()
	if err != nil {
		return table, formatCUEError(err)
	}

	for colIter.Next() {
		colName := colIter.Label()
		if colName == "id" {
			return table, &CompileError{
				Field:   fmt.Sprintf("%s.columns.id", name),
				Message: "the id column is implicit and must not be declared",
				Pos:     colIter.Value().Pos(),
			}
		}
		if !identPattern.MatchString(colName) {
			return table, &CompileError{
				Field:   fmt.Sprintf("%s.columns.%s", name, colName),
				Message: "column name must start with a letter and contain only letters, digits and underscores",
				Pos:     colIter.Value().Pos(),
			}
		}
		colType, err := extractColumnType(colIter.Value())
		if err != nil {
			return table, err
		}
		table.Columns = append(table.Columns, Column{Name: colName, Type: colType})
	}

	if len(table.Columns) == 0 {
		return table, &CompileError{
			Field:   fmt.Sprintf("%s.columns", name),
			Message: "at least one column is required",
			Pos:     v.Pos(),
		}
	}

	// Parse local_only (optional)
	localVal := v.LookupPath(cue.ParsePath("local_only"))
	if localVal.Exists() {
		local, err := localVal.Bool()
		if err != nil {
			return table, formatCUEError(err)
		}
		table.LocalOnly = local
	}

	return table, nil
}

// extractColumnType converts a CUE type to a SQLite column type.
func extractColumnType(v cue.Value) (string, error) {
	switch v.IncompleteKind() {
	case cue.StringKind:
		return "text", nil
	case cue.IntKind:
		return "integer", nil
	case cue.FloatKind, cue.NumberKind:
		return "real", nil
	case cue.BoolKind:
		return "integer", nil
	default:
		return "", &CompileError{
			Field:   "type",
			Message: fmt.Sprintf("unsupported column kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}

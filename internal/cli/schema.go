package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/powersync-ja/powersync-sqlite-core/internal/schema"
	"github.com/powersync-ja/powersync-sqlite-core/internal/store"
)

// SchemaOptions holds flags for the schema command family.
type SchemaOptions struct {
	*RootOptions
	Database string
}

// NewSchemaCommand creates the schema command with check/apply subcommands.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SchemaOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Validate and apply a client schema definition",
		Long: `Compile a CUE schema definition (typed tables extracted from synced row
JSON) and apply it to a database. Applying a schema creates typed tables and
views, adopts matching rows from the untyped fallback store, and demotes
rows of dropped tables back into it. Synced data is never lost.`,
	}

	cmd.AddCommand(newSchemaCheckCommand(opts))
	cmd.AddCommand(newSchemaApplyCommand(opts))

	return cmd
}

func newSchemaCheckCommand(opts *SchemaOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <schema.cue>",
		Short: "Compile a schema definition without applying it",
		Example: `  psdb schema check ./schema.cue
  psdb schema check ./schema.cue --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sch, err := compileSchemaFile(args[0])
			if err != nil {
				return err
			}
			return printSchema(cmd, opts, sch)
		},
	}
}

func newSchemaApplyCommand(opts *SchemaOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply <schema.cue>",
		Short: "Apply a schema definition to a database",
		Example: `  psdb schema apply --db ./sync.db ./schema.cue`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sch, err := compileSchemaFile(args[0])
			if err != nil {
				return err
			}

			st, err := store.Open(opts.Database)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open database", err)
			}
			defer st.Close()

			if err := st.ApplySchema(commandContext(cmd), sch); err != nil {
				return WrapExitError(ExitCommandError, "failed to apply schema", err)
			}
			return printSchema(cmd, opts, sch)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func compileSchemaFile(path string) (*schema.Schema, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to read schema file", err)
	}
	sch, err := schema.CompileString(string(src))
	if err != nil {
		return nil, WrapExitError(ExitFailure, "schema does not compile", err)
	}
	return sch, nil
}

// TableReport is one table definition in command output.
type TableReport struct {
	Name      string            `json:"name"`
	Columns   map[string]string `json:"columns"`
	LocalOnly bool              `json:"local_only,omitempty"`
}

func printSchema(cmd *cobra.Command, opts *SchemaOptions, sch *schema.Schema) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if opts.Format == "json" {
		reports := make([]TableReport, 0, len(sch.Tables))
		for _, tbl := range sch.Tables {
			cols := make(map[string]string, len(tbl.Columns))
			for _, col := range tbl.Columns {
				cols[col.Name] = col.Type
			}
			reports = append(reports, TableReport{Name: tbl.Name, Columns: cols, LocalOnly: tbl.LocalOnly})
		}
		return out.Success(reports)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Schema OK: %d table(s)\n", len(sch.Tables))
	for _, tbl := range sch.Tables {
		fmt.Fprintf(w, "  %s (", tbl.Name)
		for i, col := range tbl.Columns {
			if i > 0 {
				fmt.Fprint(w, ", ")
			}
			fmt.Fprintf(w, "%s %s", col.Name, col.Type)
		}
		fmt.Fprintln(w, ")")
	}
	return nil
}

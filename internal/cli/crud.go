package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/powersync-ja/powersync-sqlite-core/internal/oplog"
	"github.com/powersync-ja/powersync-sqlite-core/internal/store"
)

// CrudOptions holds flags for the crud command family.
type CrudOptions struct {
	*RootOptions
	Database string
	Limit    int
	Reason   string
}

// CrudEntryReport is one outbox entry in command output.
type CrudEntryReport struct {
	ClientID  string `json:"client_id"`
	TxID      int64  `json:"tx_id"`
	Table     string `json:"table"`
	RowID     string `json:"id"`
	Op        string `json:"op"`
	Data      string `json:"data,omitempty"`
	CreatedAt string `json:"created_at"`
}

// NewCrudCommand creates the crud command with list/ack/reject subcommands.
func NewCrudCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CrudOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "crud",
		Short: "Inspect and settle the local write outbox",
		Long: `Inspect local writes awaiting server acknowledgment, and settle them
the way an upload worker would: ack removes an uploaded write, reject
discards a refused write and rolls back its local effect.`,
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkPersistentFlagRequired("db")

	cmd.AddCommand(newCrudListCommand(opts))
	cmd.AddCommand(newCrudAckCommand(opts))
	cmd.AddCommand(newCrudRejectCommand(opts))

	return cmd
}

func newCrudListCommand(opts *CrudOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending writes, oldest first",
		Example: `  psdb crud list --db ./sync.db
  psdb crud list --db ./sync.db --limit 10 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrudList(cmd, opts)
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum entries to list (0 = all)")
	return cmd
}

func newCrudAckCommand(opts *CrudOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <client-id>",
		Short: "Acknowledge an uploaded write",
		Long: `Remove an acknowledged write from the outbox and re-derive the affected
row from synced data plus any remaining pending writes.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrudSettle(cmd, opts, args[0], false)
		},
	}
}

func newCrudRejectCommand(opts *CrudOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject <client-id>",
		Short: "Discard a rejected write and roll back its local effect",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrudSettle(cmd, opts, args[0], true)
		},
	}
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "server-provided rejection reason")
	return cmd
}

func runCrudList(cmd *cobra.Command, opts *CrudOptions) error {
	st, err := openExisting(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := commandContext(cmd)
	entries, err := st.PendingWrites(ctx, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read outbox", err)
	}

	reports := make([]CrudEntryReport, 0, len(entries))
	for _, e := range entries {
		reports = append(reports, crudReport(e))
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if opts.Format == "json" {
		return out.Success(reports)
	}

	w := cmd.OutOrStdout()
	if len(reports) == 0 {
		fmt.Fprintln(w, "No pending writes.")
		return nil
	}
	for _, r := range reports {
		fmt.Fprintf(w, "%s  tx=%d %s %s/%s", r.ClientID, r.TxID, r.Op, r.Table, r.RowID)
		if r.Data != "" {
			fmt.Fprintf(w, " %s", r.Data)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func runCrudSettle(cmd *cobra.Command, opts *CrudOptions, clientID string, reject bool) error {
	st, err := openExisting(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := commandContext(cmd)
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	if reject {
		entry, err := st.RejectWrite(ctx, clientID)
		if errors.Is(err, store.ErrEntryNotFound) {
			return NewExitError(ExitCommandError, fmt.Sprintf("no pending write with client id %s", clientID))
		}
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to reject write", err)
		}
		if opts.Format == "json" {
			return out.Success(crudReport(entry))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rejected %s (%s %s/%s)", clientID, entry.Kind, entry.Table, entry.RowID)
		if opts.Reason != "" {
			fmt.Fprintf(cmd.OutOrStdout(), ": %s", opts.Reason)
		}
		fmt.Fprintln(cmd.OutOrStdout())
		return nil
	}

	err = st.AcknowledgeWrite(ctx, clientID)
	if errors.Is(err, store.ErrEntryNotFound) {
		return NewExitError(ExitCommandError, fmt.Sprintf("no pending write with client id %s", clientID))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to acknowledge write", err)
	}
	if opts.Format == "json" {
		return out.Success(map[string]string{"acknowledged": clientID})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Acknowledged %s\n", clientID)
	return nil
}

func crudReport(e oplog.CrudEntry) CrudEntryReport {
	return CrudEntryReport{
		ClientID:  e.ClientID,
		TxID:      e.TxID,
		Table:     e.Table,
		RowID:     e.RowID,
		Op:        e.Kind.String(),
		Data:      e.Data,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// commandContext returns the command's context, or a background context
// when cobra was invoked without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/powersync-ja/powersync-sqlite-core/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Database string
}

// BucketStatus is one bucket's cursor state in the status report.
type BucketStatus struct {
	Name          string `json:"name"`
	LastOp        int64  `json:"last_op"`
	LastAppliedOp int64  `json:"last_applied_op"`
	TargetOp      int64  `json:"target_op"`
	Checksum      string `json:"checksum"`
}

// StatusReport is the status command's output payload.
type StatusReport struct {
	ClientID      string         `json:"client_id"`
	Checkpoint    int64          `json:"applied_checkpoint"`
	LastSyncedAt  string         `json:"last_synced_at,omitempty"`
	Buckets       []BucketStatus `json:"buckets"`
	PendingWrites int            `json:"pending_writes"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync state of a database",
		Long: `Show the sync state of a database: the client id, the applied
checkpoint watermark, per-bucket log positions and checksums, and the number
of local writes awaiting acknowledgment.

Example:
  psdb status --db ./sync.db
  psdb status --db ./sync.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runStatus(cmd *cobra.Command, opts *StatusOptions) error {
	st, err := openExisting(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	report, err := buildStatusReport(commandContext(cmd), st)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read sync state", err)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if opts.Format == "json" {
		return out.Success(report)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Client id:          %s\n", report.ClientID)
	fmt.Fprintf(w, "Applied checkpoint: %d\n", report.Checkpoint)
	if report.LastSyncedAt != "" {
		fmt.Fprintf(w, "Last synced at:     %s\n", report.LastSyncedAt)
	}
	fmt.Fprintf(w, "Pending writes:     %d\n", report.PendingWrites)
	if len(report.Buckets) > 0 {
		fmt.Fprintln(w, "Buckets:")
		for _, b := range report.Buckets {
			fmt.Fprintf(w, "  %s  last_op=%d applied=%d target=%d checksum=%s\n",
				b.Name, b.LastOp, b.LastAppliedOp, b.TargetOp, b.Checksum)
		}
	}
	return nil
}

func buildStatusReport(ctx context.Context, st *store.Store) (*StatusReport, error) {
	clientID, err := st.ClientID(ctx)
	if err != nil {
		return nil, err
	}
	w, err := st.Watermark(ctx)
	if err != nil {
		return nil, err
	}
	states, err := st.BucketCursors(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := st.PendingWrites(ctx, 0)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		ClientID:      clientID,
		Checkpoint:    w.CheckpointID,
		PendingWrites: len(pending),
	}
	if syncedAt, ok, err := st.LastSyncedAt(ctx); err != nil {
		return nil, err
	} else if ok {
		report.LastSyncedAt = syncedAt.UTC().Format(time.RFC3339)
	}
	for _, s := range states {
		report.Buckets = append(report.Buckets, BucketStatus{
			Name:          s.Name,
			LastOp:        s.LastOp,
			LastAppliedOp: s.LastAppliedOp,
			TargetOp:      s.TargetOp,
			Checksum:      s.Checksum.String(),
		})
	}
	return report, nil
}

// openExisting opens a database that must already exist; commands that only
// inspect state should not silently create an empty one.
func openExisting(path string) (*store.Store, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", path))
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

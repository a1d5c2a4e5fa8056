package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/powersync-ja/powersync-sqlite-core/internal/harness"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
}

// ReplayReport holds a scenario replay result for command output.
type ReplayReport struct {
	Scenario string            `json:"scenario"`
	Pass     bool              `json:"pass"`
	Errors   []string          `json:"errors,omitempty"`
	Snapshot *harness.Snapshot `json:"snapshot"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <scenario.yaml>",
		Short: "Replay a scripted sync session",
		Long: `Replay a YAML-scripted sync session (checkpoints, bucket data, local
writes, acknowledgments) through the engine against a fresh database, then
evaluate the scenario's assertions over the final state.

Exit codes:
  0 - Scenario ran and all assertions held
  1 - An assertion failed
  2 - Command error (scenario not found, malformed, execution error)

Examples:
  psdb replay ./scenarios/checkpoint_apply.yaml
  psdb replay ./scenarios/checkpoint_apply.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, opts, args[0])
		},
	}

	return cmd
}

func runReplay(cmd *cobra.Command, opts *ReplayOptions, path string) error {
	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}

	result, err := harness.Run(scenario)
	if err != nil {
		return WrapExitError(ExitCommandError, "scenario execution failed", err)
	}

	report := &ReplayReport{
		Scenario: scenario.Name,
		Pass:     result.Pass,
		Errors:   result.Errors,
		Snapshot: result.Snapshot,
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if opts.Format == "json" {
		if err := out.Success(report); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		if result.Pass {
			fmt.Fprintf(w, "Scenario %s: PASS\n", scenario.Name)
		} else {
			fmt.Fprintf(w, "Scenario %s: FAIL\n", scenario.Name)
			for _, msg := range result.Errors {
				fmt.Fprintf(w, "  %s\n", msg)
			}
		}
		fmt.Fprintf(w, "Applied checkpoint: %d, pending writes: %d\n",
			result.Snapshot.Watermark.Checkpoint, len(result.Snapshot.Pending))
	}

	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed %d assertion(s)", scenario.Name, len(result.Errors)))
	}
	return nil
}

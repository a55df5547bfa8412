package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/cordial/internal/checkpoint"
	"github.com/roach88/cordial/internal/flow"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
}

// checkpointView is the decoded-checkpoint shape shown to the operator.
type checkpointView struct {
	FlowID   string `json:"flow_id"`
	Logic    string `json:"logic"`
	Version  int    `json:"version"`
	Status   string `json:"status"`
	Step     string `json:"step"`
	Waiting  string `json:"waiting,omitempty"`
	Sessions int    `json:"sessions"`
	Effect   bool   `json:"pending_effect"`
	Corrupt  string `json:"corrupt,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Inspect suspended flows in a checkpoint database",
		Long: `Decode and list every checkpoint in a node's checkpoint database: which
flows are suspended, at which step, what they wait on, and whether an
unsent effect is pending replay. Corrupt checkpoints are reported, not
skipped - they are exactly what an operator needs to see.

Example:
  cordial replay --db ./node.db
  cordial replay --db ./node.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return replayCheckpoints(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to checkpoint database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func replayCheckpoints(opts *ReplayOptions, cmd *cobra.Command) error {
	store, err := checkpoint.OpenSQLite(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open checkpoint database", err)
	}
	defer store.Close()

	records, err := store.LoadAll(context.Background())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load checkpoints", err)
	}

	views := make([]checkpointView, 0, len(records))
	for _, rec := range records {
		cp, err := flow.DecodeCheckpoint(rec.Data)
		if err != nil {
			views = append(views, checkpointView{FlowID: rec.FlowID, Corrupt: err.Error()})
			continue
		}
		views = append(views, checkpointView{
			FlowID:   string(cp.FlowID),
			Logic:    cp.Logic,
			Version:  cp.Version,
			Status:   string(cp.Status),
			Step:     cp.Step,
			Waiting:  string(cp.Waiting),
			Sessions: len(cp.Sessions),
			Effect:   cp.Effect != nil,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].FlowID < views[j].FlowID })

	formatter := &OutputFormatter{
		Format:  opts.Format,
		Writer:  cmd.OutOrStdout(),
		Verbose: opts.Verbose,
	}
	if opts.Format == "json" {
		return formatter.Success(views)
	}

	if len(views) == 0 {
		fmt.Fprintln(formatter.Writer, "No suspended flows.")
		return nil
	}
	for _, v := range views {
		if v.Corrupt != "" {
			fmt.Fprintf(formatter.Writer, "%s  CORRUPT: %s\n", v.FlowID, v.Corrupt)
			continue
		}
		line := fmt.Sprintf("%s  %s v%d  status=%s step=%q sessions=%d", v.FlowID, v.Logic, v.Version, v.Status, v.Step, v.Sessions)
		if v.Waiting != "" {
			line += fmt.Sprintf(" waiting=%s", v.Waiting)
		}
		if v.Effect {
			line += " effect=pending"
		}
		fmt.Fprintln(formatter.Writer, line)
	}
	fmt.Fprintf(formatter.Writer, "%d flow(s)\n", len(views))
	return nil
}

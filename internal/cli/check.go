package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/cordial/internal/config"
)

// CheckOptions holds flags for the check command.
type CheckOptions struct {
	*RootOptions
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "check <node.yaml>",
		Short: "Validate a node configuration file",
		Long: `Load a node configuration, run cross-field validation and print a
summary of what the node would run with. Exit code is 0 when the
configuration is valid, 2 otherwise.

Example:
  cordial check node.yaml
  cordial check node.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return checkConfig(opts, args[0], cmd)
		},
	}

	return cmd
}

// checkSummary is the JSON shape for --format json.
type checkSummary struct {
	Node        string `json:"node"`
	Checkpoints string `json:"checkpoints"`
	Workers     int    `json:"workers,omitempty"`
	MaxRunnable int    `json:"max_runnable,omitempty"`
	Notary      string `json:"notary"`
	Replicas    int    `json:"replicas,omitempty"`
	Validating  bool   `json:"validating,omitempty"`
	PinnedKey   bool   `json:"pinned_key,omitempty"`
}

func checkConfig(opts *CheckOptions, path string, cmd *cobra.Command) error {
	cfg, err := config.Load(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "configuration rejected", err)
	}

	summary := checkSummary{
		Node:        cfg.Node.Name,
		Checkpoints: "in-memory",
		Workers:     cfg.Node.Workers,
		MaxRunnable: cfg.Node.MaxRunnable,
		Notary:      "none",
	}
	if cfg.Node.DataDir != "" {
		summary.Checkpoints = cfg.Node.DataDir
	}
	if n := cfg.Notary; n != nil {
		summary.Notary = string(n.Backend)
		summary.Replicas = len(n.Replicas)
		summary.Validating = n.Validating
		summary.PinnedKey = n.SigningKey != ""
	}

	formatter := &OutputFormatter{
		Format:  opts.Format,
		Writer:  cmd.OutOrStdout(),
		Verbose: opts.Verbose,
	}
	if opts.Format == "json" {
		if err := formatter.Success(summary); err != nil {
			return WrapExitError(ExitCommandError, "failed to encode summary", err)
		}
		return nil
	}

	fmt.Fprintf(formatter.Writer, "Node: %s\n", summary.Node)
	fmt.Fprintf(formatter.Writer, "  checkpoints: %s\n", summary.Checkpoints)
	if summary.Workers > 0 {
		fmt.Fprintf(formatter.Writer, "  workers: %d\n", summary.Workers)
	}
	if summary.MaxRunnable > 0 {
		fmt.Fprintf(formatter.Writer, "  max runnable: %d\n", summary.MaxRunnable)
	}
	if summary.Notary == "none" {
		fmt.Fprintln(formatter.Writer, "  notary: none (consumer only)")
	} else {
		fmt.Fprintf(formatter.Writer, "  notary: %s", summary.Notary)
		if summary.Replicas > 0 {
			fmt.Fprintf(formatter.Writer, " (%d replicas)", summary.Replicas)
		}
		if summary.Validating {
			fmt.Fprint(formatter.Writer, ", validating")
		}
		fmt.Fprintln(formatter.Writer)
		if summary.PinnedKey {
			fmt.Fprintln(formatter.Writer, "  attestation key: pinned")
		} else {
			fmt.Fprintln(formatter.Writer, "  attestation key: per-process")
		}
	}
	fmt.Fprintln(formatter.Writer, "OK")
	return nil
}

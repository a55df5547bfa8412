package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/cordial/internal/harness"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run a scenario against an in-process node pair",
		Long: `Run a conformance scenario: two in-process nodes exchange messages and
submit uniqueness requests through a notary backed by the scenario's
consensus backend (single, raft or bft).

The recorded trace is printed step by step. Exit code is 0 when every
expect clause matched, 1 otherwise.

Example:
  cordial run scenarios/notarize-basic.yaml
  cordial run scenarios/notarize-raft.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(opts, args[0], cmd)
		},
	}

	return cmd
}

func runScenario(opts *RunOptions, path string, cmd *cobra.Command) error {
	// Configure logging based on verbose flag
	logLevel := slog.LevelWarn
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}

	slog.Info("running scenario", "name", scenario.Name, "backend", scenario.Backend)
	result, err := harness.Run(scenario)
	if err != nil {
		return WrapExitError(ExitCommandError, "scenario execution error", err)
	}

	formatter := &OutputFormatter{
		Format:  opts.Format,
		Writer:  cmd.OutOrStdout(),
		Verbose: opts.Verbose,
	}
	if opts.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return WrapExitError(ExitCommandError, "failed to encode result", err)
		}
	} else {
		printTrace(formatter, scenario.Name, result)
	}

	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed: %d expectation(s) not met",
			scenario.Name, len(result.Errors)))
	}
	return nil
}

func printTrace(f *OutputFormatter, name string, result *harness.Result) {
	fmt.Fprintf(f.Writer, "Scenario: %s\n", name)
	for _, ev := range result.Trace {
		switch ev.Type {
		case harness.EventSent:
			if ev.Tx != "" {
				fmt.Fprintf(f.Writer, "  [%d] %s requests uniqueness for %s\n", ev.Seq, ev.Node, ev.Tx)
			} else {
				fmt.Fprintf(f.Writer, "  [%d] %s sends %q\n", ev.Seq, ev.Node, ev.Detail)
			}
		case harness.EventEchoed:
			fmt.Fprintf(f.Writer, "  [%d] %s echoes %q\n", ev.Seq, ev.Node, ev.Detail)
		case harness.EventVerdict:
			if ev.Detail != "" {
				fmt.Fprintf(f.Writer, "  [%d] %s: %s -> %s (conflict with %s)\n", ev.Seq, ev.Node, ev.Tx, ev.Verdict, ev.Detail)
			} else {
				fmt.Fprintf(f.Writer, "  [%d] %s: %s -> %s\n", ev.Seq, ev.Node, ev.Tx, ev.Verdict)
			}
		case harness.EventError:
			fmt.Fprintf(f.Writer, "  [%d] error: %s\n", ev.Seq, ev.Detail)
		}
	}
	if result.Pass {
		fmt.Fprintln(f.Writer, "PASS")
		return
	}
	for _, msg := range result.Errors {
		fmt.Fprintf(f.Writer, "FAIL: %s\n", msg)
	}
}

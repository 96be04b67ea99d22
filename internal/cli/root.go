// Package cli implements the vuramp command line.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

// ExitError carries a process exit code out of a command. A nil Err means
// the command already reported the outcome.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "vuramp",
		Short:   "Staged concurrency load generator",
		Version: version,
		Long: `vuramp runs workloads against a target under a staged concurrency
profile, records metrics, and checks them against thresholds.

  vuramp run -c load.yaml --out report.json
  vuramp run -c load.yaml --stages "30s:10,1m:10,30s:0"
  vuramp validate -c load.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			// If no subcommand is provided, print help
			cmd.Help()
		},
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newTargetCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the command line with args and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return 0
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", exitErr.Err)
		}
		return exitErr.Code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

// Main runs the command line with the process arguments.
func Main() int {
	return Execute(os.Args[1:], os.Stdout, os.Stderr)
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/vuramp/internal/load/config"
	"github.com/wesleyorama2/vuramp/internal/load/runner"
	"github.com/wesleyorama2/vuramp/internal/load/workload"
)

func newValidateCmd() *cobra.Command {
	var (
		configFile  string
		printSchema bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file without applying load",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if printSchema {
				_, err := out.Write(config.Schema())
				return err
			}
			if configFile == "" {
				return &ExitError{Code: runner.ExitRunError, Err: fmt.Errorf("--config is required")}
			}

			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return &ExitError{Code: runner.ExitRunError, Err: err}
			}
			thresholds, err := cfg.ParseThresholds()
			if err != nil {
				return &ExitError{Code: runner.ExitRunError, Err: err}
			}
			if len(cfg.Workloads) > 0 {
				if _, err := runner.SuiteFromConfig(cfg, workload.DefaultRegistry(), nil); err != nil {
					return &ExitError{Code: runner.ExitRunError, Err: err}
				}
			}

			fmt.Fprintf(out, "Configuration valid: %s\n", cfg.Name)
			fmt.Fprintf(out, "  Stages:     %d (%s)\n", len(cfg.Stages), cfg.TotalDuration())
			fmt.Fprintf(out, "  Thresholds: %d\n", len(thresholds))
			fmt.Fprintf(out, "  Workloads:  %d\n", len(cfg.Workloads))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Configuration file (YAML or JSON)")
	cmd.Flags().BoolVar(&printSchema, "schema", false, "Print the configuration JSON schema and exit")
	return cmd
}

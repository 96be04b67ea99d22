package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/vuramp/internal/load/config"
	"github.com/wesleyorama2/vuramp/internal/load/report"
	"github.com/wesleyorama2/vuramp/internal/load/runner"
	"github.com/wesleyorama2/vuramp/internal/load/workload"
	"github.com/wesleyorama2/vuramp/internal/logging"
)

type runOptions struct {
	configFile string
	out        string
	quiet      bool
	noColor    bool
	logLevel   string
	logFormat  string
	stages     string
	workloads  []string
	baseURL    string
	progress   time.Duration
	cpuProfile string
	memProfile string
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a load test from a configuration file",
		Long: `Run the configured workloads under the configured stages.

Stages and workloads can be overridden from the command line:

  vuramp run -c load.yaml --stages "30s:10,2m:10,30s:0"
  vuramp run -c load.yaml --workload contacts:3 --workload sleep:1

The exit status is 0 when every threshold passed, 99 when only thresholds
failed, and 1 for any other failure.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configFile, "config", "c", "", "Configuration file (YAML or JSON)")
	f.StringVarP(&opts.out, "out", "o", "", "Write the JSON report to this file")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "Disable live progress output, show only the verdict")
	f.BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	f.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error); defaults to $LOG_LEVEL or info")
	f.StringVar(&opts.logFormat, "log-format", logging.FormatJSON, "Log format (json, console)")
	f.StringVar(&opts.stages, "stages", "", "Stages in format 'duration:target,duration:target,...'")
	f.StringArrayVarP(&opts.workloads, "workload", "w", nil, "Workload as name[:weight]; repeatable, replaces the configured list")
	f.StringVar(&opts.baseURL, "base-url", "", "Override settings.baseUrl")
	f.DurationVar(&opts.progress, "progress-interval", time.Second, "Live progress refresh interval")
	f.StringVar(&opts.cpuProfile, "cpuprofile", "", "Write a CPU profile of the run to this file")
	f.StringVar(&opts.memProfile, "memprofile", "", "Write a heap profile to this file after the run")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runLoad(cmd *cobra.Command, opts *runOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return &ExitError{Code: runner.ExitRunError, Err: err}
	}

	log, err := logging.New(opts.logLevel, opts.logFormat)
	if err != nil {
		return &ExitError{Code: runner.ExitRunError, Err: err}
	}
	defer log.Sync() //nolint:errcheck

	suite, err := runner.SuiteFromConfig(cfg, workload.DefaultRegistry(), nil)
	if err != nil {
		return &ExitError{Code: runner.ExitRunError, Err: err}
	}

	console := report.NewConsole(report.ConsoleConfig{
		Writer:  cmd.OutOrStdout(),
		Quiet:   opts.quiet,
		NoColor: opts.noColor,
	})

	runnerOpts := []runner.Option{runner.WithLogger(log)}
	if !opts.quiet {
		runnerOpts = append(runnerOpts, runner.WithProgress(console.Update, opts.progress))
	}
	r, err := runner.New(cfg, suite, runnerOpts...)
	if err != nil {
		return &ExitError{Code: runner.ExitRunError, Err: err}
	}

	sc, err := cfg.SchedulerConfig()
	if err != nil {
		return &ExitError{Code: runner.ExitRunError, Err: err}
	}
	console.PrintHeader(cfg.Name, r.Context().RunID, report.StagesOf(sc.Stages))

	stopProfiling, err := startProfiling(opts.cpuProfile, opts.memProfile)
	if err != nil {
		return &ExitError{Code: runner.ExitRunError, Err: err}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rep, runErr := r.Run(ctx)
	if runErr != nil {
		log.Error("run failed", zap.Error(runErr))
	}
	if err := stopProfiling(); err != nil {
		log.Warn("profiling failed", zap.Error(err))
	}
	console.PrintSummary(rep)

	if opts.out != "" && rep != nil {
		if err := rep.WriteFile(opts.out); err != nil {
			return &ExitError{Code: runner.ExitRunError, Err: err}
		}
		if !opts.quiet {
			fmt.Fprintf(cmd.OutOrStdout(), "Report: %s\n", opts.out)
		}
	}

	if code := runner.ExitCode(rep); code != runner.ExitPassed {
		return &ExitError{Code: code}
	}
	return nil
}

// loadConfig reads the config file and applies the command line overrides.
func loadConfig(opts *runOptions) (*config.TestConfig, error) {
	cfg, err := config.LoadConfig(opts.configFile)
	if err != nil {
		return nil, err
	}

	if opts.stages != "" {
		stages, err := config.ParseStageList(opts.stages)
		if err != nil {
			return nil, fmt.Errorf("invalid stages format: %w", err)
		}
		cfg.Stages = stages
	}
	if len(opts.workloads) > 0 {
		workloads, err := parseWorkloads(opts.workloads)
		if err != nil {
			return nil, err
		}
		cfg.Workloads = workloads
	}
	if opts.baseURL != "" {
		cfg.Settings.BaseURL = opts.baseURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseWorkloads parses "name" or "name:weight" entries.
func parseWorkloads(specs []string) ([]config.WorkloadConfig, error) {
	out := make([]config.WorkloadConfig, 0, len(specs))
	for _, s := range specs {
		name, weightStr, hasWeight := strings.Cut(strings.TrimSpace(s), ":")
		if name == "" {
			return nil, fmt.Errorf("invalid workload %q: missing name", s)
		}
		wc := config.WorkloadConfig{Name: name, Weight: 1}
		if hasWeight {
			w, err := strconv.Atoi(weightStr)
			if err != nil || w < 0 {
				return nil, fmt.Errorf("invalid workload %q: weight must be a non-negative integer", s)
			}
			wc.Weight = w
		}
		out = append(out, wc)
	}
	return out, nil
}

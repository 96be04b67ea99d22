package runner

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/multierr"

	"github.com/wesleyorama2/vuramp/internal/load/config"
	"github.com/wesleyorama2/vuramp/internal/load/workload"
)

// Settings converts the shared workload settings of cfg. A nil client is
// replaced by an *http.Client with the configured timeout.
func Settings(cfg *config.TestConfig, client workload.Doer) workload.Settings {
	timeout := cfg.Settings.Timeout.GetDuration(config.DefaultHTTPTimeout)
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return workload.Settings{
		BaseURL:              cfg.Settings.BaseURL,
		Timeout:              timeout,
		ContactsPerIteration: cfg.Settings.Contacts(),
		UserAgent:            cfg.Settings.UserAgent,
		Headers:              cfg.Settings.Headers,
		Client:               client,
	}
}

// SuiteFromConfig builds the configured workloads from reg. When a base URL
// is configured, setup checks that the target answers before any load is
// applied.
func SuiteFromConfig(cfg *config.TestConfig, reg *workload.Registry, client workload.Doer) (workload.Suite, error) {
	if len(cfg.Workloads) == 0 {
		return workload.Suite{}, fmt.Errorf("no workloads configured (available: %v)", reg.Names())
	}

	settings := Settings(cfg, client)

	var (
		suite workload.Suite
		errs  error
	)
	for _, wc := range cfg.Workloads {
		w, err := reg.Build(wc.Name, wc.Weight, settings, workload.Options(wc.Options))
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		suite.Workloads = append(suite.Workloads, w)
	}
	if errs != nil {
		return workload.Suite{}, errs
	}

	if settings.BaseURL != "" {
		suite.Setup = workload.HealthCheck(settings.Client, settings.BaseURL)
	}
	return suite, nil
}

// Durations used when a config was built without ApplyDefaults.
func setupTimeout(cfg *config.TestConfig) time.Duration {
	return cfg.SetupTimeout.GetDuration(config.DefaultSetupTimeout)
}

func teardownTimeout(cfg *config.TestConfig) time.Duration {
	return cfg.TeardownTimeout.GetDuration(config.DefaultTeardownTimeout)
}

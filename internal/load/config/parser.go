package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/vuramp/internal/load/scheduler"
	"github.com/wesleyorama2/vuramp/internal/load/threshold"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultName                 = "vuramp"
	DefaultTick                 = scheduler.DefaultTick
	DefaultGracefulStop         = scheduler.DefaultGracefulStop
	DefaultSetupTimeout         = 60 * time.Second
	DefaultTeardownTimeout      = 60 * time.Second
	DefaultHTTPTimeout          = 30 * time.Second
	DefaultContactsPerIteration = 1
	DefaultUserAgent            = "vuramp/1.0"
)

// LoadConfig loads a run configuration from a file.
//
// The file format is determined by extension:
//   - .yaml, .yml -> YAML
//   - .json -> JSON
func LoadConfig(path string) (*TestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data, path)
}

// ParseConfig parses, schema-checks, defaults and validates configuration
// data. The format is taken from the extension of path and defaults to YAML.
//
// ${VAR} and ${VAR:-default} references are expanded from the environment
// before parsing.
func ParseConfig(data []byte, path string) (*TestConfig, error) {
	data = ExpandEnv(data, os.LookupEnv)
	isJSON := strings.EqualFold(filepath.Ext(path), ".json")

	var doc interface{}
	if isJSON {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
		normalized, err := normalizeDocument(doc)
		if err != nil {
			return nil, err
		}
		doc = normalized
	}

	if err := ValidateDocument(doc); err != nil {
		return nil, err
	}

	var cfg TestConfig
	if isJSON {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} using lookup. Unset
// variables without a default expand to the empty string.
func ExpandEnv(data []byte, lookup func(string) (string, bool)) []byte {
	return envRef.ReplaceAllFunc(data, func(match []byte) []byte {
		m := envRef.FindSubmatch(match)
		if v, ok := lookup(string(m[1])); ok && v != "" {
			return []byte(v)
		}
		return m[2]
	})
}

// ParseDurationString parses a duration string with support for common formats.
//
// Supported formats:
//   - Standard Go duration: "30s", "2m", "1h30m", "500ms"
//   - Seconds as integer: "30" (treated as 30 seconds)
func ParseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err == nil {
		return d, nil
	}

	var seconds int
	var rest string
	if n, _ := fmt.Sscanf(s, "%d%s", &seconds, &rest); n == 1 {
		return time.Duration(seconds) * time.Second, nil
	}

	return 0, fmt.Errorf("invalid duration format: %s", s)
}

// StageName is the default name of the stage at index i.
func StageName(i int) string {
	return fmt.Sprintf("stage_%d", i+1)
}

// ParseStageList parses the compact stage list accepted on the command line,
// e.g. "30s:10,2m:10,30s:0". Empty entries are skipped and every stage gets
// its default name.
func ParseStageList(list string) ([]StageConfig, error) {
	var stages []StageConfig
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		i := len(stages)

		dur, target, ok := strings.Cut(entry, ":")
		dur = strings.TrimSpace(dur)
		if !ok || dur == "" {
			return nil, fmt.Errorf("stage %d: %q is not duration:target", i+1, entry)
		}
		if _, err := ParseDurationString(dur); err != nil {
			return nil, fmt.Errorf("stage %d: %w", i+1, err)
		}
		n, err := strconv.Atoi(strings.TrimSpace(target))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("stage %d: target %q must be a non-negative integer", i+1, target)
		}

		stages = append(stages, StageConfig{Duration: dur, Target: n, Name: StageName(i)})
	}

	if len(stages) == 0 {
		return nil, errors.New("at least one stage is required")
	}
	return stages, nil
}

// ApplyDefaults applies default values to a TestConfig.
func ApplyDefaults(cfg *TestConfig) {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Tick == 0 {
		cfg.Tick = Duration(DefaultTick)
	}
	if cfg.GracefulStop == 0 {
		cfg.GracefulStop = Duration(DefaultGracefulStop)
	}
	if cfg.SetupTimeout == 0 {
		cfg.SetupTimeout = Duration(DefaultSetupTimeout)
	}
	if cfg.TeardownTimeout == 0 {
		cfg.TeardownTimeout = Duration(DefaultTeardownTimeout)
	}

	if cfg.Settings.Timeout == 0 {
		cfg.Settings.Timeout = Duration(DefaultHTTPTimeout)
	}
	if cfg.Settings.ContactsPerIteration == nil {
		n := DefaultContactsPerIteration
		cfg.Settings.ContactsPerIteration = &n
	}
	if cfg.Settings.UserAgent == "" {
		cfg.Settings.UserAgent = DefaultUserAgent
	}

	for i, st := range cfg.Stages {
		if st.Name == "" {
			cfg.Stages[i].Name = StageName(i)
		}
	}
	for i, w := range cfg.Workloads {
		if w.Weight == 0 {
			cfg.Workloads[i].Weight = 1
		}
	}
}

// SchedulerConfig converts the load profile for the scheduler.
func (c *TestConfig) SchedulerConfig() (scheduler.Config, error) {
	sc := scheduler.Config{
		Mode:             scheduler.Mode(c.Executor),
		StartConcurrency: c.StartConcurrency,
		MaxWorkers:       c.MaxVUs,
		Tick:             time.Duration(c.Tick),
		GracefulStop:     time.Duration(c.GracefulStop),
	}
	if c.ThinkTime != nil {
		sc.ThinkTime = scheduler.ThinkTime{
			Min: time.Duration(c.ThinkTime.Min),
			Max: time.Duration(c.ThinkTime.Max),
		}
	}

	for i, st := range c.Stages {
		d, err := st.ParsedDuration()
		if err != nil {
			return scheduler.Config{}, fmt.Errorf("stages[%d]: invalid duration: %w", i, err)
		}
		sc.Stages = append(sc.Stages, scheduler.Stage{
			Duration: d,
			Target:   st.Target,
			Name:     st.Name,
		})
	}

	return sc, sc.Validate()
}

// ParseThresholds parses every threshold, ordered by metric name and then
// configured order.
func (c *TestConfig) ParseThresholds() ([]*threshold.Threshold, error) {
	metrics := make([]string, 0, len(c.Thresholds))
	for metric := range c.Thresholds {
		metrics = append(metrics, metric)
	}
	sort.Strings(metrics)

	var out []*threshold.Threshold
	for _, metric := range metrics {
		for _, tc := range c.Thresholds[metric] {
			th, err := threshold.Parse(metric, tc.Expression, tc.AbortOnFail)
			if err != nil {
				return nil, err
			}
			out = append(out, th)
		}
	}
	return out, nil
}

// TotalDuration is the sum of all stage durations. Unparseable stages
// count as zero.
func (c *TestConfig) TotalDuration() time.Duration {
	var total time.Duration
	for _, st := range c.Stages {
		d, _ := st.ParsedDuration()
		total += d
	}
	return total
}

// Package config provides configuration parsing and validation for load runs.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TestConfig is the root configuration of a run.
//
// Example YAML:
//
//	name: contacts-load
//	tick: 100ms
//	gracefulStop: 30s
//	thinkTime: {min: 1s, max: 3s}
//	stages:
//	  - {duration: 30s, target: 10}
//	  - {duration: 2m, target: 10}
//	  - {duration: 30s, target: 0}
//	thresholds:
//	  iteration_success: ["rate > 0.9"]
//	  http_req_duration:
//	    - "p(95) < 500"
//	    - {expression: "p(99) < 1500", abortOnFail: true}
//	workloads:
//	  - {name: contacts, weight: 3}
//	  - {name: sleep, weight: 1, options: {iterationTime: 50ms}}
//	settings:
//	  baseUrl: http://localhost:3000
type TestConfig struct {
	// Name of the run (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Executor is "ramping-vus" (default), where stage targets are worker
	// counts, or "ramping-arrival-rate", where they are iterations per second
	Executor string `json:"executor,omitempty" yaml:"executor,omitempty"`

	// StartConcurrency is the worker count the first stage ramps from, or
	// the pre-allocated pool of an arrival-rate run
	StartConcurrency int `json:"startConcurrency,omitempty" yaml:"startConcurrency,omitempty"`

	// MaxVUs caps the worker pool of an arrival-rate run
	MaxVUs int `json:"maxVUs,omitempty" yaml:"maxVUs,omitempty"`

	// Tick is how often the scheduler reconciles the worker count
	Tick Duration `json:"tick,omitempty" yaml:"tick,omitempty"`

	// GracefulStop bounds the final drain
	GracefulStop Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	SetupTimeout    Duration `json:"setupTimeout,omitempty" yaml:"setupTimeout,omitempty"`
	TeardownTimeout Duration `json:"teardownTimeout,omitempty" yaml:"teardownTimeout,omitempty"`

	// ThinkTime is the pause between iterations of a worker
	ThinkTime *ThinkTimeConfig `json:"thinkTime,omitempty" yaml:"thinkTime,omitempty"`

	Stages []StageConfig `json:"stages" yaml:"stages"`

	// Thresholds maps a metric name to its pass/fail expressions
	Thresholds map[string][]ThresholdConfig `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`

	// Workloads selects built-in workloads by name (CLI runs only)
	Workloads []WorkloadConfig `json:"workloads,omitempty" yaml:"workloads,omitempty"`

	Settings GlobalSettings `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// StageConfig defines a single stage.
//
// The duration is given either as a duration string ("30s", "2m") or as
// integer milliseconds in DurationMs.
type StageConfig struct {
	Duration   string `json:"duration,omitempty" yaml:"duration,omitempty"`
	DurationMs *int64 `json:"durationMs,omitempty" yaml:"durationMs,omitempty"`

	// Target worker count at the end of the stage
	Target int `json:"target" yaml:"target"`

	// Name is an optional name for this stage (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// ParsedDuration returns the stage duration.
func (s StageConfig) ParsedDuration() (time.Duration, error) {
	if s.DurationMs != nil {
		return time.Duration(*s.DurationMs) * time.Millisecond, nil
	}
	return ParseDurationString(s.Duration)
}

// ThinkTimeConfig is a constant (min only, or min == max) or uniformly random
// pause between iterations.
type ThinkTimeConfig struct {
	Min Duration `json:"min,omitempty" yaml:"min,omitempty"`
	Max Duration `json:"max,omitempty" yaml:"max,omitempty"`
}

// ThresholdConfig is one threshold expression. In YAML and JSON it is either
// a plain string or an object with expression and abortOnFail.
type ThresholdConfig struct {
	Expression  string `json:"expression" yaml:"expression"`
	AbortOnFail bool   `json:"abortOnFail,omitempty" yaml:"abortOnFail,omitempty"`
}

type thresholdObject ThresholdConfig

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *ThresholdConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*t = ThresholdConfig{Expression: value.Value}
		return nil
	}
	var obj thresholdObject
	if err := value.Decode(&obj); err != nil {
		return err
	}
	*t = ThresholdConfig(obj)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *ThresholdConfig) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = ThresholdConfig{Expression: s}
		return nil
	}
	var obj thresholdObject
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*t = ThresholdConfig(obj)
	return nil
}

// WorkloadConfig selects a built-in workload.
type WorkloadConfig struct {
	Name    string         `json:"name" yaml:"name"`
	Weight  int            `json:"weight,omitempty" yaml:"weight,omitempty"`
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// GlobalSettings holds settings shared by the built-in workloads.
type GlobalSettings struct {
	// BaseURL is the target API of HTTP workloads
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`

	// Timeout is the HTTP request timeout
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// ContactsPerIteration is how many contacts the contacts workload
	// creates. Nil means unset; an explicit 0 is kept.
	ContactsPerIteration *int `json:"contactsPerIteration,omitempty" yaml:"contactsPerIteration,omitempty"`

	UserAgent string            `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// Contacts returns ContactsPerIteration, or the default when unset.
func (s GlobalSettings) Contacts() int {
	if s.ContactsPerIteration == nil {
		return DefaultContactsPerIteration
	}
	return *s.ContactsPerIteration
}

// Duration is a time.Duration that can be unmarshaled from JSON/YAML strings
// ("30s") or integer seconds.
type Duration time.Duration

// GetDuration returns the duration or a default if zero.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "null" {
		*d = 0
		return nil
	}
	return d.set(s)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	return d.set(value.Value)
}

func (d *Duration) set(s string) error {
	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}
